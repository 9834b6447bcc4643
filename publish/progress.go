package publish

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-artifactupload/publish/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// maxVerboseUploadLogs caps how many files of a batch get per-part and
// per-file debug logging. Large batches would otherwise drown the log.
const maxVerboseUploadLogs = 10

// Interrupter is polled by the coordinator; a non-empty return value is the
// reason the batch must stop cooperatively.
type Interrupter func() string

// ProgressListener observes one upload task. The Before hooks double as
// cancellation points: a non-nil error stops the task.
type ProgressListener interface {
	BeforeUploadStarted() error
	BeforePartUploadStarted(partNumber int) error
	OnPartUploadSuccess(uploadURL string)
	OnPartUploadFailed(err error)
	OnFileUploadSuccess(uploadURL string)
	OnFileUploadFailed(err error)
}

// interruptWatcher converts the pull-style Interrupter capability into a
// cancellable context. Every suspension point either checks the watcher
// directly or inherits cancellation through the context.
type interruptWatcher struct {
	interrupter Interrupter
	cancel      context.CancelFunc
	reason      atomic.Value
	stopPolling chan struct{}
}

func newInterruptWatcher(parent context.Context, interrupter Interrupter) (context.Context, *interruptWatcher) {
	ctx, cancel := context.WithCancel(parent)
	watcher := &interruptWatcher{
		interrupter: interrupter,
		cancel:      cancel,
		stopPolling: make(chan struct{}),
	}
	go watcher.poll(ctx)
	return ctx, watcher
}

func (w *interruptWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopPolling:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check polls the interrupter, remembers the first reason and cancels the
// batch context. Returns the interrupted error when the batch must stop.
func (w *interruptWatcher) check() error {
	if reason, ok := w.reason.Load().(string); ok {
		return &network.InterruptedError{Reason: reason}
	}
	if w.interrupter == nil {
		return nil
	}
	if reason := w.interrupter(); reason != "" {
		w.reason.Store(reason)
		w.cancel()
		return &network.InterruptedError{Reason: reason}
	}
	return nil
}

func (w *interruptWatcher) interrupted() bool {
	_, ok := w.reason.Load().(string)
	return ok
}

func (w *interruptWatcher) stop() {
	close(w.stopPolling)
}

// uploadProgressListener is the logging ProgressListener used for real
// uploads. The shared counter budgets verbose logs across the whole batch.
type uploadProgressListener struct {
	upload     *presignedUpload
	watcher    *interruptWatcher
	logCounter *int32
	logger     log.Logger
}

func (l *uploadProgressListener) BeforeUploadStarted() error {
	if err := l.watcher.check(); err != nil {
		return err
	}
	if atomic.LoadInt32(l.logCounter) < maxVerboseUploadLogs {
		l.logger.Debugf("Started uploading %s", l.upload.Description())
	}
	return nil
}

func (l *uploadProgressListener) BeforePartUploadStarted(partNumber int) error {
	if err := l.watcher.check(); err != nil {
		return err
	}
	if atomic.LoadInt32(l.logCounter) < maxVerboseUploadLogs {
		l.logger.Debugf("Started uploading part #%d of %s", partNumber, l.upload.Description())
	}
	return nil
}

func (l *uploadProgressListener) OnPartUploadSuccess(uploadURL string) {
	if atomic.LoadInt32(l.logCounter) < maxVerboseUploadLogs {
		l.logger.Debugf("Artifact upload %s to %s at %d%%", l.upload.Description(), uploadURL, l.upload.FinishedPercentage())
	}
}

func (l *uploadProgressListener) OnPartUploadFailed(err error) {
	l.logger.Warnf("Upload chunk %s failed with error: %s", l.upload.Description(), err)
}

func (l *uploadProgressListener) OnFileUploadSuccess(uploadURL string) {
	if atomic.AddInt32(l.logCounter, 1) < maxVerboseUploadLogs {
		l.logger.Debugf("Artifact upload %s to %s is finished", l.upload.Description(), uploadURL)
	}
}

func (l *uploadProgressListener) OnFileUploadFailed(err error) {
	l.logger.Warnf("Upload %s failed with error: %s", l.upload.Description(), err)
}
