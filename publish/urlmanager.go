package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-artifactupload/publish/network"
	"github.com/bitrise-io/go-artifactupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/singleflight"
)

// URLBroker is the capability the upload engine holds against the external
// presigned URL broker.
type URLBroker interface {
	FetchRegularURLs(ctx context.Context, objectKeys []string, digests map[string]string) ([]network.PresignedURL, error)
	FetchMultipartURL(ctx context.Context, objectKey string, digests []string, uploadID string, ttl *int64) (*network.PresignedURL, error)
	CompleteMultipartUpload(ctx context.Context, objectKey, uploadID string, etags []string) error
	AbortMultipartUpload(ctx context.Context, objectKey, uploadID string) error
	Close()
}

// signedURLManager caches regular presigned URLs for the batch's object keys
// under a TTL and tracks the upload ids of in-flight multipart uploads.
//
// Regular URL reads serve the current snapshot without blocking; on expiry
// exactly one refresh runs (singleflight) and every waiter observes the same
// outcome. Multipart URL fetches always bypass the cache because upload ids
// are stateful on the broker side.
type signedURLManager struct {
	broker     URLBroker
	retrier    *retry.Retrier
	objectKeys []string
	maxChunk   int
	ttl        time.Duration
	logger     log.Logger

	group     singleflight.Group
	mu        sync.RWMutex
	snapshot  map[string]network.PresignedURL
	fetchedAt time.Time

	// uploadIDs maps object keys to broker-allocated multipart upload ids.
	// Entries are written once on URL acquisition and deleted on terminal
	// complete/abort, so an aborted upload can never be completed later.
	uploadIDs sync.Map
}

func newSignedURLManager(broker URLBroker, retrier *retry.Retrier, objectKeys []string, cfg Config, logger log.Logger) *signedURLManager {
	return &signedURLManager{
		broker:     broker,
		retrier:    retrier,
		objectKeys: objectKeys,
		maxChunk:   cfg.PresignedURLMaxChunkSize,
		ttl:        cfg.URLTTL,
		logger:     logger,
	}
}

// GetRegularURL returns the cached presigned URL for the object key,
// refreshing the snapshot first when it expired. Descriptors of the wrong
// shape fail the caller non-recoverably.
func (m *signedURLManager) GetRegularURL(ctx context.Context, objectKey string) (string, error) {
	snapshot, err := m.currentSnapshot(ctx)
	if err != nil {
		return "", err
	}

	presignedURL, ok := snapshot[objectKey]
	if !ok {
		return "", &network.ShapeError{Message: fmt.Sprintf("object key %q not found in cached response from broker", objectKey)}
	}
	if presignedURL.Multipart {
		return "", &network.ShapeError{Message: fmt.Sprintf("object key %q resolved to a multipart descriptor, regular upload expected", objectKey)}
	}
	if len(presignedURL.Parts) != 1 {
		return "", &network.ShapeError{Message: fmt.Sprintf("object key %q resolved to %d presigned URLs, expected exactly 1", objectKey, len(presignedURL.Parts))}
	}
	return presignedURL.Parts[0].URL, nil
}

// GetMultipartURLs fetches multipart presigned URLs for the object key and
// records the returned upload id in the registry.
func (m *signedURLManager) GetMultipartURLs(ctx context.Context, objectKey string, digests []string) (*network.PresignedURL, error) {
	var presignedURL *network.PresignedURL
	err := m.retrier.Execute(ctx, "fetch multipart presigned URLs", func() error {
		var fetchErr error
		presignedURL, fetchErr = m.broker.FetchMultipartURL(ctx, objectKey, digests, "", nil)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	m.uploadIDs.Store(presignedURL.ObjectKey, presignedURL.UploadID)
	return presignedURL, nil
}

// FinishUpload sends the terminal complete or abort signal for the object
// key's multipart upload. A no-op for regular uploads and for uploads that
// already reached a terminal state.
func (m *signedURLManager) FinishUpload(ctx context.Context, objectKey string, etags []string, success bool) error {
	value, ok := m.uploadIDs.Load(objectKey)
	if !ok {
		return nil
	}
	uploadID := value.(string)

	err := m.retrier.Execute(ctx, "finalize multipart upload", func() error {
		if success {
			return m.broker.CompleteMultipartUpload(ctx, objectKey, uploadID, etags)
		}
		return m.broker.AbortMultipartUpload(ctx, objectKey, uploadID)
	})
	if err != nil {
		message := fmt.Sprintf("failed to %s multipart upload for %q", successWord(success), objectKey)
		m.logger.Warnf("%s: %s", message, err)
		return &network.FileUploadFailedError{Message: message, Recoverable: false, Err: err}
	}

	m.uploadIDs.Delete(objectKey)
	m.logger.Debugf("Multipart upload for %q has been %sd", objectKey, successWord(success))
	return nil
}

// AbortRemaining aborts every multipart upload that never reached a terminal
// state. Called by the coordinator on exit, with a context independent of
// the batch context so interrupted batches still clean up.
func (m *signedURLManager) AbortRemaining(ctx context.Context) []error {
	var errs []error
	m.uploadIDs.Range(func(key, _ interface{}) bool {
		if err := m.FinishUpload(ctx, key.(string), nil, false); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errs
}

// Close shuts down the underlying broker client.
func (m *signedURLManager) Close() {
	m.broker.Close()
}

func (m *signedURLManager) currentSnapshot(ctx context.Context) (map[string]network.PresignedURL, error) {
	m.mu.RLock()
	if m.snapshot != nil && time.Since(m.fetchedAt) < m.ttl {
		snapshot := m.snapshot
		m.mu.RUnlock()
		return snapshot, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		m.mu.RLock()
		if m.snapshot != nil && time.Since(m.fetchedAt) < m.ttl {
			snapshot := m.snapshot
			m.mu.RUnlock()
			return snapshot, nil
		}
		m.mu.RUnlock()
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]network.PresignedURL), nil
}

// refresh fetches presigned URLs for every object key of the batch in chunks
// of at most maxChunk keys. Any chunk failure fails the refresh as a whole
// and discards the old snapshot.
func (m *signedURLManager) refresh(ctx context.Context) (map[string]network.PresignedURL, error) {
	m.logger.Debugf("Fetching presigned URLs for %d object keys", len(m.objectKeys))

	snapshot := make(map[string]network.PresignedURL, len(m.objectKeys))
	for start := 0; start < len(m.objectKeys); start += m.maxChunk {
		end := start + m.maxChunk
		if end > len(m.objectKeys) {
			end = len(m.objectKeys)
		}
		chunk := m.objectKeys[start:end]

		var urls []network.PresignedURL
		err := m.retrier.Execute(ctx, "fetch presigned URLs", func() error {
			var fetchErr error
			urls, fetchErr = m.broker.FetchRegularURLs(ctx, chunk, nil)
			return fetchErr
		})
		if err != nil {
			m.mu.Lock()
			m.snapshot = nil
			m.mu.Unlock()
			return nil, err
		}
		for _, presignedURL := range urls {
			snapshot[presignedURL.ObjectKey] = presignedURL
		}
	}

	m.mu.Lock()
	m.snapshot = snapshot
	m.fetchedAt = time.Now()
	m.mu.Unlock()
	return snapshot, nil
}

func successWord(success bool) string {
	if success {
		return "complete"
	}
	return "abort"
}
