// Package publish uploads build artifacts to S3 through presigned URLs
// handed out by an external URL broker, so the uploader itself never holds
// object storage credentials.
package publish

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bitrise-io/go-artifactupload/publish/network"
	"github.com/bitrise-io/go-artifactupload/publish/splitter"
	"github.com/bitrise-io/go-artifactupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// FileUploadInfo describes one successfully uploaded artifact.
type FileUploadInfo struct {
	// ArtifactPath is the normalized logical path, without the key prefix.
	ArtifactPath string
	// AbsolutePath is the local file that was uploaded.
	AbsolutePath string
	Size         int64
	// Digest is the S3 ETag of the object. Multipart uploads carry the
	// composite "md5-N" form.
	Digest string
}

// Publisher uploads batches of files concurrently. A Publisher is reusable
// across batches until Close is called on its broker.
type Publisher struct {
	cfg      Config
	broker   URLBroker
	s3Client *network.S3Client
	logger   log.Logger
}

// NewPublisher creates a Publisher. The broker client is owned by the
// Publisher from this point on and is closed by Upload's cleanup.
func NewPublisher(cfg Config, broker URLBroker, logger log.Logger) *Publisher {
	cfg = cfg.withDefaults()
	clientConfig := network.ClientConfig{
		ConnectionTimeout: cfg.ConnectionTimeout,
		MaxConnections:    cfg.NThreads,
	}
	return &Publisher{
		cfg:      cfg,
		broker:   broker,
		s3Client: network.NewS3Client(clientConfig, cfg.ConsistencyCheckEnabled, logger),
		logger:   logger,
	}
}

type uploadResult struct {
	info FileUploadInfo
	err  error
}

// Upload uploads every file of the batch and returns the metadata of the
// uploaded objects. The map keys are local file paths, the values the
// logical artifact paths the objects should live under.
//
// The interrupter is polled during the batch; once it reports a reason the
// batch winds down cooperatively, in-flight multipart uploads are aborted
// and Upload returns an empty list without an error. Any other failure
// fails the whole batch with the first error encountered, but running
// sibling uploads are left to finish.
func (p *Publisher) Upload(filesToArtifactPaths map[string]string, interrupter Interrupter) ([]FileUploadInfo, error) {
	defer p.s3Client.CloseIdleConnections()

	uploads := p.prepare(filesToArtifactPaths)
	if len(uploads) == 0 {
		return []FileUploadInfo{}, nil
	}
	if len(uploads) > maxVerboseUploadLogs {
		p.logger.Debugf("Uploading %d files, per-file progress is logged for the first %d only", len(uploads), maxVerboseUploadLogs)
	}

	objectKeys := make([]string, len(uploads))
	for i, upload := range uploads {
		objectKeys[i] = upload.objectKey
	}

	retrier := retry.NewRetrier(p.cfg.MaxAttempts, p.cfg.BaseDelay, p.logger).
		WithAbortFunc(func(err error) bool {
			return !network.IsRecoverable(err)
		})
	urls := newSignedURLManager(p.broker, retrier, objectKeys, p.cfg, p.logger)
	defer urls.Close()

	ctx, watcher := newInterruptWatcher(context.Background(), interrupter)
	defer watcher.stop()

	fileSplitter := splitter.New(p.cfg.MinPartSize)
	var logCounter int32

	results := make(chan uploadResult, len(uploads))
	semaphore := make(chan struct{}, p.cfg.NThreads)
	var wg sync.WaitGroup
	for _, upload := range uploads {
		task := newPresignedUpload(upload.filePath, upload.artifactPath, upload.objectKey, urls, p.s3Client, fileSplitter, retrier, p.cfg)
		task.listener = &uploadProgressListener{
			upload:     task,
			watcher:    watcher,
			logCounter: &logCounter,
			logger:     p.logger,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			info, err := task.run(ctx)
			results <- uploadResult{info: info, err: err}
		}()
	}
	wg.Wait()
	close(results)

	infos := make([]FileUploadInfo, 0, len(uploads))
	var firstErr error
	for result := range results {
		switch {
		case result.err == nil:
			infos = append(infos, result.info)
		case network.IsInterrupted(result.err):
			// recorded by the watcher already
		case firstErr == nil:
			firstErr = result.err
		}
	}

	// Every multipart upload that never reached a terminal state gets an
	// abort, detached from the batch context.
	for _, abortErr := range urls.AbortRemaining(context.Background()) {
		p.logger.Warnf("Cleanup of an unfinished multipart upload failed: %s", abortErr)
	}

	if watcher.interrupted() {
		p.logger.Printf("Artifact upload has been interrupted, uploaded artifacts will not be published")
		return []FileUploadInfo{}, nil
	}
	if firstErr != nil {
		return nil, failure("artifact batch", firstErr)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ArtifactPath < infos[j].ArtifactPath
	})

	var totalSize int64
	for _, info := range infos {
		totalSize += info.Size
	}
	p.logger.Donef("Uploaded %d artifacts (%s)", len(infos), units.HumanSizeWithPrecision(float64(totalSize), 3))
	return infos, nil
}

type plannedUpload struct {
	filePath     string
	artifactPath string
	objectKey    string
}

// prepare normalizes the artifact paths and resolves collisions. When two
// files normalize to the same artifact path the later one in file path
// order wins, matching overwrite semantics of the object store.
func (p *Publisher) prepare(filesToArtifactPaths map[string]string) []plannedUpload {
	filePaths := make([]string, 0, len(filesToArtifactPaths))
	for filePath := range filesToArtifactPaths {
		filePaths = append(filePaths, filePath)
	}
	sort.Strings(filePaths)

	byArtifactPath := map[string]plannedUpload{}
	for _, filePath := range filePaths {
		artifactPath := NormalizeArtifactPath(filesToArtifactPaths[filePath], filePath)
		if previous, ok := byArtifactPath[artifactPath]; ok {
			p.logger.Warnf("Artifact path %q of %s collides with %s, the former will be overwritten", artifactPath, filePath, previous.filePath)
		}
		byArtifactPath[artifactPath] = plannedUpload{
			filePath:     filePath,
			artifactPath: artifactPath,
			objectKey:    p.objectKey(artifactPath),
		}
	}

	uploads := make([]plannedUpload, 0, len(byArtifactPath))
	for _, upload := range byArtifactPath {
		uploads = append(uploads, upload)
	}
	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].artifactPath < uploads[j].artifactPath
	})
	return uploads
}

func (p *Publisher) objectKey(artifactPath string) string {
	prefix := strings.Trim(p.cfg.PathPrefix, "/")
	if prefix == "" {
		return artifactPath
	}
	return prefix + "/" + artifactPath
}
