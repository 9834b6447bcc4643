package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync/atomic"

	"github.com/bitrise-io/go-artifactupload/publish/network"
	"github.com/bitrise-io/go-artifactupload/publish/splitter"
	"github.com/bitrise-io/go-artifactupload/retry"
)

// presignedUpload uploads one file, either with a single PUT or as a
// multipart upload, depending on the file size and the configuration.
type presignedUpload struct {
	filePath     string
	artifactPath string
	objectKey    string

	urls     *signedURLManager
	s3Client *network.S3Client
	splitter *splitter.Splitter
	retrier  *retry.Retrier
	listener ProgressListener

	multipartEnabled   bool
	multipartThreshold int64

	total     int64
	remaining int64
}

func newPresignedUpload(filePath, artifactPath, objectKey string, urls *signedURLManager, s3Client *network.S3Client, fileSplitter *splitter.Splitter, retrier *retry.Retrier, cfg Config) *presignedUpload {
	return &presignedUpload{
		filePath:           filePath,
		artifactPath:       artifactPath,
		objectKey:          objectKey,
		urls:               urls,
		s3Client:           s3Client,
		splitter:           fileSplitter,
		retrier:            retrier,
		multipartEnabled:   cfg.MultipartEnabled,
		multipartThreshold: cfg.MultipartThreshold,
	}
}

// Description identifies the upload in logs.
func (u *presignedUpload) Description() string {
	return fmt.Sprintf("[%s => %s]", u.filePath, u.objectKey)
}

// FinishedPercentage reports upload progress as 0..100.
func (u *presignedUpload) FinishedPercentage() int {
	total := atomic.LoadInt64(&u.total)
	if total <= 0 {
		return 0
	}
	remaining := atomic.LoadInt64(&u.remaining)
	return 100 - int((remaining*100+total/2)/total)
}

// run performs the upload and returns the uploaded file's metadata. Any
// error has already been reported through the listener.
func (u *presignedUpload) run(ctx context.Context) (FileUploadInfo, error) {
	info, err := os.Stat(u.filePath)
	if err != nil {
		wrapped := failure(u.filePath, err)
		u.listener.OnFileUploadFailed(wrapped)
		return FileUploadInfo{}, wrapped
	}
	atomic.StoreInt64(&u.total, info.Size())
	atomic.StoreInt64(&u.remaining, info.Size())

	if err := u.listener.BeforeUploadStarted(); err != nil {
		return FileUploadInfo{}, err
	}

	var digest string
	if u.useMultipart(info.Size()) {
		digest, err = u.runMultipart(ctx, info.Size())
	} else {
		digest, err = u.runRegular(ctx)
	}
	if err != nil {
		if !network.IsInterrupted(err) {
			u.listener.OnFileUploadFailed(err)
		}
		return FileUploadInfo{}, err
	}

	return FileUploadInfo{
		ArtifactPath: u.artifactPath,
		AbsolutePath: u.filePath,
		Size:         info.Size(),
		Digest:       digest,
	}, nil
}

func (u *presignedUpload) useMultipart(fileSize int64) bool {
	return u.multipartEnabled &&
		fileSize >= u.multipartThreshold &&
		u.splitter.PartCount(fileSize) > 1
}

func (u *presignedUpload) runRegular(ctx context.Context) (string, error) {
	var etag, uploadURL string
	err := u.retrier.Execute(ctx, fmt.Sprintf("upload %s", u.Description()), func() error {
		var attemptErr error
		uploadURL, attemptErr = u.urls.GetRegularURL(ctx, u.objectKey)
		if attemptErr != nil {
			return attemptErr
		}
		etag, attemptErr = u.s3Client.UploadFile(ctx, uploadURL, u.filePath)
		return attemptErr
	})
	if err != nil {
		return "", failure(u.Description(), err)
	}

	atomic.StoreInt64(&u.remaining, 0)
	u.listener.OnFileUploadSuccess(stripQuery(uploadURL))
	return etag, nil
}

func (u *presignedUpload) runMultipart(ctx context.Context, fileSize int64) (string, error) {
	partCount := u.splitter.PartCount(fileSize)
	parts, err := u.splitter.Split(u.filePath, partCount, true)
	if err != nil {
		return "", failure(u.Description(), err)
	}

	digests := make([]string, len(parts))
	for i, part := range parts {
		digests[i] = part.Digest
	}

	presignedURL, err := u.urls.GetMultipartURLs(ctx, u.objectKey, digests)
	if err != nil {
		return "", failure(u.Description(), err)
	}
	if len(presignedURL.Parts) != partCount {
		u.abort()
		return "", &network.ShapeError{
			Message: fmt.Sprintf("broker returned %d presigned URLs for %d parts of %q", len(presignedURL.Parts), partCount, u.objectKey),
		}
	}

	etags := make([]string, partCount)
	var lastURL string
	for i, part := range parts {
		partNumber := presignedURL.Parts[i].PartNumber
		if err := u.listener.BeforePartUploadStarted(partNumber); err != nil {
			u.abort()
			return "", err
		}

		partURL := presignedURL.Parts[i].URL
		var etag string
		err := u.retrier.Execute(ctx, fmt.Sprintf("upload part #%d of %s", partNumber, u.Description()), func() error {
			var attemptErr error
			etag, attemptErr = u.s3Client.UploadFilePart(ctx, partURL, u.filePath, part.Offset, part.Length)
			return attemptErr
		})
		if err != nil {
			wrapped := failure(u.Description(), err)
			u.listener.OnPartUploadFailed(wrapped)
			u.abort()
			return "", wrapped
		}

		etags[i] = etag
		lastURL = stripQuery(partURL)
		atomic.AddInt64(&u.remaining, -part.Length)
		u.listener.OnPartUploadSuccess(lastURL)
	}

	if err := u.urls.FinishUpload(ctx, u.objectKey, etags, true); err != nil {
		return "", err
	}

	digest, err := splitter.MultipartDigest(etags)
	if err != nil {
		return "", failure(u.Description(), err)
	}
	u.listener.OnFileUploadSuccess(lastURL)
	return digest, nil
}

// abort signals the broker that the multipart upload will never complete.
// Runs detached from the batch context so interrupted uploads still clean up.
func (u *presignedUpload) abort() {
	_ = u.urls.FinishUpload(context.Background(), u.objectKey, nil, false)
}

// failure classifies an upload error. Interrupted and already classified
// errors pass through, missing files are fatal, everything else keeps its
// recoverability.
func failure(subject string, err error) error {
	if network.IsInterrupted(err) {
		return err
	}
	var alreadyFailed *network.FileUploadFailedError
	if errors.As(err, &alreadyFailed) {
		return err
	}
	if errors.Is(err, os.ErrNotExist) {
		return &network.FileUploadFailedError{
			Message:     fmt.Sprintf("artifact file %s does not exist", subject),
			Recoverable: false,
			Err:         err,
		}
	}
	return &network.FileUploadFailedError{
		Message:     fmt.Sprintf("upload of %s failed", subject),
		Recoverable: network.IsRecoverable(err),
		Err:         err,
	}
}

// stripQuery drops the presigned signature query so URLs are loggable.
func stripQuery(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
