package network

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-cleanhttp"
)

const userAgent = "go-artifactupload/1.0"

// ClientConfig sizes the HTTP connection pool and the dial timeout of the
// low-level clients. The pool is aligned with the upload worker count so
// workers never queue behind each other for a connection.
type ClientConfig struct {
	ConnectionTimeout time.Duration
	MaxConnections    int
}

func newPooledHTTPClient(cfg ClientConfig) *http.Client {
	transport := cleanhttp.DefaultPooledTransport()
	if cfg.MaxConnections > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnections
		transport.MaxIdleConnsPerHost = cfg.MaxConnections
	}
	if cfg.ConnectionTimeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   cfg.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.TLSHandshakeTimeout = cfg.ConnectionTimeout
		transport.ResponseHeaderTimeout = cfg.ConnectionTimeout
	}
	return &http.Client{Transport: transport}
}

// S3Client PUTs object bytes to presigned S3 URLs. It holds no credentials,
// all authorization is carried by the URLs themselves. Safe for concurrent
// use, requests open their own file handles.
type S3Client struct {
	httpClient       *http.Client
	checkConsistency bool
	logger           log.Logger
}

// NewS3Client creates an S3Client with a connection pool sized per cfg.
func NewS3Client(cfg ClientConfig, checkConsistency bool, logger log.Logger) *S3Client {
	return &S3Client{
		httpClient:       newPooledHTTPClient(cfg),
		checkConsistency: checkConsistency,
		logger:           logger,
	}
}

// UploadFile PUTs the whole file to the presigned URL and returns the ETag
// reported by S3. The Content-Type is derived from the file suffix. With the
// consistency check enabled, an ETag differing from the locally computed MD5
// fails with a retriable error.
func (c *S3Client) UploadFile(ctx context.Context, url, filePath string) (string, error) {
	return c.put(ctx, url, filePath, 0, -1, contentTypeForFile(filePath))
}

// UploadFilePart PUTs the byte range [offset, offset+length) of the file.
// Consistency behavior matches UploadFile.
func (c *S3Client) UploadFilePart(ctx context.Context, url, filePath string, offset, length int64) (string, error) {
	return c.put(ctx, url, filePath, offset, length, "application/octet-stream")
}

// FetchETag HEADs the presigned URL and returns the object's ETag.
func (c *S3Client) FetchETag(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("create HEAD request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readStatusError(resp)
	}
	etag := unquoteETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", &FileUploadFailedError{Message: "response does not contain an ETag", Recoverable: true}
	}
	return etag, nil
}

// CloseIdleConnections releases pooled connections.
func (c *S3Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *S3Client) put(ctx context.Context, url, filePath string, offset, length int64, contentType string) (string, error) {
	body, err := OpenDigestingReader(filePath, offset, length)
	if err != nil {
		return "", err
	}
	defer body.Close()

	// A zero-length reader would be sent chunked without a Content-Length,
	// which S3 rejects on presigned PUTs. Empty objects go out as NoBody
	// with an explicit zero length instead.
	var requestBody io.Reader = body
	if body.Length() == 0 {
		requestBody = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, requestBody)
	if err != nil {
		return "", fmt.Errorf("create PUT request: %w", err)
	}
	req.ContentLength = body.Length()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readStatusError(resp)
	}

	digest := body.Digest()
	etag := unquoteETag(resp.Header.Get("ETag"))
	if c.checkConsistency {
		if etag == "" {
			return "", &FileUploadFailedError{Message: "response does not contain an ETag", Recoverable: true}
		}
		if etag != digest {
			return "", &FileUploadFailedError{
				Message:     fmt.Sprintf("consistency check failed: calculated digest [%s] is different from S3 ETag [%s]", digest, etag),
				Recoverable: true,
			}
		}
		c.logger.Debugf("Consistency check successful")
	}

	if etag != "" {
		return etag, nil
	}
	return digest, nil
}

func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func contentTypeForFile(filePath string) string {
	if contentType := mime.TypeByExtension(filepath.Ext(filePath)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
