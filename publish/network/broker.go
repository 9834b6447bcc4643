package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	// artifactKeysHeader carries the first few object keys of a request so
	// the broker can correlate its logs with the uploaded artifacts.
	artifactKeysHeader = "X-Artifact-Keys"
	// correlationIDHeader ties every request of one coordinator together.
	correlationIDHeader = "X-Correlation-ID"
	// nodeIDCookie routes requests to the broker node that owns the build.
	nodeIDCookie = "node-id"

	// DefaultMaxKeyHeaders is how many object keys are repeated in the
	// artifact keys header at most.
	DefaultMaxKeyHeaders = 10

	formFieldObjectKey       = "OBJECT_KEY"
	formFieldObjectKeyBase64 = "OBJECT_KEY_BASE64"
	formFieldFinishUpload    = "FINISH_UPLOAD"
	formFieldUploadSuccess   = "UPLOAD_SUCCESSFUL"
	formFieldEtags           = "ETAGS"
)

// BrokerConfig describes how to reach the presigned URL broker.
type BrokerConfig struct {
	// URL is the broker endpoint all requests are POSTed to.
	URL string
	// AccessUser and AccessToken are sent as basic auth when set.
	AccessUser  string
	AccessToken string
	// NodeID is the broker node that owns this build, sent as an affinity
	// cookie. May be empty.
	NodeID string
	// MaxKeyHeaders caps the object keys repeated in the artifact keys
	// header. Zero means DefaultMaxKeyHeaders.
	MaxKeyHeaders int

	Client ClientConfig
}

// BrokerClient implements the URL broker wire protocol: XML requests for
// presigned URLs and form-encoded multipart finalization. A client becomes
// unusable after Close, later calls fail with ShutdownError.
type BrokerClient struct {
	cfg           BrokerConfig
	httpClient    *http.Client
	correlationID string
	logger        log.Logger
	shutdown      int32
}

// NewBrokerClient creates a broker client with a fresh correlation id.
func NewBrokerClient(cfg BrokerConfig, logger log.Logger) *BrokerClient {
	if cfg.MaxKeyHeaders == 0 {
		cfg.MaxKeyHeaders = DefaultMaxKeyHeaders
	}
	return &BrokerClient{
		cfg:           cfg,
		httpClient:    newPooledHTTPClient(cfg.Client),
		correlationID: uuid.NewString(),
		logger:        logger,
	}
}

// CorrelationID returns the id attached to every request of this client.
func (c *BrokerClient) CorrelationID() string {
	return c.correlationID
}

// FetchRegularURLs requests regular presigned URLs for the given object keys
// in a single batch. Callers are responsible for keeping batches within the
// configured chunk size, the client does not split. digests may be nil.
func (c *BrokerClient) FetchRegularURLs(ctx context.Context, objectKeys []string, digests map[string]string) ([]PresignedURL, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	body, err := serializeRegularRequest(objectKeys, digests)
	if err != nil {
		return nil, err
	}
	responseBody, err := c.postXML(ctx, body, objectKeys)
	if err != nil {
		return nil, err
	}
	return deserializeResponse(responseBody)
}

// FetchURL requests a presigned URL for a single object key, optionally with
// a content digest and a custom TTL in seconds.
func (c *BrokerClient) FetchURL(ctx context.Context, objectKey, digest string, ttl *int64) (*PresignedURL, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	body, err := serializeObjectKeyRequest(objectKey, digest, ttl)
	if err != nil {
		return nil, err
	}
	return c.fetchSingle(ctx, objectKey, body)
}

// FetchMultipartURL requests multipart presigned URLs for the object key,
// one URL per part digest. The broker allocates an upload id when none is
// passed in.
func (c *BrokerClient) FetchMultipartURL(ctx context.Context, objectKey string, digests []string, uploadID string, ttl *int64) (*PresignedURL, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	body, err := serializeMultipartRequest(objectKey, digests, uploadID, ttl)
	if err != nil {
		return nil, err
	}
	presignedURL, err := c.fetchSingle(ctx, objectKey, body)
	if err != nil {
		return nil, err
	}
	if !presignedURL.Multipart || presignedURL.UploadID == "" {
		return nil, &ShapeError{Message: fmt.Sprintf("broker returned a non-multipart descriptor for %q", objectKey)}
	}
	return presignedURL, nil
}

// CompleteMultipartUpload signals that every part of the upload is durable
// and the object should become visible. Etags must be in part number order.
func (c *BrokerClient) CompleteMultipartUpload(ctx context.Context, objectKey, uploadID string, etags []string) error {
	if err := c.validate(); err != nil {
		return err
	}
	return c.finishMultipartUpload(ctx, objectKey, uploadID, etags, true)
}

// AbortMultipartUpload signals that the upload failed and its parts should
// be discarded.
func (c *BrokerClient) AbortMultipartUpload(ctx context.Context, objectKey, uploadID string) error {
	if err := c.validate(); err != nil {
		return err
	}
	return c.finishMultipartUpload(ctx, objectKey, uploadID, nil, false)
}

// Close puts the client into its terminal shutdown state.
func (c *BrokerClient) Close() {
	atomic.StoreInt32(&c.shutdown, 1)
	c.httpClient.CloseIdleConnections()
}

func (c *BrokerClient) validate() error {
	if atomic.LoadInt32(&c.shutdown) == 1 {
		c.logger.Warnf("Presigned URL broker client already shut down")
		return &ShutdownError{}
	}
	return nil
}

func (c *BrokerClient) fetchSingle(ctx context.Context, objectKey string, body []byte) (*PresignedURL, error) {
	responseBody, err := c.postXML(ctx, body, []string{objectKey})
	if err != nil {
		return nil, err
	}
	urls, err := deserializeResponse(responseBody)
	if err != nil {
		return nil, err
	}
	for i := range urls {
		if urls[i].ObjectKey == objectKey {
			return &urls[i], nil
		}
	}
	return nil, &ShapeError{Message: fmt.Sprintf("broker response does not contain the requested object %q", objectKey)}
}

func (c *BrokerClient) postXML(ctx context.Context, body []byte, objectKeys []string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	c.decorate(req, objectKeys)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readStatusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *BrokerClient) finishMultipartUpload(ctx context.Context, objectKey, uploadID string, etags []string, successful bool) error {
	c.logger.Debugf("Multipart upload %s signaling %s started", uploadID, successWord(successful))

	form := url.Values{}
	form.Set(formFieldObjectKey, objectKey)
	form.Set(formFieldObjectKeyBase64, base64.StdEncoding.EncodeToString([]byte(objectKey)))
	form.Set(formFieldFinishUpload, uploadID)
	form.Set(formFieldUploadSuccess, strconv.FormatBool(successful))
	for _, etag := range etags {
		form.Add(formFieldEtags, etag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.decorate(req, []string{objectKey})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	c.logger.Debugf("Multipart upload %s signaling %s finished", uploadID, successWord(successful))
	return nil
}

func (c *BrokerClient) decorate(req *http.Request, objectKeys []string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Accept-Charset", "utf-8")
	req.Header.Set(correlationIDHeader, c.correlationID)

	maxKeys := c.cfg.MaxKeyHeaders
	if maxKeys > len(objectKeys) {
		maxKeys = len(objectKeys)
	}
	for i := 0; i < maxKeys; i++ {
		req.Header.Add(artifactKeysHeader, objectKeys[i])
	}

	if c.cfg.AccessUser != "" {
		req.SetBasicAuth(c.cfg.AccessUser, c.cfg.AccessToken)
	}

	if c.cfg.NodeID != "" {
		req.AddCookie(&http.Cookie{Name: nodeIDCookie, Value: c.cfg.NodeID})
	} else {
		c.logger.Debugf("No broker node id available, requests may land on any node")
	}
}

func successWord(successful bool) string {
	if successful {
		return "success"
	}
	return "failure"
}
