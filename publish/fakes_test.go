package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/bitrise-io/go-artifactupload/publish/network"
)

// fakeBroker is an in-memory URLBroker with per-method hooks and counters.
type fakeBroker struct {
	mu sync.Mutex

	fetchRegularFn   func(objectKeys []string) ([]network.PresignedURL, error)
	fetchMultipartFn func(objectKey string, digests []string) (*network.PresignedURL, error)
	completeErr      error
	abortErr         error

	fetchRegularCalls   int
	fetchRegularBatches [][]string
	completed           map[string][]string
	aborted             map[string]string
	closed              bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		completed: map[string][]string{},
		aborted:   map[string]string{},
	}
}

func (b *fakeBroker) FetchRegularURLs(_ context.Context, objectKeys []string, _ map[string]string) ([]network.PresignedURL, error) {
	b.mu.Lock()
	b.fetchRegularCalls++
	batch := append([]string(nil), objectKeys...)
	b.fetchRegularBatches = append(b.fetchRegularBatches, batch)
	fn := b.fetchRegularFn
	b.mu.Unlock()

	if fn != nil {
		return fn(objectKeys)
	}
	urls := make([]network.PresignedURL, len(objectKeys))
	for i, key := range objectKeys {
		urls[i] = network.PresignedURL{
			ObjectKey: key,
			Parts:     []network.PresignedURLPart{{PartNumber: 1, URL: "https://s3.example.com/" + key}},
		}
	}
	return urls, nil
}

func (b *fakeBroker) FetchMultipartURL(_ context.Context, objectKey string, digests []string, _ string, _ *int64) (*network.PresignedURL, error) {
	b.mu.Lock()
	fn := b.fetchMultipartFn
	b.mu.Unlock()

	if fn != nil {
		return fn(objectKey, digests)
	}
	parts := make([]network.PresignedURLPart, len(digests))
	for i := range digests {
		parts[i] = network.PresignedURLPart{PartNumber: i + 1, URL: fmt.Sprintf("https://s3.example.com/%s/part%d", objectKey, i+1)}
	}
	return &network.PresignedURL{ObjectKey: objectKey, UploadID: "upload-" + objectKey, Multipart: true, Parts: parts}, nil
}

func (b *fakeBroker) CompleteMultipartUpload(_ context.Context, objectKey, uploadID string, etags []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completeErr != nil {
		return b.completeErr
	}
	b.completed[objectKey] = append([]string(nil), etags...)
	return nil
}

func (b *fakeBroker) AbortMultipartUpload(_ context.Context, objectKey, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abortErr != nil {
		return b.abortErr
	}
	b.aborted[objectKey] = uploadID
	return nil
}

func (b *fakeBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBroker) regularCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchRegularCalls
}

func (b *fakeBroker) abortedKeys() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := map[string]string{}
	for key, id := range b.aborted {
		keys[key] = id
	}
	return keys
}

// fakeS3Server accepts PUTs, stores the bodies and answers with the MD5 of
// the received bytes as the ETag, like S3 does for single-part PUTs.
type fakeS3Server struct {
	mu      sync.Mutex
	server  *httptest.Server
	objects map[string][]byte
	puts    int
	etagFn  func(body []byte) string
}

func newFakeS3Server() *fakeS3Server {
	s := &fakeS3Server{objects: map[string][]byte{}}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *fakeS3Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.puts++
	s.objects[r.URL.Path] = body
	etagFn := s.etagFn
	s.mu.Unlock()

	etag := fmt.Sprintf("%x", md5.Sum(body))
	if etagFn != nil {
		etag = etagFn(body)
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *fakeS3Server) url(path string) string {
	return s.server.URL + "/" + path + "?X-Amz-Signature=sig"
}

func (s *fakeS3Server) object(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[path]
}

func (s *fakeS3Server) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *fakeS3Server) close() {
	s.server.Close()
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// fakeEnvRepo is an env.Repository backed by a plain map.
type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	var list []string
	for key, value := range repo.envVars {
		list = append(list, key+"="+value)
	}
	return list
}
