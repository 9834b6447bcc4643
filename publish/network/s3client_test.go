package network

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadFile_ReturnsETag(t *testing.T) {
	content := []byte("hello world\n")
	path := writeTestFile(t, "foo.txt", content)

	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("ETag", fmt.Sprintf("%q", md5Hex(content)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, true, log.NewLogger())
	etag, err := client.UploadFile(context.Background(), server.URL, path)

	require.NoError(t, err)
	assert.Equal(t, md5Hex(content), etag)
	assert.Equal(t, content, gotBody)
	assert.Contains(t, gotContentType, "text/plain")
}

func TestUploadFile_EmptyFile(t *testing.T) {
	path := writeTestFile(t, "empty.bin", nil)
	emptyDigest := md5Hex(nil)

	var gotLength int64 = -1
	var gotTransferEncoding []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		gotTransferEncoding = r.TransferEncoding
		w.Header().Set("ETag", fmt.Sprintf("%q", emptyDigest))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, true, log.NewLogger())
	etag, err := client.UploadFile(context.Background(), server.URL, path)

	require.NoError(t, err)
	assert.Equal(t, emptyDigest, etag)
	// S3 rejects chunked presigned PUTs, an empty object must still carry
	// an explicit Content-Length of zero.
	assert.Equal(t, int64(0), gotLength)
	assert.Empty(t, gotTransferEncoding)
}

func TestUploadFilePart_SendsOnlyTheRange(t *testing.T) {
	data := []byte("0123456789abcdef")
	path := writeTestFile(t, "data.bin", data)
	want := data[4:12]

	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", fmt.Sprintf("%q", md5Hex(want)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, true, log.NewLogger())
	etag, err := client.UploadFilePart(context.Background(), server.URL, path, 4, 8)

	require.NoError(t, err)
	assert.Equal(t, want, gotBody)
	assert.Equal(t, md5Hex(want), etag)
}

func TestUploadFile_ConsistencyMismatchIsRetriable(t *testing.T) {
	path := writeTestFile(t, "foo.txt", []byte("content"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"deadbeefdeadbeefdeadbeefdeadbeef"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, true, log.NewLogger())
	_, err := client.UploadFile(context.Background(), server.URL, path)

	require.Error(t, err)
	var uploadErr *FileUploadFailedError
	require.True(t, errors.As(err, &uploadErr))
	assert.True(t, uploadErr.Recoverable)
	assert.True(t, IsRecoverable(err))
}

func TestUploadFile_ConsistencyCheckDisabledIgnoresMismatch(t *testing.T) {
	path := writeTestFile(t, "foo.txt", []byte("content"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"deadbeefdeadbeefdeadbeefdeadbeef"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	etag, err := client.UploadFile(context.Background(), server.URL, path)

	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", etag)
}

func TestUploadFile_ServerErrorIsRecoverable(t *testing.T) {
	path := writeTestFile(t, "foo.txt", []byte("content"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	_, err := client.UploadFile(context.Background(), server.URL, path)

	require.Error(t, err)
	assert.True(t, IsRecoverable(err))
}

func TestUploadFile_S3XMLErrorCode(t *testing.T) {
	path := writeTestFile(t, "foo.txt", []byte("content"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<Error><Code>SlowDown</Code><Message>Reduce your request rate</Message></Error>`)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	_, err := client.UploadFile(context.Background(), server.URL, path)

	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "SlowDown", statusErr.S3Code)
	assert.True(t, IsRecoverable(err))
}

func TestUploadFile_AccessDeniedIsPermanent(t *testing.T) {
	path := writeTestFile(t, "foo.txt", []byte("content"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<Error><Code>AccessDenied</Code></Error>`)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	_, err := client.UploadFile(context.Background(), server.URL, path)

	require.Error(t, err)
	assert.False(t, IsRecoverable(err))
}

func TestFetchETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	etag, err := client.FetchETag(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Equal(t, "abc123", etag)
}

func TestUploadFile_MissingFile(t *testing.T) {
	client := NewS3Client(ClientConfig{}, false, log.NewLogger())
	_, err := client.UploadFile(context.Background(), "http://127.0.0.1:1/unused", filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
