package network

import (
	"context"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// maxErrorBodySize bounds how much of an error response body is kept around.
const maxErrorBodySize = 8 * 1024

// InterruptedError signals that the batch must stop. It is raised when the
// interrupter fires or when the URL broker reports the upload as interrupted.
type InterruptedError struct {
	Reason string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("upload interrupted: %s", e.Reason)
}

// ShutdownError is returned when a broker client is used after Close.
type ShutdownError struct{}

func (e *ShutdownError) Error() string {
	return "presigned URL broker client already shut down"
}

// ShapeError means the broker's response could not be used: malformed XML,
// a missing object key, or a descriptor of the wrong kind. Not retriable.
type ShapeError struct {
	Message string
	Err     error
}

func (e *ShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

// FileUploadFailedError is the terminal error of a file or batch upload.
// Recoverable reports whether retrying the whole operation could succeed.
type FileUploadFailedError struct {
	Message     string
	Recoverable bool
	Err         error
}

func (e *FileUploadFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *FileUploadFailedError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-2xx response from S3 or the URL broker.
// S3Code carries the <Error><Code> value when the body was an S3 XML error.
type HTTPStatusError struct {
	StatusCode int
	S3Code     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.S3Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.S3Code, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Recoverable reports whether the request may succeed on a later attempt.
// 5xx and throttling responses are retriable, other 4xx responses are not.
func (e *HTTPStatusError) Recoverable() bool {
	switch e.S3Code {
	case "RequestTimeout", "SlowDown", "InternalError":
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// UploadInterrupted reports whether the broker rejected the request because
// the build's upload was interrupted server-side.
func (e *HTTPStatusError) UploadInterrupted() bool {
	return strings.Contains(strings.ToLower(e.Body), "upload interrupted")
}

type s3ErrorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// readStatusError turns a non-2xx response into an HTTPStatusError, parsing
// an S3 XML error body when one is present. Interrupted broker responses
// surface as InterruptedError.
func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	statusErr := &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	var s3Err s3ErrorBody
	if err := xml.Unmarshal(body, &s3Err); err == nil {
		statusErr.S3Code = s3Err.Code
	}

	if statusErr.UploadInterrupted() {
		return &InterruptedError{Reason: statusErr.Body}
	}
	return statusErr
}

// IsInterrupted reports whether err is the dedicated interrupted kind,
// including context cancellation raised at a suspension point.
func IsInterrupted(err error) bool {
	if err == nil {
		return false
	}
	var interrupted *InterruptedError
	if errors.As(err, &interrupted) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRecoverable classifies err for the retry loop. Transport-level failures
// and throttling are retriable; interrupted uploads, missing files, client
// misuse and permanent HTTP errors are not.
func IsRecoverable(err error) bool {
	if err == nil || IsInterrupted(err) {
		return false
	}

	var shutdown *ShutdownError
	if errors.As(err, &shutdown) {
		return false
	}
	var shape *ShapeError
	if errors.As(err, &shape) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Recoverable()
	}
	var uploadErr *FileUploadFailedError
	if errors.As(err, &uploadErr) {
		return uploadErr.Recoverable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return false
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Connection-level surprises default to retriable, the attempt budget
	// still bounds them.
	return true
}
