package network

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// DigestingReader streams a file (or a slice of it) while updating an MD5
// digest. The upload layer opens a fresh reader for every PUT attempt, which
// reopens the file and reinitializes the digest, so retried requests always
// send and hash the bytes from the start.
type DigestingReader struct {
	file   *os.File
	reader io.Reader
	hash   hash.Hash
	length int64
}

// OpenDigestingReader opens the byte range [offset, offset+length) of the
// file at path. A negative length means the remainder of the file.
func OpenDigestingReader(path string, offset, length int64) (*DigestingReader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if length < 0 {
		length = info.Size() - offset
	}
	if offset < 0 || offset+length > info.Size() {
		return nil, fmt.Errorf("range [%d, %d) is outside the file's %d bytes", offset, offset+length, info.Size())
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	digest := md5.New()
	return &DigestingReader{
		file:   file,
		reader: io.TeeReader(io.NewSectionReader(file, offset, length), digest),
		hash:   digest,
		length: length,
	}, nil
}

func (r *DigestingReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close closes the underlying file.
func (r *DigestingReader) Close() error {
	return r.file.Close()
}

// Length returns the number of bytes the reader will produce.
func (r *DigestingReader) Length() int64 {
	return r.length
}

// Digest returns the lowercase hex MD5 of the bytes read so far. It is only
// meaningful after the stream has been fully consumed.
func (r *DigestingReader) Digest() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}
