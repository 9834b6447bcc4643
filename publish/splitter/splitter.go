// Package splitter slices a file into ordered multipart upload parts and
// computes the digests S3 uses for per-part and whole-object ETags.
package splitter

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// MinPartSize is the smallest part size S3 accepts for any part except the last.
	MinPartSize = 5 * 1024 * 1024
	// MaxParts is the S3 limit on the number of parts in a multipart upload.
	MaxParts = 10000
)

// FilePart is one slice of a file, identified by its 0-based index.
// Digest is the lowercase hex MD5 of the slice when digests were requested.
type FilePart struct {
	Index  int
	Offset int64
	Length int64
	Digest string
}

// Splitter produces file parts with a fixed part size.
type Splitter struct {
	partSize int64
}

// New creates a Splitter. Part sizes below MinPartSize are raised to it.
func New(partSize int64) *Splitter {
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	return &Splitter{partSize: partSize}
}

// PartSize returns the effective part size.
func (s *Splitter) PartSize() int64 {
	return s.partSize
}

// PartCount returns the number of parts a file of the given size splits into.
func (s *Splitter) PartCount(fileSize int64) int {
	if fileSize%s.partSize == 0 {
		return int(fileSize / s.partSize)
	}
	return int(fileSize/s.partSize) + 1
}

// Split cuts the file at path into partCount ordered parts. Every part except
// the last has the configured part size, the last one carries the remainder.
// When withDigests is true each part's MD5 is computed in one streamed pass
// over its byte range.
func (s *Splitter) Split(path string, partCount int, withDigests bool) ([]FilePart, error) {
	if partCount < 1 {
		return nil, fmt.Errorf("invalid part count %d, expected at least 1", partCount)
	}
	if partCount > MaxParts {
		return nil, fmt.Errorf("invalid part count %d, S3 allows at most %d parts", partCount, MaxParts)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	fileSize := info.Size()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	parts := make([]FilePart, 0, partCount)
	for i := 0; i < partCount; i++ {
		offset := int64(i) * s.partSize
		length := s.partSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		if length <= 0 {
			return nil, fmt.Errorf("part %d is out of the file's %d bytes", i+1, fileSize)
		}

		part := FilePart{Index: i, Offset: offset, Length: length}
		if withDigests {
			digest, err := sectionDigest(file, offset, length)
			if err != nil {
				return nil, fmt.Errorf("digest part %d: %w", i+1, err)
			}
			part.Digest = digest
		}
		parts = append(parts, part)
	}

	return parts, nil
}

func sectionDigest(file *os.File, offset, length int64) (string, error) {
	hash := md5.New()
	n, err := io.Copy(hash, io.NewSectionReader(file, offset, length))
	if err != nil {
		return "", err
	}
	if n != length {
		return "", fmt.Errorf("read %d bytes, expected %d", n, length)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// MultipartDigest computes the S3 ETag of a completed multipart upload:
// the MD5 of the concatenated binary part ETags, suffixed with the part count.
func MultipartDigest(etags []string) (string, error) {
	hash := md5.New()
	for i, etag := range etags {
		raw, err := hex.DecodeString(etag)
		if err != nil {
			return "", fmt.Errorf("decode etag of part %d: %w", i+1, err)
		}
		hash.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash.Sum(nil)), len(etags)), nil
}
