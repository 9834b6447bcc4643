package network

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// protocolVersion is the broker wire protocol revision sent with every request.
const protocolVersion = "v2"

// PresignedURLPart is one uploadable URL of a presigned descriptor.
// Regular descriptors have a single part with PartNumber 1.
type PresignedURLPart struct {
	PartNumber int
	URL        string
}

// PresignedURL describes how an object key can be uploaded: either one
// regular PUT URL or an ordered list of multipart part URLs tied to an
// upload id allocated by the broker.
type PresignedURL struct {
	ObjectKey string
	UploadID  string
	Multipart bool
	Parts     []PresignedURLPart
}

type requestDTO struct {
	XMLName    xml.Name       `xml:"request"`
	Version    string         `xml:"version,attr"`
	ObjectKeys *objectKeysDTO `xml:"objectKeys,omitempty"`
	ObjectKey  *objectKeyDTO  `xml:"objectKey,omitempty"`
	Multipart  *multipartDTO  `xml:"multipart,omitempty"`
}

type objectKeysDTO struct {
	Keys []objectKeyDTO `xml:"key"`
}

type objectKeyDTO struct {
	Digest string `xml:"digest,attr,omitempty"`
	TTL    *int64 `xml:"ttl,attr,omitempty"`
	Key    string `xml:",chardata"`
}

type multipartDTO struct {
	ObjectKey string   `xml:"objectKey,attr"`
	UploadID  string   `xml:"uploadId,attr,omitempty"`
	TTL       *int64   `xml:"ttl,attr,omitempty"`
	Digests   []string `xml:"digest"`
}

type responseDTO struct {
	XMLName xml.Name           `xml:"presignedUrlListResponse"`
	URLs    []presignedURLDTO  `xml:"presignedUrl"`
}

type presignedURLDTO struct {
	ObjectKey string               `xml:"objectKey,attr"`
	UploadID  string               `xml:"uploadId,attr"`
	Multipart bool                 `xml:"multipart,attr"`
	URLs      []presignedURLPartDTO `xml:"url"`
}

type presignedURLPartDTO struct {
	PartNumber int    `xml:"partNumber,attr"`
	URL        string `xml:",chardata"`
}

func serializeRegularRequest(objectKeys []string, digests map[string]string) ([]byte, error) {
	keys := make([]objectKeyDTO, 0, len(objectKeys))
	for _, key := range objectKeys {
		keys = append(keys, objectKeyDTO{Key: key, Digest: digests[key]})
	}
	return marshalRequest(requestDTO{
		Version:    protocolVersion,
		ObjectKeys: &objectKeysDTO{Keys: keys},
	})
}

func serializeObjectKeyRequest(objectKey, digest string, ttl *int64) ([]byte, error) {
	return marshalRequest(requestDTO{
		Version:   protocolVersion,
		ObjectKey: &objectKeyDTO{Key: objectKey, Digest: digest, TTL: ttl},
	})
}

func serializeMultipartRequest(objectKey string, digests []string, uploadID string, ttl *int64) ([]byte, error) {
	return marshalRequest(requestDTO{
		Version: protocolVersion,
		Multipart: &multipartDTO{
			ObjectKey: objectKey,
			UploadID:  uploadID,
			TTL:       ttl,
			Digests:   digests,
		},
	})
}

func marshalRequest(request requestDTO) ([]byte, error) {
	body, err := xml.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal presigned URL request: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// deserializeResponse parses a presignedUrlListResponse body and validates
// the shape of every descriptor. Parts come back sorted by part number.
func deserializeResponse(body []byte) ([]PresignedURL, error) {
	var response responseDTO
	if err := xml.Unmarshal(body, &response); err != nil {
		return nil, &ShapeError{Message: "malformed presigned URL response", Err: err}
	}

	urls := make([]PresignedURL, 0, len(response.URLs))
	for _, dto := range response.URLs {
		if dto.ObjectKey == "" {
			return nil, &ShapeError{Message: "presigned URL response entry is missing the object key"}
		}
		if len(dto.URLs) == 0 {
			return nil, &ShapeError{Message: fmt.Sprintf("presigned URL response for %q contains no URLs", dto.ObjectKey)}
		}

		parts := make([]PresignedURLPart, 0, len(dto.URLs))
		for _, part := range dto.URLs {
			if part.PartNumber < 1 {
				return nil, &ShapeError{Message: fmt.Sprintf("presigned URL response for %q has invalid part number %d", dto.ObjectKey, part.PartNumber)}
			}
			parts = append(parts, PresignedURLPart{PartNumber: part.PartNumber, URL: part.URL})
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

		if dto.Multipart && dto.UploadID == "" {
			return nil, &ShapeError{Message: fmt.Sprintf("multipart presigned URL response for %q is missing the upload id", dto.ObjectKey)}
		}

		urls = append(urls, PresignedURL{
			ObjectKey: dto.ObjectKey,
			UploadID:  dto.UploadID,
			Multipart: dto.Multipart,
			Parts:     parts,
		})
	}
	return urls, nil
}
