package network

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRegularRequest(t *testing.T) {
	body, err := serializeRegularRequest(
		[]string{"build-42/a.txt", "build-42/b.txt"},
		map[string]string{"build-42/a.txt": "digest-a"},
	)
	require.NoError(t, err)

	xml := string(body)
	assert.Contains(t, xml, `<request version="v2">`)
	assert.Contains(t, xml, `<key digest="digest-a">build-42/a.txt</key>`)
	assert.Contains(t, xml, `<key>build-42/b.txt</key>`)
}

func TestSerializeObjectKeyRequest(t *testing.T) {
	ttl := int64(120)
	body, err := serializeObjectKeyRequest("build-42/a.txt", "digest-a", &ttl)
	require.NoError(t, err)

	xml := string(body)
	assert.Contains(t, xml, `<objectKey digest="digest-a" ttl="120">build-42/a.txt</objectKey>`)
}

func TestSerializeMultipartRequest(t *testing.T) {
	body, err := serializeMultipartRequest("build-42/big.bin", []string{"d1", "d2"}, "upload-1", nil)
	require.NoError(t, err)

	xml := string(body)
	assert.Contains(t, xml, `<multipart objectKey="build-42/big.bin" uploadId="upload-1">`)
	assert.Contains(t, xml, `<digest>d1</digest><digest>d2</digest>`)
	assert.NotContains(t, xml, "ttl")
}

func TestDeserializeResponse_Regular(t *testing.T) {
	body := `<presignedUrlListResponse>
		<presignedUrl objectKey="build-42/a.txt" multipart="false">
			<url partNumber="1">https://s3.example.com/a?sig=1</url>
		</presignedUrl>
	</presignedUrlListResponse>`

	urls, err := deserializeResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, urls, 1)

	assert.Equal(t, "build-42/a.txt", urls[0].ObjectKey)
	assert.False(t, urls[0].Multipart)
	require.Len(t, urls[0].Parts, 1)
	assert.Equal(t, 1, urls[0].Parts[0].PartNumber)
	assert.Equal(t, "https://s3.example.com/a?sig=1", urls[0].Parts[0].URL)
}

func TestDeserializeResponse_MultipartSortsParts(t *testing.T) {
	body := `<presignedUrlListResponse>
		<presignedUrl objectKey="build-42/big.bin" uploadId="upload-1" multipart="true">
			<url partNumber="2">https://s3.example.com/p2</url>
			<url partNumber="1">https://s3.example.com/p1</url>
			<url partNumber="3">https://s3.example.com/p3</url>
		</presignedUrl>
	</presignedUrlListResponse>`

	urls, err := deserializeResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, urls, 1)

	assert.Equal(t, "upload-1", urls[0].UploadID)
	assert.True(t, urls[0].Multipart)
	require.Len(t, urls[0].Parts, 3)
	for i, part := range urls[0].Parts {
		assert.Equal(t, i+1, part.PartNumber)
	}
}

func TestDeserializeResponse_ShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "malformed xml",
			body: `<presignedUrlListResponse><presignedUrl`,
		},
		{
			name: "missing object key",
			body: `<presignedUrlListResponse><presignedUrl multipart="false"><url partNumber="1">u</url></presignedUrl></presignedUrlListResponse>`,
		},
		{
			name: "no urls",
			body: `<presignedUrlListResponse><presignedUrl objectKey="k" multipart="false"></presignedUrl></presignedUrlListResponse>`,
		},
		{
			name: "invalid part number",
			body: `<presignedUrlListResponse><presignedUrl objectKey="k" multipart="false"><url partNumber="0">u</url></presignedUrl></presignedUrlListResponse>`,
		},
		{
			name: "multipart without upload id",
			body: `<presignedUrlListResponse><presignedUrl objectKey="k" multipart="true"><url partNumber="1">u</url></presignedUrl></presignedUrlListResponse>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deserializeResponse([]byte(tt.body))
			require.Error(t, err)
			assert.False(t, IsRecoverable(err))
			assert.True(t, strings.Contains(err.Error(), "presigned URL response") || strings.Contains(err.Error(), "multipart"))
		})
	}
}
