package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrTransport wraps every failure returned by an upload.
var ErrTransport = errors.New("transport failure")

// FormatVersion is the tag value identifying the upload format.
const FormatVersion = "2.0.1"

// Tag is a name/value pair attached to an uploaded item.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FileMeta describes the payload being uploaded.
type FileMeta struct {
	Name        string
	ContentType string
}

// Cost is a price quote for storing a number of bytes.
type Cost struct {
	Bytes int64  `json:"bytes"`
	Winc  string `json:"winc"`
}

// Transport stores payloads permanently and returns their transaction id.
type Transport interface {
	EstimateCost(ctx context.Context, bytes int64) (Cost, error)
	UploadFile(ctx context.Context, payload []byte, meta FileMeta, tags []Tag) (string, error)
}

// Signer turns a payload and its tags into a signed data item.
type Signer interface {
	SignDataItem(ctx context.Context, payload []byte, tags []Tag) ([]byte, error)
}

// DefaultContentType is sent when a file carries no content type.
const DefaultContentType = "application/octet-stream"

// BuildTags returns the tag set sent with every upload. File-Type repeats the
// full content type, and File-Extension is the text after the last dot of
// the name, or the whole name when it has none.
func BuildTags(walletAddress string, meta FileMeta) []Tag {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return []Tag{
		{Name: "Wallet-Address", Value: walletAddress},
		{Name: "Version", Value: FormatVersion},
		{Name: "Content-Type", Value: contentType},
		{Name: "File-Extension", Value: fileExtension(meta.Name)},
		{Name: "File-Type", Value: contentType},
	}
}

func fileExtension(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// TagValue returns the value of the first tag called name.
func TagValue(tags []Tag, name string) string {
	for _, t := range tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}
