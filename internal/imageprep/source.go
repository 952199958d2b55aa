package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/example/fruit-quality/internal/classification"
)

// Source is a user supplied file. ContentType and Size are the declared
// values and are checked before Open is ever called.
type Source interface {
	Name() string
	ContentType() string
	// Size returns the declared size in bytes, or -1 when unknown.
	Size() int64
	Open() (io.ReadCloser, error)
}

type bytesSource struct {
	name        string
	contentType string
	data        []byte
}

// FromBytes wraps an in-memory file.
func FromBytes(name, contentType string, data []byte) Source {
	return &bytesSource{name: name, contentType: contentType, data: data}
}

func (s *bytesSource) Name() string        { return s.name }
func (s *bytesSource) ContentType() string { return s.contentType }
func (s *bytesSource) Size() int64         { return int64(len(s.data)) }

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type fileHeaderSource struct {
	header *multipart.FileHeader
}

// FromFileHeader adapts a multipart upload. The declared type comes from the
// part's Content-Type header.
func FromFileHeader(header *multipart.FileHeader) Source {
	return &fileHeaderSource{header: header}
}

func (s *fileHeaderSource) Name() string        { return s.header.Filename }
func (s *fileHeaderSource) ContentType() string { return s.header.Header.Get("Content-Type") }
func (s *fileHeaderSource) Size() int64         { return s.header.Size }

func (s *fileHeaderSource) Open() (io.ReadCloser, error) {
	return s.header.Open()
}

// FromDataURI accepts either a data URI ("data:image/png;base64,....") or a
// bare base64 string. Without a prefix the type is sniffed from the bytes.
func FromDataURI(name, value string) (Source, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, classification.NewValidationError("No image provided", nil)
	}

	contentType := ""
	payload := value
	if strings.HasPrefix(value, "data:") {
		header, rest, found := strings.Cut(value, ",")
		if !found {
			return nil, classification.NewValidationError("Malformed data URI", nil)
		}
		// data:[<media type>][;param=value]*;base64
		meta := strings.Split(strings.TrimPrefix(header, "data:"), ";")
		if len(meta) < 2 || !strings.EqualFold(strings.TrimSpace(meta[len(meta)-1]), "base64") {
			return nil, classification.NewValidationError("Data URI must be base64 encoded", nil)
		}
		contentType = strings.Join(meta[:len(meta)-1], ";")
		payload = rest
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, classification.NewValidationError("Invalid base64 image data", fmt.Errorf("%w: %v", ErrUndecodable, err))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return FromBytes(name, contentType, data), nil
}
