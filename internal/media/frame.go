package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const DefaultMaxFrameBytes = 4 << 20

var (
	ErrEmptyFrame    = errors.New("frame data is empty")
	ErrFrameTooLarge = errors.New("frame data exceeds size limit")
	ErrNotAnImage    = errors.New("frame data is not a supported image")
)

// Frame is one decoded still image captured from a video track.
// Frames are never mutated after construction.
type Frame struct {
	Data       []byte
	MIMEType   string
	Width      int
	Height     int
	TrackSID   string
	CapturedAt time.Time
}

// DecodeBase64 builds a frame from a base64 (or data URL) image payload.
// An empty mimeType is sniffed from the bytes.
func DecodeBase64(payload, mimeType string, maxBytes int) (*Frame, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyFrame
	}
	if strings.HasPrefix(payload, "data:") {
		header, body, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		payload = body
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+3 {
		return nil, ErrFrameTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return NewFrame(data, mimeType, maxBytes)
}

func NewFrame(data []byte, mimeType string, maxBytes int) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(data) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "image/") {
		return nil, ErrNotAnImage
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = sniffed
	}
	return &Frame{
		Data:       bytes.Clone(data),
		MIMEType:   mimeType,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// DataURL renders the frame as an inline image URL for model requests.
func (f *Frame) DataURL() string {
	if f == nil {
		return ""
	}
	return "data:" + f.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}
