package assets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/starford/verdant/internal/apperr"
)

const maxAssetSize = 10 << 20 // 10 MB

var (
	mimeToExt = map[string]string{
		"image/png":     ".png",
		"image/jpeg":    ".jpg",
		"image/gif":     ".gif",
		"image/webp":    ".webp",
		"image/svg+xml": ".svg",
	}

	slugRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// Inline is a decoded data URI.
type Inline struct {
	MediaType string
	Ext       string
	Data      []byte
}

// IsInline reports whether s follows the inline convention
// "data:<mime-type>;base64,<payload>".
func IsInline(s string) bool {
	if !strings.HasPrefix(s, "data:") {
		return false
	}
	comma := strings.Index(s, ",")
	return comma > 0 && strings.HasSuffix(s[:comma], ";base64")
}

// Decode parses a base64 data URI and checks its content against the
// declared media type.
func Decode(uri string) (*Inline, error) {
	if !IsInline(uri) {
		return nil, fmt.Errorf("%w: not a base64 data URI", apperr.ErrInvalidInput)
	}
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.Index(rest, ",")
	meta, encoded := rest[:comma], rest[comma+1:]

	mime := strings.ToLower(strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0])
	ext := mimeToExt[mime]
	if ext == "" {
		return nil, fmt.Errorf("%w: unsupported media type in data URI: %q", apperr.ErrInvalidInput, mime)
	}

	if base64.StdEncoding.DecodedLen(len(encoded)) > maxAssetSize+3 {
		return nil, fmt.Errorf("%w: asset too large (max %d bytes)", apperr.ErrInvalidInput, maxAssetSize)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 data: %v", apperr.ErrInvalidInput, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data URI payload", apperr.ErrInvalidInput)
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("%w: asset too large: %d bytes (max %d)", apperr.ErrInvalidInput, len(data), maxAssetSize)
	}
	if err := validateMagicBytes(data, mime); err != nil {
		return nil, err
	}
	return &Inline{MediaType: mime, Ext: ext, Data: data}, nil
}

// validateMagicBytes verifies the payload matches the declared media type.
func validateMagicBytes(data []byte, mime string) error {
	if mime == "image/svg+xml" {
		prefix := data
		if len(prefix) > 1024 {
			prefix = prefix[:1024]
		}
		if !bytes.Contains(prefix, []byte("<svg")) {
			return fmt.Errorf("%w: content does not appear to be SVG", apperr.ErrInvalidInput)
		}
		return nil
	}
	detected := strings.Split(http.DetectContentType(data), ";")[0]
	if detected != mime {
		return fmt.Errorf("%w: content does not match %s (detected: %s)", apperr.ErrInvalidInput, mime, detected)
	}
	return nil
}

// Slug lowercases s and collapses everything but letters and digits into
// single dashes.
func Slug(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.TrimRight(s[:48], "-")
	}
	return s
}
