// Package imagedata models images as base64 text with an optional
// data-URL media-type prefix.
package imagedata

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMediaType is forwarded when neither the bytes nor the declared
// prefix identify an allowed type. PNG keeps transparency.
const DefaultMediaType = "image/png"

var dataURLPrefix = regexp.MustCompile(`^data:(image/[a-zA-Z]+);base64,`)

var allowedSubtypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"webp": "image/webp",
}

// EncodedImage is standard base64 image content. MediaType is empty when
// the source carried no prefix.
type EncodedImage struct {
	MediaType string
	Data      string
}

// Parse splits a data URL or bare base64 string. The prefix is recognised
// only in its data:image/<subtype>;base64, form.
func Parse(s string) EncodedImage {
	s = strings.TrimSpace(s)
	m := dataURLPrefix.FindStringSubmatch(s)
	if m == nil {
		return EncodedImage{Data: s}
	}
	return EncodedImage{
		MediaType: strings.ToLower(m[1]),
		Data:      s[len(m[0]):],
	}
}

// Strip removes a leading data:image/<subtype>;base64, prefix.
func Strip(s string) string {
	return dataURLPrefix.ReplaceAllString(s, "")
}

// DataURL prefixes bare base64 for display.
func DataURL(data, mediaType string) string {
	if mediaType == "" {
		mediaType = DefaultMediaType
	}
	return "data:" + mediaType + ";base64," + data
}

// Encode base64-encodes raw bytes under mediaType.
func Encode(raw []byte, mediaType string) EncodedImage {
	return EncodedImage{
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(raw),
	}
}

// String renders the image as a data URL when a media type is known,
// otherwise as bare base64.
func (e EncodedImage) String() string {
	if e.MediaType == "" {
		return e.Data
	}
	return DataURL(e.Data, e.MediaType)
}

// Payload returns the bare base64 text, the form sent to the provider.
func (e EncodedImage) Payload() string {
	return e.Data
}

// Empty reports whether there is no image content.
func (e EncodedImage) Empty() bool {
	return e.Data == ""
}

// Bytes decodes the base64 payload.
func (e EncodedImage) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return raw, nil
}

// Normalize maps an allowed media type or bare subtype to its canonical
// form. ok is false for anything outside the allow-list.
func Normalize(mediaType string) (string, bool) {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	mediaType, _, _ = strings.Cut(mediaType, ";")
	subtype := strings.TrimPrefix(mediaType, "image/")
	canonical, ok := allowedSubtypes[subtype]
	return canonical, ok
}

// Allowed reports whether mediaType is on the allow-list.
func Allowed(mediaType string) bool {
	_, ok := Normalize(mediaType)
	return ok
}

// Sniff detects the media type from content.
func Sniff(raw []byte) string {
	mt, _, _ := strings.Cut(mimetype.Detect(raw).String(), ";")
	return mt
}

// Resolve picks the media type forwarded for raw: the sniffed type when it
// is allowed, else the declared type when allowed, else DefaultMediaType.
func Resolve(raw []byte, declared string) string {
	if mt, ok := Normalize(Sniff(raw)); ok {
		return mt
	}
	if mt, ok := Normalize(declared); ok {
		return mt
	}
	return DefaultMediaType
}
