package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
)

// MaxFileSize is the upload ceiling for a single image.
const MaxFileSize int64 = 10 * units.MiB

// Rule identifies which ingestion check rejected a file.
type Rule string

const (
	RuleType Rule = "type"
	RuleSize Rule = "size"
)

const (
	msgInvalidType = "Please select a valid image file (JPG, PNG, WEBP)."
	msgTooLarge    = "File size is too large. Please select an image under 10MB."
)

// ValidationError is returned for files rejected before any network call.
type ValidationError struct {
	Rule    Rule
	Message string
	Size    int64
	Type    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Unwrap exposes the error as apperror.KindValidation.
func (e *ValidationError) Unwrap() error {
	return apperror.New(apperror.KindValidation, "ingest.validate", e.Message)
}

// File describes a user-selected file. Open is called once per read.
type File struct {
	Name      string
	MediaType string
	Size      int64
	Open      func() (io.ReadCloser, error)
}

// FromPath describes a file on disk. The media type is declared from the
// extension, falling back to sniffing the leading bytes.
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	mediaType, _, _ = strings.Cut(mediaType, ";")
	if mediaType == "" {
		mediaType, err = sniffFile(path)
		if err != nil {
			return File{}, err
		}
	}

	return File{
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Size:      info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromBytes describes an in-memory file.
func FromBytes(name, mediaType string, data []byte) File {
	return File{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func sniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return imagedata.Sniff(head[:n]), nil
}

// Validate checks the declared media type and size. Each rule yields its
// own message.
func Validate(f File) error {
	if !strings.HasPrefix(strings.ToLower(f.MediaType), "image/") {
		return &ValidationError{Rule: RuleType, Message: msgInvalidType, Type: f.MediaType, Size: f.Size}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{Rule: RuleSize, Message: msgTooLarge, Type: f.MediaType, Size: f.Size}
	}
	return nil
}

// Read loads the whole file and encodes it with its declared media type
// prefix intact. Content larger than MaxFileSize is rejected even when the
// declared size was smaller.
func Read(ctx context.Context, f File) (imagedata.EncodedImage, error) {
	if f.Open == nil {
		return imagedata.EncodedImage{}, fmt.Errorf("file %q has no content", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return imagedata.EncodedImage{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	limited := &io.LimitedReader{R: &ctxReader{ctx: ctx, r: rc}, N: MaxFileSize + 1}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return imagedata.EncodedImage{}, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if int64(len(raw)) > MaxFileSize {
		return imagedata.EncodedImage{}, &ValidationError{Rule: RuleSize, Message: msgTooLarge, Type: f.MediaType, Size: int64(len(raw))}
	}

	return imagedata.Encode(raw, strings.ToLower(f.MediaType)), nil
}

// HumanSize renders a byte count for log lines.
func HumanSize(n int64) string {
	return units.BytesSize(float64(n))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
