// Package removal is the client side of the background removal relay.
package removal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
)

// Remover turns an encoded image into the bare base64 of the cut-out.
type Remover interface {
	RemoveBackground(ctx context.Context, img imagedata.EncodedImage) (string, error)
}

// ImageRemover is implemented by removers that also report the media type
// of the cut-out.
type ImageRemover interface {
	Remover
	RemoveBackgroundImage(ctx context.Context, img imagedata.EncodedImage) (imagedata.EncodedImage, error)
}

// RemoveImage calls r through RemoveBackgroundImage when available. A
// result without a media type is reported as imagedata.DefaultMediaType.
func RemoveImage(ctx context.Context, r Remover, img imagedata.EncodedImage) (imagedata.EncodedImage, error) {
	var (
		out imagedata.EncodedImage
		err error
	)
	if ir, ok := r.(ImageRemover); ok {
		out, err = ir.RemoveBackgroundImage(ctx, img)
	} else {
		out.Data, err = r.RemoveBackground(ctx, img)
	}
	if err != nil {
		return imagedata.EncodedImage{}, err
	}
	if out.MediaType == "" {
		out.MediaType = imagedata.DefaultMediaType
	}
	return out, nil
}

const (
	DefaultTimeout = 60 * time.Second
	RemovePath     = "/api/remove-bg"

	opRemove = "removal.remove_background"

	msgServerFailed = "Failed to process image on server"
	msgNoResult     = "No result returned from server"
	msgTimeout      = "The server took too long to process the image."
)

// Request is the relay request body.
type Request struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType,omitempty"`
}

// Response is the relay response body. Either Result or Error is set;
// MimeType describes Result and Kind classifies Error.
type Response struct {
	Result   string `json:"result,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Client calls the relay over HTTP.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient targets the relay at baseURL. A non-positive timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetJSONMarshaler(sonic.Marshal).
			SetJSONUnmarshaler(sonic.Unmarshal),
		logger: logger.Named("removal"),
	}
}

// RemoveBackground strips any prefix from img, posts it to the relay and
// returns the bare base64 result.
func (c *Client) RemoveBackground(ctx context.Context, img imagedata.EncodedImage) (string, error) {
	res, err := c.RemoveBackgroundImage(ctx, img)
	return res.Data, err
}

// RemoveBackgroundImage is RemoveBackground keeping the media type the
// relay reports for the result.
func (c *Client) RemoveBackgroundImage(ctx context.Context, img imagedata.EncodedImage) (imagedata.EncodedImage, error) {
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(Request{Image: imagedata.Strip(img.Payload()), MimeType: img.MediaType}).
		SetResult(&out).
		SetError(&out).
		Post(RemovePath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			c.logger.Warn("relay call timed out", zap.Error(err))
			return imagedata.EncodedImage{}, apperror.Wrap(apperror.KindTimeout, opRemove, msgTimeout, err)
		}
		c.logger.Warn("relay call failed", zap.Error(err))
		return imagedata.EncodedImage{}, apperror.Wrap(apperror.KindTransport, opRemove, msgServerFailed, err)
	}

	if resp.IsError() {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		if msg == "" {
			msg = msgServerFailed
		}
		c.logger.Warn("relay rejected request", zap.Int("status", resp.StatusCode()), zap.String("error", msg))
		kind := apperror.Kind(out.Kind)
		if kind == "" {
			kind = kindForStatus(resp.StatusCode())
		}
		return imagedata.EncodedImage{}, apperror.New(kind, opRemove, msg)
	}

	if out.Result == "" {
		return imagedata.EncodedImage{}, apperror.New(apperror.KindMalformed, opRemove, msgNoResult)
	}
	return imagedata.EncodedImage{MediaType: out.MimeType, Data: out.Result}, nil
}

// kindForStatus classifies error responses that carry no kind, such as
// those from an intermediate proxy.
func kindForStatus(status int) apperror.Kind {
	switch {
	case status == 429:
		return apperror.KindRateLimited
	case status == 504:
		return apperror.KindTimeout
	case status >= 400 && status < 500:
		return apperror.KindValidation
	default:
		return apperror.KindTransport
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
