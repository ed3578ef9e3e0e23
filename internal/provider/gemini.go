package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
	"github.com/example/bggone/internal/logging"
)

// RemovalInstruction is sent alongside every image.
const RemovalInstruction = "Remove the background from this image. Return the subject on a transparent background. Do not add any other objects or change the subject."

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.5-flash-image"
	DefaultTimeout = 60 * time.Second

	opGenerate = "provider.generate_content"
)

// Config holds the Gemini connection settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client calls the Gemini generateContent endpoint.
type Client struct {
	http   *resty.Client
	model  string
	logger *zap.Logger
}

// NewClient validates cfg and builds a client. A missing key is a
// configuration error.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperror.New(apperror.KindConfiguration, "provider.new", "Gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("x-goog-api-key", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	return &Client{
		http:   httpClient,
		model:  cfg.Model,
		logger: logger.Named("gemini"),
	}, nil
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wirePart struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type content struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// RemoveBackground sends img with the removal instruction and returns the
// bare base64 of the first image part.
func (c *Client) RemoveBackground(ctx context.Context, img imagedata.EncodedImage) (string, error) {
	part, err := c.Generate(ctx, img, RemovalInstruction)
	if err != nil {
		return "", err
	}
	return part.Data, nil
}

// RemoveBackgroundImage is RemoveBackground keeping the media type of the
// returned part.
func (c *Client) RemoveBackgroundImage(ctx context.Context, img imagedata.EncodedImage) (imagedata.EncodedImage, error) {
	part, err := c.Generate(ctx, img, RemovalInstruction)
	if err != nil {
		return imagedata.EncodedImage{}, err
	}
	return imagedata.EncodedImage{MediaType: part.MediaType, Data: part.Data}, nil
}

// Generate sends img and instruction in one user turn and interprets the
// response parts.
func (c *Client) Generate(ctx context.Context, img imagedata.EncodedImage, instruction string) (BinaryPart, error) {
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = imagedata.DefaultMediaType
	}

	body := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []wirePart{
				{InlineData: &inlineData{MimeType: mediaType, Data: img.Payload()}},
				{Text: instruction},
			},
		}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	}

	var (
		out    generateResponse
		errOut apiError
	)
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&errOut).
		ForceContentType("application/json").
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", c.model))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			logging.LogOperationError(c.logger, opGenerate, "", "gemini call timed out", err)
			return BinaryPart{}, apperror.Wrap(apperror.KindTimeout, opGenerate, "The image service timed out.", err)
		}
		logging.LogOperationError(c.logger, opGenerate, "", "gemini call failed", err)
		return BinaryPart{}, apperror.Wrap(apperror.KindTransport, opGenerate, "Failed to process image.", err)
	}

	if resp.IsError() {
		detail := errOut.Error.Message
		if detail == "" {
			detail = http.StatusText(resp.StatusCode())
		}
		c.logger.Error("gemini returned error status",
			zap.Int("status", resp.StatusCode()),
			zap.String("provider_status", errOut.Error.Status),
			zap.String("detail", detail),
		)
		return BinaryPart{}, apperror.New(apperror.KindTransport, opGenerate, "Failed to process image.").
			WithDetails(fmt.Sprintf("provider status %d: %s", resp.StatusCode(), detail))
	}

	c.logger.Debug("gemini responded",
		zap.String("model", c.model),
		zap.String("media_type", mediaType),
		zap.Int("candidates", len(out.Candidates)),
		zap.Duration("latency", time.Since(start)),
	)

	if len(out.Candidates) == 0 && out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		reason := out.PromptFeedback.BlockReason
		return BinaryPart{}, apperror.New(apperror.KindProviderRefusal, opGenerate, textPrefix+"request blocked ("+reason+")").WithDetails(reason)
	}

	return Interpret(decodeParts(out))
}

func decodeParts(out generateResponse) []Part {
	if len(out.Candidates) == 0 {
		return nil
	}
	raw := out.Candidates[0].Content.Parts
	parts := make([]Part, 0, len(raw))
	for _, p := range raw {
		switch {
		case p.InlineData != nil && p.InlineData.Data != "":
			parts = append(parts, BinaryPart{Data: p.InlineData.Data, MediaType: p.InlineData.MimeType})
		case p.Text != "":
			parts = append(parts, TextPart{Text: p.Text})
		}
	}
	return parts
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
