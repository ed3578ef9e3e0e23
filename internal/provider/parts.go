package provider

import "github.com/example/bggone/internal/apperror"

// Part is one element of a model response.
type Part interface {
	isPart()
}

// BinaryPart carries inline image data as base64.
type BinaryPart struct {
	Data      string
	MediaType string
}

// TextPart carries model commentary, typically a refusal.
type TextPart struct {
	Text string
}

func (BinaryPart) isPart() {}
func (TextPart) isPart()   {}

const (
	msgNoContent   = "No content returned from Gemini."
	msgNoImage     = "Gemini did not return a valid image."
	textPrefix     = "Gemini returned text: "
	opInterpretRes = "provider.interpret"
)

// Interpret applies the part precedence: the first binary part wins; with
// no binary part the first text part becomes a refusal; otherwise the
// response is malformed.
func Interpret(parts []Part) (BinaryPart, error) {
	if len(parts) == 0 {
		return BinaryPart{}, apperror.New(apperror.KindMalformed, opInterpretRes, msgNoContent)
	}

	var text *TextPart
	for _, p := range parts {
		switch v := p.(type) {
		case BinaryPart:
			if v.Data != "" {
				return v, nil
			}
		case TextPart:
			if text == nil && v.Text != "" {
				t := v
				text = &t
			}
		}
	}

	if text != nil {
		return BinaryPart{}, apperror.New(apperror.KindProviderRefusal, opInterpretRes, textPrefix+text.Text).WithDetails(text.Text)
	}
	return BinaryPart{}, apperror.New(apperror.KindMalformed, opInterpretRes, msgNoImage)
}
