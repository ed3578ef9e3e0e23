package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bggone/internal/apperror"
)

func TestInterpret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		parts    []Part
		wantData string
		wantKind apperror.Kind
		wantMsg  string
	}{
		{
			name:     "binary first",
			parts:    []Part{BinaryPart{Data: "AAAA", MediaType: "image/png"}, TextPart{Text: "here you go"}},
			wantData: "AAAA",
		},
		{
			name:     "binary after text wins",
			parts:    []Part{TextPart{Text: "here you go"}, BinaryPart{Data: "BBBB"}},
			wantData: "BBBB",
		},
		{
			name:     "first of several binaries",
			parts:    []Part{BinaryPart{Data: "AAAA"}, BinaryPart{Data: "BBBB"}},
			wantData: "AAAA",
		},
		{
			name:     "text only is refusal",
			parts:    []Part{TextPart{Text: "I can't help with that."}},
			wantKind: apperror.KindProviderRefusal,
			wantMsg:  "Gemini returned text: I can't help with that.",
		},
		{
			name:     "empty binary ignored",
			parts:    []Part{BinaryPart{}, TextPart{}},
			wantKind: apperror.KindMalformed,
			wantMsg:  msgNoImage,
		},
		{
			name:     "whitespace text is refusal",
			parts:    []Part{BinaryPart{}, TextPart{Text: "  "}},
			wantKind: apperror.KindProviderRefusal,
			wantMsg:  "Gemini returned text:   ",
		},
		{
			name:     "no parts",
			parts:    nil,
			wantKind: apperror.KindMalformed,
			wantMsg:  msgNoContent,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Interpret(tt.parts)
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantData, got.Data)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperror.KindOf(err))
			assert.Equal(t, tt.wantMsg, apperror.Message(err, ""))
		})
	}
}

func TestInterpretRefusalKeepsTextAsDetails(t *testing.T) {
	t.Parallel()

	_, err := Interpret([]Part{TextPart{Text: "policy"}})
	var typed *apperror.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "policy", typed.Details)
}
