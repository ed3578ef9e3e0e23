package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: timeout}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{APIKey: " "}, nil)
	require.Error(t, err)
	assert.Equal(t, apperror.KindConfiguration, apperror.KindOf(err))
}

func TestRemoveBackgroundEchoesInlineData(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/"+DefaultModel+":generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		require.Len(t, req.Contents[0].Parts, 2)
		inline := req.Contents[0].Parts[0].InlineData
		require.NotNil(t, inline)
		assert.Equal(t, "image/jpeg", inline.MimeType)
		assert.Equal(t, RemovalInstruction, req.Contents[0].Parts[1].Text)

		writeJSON(w, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"done"},{"inlineData":{"mimeType":"image/png","data":"`+inline.Data+`"}}]}}]}`)
	}, time.Second)

	got, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{MediaType: "image/jpeg", Data: "AAAA"})
	require.NoError(t, err)
	assert.Equal(t, "AAAA", got)
}

func TestRemoveBackgroundTextOnly(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"I cannot edit this image."}]}}]}`)
	}, time.Second)

	_, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{Data: "AAAA"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindProviderRefusal, apperror.KindOf(err))
	assert.Contains(t, apperror.Message(err, ""), "I cannot edit this image.")
}

func TestRemoveBackgroundBlockedPrompt(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}, time.Second)

	_, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{Data: "AAAA"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindProviderRefusal, apperror.KindOf(err))
}

func TestRemoveBackgroundNoCandidates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"candidates":[]}`)
	}, time.Second)

	_, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{Data: "AAAA"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindMalformed, apperror.KindOf(err))
	assert.Equal(t, msgNoContent, apperror.Message(err, ""))
}

func TestRemoveBackgroundErrorStatusHidesProviderBody(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}, time.Second)

	_, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{Data: "AAAA"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransport, apperror.KindOf(err))
	assert.Equal(t, "Failed to process image.", apperror.Message(err, ""))

	var typed *apperror.Error
	require.ErrorAs(t, err, &typed)
	assert.True(t, strings.Contains(typed.Details, "API key not valid"))
}

func TestRemoveBackgroundTimeout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, http.StatusOK, `{}`)
	}, 50*time.Millisecond)

	_, err := client.RemoveBackground(context.Background(), imagedata.EncodedImage{Data: "AAAA"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
}
