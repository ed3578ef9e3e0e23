package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/removal"
	"github.com/example/bggone/internal/workflow"
)

var onePixelPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func newTestProcessor(t *testing.T, handler http.HandlerFunc) (*processor, *bytes.Buffer, string) {
	t.Helper()
	relay := httptest.NewServer(handler)
	t.Cleanup(relay.Close)

	out := &bytes.Buffer{}
	dir := t.TempDir()
	return &processor{
		registry: workflow.NewRegistry(workflow.Options{
			Remover: removal.NewClient(relay.URL, time.Second, zap.NewNop()),
			Timeout: time.Second,
			Logger:  zap.NewNop(),
		}),
		outDir: filepath.Join(dir, "out"),
		out:    out,
		logger: zap.NewNop(),
	}, out, dir
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRunWritesCutOuts(t *testing.T) {
	p, out, dir := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		var req removal.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, strings.HasPrefix(req.Image, "data:"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(removal.Response{Result: req.Image})
	})

	a := writeFile(t, dir, "cat.png", onePixelPNG)
	b := writeFile(t, dir, "dog.png", onePixelPNG)

	failed := p.run(context.Background(), []string{a, b}, time.Now)
	require.Zero(t, failed, out.String())

	for _, name := range []string{"cat-nobg.png", "dog-nobg.png"} {
		got, err := os.ReadFile(filepath.Join(p.outDir, name))
		require.NoError(t, err)
		assert.Equal(t, onePixelPNG, got)
	}
	assert.Zero(t, p.registry.Len(), "sessions are removed once done")
}

func TestRunReportsFailures(t *testing.T) {
	p, out, dir := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(removal.Response{Error: "Gemini returned text: I cannot do that.", Kind: "provider_refusal"})
	})

	img := writeFile(t, dir, "cat.png", onePixelPNG)
	txt := writeFile(t, dir, "notes.txt", []byte("hello"))
	missing := filepath.Join(dir, "missing.png")

	failed := p.run(context.Background(), []string{img, txt, missing}, time.Now)
	assert.Equal(t, 3, failed)

	report := out.String()
	assert.Contains(t, report, "Gemini returned text: I cannot do that.")
	assert.Contains(t, report, "Please select a valid image file (JPG, PNG, WEBP).")
	assert.Contains(t, report, "missing.png")
	_, err := os.Stat(p.outDir)
	assert.True(t, os.IsNotExist(err), "nothing is written on failure")
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		src       string
		mediaType string
		want      string
	}{
		{src: "/tmp/photo.jpg", mediaType: "image/png", want: "out/photo-nobg.png"},
		{src: "shot.webp", mediaType: "image/webp", want: "out/shot-nobg.webp"},
		{src: "plain", mediaType: "application/octet-stream", want: "out/plain-nobg.png"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), outputPath("out", tt.src, tt.mediaType))
		})
	}
}

func TestDescribeFailure(t *testing.T) {
	assert.EqualError(t, describeFailure(nil), "Something went wrong while processing the image.")
	assert.EqualError(t, describeFailure(&workflow.ErrorInfo{Message: "Failed", Details: "status 500"}), "Failed (status 500)")
	assert.EqualError(t, describeFailure(&workflow.ErrorInfo{Message: "Failed", Details: "Failed"}), "Failed")
}
