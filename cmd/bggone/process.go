package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/bggone/internal/imagedata"
	"github.com/example/bggone/internal/ingest"
	"github.com/example/bggone/internal/workflow"
)

const maxParallel = 4

var resultExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

type processor struct {
	registry *workflow.Registry
	outDir   string
	logger   *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// run processes every path in its own session and returns the number of
// files that did not produce a cut-out.
func (p *processor) run(ctx context.Context, paths []string, now func() time.Time) int {
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			start := now()
			dest, err := p.processFile(gctx, path)
			if err != nil {
				failed.Add(1)
				p.printf("%s: %v\n", path, err)
				return nil
			}
			p.printf("%s -> %s (%s)\n", path, dest, now().Sub(start).Round(time.Millisecond))
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (p *processor) processFile(ctx context.Context, path string) (string, error) {
	f, err := ingest.FromPath(path)
	if err != nil {
		return "", err
	}

	session := p.registry.Create()
	defer p.registry.Remove(session.ID())

	if err := session.Submit(ctx, f); err != nil {
		var invalid *ingest.ValidationError
		if errors.As(err, &invalid) {
			return "", errors.New(invalid.Message)
		}
		return "", err
	}

	snap, err := session.Await(ctx)
	if err != nil {
		return "", err
	}
	if snap.State != workflow.Success {
		return "", describeFailure(snap.Error)
	}

	raw, err := imagedata.EncodedImage{Data: *snap.Images.Result}.Bytes()
	if err != nil {
		return "", err
	}
	dest := outputPath(p.outDir, path, imagedata.Sniff(raw))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return "", err
	}

	p.logger.Debug("wrote cut-out",
		zap.String("path", dest),
		zap.String("size", ingest.HumanSize(int64(len(raw)))),
	)
	return dest, nil
}

func describeFailure(info *workflow.ErrorInfo) error {
	if info == nil {
		return errors.New("Something went wrong while processing the image.")
	}
	if info.Details != "" && info.Details != info.Message {
		return fmt.Errorf("%s (%s)", info.Message, info.Details)
	}
	return errors.New(info.Message)
}

// outputPath names the cut-out <base>-nobg<ext> inside dir.
func outputPath(dir, src, mediaType string) string {
	ext, ok := resultExtensions[mediaType]
	if !ok {
		ext = ".png"
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(dir, base+"-nobg"+ext)
}

func (p *processor) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
