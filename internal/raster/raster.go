// Package raster renders single PDF pages to decoded images, falling back to
// an in-memory render path and downsampling oversized output once.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"

	"github.com/toricodesthings/strip-ocr-service/internal/apperr"
	"github.com/toricodesthings/strip-ocr-service/internal/logging"
)

// Renderer produces encoded page images. poppler.Tool implements it.
type Renderer interface {
	RenderFile(ctx context.Context, pdfPath string, page, dpi int, format string) ([]byte, error)
	RenderBytes(ctx context.Context, data []byte, page, dpi int, format string) ([]byte, error)
}

// Document is the stored upload being rasterized.
type Document interface {
	FilePath() string
	ReadAll() ([]byte, error)
}

type Config struct {
	MaxDPI  int
	Format  string
	Timeout time.Duration
}

// Page is one decoded page image. The caller owns Image and drops it once
// the page's strips are recognized.
type Page struct {
	Number    int
	Image     image.Image
	DPI       int // resolution requested from the renderer
	SourceDPI int // resolution embedded in the output, 0 when absent
	Format    string
	Fallback  bool // produced by the in-memory path
}

func (p Page) Width() int  { return p.Image.Bounds().Dx() }
func (p Page) Height() int { return p.Image.Bounds().Dy() }

type Rasterizer struct {
	renderer Renderer
	cfg      Config
	log      *logging.Logger
}

func New(renderer Renderer, cfg Config, log *logging.Logger) *Rasterizer {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	return &Rasterizer{renderer: renderer, cfg: cfg, log: log}
}

type renderFunc func(ctx context.Context, dpi int) ([]byte, error)

// Rasterize renders page at dpi. The stored file is tried first; on failure
// the whole document is read into memory and rendered from bytes. If the
// produced image declares a resolution above MaxDPI it is discarded and the
// page is rendered once more at MaxDPI. Failures are apperr.KindUnit.
func (r *Rasterizer) Rasterize(ctx context.Context, doc Document, page, dpi int) (Page, error) {
	primary := func(ctx context.Context, dpi int) ([]byte, error) {
		return r.renderer.RenderFile(ctx, doc.FilePath(), page, dpi, r.cfg.Format)
	}

	var data []byte
	fallback := func(ctx context.Context, dpi int) ([]byte, error) {
		if data == nil {
			b, err := doc.ReadAll()
			if err != nil {
				return nil, fmt.Errorf("read document: %w", err)
			}
			data = b
		}
		return r.renderer.RenderBytes(ctx, data, page, dpi, r.cfg.Format)
	}

	render := primary
	out, err := r.attempt(ctx, render, page, dpi)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, apperr.Unit(apperr.StageRasterize, page, 0, ctx.Err())
		}
		r.log.Warn("primary render failed, trying in-memory fallback", "page", page, "err", err)

		render = fallback
		var fbErr error
		out, fbErr = r.attempt(ctx, render, page, dpi)
		if fbErr != nil {
			return Page{}, apperr.Unit(apperr.StageRasterize, page, 0,
				errors.Join(apperr.Fallback(apperr.StageRasterize, page, err), fbErr))
		}
		out.Fallback = true
	}

	if r.cfg.MaxDPI > 0 && out.SourceDPI > r.cfg.MaxDPI {
		r.log.Info("downsampling page", "page", page, "source_dpi", out.SourceDPI, "max_dpi", r.cfg.MaxDPI)
		usedFallback := out.Fallback
		out.Image = nil
		out, err = r.attempt(ctx, render, page, r.cfg.MaxDPI)
		if err != nil {
			return Page{}, apperr.Unit(apperr.StageRasterize, page, 0, fmt.Errorf("downsample to %d dpi: %w", r.cfg.MaxDPI, err))
		}
		out.Fallback = usedFallback
	}

	return out, nil
}

func (r *Rasterizer) attempt(ctx context.Context, render renderFunc, page, dpi int) (Page, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	raw, err := render(ctx, dpi)
	if err != nil {
		return Page{}, err
	}
	img, format, srcDPI, err := Decode(raw)
	if err != nil {
		return Page{}, err
	}
	return Page{Number: page, Image: img, DPI: dpi, SourceDPI: srcDPI, Format: format}, nil
}

// Decode sniffs and decodes an encoded raster, returning the image, its
// format name and any embedded resolution.
func Decode(raw []byte) (image.Image, string, int, error) {
	if len(raw) == 0 {
		return nil, "", 0, fmt.Errorf("renderer returned no image")
	}

	mt := mimetype.Detect(raw)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", 0, fmt.Errorf("renderer output is %s, not an image", mt.String())
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", 0, fmt.Errorf("decode %s: %w", mt.String(), err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", 0, fmt.Errorf("rendered image is empty")
	}
	return img, format, SourceDPI(raw), nil
}
