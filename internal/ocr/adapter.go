package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/strip-ocr-service/internal/apperr"
	"github.com/toricodesthings/strip-ocr-service/internal/logging"
)

// StripResult is the recognized text of one strip. Text is empty when Err is set.
type StripResult struct {
	Index    int
	Box      image.Rectangle
	Text     string
	Err      error
	Duration time.Duration
}

type AdapterConfig struct {
	// Timeout bounds a single engine call; zero disables it.
	Timeout time.Duration
	// MaxConcurrent caps engine calls in flight across all requests.
	MaxConcurrent int64
}

// Adapter turns engine failures, panics and timeouts into empty strip results.
type Adapter struct {
	engine  Engine
	timeout time.Duration
	limiter *semaphore.Weighted
	log     *logging.Logger
}

func NewAdapter(engine Engine, cfg AdapterConfig, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Discard()
	}
	a := &Adapter{engine: engine, timeout: cfg.Timeout, log: log}
	if cfg.MaxConcurrent > 0 {
		a.limiter = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return a
}

func (a *Adapter) EngineName() string { return a.engine.Name() }

type engineResult struct {
	text string
	err  error
}

// Recognize crops box from img and runs the engine on it. It never fails:
// any problem is logged and reported through StripResult.Err with empty text.
// index is 1-based and only used for reporting.
func (a *Adapter) Recognize(ctx context.Context, img image.Image, box image.Rectangle, page, index int) StripResult {
	start := time.Now()
	res := StripResult{Index: index, Box: box}

	text, err := a.run(ctx, img, box)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = apperr.Unit(apperr.StageRecognize, page, index, err)
		a.log.Warn("strip recognition failed", "page", page, "strip", index, "engine", a.engine.Name(), "err", err)
		return res
	}
	res.Text = cleanText(text)
	return res
}

func (a *Adapter) run(ctx context.Context, img image.Image, box image.Rectangle) (string, error) {
	data, err := CropPNG(img, box)
	if err != nil {
		return "", err
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("wait for OCR slot: %w", err)
		}
	}

	// Engines backed by cgo cannot be interrupted, so the call runs on its own
	// goroutine and keeps its limiter slot until it really returns.
	done := make(chan engineResult, 1)
	go func() {
		if a.limiter != nil {
			defer a.limiter.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				done <- engineResult{err: fmt.Errorf("engine panic: %v\n%s", r, debug.Stack())}
			}
		}()
		text, err := a.engine.Recognize(ctx, data)
		done <- engineResult{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CropPNG encodes the part of img inside box as PNG.
func CropPNG(img image.Image, box image.Rectangle) ([]byte, error) {
	rect := box.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("strip %v outside image bounds %v", box, img.Bounds())
	}

	var cropped image.Image
	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		cropped = sub.SubImage(rect)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
		cropped = dst
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, cropped); err != nil {
		return nil, fmt.Errorf("encode strip: %w", err)
	}
	return buf.Bytes(), nil
}
