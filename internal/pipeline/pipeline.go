// Package pipeline drives one OCR request: save the upload, inspect it,
// select pages, then rasterize, tile and recognize each page while streaming
// progress events to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toricodesthings/strip-ocr-service/internal/apperr"
	"github.com/toricodesthings/strip-ocr-service/internal/events"
	"github.com/toricodesthings/strip-ocr-service/internal/logging"
	"github.com/toricodesthings/strip-ocr-service/internal/merge"
	"github.com/toricodesthings/strip-ocr-service/internal/ocr"
	"github.com/toricodesthings/strip-ocr-service/internal/pages"
	"github.com/toricodesthings/strip-ocr-service/internal/poppler"
	"github.com/toricodesthings/strip-ocr-service/internal/raster"
	"github.com/toricodesthings/strip-ocr-service/internal/tile"
	"github.com/toricodesthings/strip-ocr-service/internal/upload"
)

// Inspector reports a document's page count and encryption. poppler.Tool
// implements it.
type Inspector interface {
	Info(ctx context.Context, pdfPath string) (poppler.PDFInfo, error)
}

// Rasterizer renders one page. raster.Rasterizer implements it.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc raster.Document, page, dpi int) (raster.Page, error)
}

// Recognizer reads one strip and never fails. ocr.Adapter implements it.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, box image.Rectangle, page, index int) ocr.StripResult
}

type Pipeline struct {
	settings   Settings
	inspector  Inspector
	rasterizer Rasterizer
	recognizer Recognizer
	log        *logging.Logger
}

func New(settings Settings, inspector Inspector, rasterizer Rasterizer, recognizer Recognizer, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{
		settings:   settings.withDefaults(),
		inspector:  inspector,
		rasterizer: rasterizer,
		recognizer: recognizer,
		log:        log,
	}
}

func (p *Pipeline) Settings() Settings { return p.settings }

type Request struct {
	ID        string // generated when empty
	FileName  string
	Body      io.Reader
	PageSpec  string
	Overrides Overrides
}

// Summary describes a finished request.
type Summary struct {
	ID          string
	TotalPages  int // 0 when unknown
	Selected    []int
	Pages       []merge.PageResult
	FailedPages []int
	Text        string
	Elapsed     time.Duration
}

// ErrClientGone is returned when the sink stops accepting events.
var ErrClientGone = errors.New("client disconnected")

// Run processes req and streams events to sink in order. Per-page and
// per-strip failures are reported as LOG events and never end the request.
// A fatal failure produces exactly one ERROR event and is returned.
// Cancellation of ctx or a failing sink stops work without an ERROR event.
// The stored upload is removed before Run returns, on every path.
func (p *Pipeline) Run(ctx context.Context, req Request, sink events.Sink) (sum Summary, err error) {
	r := &run{
		p:        p,
		settings: p.settings.Apply(req.Overrides),
		out:      &emitter{sink: sink},
		start:    time.Now(),
		stage:    "received",
	}
	r.sum.ID = req.ID
	if r.sum.ID == "" {
		r.sum.ID = uuid.NewString()
	}
	r.log = p.log.With("request", r.sum.ID)
	r.eta.workers = r.settings.StripWorkers

	defer func() { r.doc.Cleanup() }()
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Fatal(r.stage, fmt.Errorf("panic: %v", rec))
			r.log.Error("pipeline panic", "stage", r.stage, "panic", rec)
			_ = r.out.send(events.Error(Diagnose(err)))
		}
		sum = r.sum
		sum.Elapsed = time.Since(r.start)
	}()

	err = r.execute(ctx, req)
	switch {
	case err == nil:
		r.log.Info("request done", "pages", len(r.sum.Pages), "failed", len(r.sum.FailedPages), "elapsed", time.Since(r.start).Round(time.Millisecond))
	case errors.Is(err, ErrClientGone) || ctx.Err() != nil:
		r.log.Info("request aborted", "stage", r.stage, "err", err)
	default:
		if !apperr.IsFatal(err) {
			err = apperr.Fatal(r.stage, err)
		}
		r.log.Error("request failed", "stage", r.stage, "err", err)
		_ = r.out.send(events.Error(Diagnose(err)))
	}
	return r.sum, err
}

// run is the state of one request.
type run struct {
	p        *Pipeline
	settings Settings
	log      *logging.Logger
	out      *emitter
	doc      *upload.File
	eta      etaTracker
	start    time.Time
	stage    apperr.Stage
	sum      Summary
}

func (r *run) enter(stage apperr.Stage) { r.stage = stage }

func (r *run) execute(ctx context.Context, req Request) error {
	if err := r.out.send(events.Log("Request received")); err != nil {
		return err
	}

	r.enter(apperr.StageSave)
	doc, err := upload.SaveToTemp(req.Body, req.FileName, r.settings.TempDir, "ocr-"+r.sum.ID, r.settings.MaxUploadBytes)
	if err != nil {
		return apperr.Fatal(apperr.StageSave, fmt.Errorf("cannot store upload: %w", err))
	}
	r.doc = doc
	if err := r.out.send(events.Log("File: %s (%d bytes)", doc.Name, doc.Size)); err != nil {
		return err
	}
	if !doc.IsPDF() {
		return apperr.Fatal(apperr.StageSave, fmt.Errorf("upload is %s, not a PDF", displayType(doc.MIMEType)))
	}

	r.enter(apperr.StageInspect)
	info := r.inspect(ctx)
	r.sum.TotalPages = info.Pages
	if info.Encrypted {
		if err := r.out.send(events.Log("Document is encrypted, some pages may fail to render")); err != nil {
			return err
		}
	}
	if r.sum.TotalPages > 0 {
		err = r.out.send(events.Log("Total pages: %d", r.sum.TotalPages))
	} else {
		err = r.out.send(events.Log("Total pages: unknown, pages will be checked individually"))
	}
	if err != nil {
		return err
	}

	r.enter(apperr.StageSelect)
	sel := pages.Select(req.PageSpec, r.sum.TotalPages)
	if sel.Defaulted || sel.Capped {
		r.log.Warn("page selection adjusted", "spec", req.PageSpec, "reason", sel.Reason)
		if err := r.out.send(events.Log("Page selection: %s", sel.Reason)); err != nil {
			return err
		}
	}
	r.sum.Selected = sel.Pages
	if err := r.out.send(events.Log("Pages selected: %s", pages.Format(sel.Pages))); err != nil {
		return err
	}

	for i, page := range sel.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.page(ctx, i, page); err != nil {
			return err
		}
	}

	r.enter(apperr.StageFinalize)
	r.sum.Text = merge.Document(r.sum.Pages)
	if err := r.out.send(events.Final(r.sum.Text)); err != nil {
		return err
	}
	words, chars := merge.Counts(r.sum.Text)
	return r.out.send(events.Log("Done: %d/%d pages, %d words, %d chars in %.1fs",
		len(r.sum.Pages), len(sel.Pages), words, chars, time.Since(r.start).Seconds()))
}

// inspect returns the document info. Pages is 0 when the count cannot be
// determined.
func (r *run) inspect(ctx context.Context) poppler.PDFInfo {
	if r.p.inspector == nil {
		return poppler.PDFInfo{}
	}
	if r.settings.InspectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.settings.InspectTimeout)
		defer cancel()
	}
	info, err := r.p.inspector.Info(ctx, r.doc.FilePath())
	if err != nil {
		r.log.Warn("page count unavailable", "err", apperr.Degraded(apperr.StageInspect, err))
		return poppler.PDFInfo{}
	}
	if info.Encrypted {
		r.log.Warn("encrypted document", "pages", info.Pages)
	}
	return info
}

// page runs rasterize, tile, recognize and merge for one page. The page
// image does not outlive this call.
func (r *run) page(ctx context.Context, idx, page int) error {
	total := len(r.sum.Selected)
	if err := r.out.send(events.Log("Processing page %d (%d/%d)", page, idx+1, total)); err != nil {
		return err
	}

	r.enter(apperr.StageRasterize)
	img, err := r.p.rasterizer.Rasterize(ctx, r.doc, page, r.settings.DPI)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperr.IsFatal(err) {
			return err
		}
		r.log.Warn("page skipped", "page", page, "err", err)
		r.sum.FailedPages = append(r.sum.FailedPages, page)
		return r.out.send(events.Log("Page %d failed: %s", page, unitReason(err)))
	}
	if img.Fallback {
		if err := r.out.send(events.Log("Page %d rendered via in-memory fallback", page)); err != nil {
			return err
		}
	}

	r.enter(apperr.StageTile)
	boxes := tile.Strips(img.Image.Bounds(), r.settings.StripsPerPage, r.settings.StripOverlap)
	if len(boxes) == 0 {
		r.sum.FailedPages = append(r.sum.FailedPages, page)
		return r.out.send(events.Log("Page %d failed: rendered image is empty", page))
	}

	r.enter(apperr.StageRecognize)
	pagesLeft := total - idx - 1
	texts := make([]string, len(boxes))
	err = r.recognizeStrips(ctx, img.Image, boxes, page, func(res ocr.StripResult) error {
		texts[res.Index-1] = res.Text
		r.eta.observe(res.Duration)

		remaining := len(boxes) - res.Index + pagesLeft*r.settings.StripsPerPage
		if err := r.out.send(events.Progress(idx+1, total, res.Index, len(boxes), r.eta.seconds(remaining))); err != nil {
			return err
		}
		var sp *stripPanic
		if errors.As(res.Err, &sp) {
			return apperr.Fatal(apperr.StageRecognize, sp)
		}
		if res.Err != nil {
			if err := r.out.send(events.Log("Page %d strip %d failed: %s", page, res.Index, unitReason(res.Err))); err != nil {
				return err
			}
		}
		return r.out.send(events.Partial(page, res.Index, strings.TrimSpace(res.Text)))
	})
	if err != nil {
		return err
	}

	r.enter(apperr.StageMerge)
	text := merge.Page(texts)
	r.sum.Pages = append(r.sum.Pages, merge.PageResult{Page: page, Text: text})
	return r.out.send(events.PageDone(page, text))
}

func unitReason(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Cause != nil {
		return firstLine(ae.Cause.Error())
	}
	return firstLine(err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func displayType(mt string) string {
	if mt == "" {
		return "an unknown type"
	}
	return mt
}

// Diagnose renders err, the dynamic types of its wrap chain and the stack
// recorded when the fatal error was raised.
func Diagnose(err error) string {
	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T", e))
	}
	out := err.Error() + "\ntrace: " + strings.Join(chain, " -> ")
	if stack := apperr.StackOf(err); len(stack) > 0 {
		out += "\n" + strings.TrimRight(string(stack), "\n")
	}
	return out
}

// emitter forwards events until the first sink failure, then reports
// ErrClientGone for every later send.
type emitter struct {
	sink events.Sink
	err  error
}

func (e *emitter) send(ev events.Event) error {
	if e.err != nil {
		return e.err
	}
	if err := e.sink.Send(ev); err != nil {
		e.err = fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return e.err
}
