package main

import (
	_ "embed"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/strip-ocr-service/internal/apperr"
	"github.com/toricodesthings/strip-ocr-service/internal/events"
	"github.com/toricodesthings/strip-ocr-service/internal/pipeline"
)

//go:embed index.html
var homePage []byte

const maxFormMemory = 32 << 20

func handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(homePage)
}

// handleOCR streams the pipeline's events for the uploaded PDF. Once the
// stream is open every failure, including a bad upload, is reported as an
// ERROR event rather than an HTTP status.
func handleOCR(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxPDFBytes+maxFormMemory)

	req := pipeline.Request{FileName: "input.pdf"}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		req.Body = errReader{fmt.Errorf("read form: %w", err)}
	} else {
		defer r.MultipartForm.RemoveAll()
		req.PageSpec = formValue(r, "page", "pages")
		req.Overrides = pipeline.Overrides{
			Strips:  formInt(r, "strips"),
			Overlap: formInt(r, "overlap"),
			DPI:     formInt(r, "dpi"),
		}
		file, header, err := r.FormFile("pdf")
		if err != nil {
			req.Body = errReader{fmt.Errorf("missing pdf file: %w", err)}
		} else {
			defer file.Close()
			req.Body = file
			req.FileName = uploadName(header)
		}
	}

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sink, err := events.NewSSEWriter(w)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "streaming_unsupported", sanitizeError(err))
		return
	}

	sum, err := pipe.Run(r.Context(), req, sink)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrClientGone) || r.Context().Err() != nil:
		outcome = "aborted"
	case apperr.IsFatal(err):
		outcome = "failed"
	}
	metrics.record(outcome, sum)
	log.Info("ocr request",
		"id", sum.ID,
		"file", sanitizeLogString(req.FileName),
		"outcome", outcome,
		"pages", len(sum.Pages),
		"failedPages", len(sum.FailedPages),
		"elapsed", sum.Elapsed.Round(time.Millisecond))
}

func uploadName(h *multipart.FileHeader) string {
	if h == nil || strings.TrimSpace(h.Filename) == "" {
		return "input.pdf"
	}
	return h.Filename
}

// formValue returns the first non-empty value among keys.
func formValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(r.FormValue(k)); v != "" {
			return v
		}
	}
	return ""
}

// formInt returns 0 for missing or malformed values, which leaves the
// configured default in place.
func formInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
