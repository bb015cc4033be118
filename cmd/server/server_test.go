package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/strip-ocr-service/internal/config"
	"github.com/toricodesthings/strip-ocr-service/internal/events"
	"github.com/toricodesthings/strip-ocr-service/internal/ocr"
	"github.com/toricodesthings/strip-ocr-service/internal/pipeline"
	"github.com/toricodesthings/strip-ocr-service/internal/poppler"
	"github.com/toricodesthings/strip-ocr-service/internal/raster"
)

const testPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n"

type stubInspector struct{ pages int }

func (s stubInspector) Info(context.Context, string) (poppler.PDFInfo, error) {
	return poppler.PDFInfo{Pages: s.pages}, nil
}

type stubRasterizer struct {
	mu   sync.Mutex
	dpis []int
}

func (s *stubRasterizer) Rasterize(_ context.Context, _ raster.Document, page, dpi int) (raster.Page, error) {
	s.mu.Lock()
	s.dpis = append(s.dpis, dpi)
	s.mu.Unlock()
	return raster.Page{Number: page, Image: image.NewGray(image.Rect(0, 0, 40, 100)), DPI: dpi}, nil
}

type stubRecognizer struct{}

func (stubRecognizer) Recognize(_ context.Context, _ image.Image, box image.Rectangle, page, index int) ocr.StripResult {
	return ocr.StripResult{Index: index, Box: box, Text: "line " + string(rune('0'+index))}
}

func setupServer(t *testing.T) *stubRasterizer {
	t.Helper()
	cfg = config.Config{
		MaxPDFBytes:           1 << 20,
		MaxConcurrentRequests: 2,
		HealthDegradeRatio:    0.5,
		RateLimitEvery:        time.Hour,
		RateLimitBurst:        100,
	}
	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	limiters.Clear()
	metrics = &serverMetrics{}

	rast := &stubRasterizer{}
	pipe = pipeline.New(pipeline.Settings{
		StripsPerPage:  2,
		DPI:            200,
		TempDir:        t.TempDir(),
		MaxUploadBytes: cfg.MaxPDFBytes,
	}, stubInspector{pages: 3}, rast, stubRecognizer{}, nil)
	return rast
}

func multipartBody(t *testing.T, fields map[string]string, file string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != "" {
		fw, err := mw.CreateFormFile("pdf", "scan.pdf")
		if err != nil {
			t.Fatalf("create file: %v", err)
		}
		_, _ = fw.Write([]byte(file))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// readEvents splits an event stream into decoded payloads.
func readEvents(t *testing.T, body string) []events.Event {
	t.Helper()
	var out []events.Event
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(lines) > 0 {
				ev, err := events.Decode(strings.Join(lines, "\n"))
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				out = append(out, ev)
				lines = nil
			}
			continue
		}
		lines = append(lines, strings.TrimPrefix(line, "data: "))
	}
	return out
}

func kinds(evs []events.Event, k events.Kind) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func TestHandleOCRStreamsEvents(t *testing.T) {
	rast := setupServer(t)
	body, ctype := multipartBody(t, map[string]string{"page": "2-3", "dpi": "150"}, testPDF)

	req := httptest.NewRequest(http.MethodPost, "/ocr", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	evs := readEvents(t, rec.Body.String())
	if len(kinds(evs, events.KindPageDone)) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	final := kinds(evs, events.KindFinal)
	if len(final) != 1 || final[0].Text != "line 1\nline 2\n\nline 1\nline 2" {
		t.Fatalf("final = %+v", final)
	}
	if len(kinds(evs, events.KindError)) != 0 {
		t.Fatal("unexpected ERROR")
	}
	if len(rast.dpis) != 2 || rast.dpis[0] != 150 {
		t.Fatalf("dpi override not applied: %v", rast.dpis)
	}
	if s := metrics.snapshot(); s["completedRequests"] != 1 || s["pagesProcessed"] != 2 {
		t.Fatalf("metrics = %v", s)
	}
}

func TestHandleOCRAcceptsPagesAlias(t *testing.T) {
	setupServer(t)
	body, ctype := multipartBody(t, map[string]string{"pages": "3"}, testPDF)
	req := httptest.NewRequest(http.MethodPost, "/ocr", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, req)

	done := kinds(readEvents(t, rec.Body.String()), events.KindPageDone)
	if len(done) != 1 || done[0].Page != 3 {
		t.Fatalf("page done = %+v", done)
	}
}

func TestHandleOCRMissingFileIsStreamedError(t *testing.T) {
	setupServer(t)
	body, ctype := multipartBody(t, map[string]string{"page": "1"}, "")
	req := httptest.NewRequest(http.MethodPost, "/ocr", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, req)

	evs := readEvents(t, rec.Body.String())
	errs := kinds(evs, events.KindError)
	if len(errs) != 1 || !strings.Contains(errs[0].Text, "missing pdf file") {
		t.Fatalf("errors = %+v", errs)
	}
	if len(kinds(evs, events.KindFinal)) != 0 {
		t.Fatal("FINAL after fatal error")
	}
	if s := metrics.snapshot(); s["failedRequests"] != 1 {
		t.Fatalf("metrics = %v", s)
	}
}

func TestHandleOCRRejectsGet(t *testing.T) {
	setupServer(t)
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ocr", nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "POST" {
		t.Fatalf("status = %d allow = %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestHandleOCRRateLimited(t *testing.T) {
	setupServer(t)
	cfg.RateLimitBurst = 1
	mux := newMux()

	for i, want := range []int{http.StatusMethodNotAllowed, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/ocr", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestConcurrencyLimitRejectsWhenFull(t *testing.T) {
	setupServer(t)
	if !requestSem.TryAcquire(cfg.MaxConcurrentRequests) {
		t.Fatal("acquire")
	}
	defer requestSem.Release(cfg.MaxConcurrentRequests)

	rec := httptest.NewRecorder()
	withConcurrencyLimit(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler ran at capacity")
	})(rec, httptest.NewRequest(http.MethodPost, "/ocr", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHomePage(t *testing.T) {
	setupServer(t)
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `name="pdf"`) {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", rec.Code)
	}
}

func TestHealthDegradesUnderLoad(t *testing.T) {
	setupServer(t)
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("idle status = %d", rec.Code)
	}

	metrics.incActive()
	defer metrics.decActive()
	rec = httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if rec.Code != http.StatusServiceUnavailable || out["status"] != "degraded" {
		t.Fatalf("status = %d body = %v", rec.Code, out)
	}
}

func TestRecoveryReturns500BeforeHeaders(t *testing.T) {
	h := withLogging(withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWrapWriterFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &wrapWriter{ResponseWriter: rec, status: 200}
	if _, err := events.NewSSEWriter(ww); err != nil {
		t.Fatalf("wrapWriter must support streaming: %v", err)
	}
	if !rec.Flushed {
		t.Fatal("not flushed")
	}
}

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.2:1234", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.2 "}, "10.0.0.2:1234", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.9:5555", "192.0.2.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			if got := getClientIP(r); got != tc.want {
				t.Fatalf("getClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ocr?strips=7&dpi=abc&overlap=-3", nil)
	if got := formInt(r, "strips"); got != 7 {
		t.Fatalf("strips = %d", got)
	}
	if formInt(r, "dpi") != 0 || formInt(r, "overlap") != 0 || formInt(r, "missing") != 0 {
		t.Fatal("malformed values must be ignored")
	}
}

func TestNewEngineRejectsUnknown(t *testing.T) {
	if _, err := newEngine(config.Config{OCREngine: "abbyy"}); err == nil {
		t.Fatal("expected error")
	}
	e, err := newEngine(config.Config{OCREngine: "mistral", MistralAPIKey: "k"})
	if err != nil || e.Name() != "mistral" {
		t.Fatalf("engine = %v, err = %v", e, err)
	}
}

func TestRateLimiterCleanupRunsAlongsideRequests(t *testing.T) {
	setupServer(t)
	cfg.CleanupInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cleaned := make(chan struct{})
	go func() {
		defer close(cleaned)
		cleanupRateLimiters(ctx)
	}()

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 2000 {
				ip := "198.51.100." + strconv.Itoa((g*2000+i)%250)
				if getRateLimiter(ip) == nil {
					t.Error("nil limiter")
					return
				}
			}
		}()
	}
	wg.Wait()
	cancel()
	<-cleaned
}

func TestGetRateLimiterReusesPerIP(t *testing.T) {
	setupServer(t)
	a := getRateLimiter("192.0.2.1")
	if getRateLimiter("192.0.2.1") != a {
		t.Fatal("limiter not reused for same ip")
	}
	if getRateLimiter("192.0.2.2") == a {
		t.Fatal("limiter shared across ips")
	}
	limiters.Clear()
	if getRateLimiter("192.0.2.1") == a {
		t.Fatal("limiter survived cleanup")
	}
}
