package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/strip-ocr-service/internal/config"
	"github.com/toricodesthings/strip-ocr-service/internal/logging"
	"github.com/toricodesthings/strip-ocr-service/internal/ocr"
	"github.com/toricodesthings/strip-ocr-service/internal/pipeline"
	"github.com/toricodesthings/strip-ocr-service/internal/poppler"
	"github.com/toricodesthings/strip-ocr-service/internal/raster"
)

var (
	cfg config.Config
	log = logging.NewLogger("server")

	requestSem *semaphore.Weighted
	pipe       *pipeline.Pipeline

	// Per-IP rate limiters, emptied on every cleanup tick.
	limiters sync.Map

	metrics = &serverMetrics{}
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64

	completed int64
	failed    int64
	aborted   int64
	pagesDone int64
	pagesLost int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func (m *serverMetrics) record(outcome string, sum pipeline.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch outcome {
	case "ok":
		m.completed++
	case "aborted":
		m.aborted++
	default:
		m.failed++
	}
	m.pagesDone += int64(len(sum.Pages))
	m.pagesLost += int64(len(sum.FailedPages))
}

func (m *serverMetrics) snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"completedRequests": m.completed,
		"failedRequests":    m.failed,
		"abortedRequests":   m.aborted,
		"pagesProcessed":    m.pagesDone,
		"pagesFailed":       m.pagesLost,
	}
}

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)

	engine, err := newEngine(cfg)
	if err != nil {
		panic(err)
	}
	pipe = newPipeline(cfg, engine)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h2c.NewHandler(withLogging(withRecovery(newMux())), &http2.Server{}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cleanupRateLimiters(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening",
		"addr", srv.Addr,
		"engine", engine.Name(),
		"maxConcurrent", cfg.MaxConcurrentRequests,
		"ocrConcurrent", cfg.MaxOCRConcurrent,
		"strips", cfg.StripsPerPage,
		"overlap", cfg.StripOverlapPx,
		"dpi", cfg.DefaultDPI)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/{$}", withMethod("GET", handleHome))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)

	mux.HandleFunc("/ocr",
		withRateLimit(
			withMethod("POST",
				withConcurrencyLimit(handleOCR))))

	return mux
}

func newEngine(c config.Config) (ocr.Engine, error) {
	switch c.OCREngine {
	case "tesseract":
		return ocr.NewTesseract(ocr.TesseractConfig{
			Languages:   c.TesseractLanguages,
			PageSegMode: c.TesseractPSM,
		}), nil
	case "mistral":
		return ocr.NewMistral(ocr.MistralConfig{
			APIKey:  c.MistralAPIKey,
			URL:     c.MistralAPIURL,
			Model:   c.MistralModel,
			Timeout: c.RecognizeTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", c.OCREngine)
	}
}

func newPipeline(c config.Config, engine ocr.Engine) *pipeline.Pipeline {
	tool := poppler.New(poppler.Config{
		PDFInfoBinary:  c.PDFInfoBinary,
		PDFToPPMBinary: c.PDFToPPMBinary,
		PDFInfoTimeout: c.PDFInfoTimeout,
		RenderTimeout:  c.RasterTimeout,
	})
	rasterizer := raster.New(tool, raster.Config{
		MaxDPI:  c.MaxDPI,
		Format:  c.RasterFormat,
		Timeout: c.RasterTimeout,
	}, logging.NewLogger("raster"))
	adapter := ocr.NewAdapter(engine, ocr.AdapterConfig{
		Timeout:       c.RecognizeTimeout,
		MaxConcurrent: c.MaxOCRConcurrent,
	}, logging.NewLogger("ocr"))

	return pipeline.New(pipelineSettings(c), tool, rasterizer, adapter, logging.NewLogger("pipeline"))
}

func pipelineSettings(c config.Config) pipeline.Settings {
	return pipeline.Settings{
		StripsPerPage:  c.StripsPerPage,
		StripOverlap:   c.StripOverlapPx,
		DPI:            c.DefaultDPI,
		StripWorkers:   c.StripWorkers,
		MaxUploadBytes: c.MaxPDFBytes,
		TempDir:        c.TempDir,
		InspectTimeout: c.PDFInfoTimeout,
	}
}

func cleanupRateLimiters(ctx context.Context) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := metrics.get()
		log.Info("stats", "active", active, "total", total, "goroutines", runtime.NumGoroutine(), "memMB", m.Alloc/(1<<20))

		limiters.Clear()
	}
}

// ---------- Handlers ----------

func handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": "1.0.0",
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := metrics.get()

	out := map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	}
	for k, v := range metrics.snapshot() {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------- Middleware ----------

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be "+method)
			return
		}
		next(w, r)
	}
}

func withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requestSem.TryAcquire(1) {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer requestSem.Release(1)

		metrics.incActive()
		defer metrics.decActive()

		next(w, r)
	}
}

func withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		limiter := getRateLimiter(ip)

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic", "path", sanitizeLogString(r.URL.Path), "err", err)
				if ww, ok := w.(*wrapWriter); ok && ww.wroteHeader {
					return
				}
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		log.Info("access",
			"method", r.Method,
			"path", sanitizeLogString(r.URL.Path),
			"status", ww.status,
			"elapsed", time.Since(start).Round(time.Millisecond))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush lets event streams pass through the access log wrapper.
func (w *wrapWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *wrapWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ---------- Helpers ----------

func getRateLimiter(ip string) *rate.Limiter {
	if v, ok := limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := cfg.RateLimitEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	limiter := rate.NewLimiter(rate.Every(every), burst)
	v, _ := limiters.LoadOrStore(ip, limiter)
	return v.(*rate.Limiter)
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
