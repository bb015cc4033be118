package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string

	// Limits
	MaxPDFBytes    int64
	MaxHeaderBytes int

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64
	StripWorkers          int // per-page strip recognition workers

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration
	TempDir         string

	// health
	HealthDegradeRatio float64

	// Pipeline
	StripsPerPage  int
	StripOverlapPx int
	DefaultDPI     int
	MaxDPI         int
	RasterFormat   string

	// Poppler
	PDFInfoBinary  string
	PDFToPPMBinary string
	PDFInfoTimeout time.Duration
	RasterTimeout  time.Duration

	// Recognition
	OCREngine          string
	RecognizeTimeout   time.Duration
	TesseractLanguages []string
	TesseractPSM       int
	MistralAPIKey      string
	MistralAPIURL      string
	MistralModel       string
}

// fileConfig is the optional YAML overlay read from CONFIG_FILE.
type fileConfig struct {
	Port     string `yaml:"port"`
	Pipeline struct {
		StripsPerPage  *int   `yaml:"strips_per_page"`
		StripOverlapPx *int   `yaml:"strip_overlap_px"`
		DefaultDPI     *int   `yaml:"default_dpi"`
		MaxDPI         *int   `yaml:"max_dpi"`
		RasterFormat   string `yaml:"raster_format"`
		StripWorkers   *int   `yaml:"strip_workers"`
	} `yaml:"pipeline"`
	OCR struct {
		Engine           string   `yaml:"engine"`
		Languages        []string `yaml:"languages"`
		PageSegMode      *int     `yaml:"page_seg_mode"`
		RecognizeTimeout string   `yaml:"recognize_timeout"`
		MistralModel     string   `yaml:"mistral_model"`
	} `yaml:"ocr"`
}

func defaults() Config {
	return Config{
		Port: "8080",

		MaxPDFBytes:    200 << 20,
		MaxHeaderBytes: 1 << 20,

		MaxConcurrentRequests: 8,
		MaxOCRConcurrent:      4,
		StripWorkers:          1,

		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       60 * time.Second,

		RateLimitEvery: 2 * time.Second,
		RateLimitBurst: 10,

		CleanupInterval:    5 * time.Minute,
		HealthDegradeRatio: 0.9,

		StripsPerPage:  10,
		StripOverlapPx: 12,
		DefaultDPI:     200,
		MaxDPI:         230,
		RasterFormat:   "png",

		PDFInfoBinary:  "pdfinfo",
		PDFToPPMBinary: "pdftoppm",
		PDFInfoTimeout: 5 * time.Second,
		RasterTimeout:  60 * time.Second,

		OCREngine:          "tesseract",
		RecognizeTimeout:   30 * time.Second,
		TesseractLanguages: []string{"eng"},
		MistralAPIURL:      "https://api.mistral.ai/v1/ocr",
		MistralModel:       "mistral-ocr-latest",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE, then environment variables (a .env file is read first when
// present). Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := envStr("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != "" {
		c.Port = fc.Port
	}
	p := fc.Pipeline
	setInt(&c.StripsPerPage, p.StripsPerPage)
	setInt(&c.StripOverlapPx, p.StripOverlapPx)
	setInt(&c.DefaultDPI, p.DefaultDPI)
	setInt(&c.MaxDPI, p.MaxDPI)
	setInt(&c.StripWorkers, p.StripWorkers)
	if p.RasterFormat != "" {
		c.RasterFormat = p.RasterFormat
	}

	o := fc.OCR
	if o.Engine != "" {
		c.OCREngine = o.Engine
	}
	if len(o.Languages) > 0 {
		c.TesseractLanguages = o.Languages
	}
	setInt(&c.TesseractPSM, o.PageSegMode)
	if o.RecognizeTimeout != "" {
		d, err := time.ParseDuration(o.RecognizeTimeout)
		if err != nil {
			return fmt.Errorf("config file: ocr.recognize_timeout: %w", err)
		}
		c.RecognizeTimeout = d
	}
	if o.MistralModel != "" {
		c.MistralModel = o.MistralModel
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envStr("PORT", c.Port)

	c.MaxPDFBytes = int64(envInt("MAX_PDF_BYTES", int(c.MaxPDFBytes)))
	c.MaxHeaderBytes = envInt("MAX_HEADER_BYTES", c.MaxHeaderBytes)

	c.MaxConcurrentRequests = int64(envInt("MAX_CONCURRENT_REQUESTS", int(c.MaxConcurrentRequests)))
	c.MaxOCRConcurrent = int64(envInt("MAX_OCR_CONCURRENT", int(c.MaxOCRConcurrent)))
	c.StripWorkers = envInt("STRIP_WORKERS", c.StripWorkers)

	c.ReadHeaderTimeout = envDur("READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = envDur("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDur("WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = envDur("IDLE_TIMEOUT", c.IdleTimeout)

	c.RateLimitEvery = envDur("RATE_LIMIT_EVERY", c.RateLimitEvery)
	c.RateLimitBurst = envInt("RATE_LIMIT_BURST", c.RateLimitBurst)

	c.CleanupInterval = envDur("CLEANUP_INTERVAL", c.CleanupInterval)
	c.TempDir = envStr("TEMP_DIR", c.TempDir)
	c.HealthDegradeRatio = envFloat("HEALTH_DEGRADE_RATIO", c.HealthDegradeRatio)

	c.StripsPerPage = envInt("STRIPS_PER_PAGE", c.StripsPerPage)
	c.StripOverlapPx = envNonNegInt("STRIP_OVERLAP_PX", c.StripOverlapPx)
	c.DefaultDPI = envInt("DEFAULT_DPI", c.DefaultDPI)
	c.MaxDPI = envInt("MAX_DPI", c.MaxDPI)
	c.RasterFormat = strings.ToLower(envStr("RASTER_FORMAT", c.RasterFormat))

	c.PDFInfoBinary = envStr("PDFINFO_BINARY", c.PDFInfoBinary)
	c.PDFToPPMBinary = envStr("PDFTOPPM_BINARY", c.PDFToPPMBinary)
	c.PDFInfoTimeout = envDur("PDFINFO_TIMEOUT", c.PDFInfoTimeout)
	c.RasterTimeout = envDur("RASTER_TIMEOUT", c.RasterTimeout)

	c.OCREngine = strings.ToLower(envStr("OCR_ENGINE", c.OCREngine))
	c.RecognizeTimeout = envDur("RECOGNIZE_TIMEOUT", c.RecognizeTimeout)
	if langs := envStr("TESSERACT_LANGS", ""); langs != "" {
		c.TesseractLanguages = splitList(langs)
	}
	c.TesseractPSM = envInt("TESSERACT_PSM", c.TesseractPSM)
	c.MistralAPIKey = envStr("MISTRAL_API_KEY", c.MistralAPIKey)
	c.MistralAPIURL = envStr("MISTRAL_API_URL", c.MistralAPIURL)
	c.MistralModel = envStr("MISTRAL_MODEL", c.MistralModel)
}

func (c Config) Validate() error {
	if c.StripsPerPage < 1 {
		return fmt.Errorf("STRIPS_PER_PAGE must be at least 1")
	}
	if c.StripOverlapPx < 0 {
		return fmt.Errorf("STRIP_OVERLAP_PX must not be negative")
	}
	if c.DefaultDPI < 1 || c.MaxDPI < 1 {
		return fmt.Errorf("DEFAULT_DPI and MAX_DPI must be positive")
	}
	switch c.RasterFormat {
	case "png", "tiff", "jpeg":
	default:
		return fmt.Errorf("RASTER_FORMAT must be png, tiff or jpeg, got %q", c.RasterFormat)
	}
	switch c.OCREngine {
	case "tesseract":
	case "mistral":
		if strings.TrimSpace(c.MistralAPIKey) == "" {
			return fmt.Errorf("MISTRAL_API_KEY is required when OCR_ENGINE=mistral")
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be tesseract or mistral, got %q", c.OCREngine)
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '+' || r == ' ' }) {
		out = append(out, part)
	}
	return out
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// envNonNegInt is envInt for settings where zero is meaningful.
func envNonNegInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
