package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type mistralPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type mistralResponse struct {
	Pages []mistralPage `json:"pages"`
	Model string        `json:"model"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const (
	defaultMistralURL   = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
)

type MistralConfig struct {
	APIKey     string
	URL        string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Mistral sends each strip to the Mistral OCR API as a base64 data URI.
type Mistral struct {
	cfg    MistralConfig
	client *http.Client
}

func NewMistral(cfg MistralConfig) *Mistral {
	if cfg.URL == "" {
		cfg.URL = defaultMistralURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultMistralModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Mistral{cfg: cfg, client: client}
}

func (m *Mistral) Name() string { return "mistral" }

func (m *Mistral) Recognize(ctx context.Context, png []byte) (string, error) {
	if strings.TrimSpace(m.cfg.APIKey) == "" {
		return "", fmt.Errorf("MISTRAL_API_KEY not configured")
	}
	if len(png) == 0 {
		return "", fmt.Errorf("empty image")
	}

	body := map[string]any{
		"model": m.cfg.Model,
		"document": map[string]any{
			"type":      "image_url",
			"image_url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		},
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(m.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		resp, err := m.execute(ctx, bodyBytes)
		if err == nil {
			return joinPages(resp), nil
		}
		lastErr = err

		// Don't retry client errors (4xx)
		if isClientError(err) || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("mistral OCR failed after %d attempts: %w", m.cfg.MaxRetries+1, lastErr)
}

func (m *Mistral) execute(ctx context.Context, bodyBytes []byte) (mistralResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return mistralResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "strip-ocr/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return mistralResponse{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mistralResponse{}, parseErrorResponse(resp)
	}

	var result mistralResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&result); err != nil {
		return mistralResponse{}, fmt.Errorf("decode: %w", err)
	}
	return result, nil
}

func joinPages(resp mistralResponse) string {
	parts := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		md := strings.TrimSpace(stripMarkup(p.Markdown))
		if md == "" || md == "." {
			continue
		}
		parts = append(parts, md)
	}
	return strings.Join(parts, "\n")
}

func parseErrorResponse(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp mistralErrorResponse
	if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message, Type: errResp.Error.Type}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes), Type: "unknown"}
}

// APIError is a non-2xx answer from the OCR API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mistral OCR %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func isClientError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}
