package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

type TesseractConfig struct {
	Languages []string
	// PageSegMode is passed as tessedit_pageseg_mode when > 0.
	PageSegMode int
	Variables   map[string]string
}

// Tesseract runs libtesseract through gosseract, one client per call.
type Tesseract struct {
	cfg           TesseractConfig
	clientFactory func() *gosseract.Client
}

func NewTesseract(cfg TesseractConfig) *Tesseract {
	return &Tesseract{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (e *Tesseract) Name() string { return "tesseract" }

func (e *Tesseract) Recognize(ctx context.Context, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := e.clientFactory()
	defer c.Close()

	if len(e.cfg.Languages) > 0 {
		if err := c.SetLanguage(e.cfg.Languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if e.cfg.PageSegMode > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PageSegMode)); err != nil {
			return "", fmt.Errorf("set page seg mode: %w", err)
		}
	}
	for k, v := range e.cfg.Variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return "", fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	if err := c.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return strings.TrimSpace(text), nil
}
