// Package ocr runs text recognition over page strips. Engines wrap a concrete
// OCR backend; Adapter isolates every call so failures become empty results.
package ocr

import "context"

// Engine recognizes text in one PNG-encoded image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, png []byte) (string, error)
}
