// Package ocr provides pluggable text extraction backends. A backend takes
// a rendered page image and returns text, a confidence score and the time
// spent. Backend failures are reported to the caller but are non-fatal to
// the surrounding job by contract.
package ocr

import (
	"fmt"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

// New constructs the OCR backend selected by cfg.
func New(cfg config.OCRConfig, log *observability.Logger) (domain.OCREngine, error) {
	switch cfg.Backend {
	case config.OCRTesseract:
		return NewTesseract(cfg.Languages, log), nil
	case config.OCRMistral:
		return NewMistral(cfg.Mistral, log)
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unrecognized OCR backend %q", cfg.Backend), nil)
	}
}
