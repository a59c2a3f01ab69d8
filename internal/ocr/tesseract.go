package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

// Tesseract extracts text locally via the gosseract client. A fresh client
// is created per call; gosseract clients are not safe for concurrent use
// and per-call setup is cheap next to recognition itself.
type Tesseract struct {
	languages     []string
	clientFactory func() *gosseract.Client
	log           *observability.Logger
}

// NewTesseract creates a Tesseract-backed engine with optional language
// hints (e.g. "eng", "deu").
func NewTesseract(languages []string, log *observability.Logger) *Tesseract {
	return &Tesseract{
		languages:     append([]string(nil), languages...),
		clientFactory: gosseract.NewClient,
		log:           log.WithComponent("ocr.tesseract"),
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

// ExtractText runs recognition on the image at imagePath.
func (t *Tesseract) ExtractText(ctx context.Context, imagePath string) (domain.OCRResult, error) {
	select {
	case <-ctx.Done():
		return domain.OCRResult{}, ctx.Err()
	default:
	}

	start := time.Now()

	c := t.clientFactory()
	defer c.Close()

	if err := c.SetImage(imagePath); err != nil {
		return domain.OCRResult{}, domain.BackendError(fmt.Sprintf("set image %s", imagePath), err)
	}
	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return domain.OCRResult{}, domain.BackendError("set languages", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return domain.OCRResult{}, domain.BackendError(fmt.Sprintf("recognize %s", imagePath), err)
	}

	result := domain.OCRResult{
		Text:       strings.TrimSpace(text),
		Confidence: averageConfidence(c),
		Duration:   time.Since(start),
	}

	t.log.Debug().
		Str("image", imagePath).
		Int("chars", len(result.Text)).
		Float64("confidence", result.Confidence).
		Dur("duration", result.Duration).
		Msg("Tesseract extraction complete")

	return result, nil
}

// averageConfidence averages per-word confidences, scaled to 0..1. Zero
// words means zero confidence.
func averageConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
