package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

const (
	defaultMistralEndpoint = "https://api.mistral.ai/v1/chat/completions"
	defaultMistralModel    = "mistral-ocr-latest"
	defaultMistralTimeout  = 2 * time.Minute
)

const extractionPrompt = "Extract all text visible in this image. " +
	"Return only the text, preserving reading order and line breaks. " +
	"Do not describe the image or add commentary."

// Mistral extracts text through a remote vision-capable LLM endpoint.
// Calls are retried with exponential backoff on rate-limit and server
// errors before surfacing a backend error.
type Mistral struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	log        *observability.Logger
}

type mistralMessage struct {
	Role    string               `json:"role"`
	Content []mistralContentPart `json:"content"`
}

type mistralContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *mistralImageURL `json:"image_url,omitempty"`
}

type mistralImageURL struct {
	URL string `json:"url"`
}

type mistralRequest struct {
	Model    string           `json:"model"`
	Messages []mistralMessage `json:"messages"`
}

type mistralResponse struct {
	ID      string          `json:"id"`
	Choices []mistralChoice `json:"choices"`
}

type mistralChoice struct {
	Message struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence,omitempty"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// NewMistral creates the remote LLM backend.
func NewMistral(cfg config.MistralConfig, log *observability.Logger) (*Mistral, error) {
	if cfg.APIKey == "" {
		return nil, domain.ConfigError("mistral OCR: APIKey is missing", nil)
	}
	model := cfg.Model
	if model == "" {
		model = defaultMistralModel
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultMistralEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMistralTimeout
	}
	return &Mistral{
		apiKey:     cfg.APIKey,
		model:      model,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.WithComponent("ocr.mistral"),
	}, nil
}

func (m *Mistral) Name() string { return "mistral" }

// ExtractText sends the image to the remote endpoint and returns the
// recognized text.
func (m *Mistral) ExtractText(ctx context.Context, imagePath string) (domain.OCRResult, error) {
	start := time.Now()

	body, err := m.buildRequestBody(imagePath)
	if err != nil {
		return domain.OCRResult{}, err
	}

	resp, err := doWithBackoff(ctx, m.log, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
		return m.httpClient.Do(req)
	})
	if err != nil {
		return domain.OCRResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.OCRResult{}, domain.BackendError(
			fmt.Sprintf("mistral OCR returned status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var parsed mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.OCRResult{}, domain.BackendError("decode mistral OCR response", err)
	}
	if len(parsed.Choices) == 0 {
		return domain.OCRResult{}, domain.BackendError("mistral OCR response has no choices", nil)
	}

	choice := parsed.Choices[0]
	confidence := choice.Message.Confidence
	if confidence == 0 {
		// The endpoint does not always report one; a completed response is
		// treated as fully confident.
		confidence = 1.0
	}

	result := domain.OCRResult{
		Text:       strings.TrimSpace(choice.Message.Content),
		Confidence: confidence,
		Duration:   time.Since(start),
	}

	m.log.Debug().
		Str("image", imagePath).
		Int("chars", len(result.Text)).
		Float64("confidence", result.Confidence).
		Dur("duration", result.Duration).
		Msg("Remote extraction complete")

	return result, nil
}

func (m *Mistral) buildRequestBody(imagePath string) ([]byte, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, domain.InputError(fmt.Sprintf("read image %s", imagePath), err)
	}

	mime := "image/png"
	if ext := strings.ToLower(filepath.Ext(imagePath)); ext == ".jpg" || ext == ".jpeg" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(imageData)

	req := mistralRequest{
		Model: m.model,
		Messages: []mistralMessage{
			{
				Role: "user",
				Content: []mistralContentPart{
					{Type: "text", Text: extractionPrompt},
					{Type: "image_url", ImageURL: &mistralImageURL{URL: dataURL}},
				},
			},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.BackendError("marshal mistral OCR request", err)
	}
	return body, nil
}
