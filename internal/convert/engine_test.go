package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

// memStore is an in-memory StorageProvider for exercising the engine
// without touching a real backend.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(ctx context.Context, sourcePath, key string) (string, error) {
	if m.putErr != nil {
		return "", m.putErr
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "mem://" + key, nil
}

func (m *memStore) Get(ctx context.Context, key string) (string, func(), error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", nil, domain.InputError("artifact "+key+" not found", nil)
	}
	f, err := os.CreateTemp("", "memstore-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", nil, err
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) URLFor(key string) string { return "mem://" + key }

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fakeRenderer scripts per-page outcomes.
type fakeRenderer struct {
	pages    int
	failures map[int]error // zero-based page index
	closed   bool
}

func (r *fakeRenderer) PageCount() int { return r.pages }

func (r *fakeRenderer) RenderPage(n int) (image.Image, error) {
	if err, ok := r.failures[n]; ok {
		return nil, err
	}
	return testImage(400, 300), nil
}

func (r *fakeRenderer) Close() error {
	r.closed = true
	return nil
}

// progressCall is one recorded callback invocation.
type progressCall struct {
	status  domain.ProgressStatus
	current int
	total   int
}

func recordProgress(calls *[]progressCall) domain.ProgressFunc {
	return func(status domain.ProgressStatus, current, total int, _ string) {
		*calls = append(*calls, progressCall{status, current, total})
	}
}

func newTestEngine(store domain.StorageProvider, ocrEngine domain.OCREngine) *Engine {
	return NewEngine(store, ocrEngine, config.ThumbnailConfig{TargetSize: 128, Oversample: 3}, observability.Nop())
}

func writeTestPNG(t *testing.T, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, toNRGBA(testImage(w, h))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// writeFakeTIFF writes a file carrying TIFF magic bytes. The content past
// the header never decodes; tests pair it with an injected renderer.
func writeFakeTIFF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("II*\x00fake-multipage"), 0o644))
	return path
}

func TestProcessSinglePagePNG(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	input := writeTestPNG(t, "scan.png", 640, 480)

	var calls []progressCall
	result := engine.Process(context.Background(), input,
		domain.JobOptions{OutputPrefix: "job1"}, recordProgress(&calls))

	require.True(t, result.Success, "message: %s, err: %v", result.Message, result.Err)
	require.NotNil(t, result.ProcessedImage)

	img := result.ProcessedImage
	assert.Equal(t, "scan.png", img.FileName)
	assert.Equal(t, "png", img.OriginalFormat)
	assert.Equal(t, 640, img.Width)
	assert.Equal(t, 480, img.Height)
	assert.False(t, img.IsMultiPage)
	assert.Equal(t, 1, img.PageCount)
	assert.Equal(t, "mem://job1/scan.png", img.ConvertedPNGPath)
	assert.Equal(t, "mem://job1/scan_thumb.png", img.ThumbnailPath)
	assert.Len(t, result.SplitPages, 1)

	assert.Equal(t, []string{"job1/scan.png", "job1/scan_thumb.png"}, store.keys())

	// The stored thumbnail decodes and fits the 128px box.
	thumbData := store.objects["job1/scan_thumb.png"]
	thumbImg, err := png.Decode(bytes.NewReader(thumbData))
	require.NoError(t, err)
	assert.Equal(t, 128, thumbImg.Bounds().Dx())
	assert.Equal(t, 96, thumbImg.Bounds().Dy())

	// Step statuses in pipeline order; terminal statuses never come from
	// the engine.
	statuses := make([]domain.ProgressStatus, len(calls))
	for i, c := range calls {
		statuses[i] = c.status
		assert.False(t, c.status.Terminal())
	}
	assert.Equal(t, []domain.ProgressStatus{
		domain.ProgressStarting,
		domain.ProgressLoadingFile,
		domain.ProgressProcessingFile,
		domain.ProgressConvertingPage,
		domain.ProgressGeneratingThumbnail,
	}, statuses)

	require.NotNil(t, result.Metrics)
	assert.Greater(t, result.Metrics.Conversion, time.Duration(0))
	assert.Greater(t, result.Metrics.Total, result.Metrics.Thumbnail)
}

func TestProcessMultiPageDocument(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	renderer := &fakeRenderer{pages: 3}
	engine.openDocument = func(string) (pageRenderer, error) { return renderer, nil }

	input := writeFakeTIFF(t, "report.tif")

	var calls []progressCall
	result := engine.Process(context.Background(), input,
		domain.JobOptions{OutputPrefix: "job2"}, recordProgress(&calls))

	require.True(t, result.Success)
	assert.True(t, result.ProcessedImage.IsMultiPage)
	assert.Equal(t, 3, result.ProcessedImage.PageCount)
	assert.Equal(t, []string{
		"mem://job2/report_page_001.png",
		"mem://job2/report_page_002.png",
		"mem://job2/report_page_003.png",
	}, result.SplitPages)
	assert.Equal(t, "mem://job2/report_page_001.png", result.ProcessedImage.ConvertedPNGPath)
	assert.True(t, renderer.closed)

	// One converting_page per page, each carrying its page numbers.
	var pageCalls []progressCall
	for _, c := range calls {
		if c.status == domain.ProgressConvertingPage {
			pageCalls = append(pageCalls, c)
		}
	}
	require.Len(t, pageCalls, 3)
	for i, c := range pageCalls {
		assert.Equal(t, i+1, c.current)
		assert.Equal(t, 3, c.total)
	}
}

func TestProcessSkipsFailedPages(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	engine.openDocument = func(string) (pageRenderer, error) {
		return &fakeRenderer{
			pages:    3,
			failures: map[int]error{1: errors.New("corrupt strip")},
		}, nil
	}

	result := engine.Process(context.Background(), writeFakeTIFF(t, "report.tif"),
		domain.JobOptions{OutputPrefix: "job3"}, nil)

	require.True(t, result.Success, "partial documents still succeed")
	assert.Equal(t, "Converted 2 of 3 pages", result.Message)
	assert.Equal(t, 2, result.ProcessedImage.PageCount)
	assert.Len(t, result.SplitPages, 2)
	assert.Equal(t, []string{"job3/report_page_001.png", "job3/report_page_003.png", "job3/report_thumb.png"}, store.keys())
}

func TestProcessAllPagesFail(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil)
	engine.openDocument = func(string) (pageRenderer, error) {
		return &fakeRenderer{
			pages: 2,
			failures: map[int]error{
				0: errors.New("corrupt strip"),
				1: errors.New("corrupt strip"),
			},
		}, nil
	}

	result := engine.Process(context.Background(), writeFakeTIFF(t, "report.tif"), domain.JobOptions{}, nil)

	require.False(t, result.Success)
	assert.True(t, domain.IsType(result.Err, domain.ErrorTypeInput))
	assert.Contains(t, result.Message, "no pages")
}

func TestProcessMissingInput(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil)

	result := engine.Process(context.Background(),
		filepath.Join(t.TempDir(), "ghost.png"), domain.JobOptions{}, nil)

	require.False(t, result.Success)
	assert.True(t, domain.IsType(result.Err, domain.ErrorTypeInput))
}

func TestProcessUnsupportedFormat(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	result := engine.Process(context.Background(), path, domain.JobOptions{}, nil)

	require.False(t, result.Success)
	assert.True(t, domain.IsType(result.Err, domain.ErrorTypeUnsupported))
}

func TestProcessCancelled(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil)
	input := writeTestPNG(t, "scan.png", 64, 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.Process(ctx, input, domain.JobOptions{}, nil)

	require.False(t, result.Success)
	assert.True(t, domain.IsCancelled(result.Err))
}

// fakeOCR scripts extraction outcomes keyed by call order.
type fakeOCR struct {
	texts []string
	errs  []error
	calls int
}

func (f *fakeOCR) Name() string { return "fake" }

func (f *fakeOCR) ExtractText(ctx context.Context, imagePath string) (domain.OCRResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.OCRResult{}, f.errs[i]
	}
	if i < len(f.texts) {
		return domain.OCRResult{Text: f.texts[i], Confidence: 0.9}, nil
	}
	return domain.OCRResult{}, nil
}

func TestProcessOCRJoinsPages(t *testing.T) {
	engine := newTestEngine(newMemStore(), &fakeOCR{texts: []string{"page one", "page two"}})
	engine.openDocument = func(string) (pageRenderer, error) {
		return &fakeRenderer{pages: 2}, nil
	}

	result := engine.Process(context.Background(), writeFakeTIFF(t, "letter.tif"),
		domain.JobOptions{EnableOCR: true}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "page one\n\npage two", result.ExtractedText)
	assert.Greater(t, result.Metrics.OCR, time.Duration(0))
}

func TestProcessOCRFailureIsNotFatal(t *testing.T) {
	ocrErr := errors.New("tesseract exploded")
	engine := newTestEngine(newMemStore(), &fakeOCR{errs: []error{ocrErr}})
	input := writeTestPNG(t, "scan.png", 64, 64)

	result := engine.Process(context.Background(), input, domain.JobOptions{EnableOCR: true}, nil)

	require.True(t, result.Success, "rendition survives an OCR failure")
	assert.Empty(t, result.ExtractedText)
}

func TestProcessOCRDisabledWithoutEngine(t *testing.T) {
	engine := newTestEngine(newMemStore(), nil)
	input := writeTestPNG(t, "scan.png", 64, 64)

	result := engine.Process(context.Background(), input, domain.JobOptions{EnableOCR: true}, nil)

	require.True(t, result.Success)
	assert.Empty(t, result.ExtractedText)
}

func TestProcessKeysNeverCollide(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	input := writeTestPNG(t, "scan.png", 64, 64)

	for i := 0; i < 3; i++ {
		result := engine.Process(context.Background(), input, domain.JobOptions{OutputPrefix: "repeat"}, nil)
		require.True(t, result.Success, "run %d", i)
	}

	assert.Equal(t, []string{
		"repeat/scan.png", "repeat/scan_1.png", "repeat/scan_2.png",
		"repeat/scan_thumb.png", "repeat/scan_thumb_1.png", "repeat/scan_thumb_2.png",
	}, store.keys())
}

func TestProcessThumbnailSizeOption(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, nil)
	input := writeTestPNG(t, "scan.png", 800, 400)

	result := engine.Process(context.Background(), input,
		domain.JobOptions{OutputPrefix: "opt", ThumbnailSize: 64}, nil)
	require.True(t, result.Success)

	thumbImg, err := png.Decode(bytes.NewReader(store.objects["opt/scan_thumb.png"]))
	require.NoError(t, err)
	assert.Equal(t, 64, thumbImg.Bounds().Dx())
	assert.Equal(t, 32, thumbImg.Bounds().Dy())
}

func TestProcessStoreFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.putErr = fmt.Errorf("bucket unreachable")
	engine := newTestEngine(store, nil)
	input := writeTestPNG(t, "scan.png", 64, 64)

	result := engine.Process(context.Background(), input, domain.JobOptions{}, nil)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "cannot persist")
}
