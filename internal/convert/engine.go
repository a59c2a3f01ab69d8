// Package convert implements the conversion engine: one input file in,
// normalized PNG page renditions plus a thumbnail out, with optional OCR.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/fileio"
	"github.com/pagemill/pagemill/internal/observability"
)

// TempDirPrefix names the per-job scratch directories the engine creates.
const TempDirPrefix = "pagemill-job-"

// Engine converts documents into page renditions and thumbnails. All disk
// writes go through the retrying I/O layer and all persistence goes through
// the storage provider, so the engine itself is backend-agnostic.
type Engine struct {
	store domain.StorageProvider
	ocr   domain.OCREngine // nil disables extraction regardless of options
	thumb config.ThumbnailConfig
	log   *observability.Logger

	// openDocument is swappable so tests can inject renderers with
	// scripted page failures.
	openDocument func(path string) (pageRenderer, error)
}

// NewEngine wires a conversion engine. ocrEngine may be nil.
func NewEngine(store domain.StorageProvider, ocrEngine domain.OCREngine, thumb config.ThumbnailConfig, log *observability.Logger) *Engine {
	return &Engine{
		store:        store,
		ocr:          ocrEngine,
		thumb:        thumb,
		log:          log.WithComponent("convert"),
		openDocument: func(path string) (pageRenderer, error) { return openFitz(path) },
	}
}

// Process converts the file at inputPath. Failures are returned inside the
// ProcessingResult; the engine never emits terminal progress statuses, the
// scheduler owns those.
func (e *Engine) Process(ctx context.Context, inputPath string, opts domain.JobOptions, progress domain.ProgressFunc) *domain.ProcessingResult {
	start := time.Now()
	metrics := &domain.ProcessingMetrics{}

	emit := func(status domain.ProgressStatus, current, total int, msg string) {
		if progress != nil {
			progress(status, current, total, msg)
		}
	}

	fail := func(err error, msg string) *domain.ProcessingResult {
		e.log.Error().Str("input", inputPath).Err(err).Msg(msg)
		metrics.Total = time.Since(start)
		return &domain.ProcessingResult{
			Success:        false,
			Message:        msg,
			ProcessingTime: metrics.Total,
			Metrics:        metrics,
			Err:            err,
		}
	}

	emit(domain.ProgressStarting, 0, 0, "")

	// Load stage: validate the input and wait out any handle the producing
	// process may still hold on it.
	loadStart := time.Now()
	if err := ValidateInput(inputPath); err != nil {
		return fail(err, err.Error())
	}
	if _, err := fileio.SizeWithRetry(ctx, e.log, inputPath); err != nil {
		return fail(classifyIO(err), fmt.Sprintf("input file not readable: %s", inputPath))
	}
	metrics.FileLoad = time.Since(loadStart)

	emit(domain.ProgressLoadingFile, 0, 0, "")

	// Decode stage.
	decodeStart := time.Now()
	format, err := DetectFormat(inputPath)
	if err != nil {
		return fail(err, err.Error())
	}

	var renderer pageRenderer
	if format.multiPage() {
		renderer, err = e.openDocument(inputPath)
	} else {
		var img image.Image
		img, err = decodeRaster(inputPath)
		if err == nil {
			renderer = &rasterRenderer{img: img}
		}
	}
	if err != nil {
		return fail(err, fmt.Sprintf("cannot decode %s", filepath.Base(inputPath)))
	}
	defer renderer.Close()
	metrics.Decode = time.Since(decodeStart)

	tempDir, err := os.MkdirTemp("", TempDirPrefix+"*")
	if err != nil {
		return fail(domain.BackendError("create scratch directory", err), "cannot create scratch directory")
	}
	defer os.RemoveAll(tempDir)

	total := renderer.PageCount()
	baseName := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	emit(domain.ProgressProcessingFile, 0, total, "")

	// Convert stage: render and persist each page independently. A failed
	// page of a multi-page document is recorded and skipped; the job keeps
	// whatever pages did render.
	var (
		pageURLs   []string
		pageErrors []error
		firstImage image.Image
		firstURL   string
		ocrText    strings.Builder
	)

	for n := 0; n < total; n++ {
		if err := ctx.Err(); err != nil {
			return fail(domain.CancelledError("conversion cancelled", err), "cancelled")
		}
		emit(domain.ProgressConvertingPage, n+1, total, "")

		convertStart := time.Now()
		img, err := renderer.RenderPage(n)
		if err != nil {
			metrics.Conversion += time.Since(convertStart)
			e.log.Warn().Str("input", inputPath).Int("page", n+1).Err(err).Msg("Page failed to render, skipping")
			pageErrors = append(pageErrors, err)
			continue
		}

		name := baseName + ".png"
		if total > 1 {
			name = fmt.Sprintf("%s_page_%03d.png", baseName, n+1)
		}
		localPath := filepath.Join(tempDir, name)

		url, err := e.persistImage(ctx, img, localPath, path.Join(opts.OutputPrefix, name))
		metrics.Conversion += time.Since(convertStart)
		if err != nil {
			if total == 1 || firstImage == nil {
				// The primary artifact could not be written; that is fatal.
				return fail(classifyIO(err), fmt.Sprintf("cannot persist page %d of %s", n+1, filepath.Base(inputPath)))
			}
			e.log.Warn().Str("input", inputPath).Int("page", n+1).Err(err).Msg("Page failed to persist, skipping")
			pageErrors = append(pageErrors, err)
			continue
		}

		pageURLs = append(pageURLs, url)
		if firstImage == nil {
			firstImage = img
			firstURL = url
		}

		if opts.EnableOCR && e.ocr != nil {
			ocrStart := time.Now()
			res, err := e.ocr.ExtractText(ctx, localPath)
			metrics.OCR += time.Since(ocrStart)
			if err != nil {
				// OCR is best-effort: the page keeps its rendition.
				e.log.Warn().Str("input", inputPath).Int("page", n+1).Err(err).Msg("OCR failed for page")
			} else if res.Text != "" {
				if ocrText.Len() > 0 {
					ocrText.WriteString("\n\n")
				}
				ocrText.WriteString(res.Text)
			}
		}
	}

	if len(pageURLs) == 0 {
		var cause error
		if len(pageErrors) > 0 {
			cause = pageErrors[0]
		}
		return fail(domain.InputError(fmt.Sprintf("no pages of %s could be converted", filepath.Base(inputPath)), cause),
			fmt.Sprintf("no pages of %s could be converted", filepath.Base(inputPath)))
	}

	// Thumbnail stage: one thumbnail from the first successfully rendered
	// page.
	emit(domain.ProgressGeneratingThumbnail, total, total, "")
	thumbStart := time.Now()

	thumbImg := thumbnail(firstImage, e.targetSize(opts), e.oversample(opts))
	thumbName := baseName + "_thumb.png"
	thumbPath := filepath.Join(tempDir, thumbName)
	thumbURL, err := e.persistImage(ctx, thumbImg, thumbPath, path.Join(opts.OutputPrefix, thumbName))
	metrics.Thumbnail = time.Since(thumbStart)
	if err != nil {
		return fail(classifyIO(err), fmt.Sprintf("cannot persist thumbnail for %s", filepath.Base(inputPath)))
	}

	bounds := firstImage.Bounds()
	imageFile := &domain.ImageFile{
		OriginalPath:     inputPath,
		FileName:         filepath.Base(inputPath),
		OriginalFormat:   string(format),
		Width:            bounds.Dx(),
		Height:           bounds.Dy(),
		IsMultiPage:      total > 1,
		PageCount:        len(pageURLs),
		ConvertedPNGPath: firstURL,
		ThumbnailPath:    thumbURL,
		SplitPagePaths:   append([]string(nil), pageURLs...),
	}

	metrics.Total = time.Since(start)

	msg := fmt.Sprintf("Converted %d page(s)", len(pageURLs))
	if len(pageErrors) > 0 {
		msg = fmt.Sprintf("Converted %d of %d pages", len(pageURLs), total)
		e.log.Warn().Str("input", inputPath).
			Int("converted", len(pageURLs)).
			Int("failed", len(pageErrors)).
			Msg("Document converted with page failures")
	}

	return &domain.ProcessingResult{
		Success:        true,
		Message:        msg,
		ProcessedImage: imageFile,
		SplitPages:     imageFile.SplitPagePaths,
		ProcessingTime: metrics.Total,
		Metrics:        metrics,
		ExtractedText:  ocrText.String(),
	}
}

// persistImage encodes img as 8-bit PNG, writes it through the retrying
// I/O layer, verifies the write landed, and uploads it under a
// collision-free storage key.
func (e *Engine) persistImage(ctx context.Context, img image.Image, localPath, key string) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, toNRGBA(img)); err != nil {
		return "", domain.BackendError(fmt.Sprintf("encode %s", filepath.Base(localPath)), err)
	}
	if err := fileio.WriteFileWithRetry(ctx, e.log, localPath, buf.Bytes()); err != nil {
		return "", err
	}
	// Read the size back. The rendering library occasionally holds the
	// handle a beat longer than the write; the size check retries that out
	// before the upload opens the file.
	if _, err := fileio.SizeWithRetry(ctx, e.log, localPath); err != nil {
		return "", err
	}
	return e.store.Put(ctx, localPath, e.uniqueKey(ctx, key))
}

// uniqueKey appends a numeric disambiguator when key is already taken, so
// repeated conversions never overwrite earlier output.
func (e *Engine) uniqueKey(ctx context.Context, key string) string {
	exists, err := e.store.Exists(ctx, key)
	if err != nil || !exists {
		return key
	}
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		exists, err := e.store.Exists(ctx, candidate)
		if err != nil || !exists {
			return candidate
		}
	}
}

func (e *Engine) targetSize(opts domain.JobOptions) int {
	if opts.ThumbnailSize > 0 {
		return opts.ThumbnailSize
	}
	return e.thumb.TargetSize
}

func (e *Engine) oversample(opts domain.JobOptions) int {
	if opts.ThumbnailOversample > 0 {
		return opts.ThumbnailOversample
	}
	return e.thumb.Oversample
}

// classifyIO maps an exhausted retry error onto the transient-IO type
// while leaving already-classified errors alone.
func classifyIO(err error) error {
	if _, ok := err.(*domain.DomainError); ok {
		return err
	}
	if fileio.IsTransientLockError(err) {
		return domain.TransientIOError("file remained locked after retries", err)
	}
	return domain.BackendError("file operation failed", err)
}

// toNRGBA normalizes any decoded image to 8-bit RGBA for PNG encoding.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}
