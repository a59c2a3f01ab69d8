package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/convert"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
	"github.com/pagemill/pagemill/internal/ocr"
	"github.com/pagemill/pagemill/internal/progress"
	"github.com/pagemill/pagemill/internal/scheduler"
	"github.com/pagemill/pagemill/internal/storage"
)

const version = "1.0.0"

var (
	configPath  string
	enableOCR   bool
	workers     int
	thumbSize   int
	verbose     bool
	showVersion bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.BoolVar(&enableOCR, "ocr", false, "Run text extraction on every page")
	flag.IntVar(&workers, "workers", 0, "Worker pool size (overrides config)")
	flag.IntVar(&thumbSize, "thumb", 0, "Thumbnail long-edge size in pixels (overrides config)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = usage
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Printf("pagemill version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: at least one input file required\n\n")
		usage()
		os.Exit(1)
	}

	// Secrets may live in a .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}
	if thumbSize > 0 {
		cfg.Thumbnail.TargetSize = thumbSize
	}
	if enableOCR {
		cfg.OCR.Enabled = true
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stderr,
		ServiceName: "pagemill",
	})

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *observability.Logger) error {
	store, err := storage.New(context.Background(), cfg.Storage, log)
	if err != nil {
		return err
	}

	var ocrEngine domain.OCREngine
	if cfg.OCR.Enabled {
		ocrEngine, err = ocr.New(cfg.OCR, log)
		if err != nil {
			return err
		}
		log.Info().Str("backend", ocrEngine.Name()).Msg("OCR enabled")
	}

	engine := convert.NewEngine(store, ocrEngine, cfg.Thumbnail, log)
	broadcaster := progress.NewBroadcaster(log)
	sched := scheduler.New(engine, broadcaster, cfg, log)

	// Queue and subscribe before the pool starts so no report is missed.
	jobIDs := make([]uuid.UUID, 0, flag.NArg())
	streams := make(map[uuid.UUID]<-chan domain.ProgressReport)
	for _, input := range flag.Args() {
		// Thumbnail and OCR settings flow in from the config snapshot
		// each job captures at submission.
		jobID, err := sched.Submit(input, domain.JobOptions{})
		if err != nil {
			return fmt.Errorf("submit %s: %w", input, err)
		}
		ch, _ := broadcaster.Subscribe(jobID)
		jobIDs = append(jobIDs, jobID)
		streams[jobID] = ch
		fmt.Printf("Queued %s as job %s\n", input, jobID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived interrupt, cancelling jobs...")
		for _, id := range jobIDs {
			_ = sched.Cancel(id)
		}
	}()

	sched.Start()
	defer sched.Stop()

	var wg sync.WaitGroup
	for _, jobID := range jobIDs {
		wg.Add(1)
		go func(id uuid.UUID, ch <-chan domain.ProgressReport) {
			defer wg.Done()
			renderProgress(ch)
		}(jobID, streams[jobID])
	}
	wg.Wait()

	failed := 0
	for _, id := range jobIDs {
		job, err := sched.Job(id)
		if err != nil {
			continue
		}
		if job.Status == domain.JobFailed {
			failed++
			continue
		}
		if result := job.Result; result != nil && result.ProcessedImage != nil {
			img := result.ProcessedImage
			fmt.Printf("%s: %d page(s), thumbnail %s\n", img.FileName, img.PageCount, img.ThumbnailPath)
			if result.ExtractedText != "" {
				fmt.Printf("  extracted %d characters of text\n", len(result.ExtractedText))
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobIDs))
	}
	return nil
}

func renderProgress(ch <-chan domain.ProgressReport) {
	for report := range ch {
		switch report.Status {
		case domain.ProgressStarting:
			fmt.Printf("[%s] starting\n", report.FileName)
		case domain.ProgressConvertingPage:
			fmt.Printf("[%s] page %d/%d (%.0f%%)\n",
				report.FileName, report.CurrentPage, report.TotalPages, report.ProgressPercentage)
		case domain.ProgressGeneratingThumbnail:
			fmt.Printf("[%s] generating thumbnail\n", report.FileName)
		case domain.ProgressCompleted:
			fmt.Printf("[%s] done\n", report.FileName)
		case domain.ProgressFailed:
			fmt.Printf("[%s] failed: %s\n", report.FileName, report.ErrorMessage)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `pagemill - convert documents into normalized page images

Usage:
  pagemill [options] <file> [<file>...]

Options:
  -config <file>   YAML configuration file
  -ocr             Run text extraction on every page
  -workers <n>     Worker pool size (overrides config)
  -thumb <px>      Thumbnail long-edge size (overrides config)
  -verbose         Enable debug logging
  -version         Show version information

Environment Variables:
  AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY    S3 credentials
  AZURE_STORAGE_CONNECTION_STRING              Azure blob connection string
  MISTRAL_API_KEY                              Remote OCR API key

Examples:
  pagemill scan.pdf
  pagemill -ocr -thumb 512 brochure.tiff photo.png
  pagemill -config pagemill.yaml batch/*.pdf
`)
}
