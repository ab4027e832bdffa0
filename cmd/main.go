package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	cfgPkg "github.com/xhad/bookfriend/pkg/config"
	"github.com/xhad/bookfriend/pkg/chunker"
	"github.com/xhad/bookfriend/pkg/extract"
	"github.com/xhad/bookfriend/pkg/ingest"
	"github.com/xhad/bookfriend/pkg/llm"
	"github.com/xhad/bookfriend/pkg/retriever"
	"github.com/xhad/bookfriend/pkg/splitter"
	"github.com/xhad/bookfriend/pkg/store"
	"github.com/xhad/bookfriend/server"
)

type flags struct {
	configPath string
	debug      bool
	file       string
	dbURL      string
	ollamaURL  string
	port       int
}

func main() {
	_ = godotenv.Load()

	f := parseFlags()

	logger, err := newLogger(f.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(f, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.StringVar(&f.file, "file", "", "Ingest a single book file and exit")
	flag.StringVar(&f.dbURL, "db-url", "", "PostgreSQL connection string")
	flag.StringVar(&f.ollamaURL, "ollama-url", "", "Ollama server URL")
	flag.IntVar(&f.port, "port", 0, "HTTP listen port")
	flag.Parse()
	return f
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(f flags, logger *zap.Logger) error {
	config, err := cfgPkg.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	// Flags win over file and environment.
	if f.dbURL != "" {
		config.Database.URL = f.dbURL
	}
	if f.ollamaURL != "" {
		config.LLM.BaseURL = f.ollamaURL
	}
	if f.port != 0 {
		config.Server.Port = f.port
	}

	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e.Error())
		}
		return errors.New("invalid configuration")
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   config.LLM.EmbedModel,
		BaseURL: config.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	chatEngine, err := llm.NewChatWithConfig(llm.ChatConfig{
		Model:       config.LLM.Model,
		Temperature: config.LLM.Temperature,
		MaxTokens:   config.LLM.MaxTokens,
		BaseURL:     config.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	ctx := context.Background()
	vectorStore, err := store.NewWithConfig(ctx, store.StoreConfig{
		ConnString: config.Database.URL,
		VectorDim:  config.Database.VectorDim,
		BatchSize:  config.Database.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	defer vectorStore.Close()

	split := splitter.NewWithConfig(splitter.SplitterConfig{
		MinChapterLength: config.Chunker.MinChapterLength,
	})
	chunk := chunker.NewWithConfig(chunker.ChunkerConfig{
		ChunkSize:        config.Chunker.ChunkSize,
		OverlapSentences: config.Chunker.OverlapSentences,
	})

	pipelineConfig := ingest.PipelineConfig{
		BatchSize:      config.Database.BatchSize,
		EmbedRateLimit: config.Retrieval.EmbedRateLimit,
	}

	if f.file != "" {
		var bar *progressbar.ProgressBar
		pipelineConfig.OnProgress = func(stored, total int) {
			if bar == nil {
				bar = getProgressBar(total, "Embedding and storing chunks...")
			}
			bar.Set(stored)
		}
		pipeline := ingest.NewPipeline(pipelineConfig, extract.New(), split, chunk, embedder, vectorStore, logger)

		data, err := os.ReadFile(f.file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.file, err)
		}
		filename := filepath.Base(f.file)
		color.Blue("\nStarting ingestion pipeline for %s\n", filename)

		book, err := pipeline.IngestSync(ctx, filename, filename, data)
		if err != nil {
			color.Red("\n✗ Ingestion failed: %v\n", err)
			return err
		}
		if bar != nil {
			bar.Finish()
		}
		color.Green("\n✓ Ingested %s (book %s)\n", book.Filename, book.ID)
		return nil
	}

	pipeline := ingest.NewPipeline(pipelineConfig, extract.New(), split, chunk, embedder, vectorStore, logger)
	search := retriever.New(embedder, vectorStore)

	srv := server.NewServer(server.ServerConfig{
		Host:           config.Server.Host,
		Port:           config.Server.Port,
		TopK:           config.Retrieval.TopK,
		HistoryLimit:   config.Retrieval.HistoryLimit,
		MaxUploadBytes: config.Server.MaxUploadBytes,
	}, pipeline, search, chatEngine, vectorStore, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		return srv.Stop(ctx)
	}
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}
