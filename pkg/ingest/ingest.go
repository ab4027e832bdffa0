package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/bookfriend/internal/models"
	"github.com/xhad/bookfriend/internal/types"
	"github.com/xhad/bookfriend/pkg/chunker"
	"github.com/xhad/bookfriend/pkg/splitter"
)

// Store is the storage surface the pipeline needs.
type Store interface {
	types.BookStore
	types.ChunkStore
	types.JobStore
}

type PipelineConfig struct {
	// BatchSize bounds how many chunks go to the embedder and the store in
	// one round trip.
	BatchSize int
	// EmbedRateLimit throttles embedding batches per second.
	EmbedRateLimit float64
	// OnProgress, when set, is called with (stored, total) after each batch.
	OnProgress func(stored, total int)
}

// Pipeline turns an uploaded document into stored, searchable chunks and
// reports progress into the job record. One run per job; done and failed
// are terminal.
type Pipeline struct {
	config    PipelineConfig
	extractor types.TextExtractor
	splitter  splitter.Splitter
	chunker   chunker.Chunker
	embedder  types.Embedder
	store     Store
	logger    *zap.Logger
	limiter   *rate.Limiter
}

func NewPipeline(
	config PipelineConfig,
	extractor types.TextExtractor,
	split splitter.Splitter,
	chunk chunker.Chunker,
	embedder types.Embedder,
	store Store,
	logger *zap.Logger,
) *Pipeline {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.EmbedRateLimit == 0 {
		config.EmbedRateLimit = 4.0
	}
	return &Pipeline{
		config:    config,
		extractor: extractor,
		splitter:  split,
		chunker:   chunk,
		embedder:  embedder,
		store:     store,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(config.EmbedRateLimit), 1),
	}
}

// NormalizeFilename replaces spaces so filenames are safe as stable keys.
func NormalizeFilename(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// Submit registers the book and the job, then starts the pipeline in the
// background. The duplicate-filename check happens here, synchronously and
// before any job exists: registration hits the UNIQUE constraint, so a
// duplicate upload gets store.ErrDuplicateFilename and nothing is created.
func (p *Pipeline) Submit(ctx context.Context, title, filename string, data []byte) (models.Job, models.Book, error) {
	job, book, err := p.prepare(ctx, title, filename, data)
	if err != nil {
		return models.Job{}, models.Book{}, err
	}

	// Detached from the request context: the uploader is not waiting.
	go func() {
		if err := p.Run(context.Background(), job.ID, book, data); err != nil {
			p.logger.Error("ingestion failed",
				zap.String("job_id", job.ID),
				zap.String("book_id", book.ID),
				zap.Error(err))
		}
	}()

	return job, book, nil
}

// IngestSync runs the full pipeline in the calling goroutine. Used by the
// one-shot CLI ingest.
func (p *Pipeline) IngestSync(ctx context.Context, title, filename string, data []byte) (models.Book, error) {
	job, book, err := p.prepare(ctx, title, filename, data)
	if err != nil {
		return models.Book{}, err
	}
	if err := p.Run(ctx, job.ID, book, data); err != nil {
		return models.Book{}, err
	}
	return book, nil
}

func (p *Pipeline) prepare(ctx context.Context, title, filename string, data []byte) (models.Job, models.Book, error) {
	book := models.Book{
		ID:       uuid.NewString(),
		Title:    title,
		Filename: NormalizeFilename(filename),
		Status:   models.BookPending,
	}
	if err := p.store.RegisterBook(ctx, book); err != nil {
		return models.Job{}, models.Book{}, err
	}

	job := models.Job{
		ID:       uuid.NewString(),
		Filename: book.Filename,
		Status:   models.JobPending,
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, models.Book{}, fmt.Errorf("failed to create job: %w", err)
	}
	return job, book, nil
}

// Run executes the pipeline for an already-registered book and job. On any
// failure the job is marked failed with the underlying message, and chunks
// stored before the failure are deleted as compensation.
func (p *Pipeline) Run(ctx context.Context, jobID string, book models.Book, data []byte) error {
	err := p.process(ctx, jobID, book, data)
	if err == nil {
		return nil
	}

	if derr := p.store.DeleteChunks(ctx, book.ID); derr != nil {
		p.logger.Warn("failed to clean up partial chunks",
			zap.String("book_id", book.ID), zap.Error(derr))
	}
	if uerr := p.store.UpdateBookStatus(ctx, book.ID, models.BookFailed); uerr != nil {
		p.logger.Warn("failed to mark book failed",
			zap.String("book_id", book.ID), zap.Error(uerr))
	}
	if uerr := p.store.UpdateJob(ctx, jobID, models.JobFailed, book.ID, err.Error()); uerr != nil {
		p.logger.Warn("failed to mark job failed",
			zap.String("job_id", jobID), zap.Error(uerr))
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, jobID string, book models.Book, data []byte) error {
	if err := p.store.UpdateJob(ctx, jobID, models.JobProcessing, book.ID, ""); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	text, err := p.extractor.ExtractText(book.Filename, data)
	if err != nil {
		return fmt.Errorf("text extraction failed: %w", err)
	}

	chunks := p.buildChunks(book.ID, text)
	if len(chunks) == 0 {
		return errors.New("no content extracted: the document produced zero chunks")
	}

	p.logger.Info("chunked book",
		zap.String("book_id", book.ID),
		zap.String("filename", book.Filename),
		zap.Int("chunks", len(chunks)))

	for start := 0; start < len(chunks); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(chunks))
		batch := chunks[start:end]

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}

		if err := p.store.InsertChunks(ctx, batch, vectors); err != nil {
			return fmt.Errorf("chunk storage failed: %w", err)
		}

		if p.config.OnProgress != nil {
			p.config.OnProgress(end, len(chunks))
		}
	}

	if err := p.store.UpdateBookStatus(ctx, book.ID, models.BookReady); err != nil {
		return fmt.Errorf("failed to mark book ready: %w", err)
	}
	if err := p.store.UpdateJob(ctx, jobID, models.JobDone, book.ID, ""); err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return nil
}

// buildChunks splits the document into chapters, chunks each chapter, and
// tags every chunk with its chapter number.
func (p *Pipeline) buildChunks(bookID, text string) []models.Chunk {
	var out []models.Chunk
	for _, chapter := range p.splitter.Split(text) {
		for _, piece := range p.chunker.Chunk(chapter.Text) {
			out = append(out, models.Chunk{
				BookID:     bookID,
				ChapterNum: chapter.Number,
				Text:       piece,
			})
		}
	}
	return out
}
