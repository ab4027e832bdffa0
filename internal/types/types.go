package types

import (
	"context"

	"github.com/xhad/bookfriend/internal/models"
)

// Embedder maps text into the vector space shared by ingestion and
// retrieval. Both sides must use the same instance so the model and
// dimension stay consistent.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TextExtractor pulls plain text out of an uploaded document.
type TextExtractor interface {
	ExtractText(filename string, data []byte) (string, error)
}

// BookStore manages book records.
type BookStore interface {
	RegisterBook(ctx context.Context, book models.Book) error
	GetBook(ctx context.Context, id string) (models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	DeleteBook(ctx context.Context, id string) error
	UpdateBookStatus(ctx context.Context, id, status string) error
}

// ChunkStore persists embedded chunks and serves similarity search.
type ChunkStore interface {
	InsertChunks(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	DeleteChunks(ctx context.Context, bookID string) error
	SearchChunks(ctx context.Context, vector []float32, bookID string, chapterCeiling *int, topK int) ([]models.SearchResult, error)
}

// JobStore tracks ingestion jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	UpdateJob(ctx context.Context, id, status, bookID, errMsg string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// MessageStore records the conversation audit log per user and book.
type MessageStore interface {
	LogMessage(ctx context.Context, userID, bookID, role, content string, chapterLimit int) error
	GetChatHistory(ctx context.Context, userID, bookID string, limit int) ([]models.ChatMessage, error)
}
