package store

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/bookfriend/internal/models"
)

// Errors the API layer maps to distinct responses.
var (
	ErrDuplicateFilename = errors.New("a book with this filename already exists")
	ErrBookNotFound      = errors.New("book not found")
	ErrJobNotFound       = errors.New("job not found")
)

const uniqueViolation = "23505"

type StoreConfig struct {
	ConnString string
	VectorDim  int
	BatchSize  int
}

// Store backs books, chunk vectors, ingestion jobs, and the conversation log
// with a single PostgreSQL pool. Chunk similarity search uses pgvector's
// cosine distance operator.
type Store struct {
	config StoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, config StoreConfig) (*Store, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{config: config, pool: pool}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			filename TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS book_chunks (
			id BIGSERIAL PRIMARY KEY,
			book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			chapter_num INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			embedding vector(%d)
		);

		CREATE TABLE IF NOT EXISTS ingest_jobs (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			book_id TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			chapter_limit INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS book_chunks_book_chapter_idx
			ON book_chunks (book_id, chapter_num);
		CREATE INDEX IF NOT EXISTS messages_user_book_idx
			ON messages (user_id, book_id, id);`,
		s.config.VectorDim)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	createIndex := `
		CREATE INDEX IF NOT EXISTS book_chunks_embedding_idx
		ON book_chunks
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`
	if _, err := s.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RegisterBook inserts a book row. The UNIQUE constraint on filename is the
// duplicate check; a violation comes back as ErrDuplicateFilename.
func (s *Store) RegisterBook(ctx context.Context, book models.Book) error {
	status := book.Status
	if status == "" {
		status = models.BookPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO books (id, title, filename, status) VALUES ($1, $2, $3, $4)`,
		book.ID, sanitizeUTF8(book.Title), book.Filename, status,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateFilename
	}
	if err != nil {
		return fmt.Errorf("failed to register book: %w", err)
	}
	return nil
}

func (s *Store) GetBook(ctx context.Context, id string) (models.Book, error) {
	var book models.Book
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, filename, status, created_at FROM books WHERE id = $1`, id,
	).Scan(&book.ID, &book.Title, &book.Filename, &book.Status, &book.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Book{}, ErrBookNotFound
	}
	if err != nil {
		return models.Book{}, fmt.Errorf("failed to get book: %w", err)
	}
	return book, nil
}

func (s *Store) ListBooks(ctx context.Context) ([]models.Book, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, filename, status, created_at FROM books ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var book models.Book
		if err := rows.Scan(&book.ID, &book.Title, &book.Filename, &book.Status, &book.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan book row: %w", err)
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// DeleteBook removes the book row. Chunks and messages cascade with it.
func (s *Store) DeleteBook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (s *Store) UpdateBookStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE books SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update book status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// InsertChunks stores a batch of chunks with their vectors in one
// transaction. Chunks are write-once; there is no update path.
func (s *Store) InsertChunks(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector length mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := `INSERT INTO book_chunks (book_id, chapter_num, chunk_text, embedding)
		VALUES ($1, $2, $3, $4)`

	for i, chunk := range chunks {
		_, err := tx.Exec(ctx, stmt,
			chunk.BookID,
			chunk.ChapterNum,
			sanitizeUTF8(chunk.Text),
			pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteChunks removes all chunks for a book. Used to compensate after a
// failed ingestion that stored a partial batch.
func (s *Store) DeleteChunks(ctx context.Context, bookID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM book_chunks WHERE book_id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// SearchChunks returns the topK chunks of a book nearest to vector, ordered
// by descending cosine similarity. A non-nil chapterCeiling restricts the
// candidate set to chapter_num <= ceiling before ranking, so a chunk past
// the reader's progress can never appear no matter how well it matches.
func (s *Store) SearchChunks(ctx context.Context, vector []float32, bookID string, chapterCeiling *int, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	embedding := pgvector.NewVector(vector)

	query := `
		SELECT chapter_num, chunk_text, 1 - (embedding <=> $1) AS similarity
		FROM book_chunks
		WHERE book_id = $2`
	args := []any{embedding, bookID}
	if chapterCeiling != nil {
		query += ` AND chapter_num <= $3`
		args = append(args, *chapterCeiling)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT $%d`, len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	results := make([]models.SearchResult, 0, topK)
	for rows.Next() {
		var r models.SearchResult
		var similarity float64
		if err := rows.Scan(&r.ChapterNum, &r.Text, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Similarity = float32(similarity)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	status := job.Status
	if status == "" {
		status = models.JobPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (id, filename, status) VALUES ($1, $2, $3)`,
		job.ID, job.Filename, status,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// UpdateJob advances a job's status. Terminal jobs (done, failed) are never
// modified; updating one is a no-op.
func (s *Store) UpdateJob(ctx context.Context, id, status, bookID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $2,
		     book_id = COALESCE(NULLIF($3, ''), book_id),
		     error = NULLIF($4, ''),
		     updated_at = now()
		 WHERE id = $1 AND status NOT IN ('done', 'failed')`,
		id, status, bookID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, filename, status, COALESCE(book_id, ''), COALESCE(error, ''), created_at, updated_at
		 FROM ingest_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Filename, &job.Status, &job.BookID, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) LogMessage(ctx context.Context, userID, bookID, role, content string, chapterLimit int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (user_id, book_id, role, content, chapter_limit)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, bookID, role, sanitizeUTF8(content), chapterLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// GetChatHistory returns the most recent limit messages for a user and book
// in chronological order.
func (s *Store) GetChatHistory(ctx context.Context, userID, bookID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, content FROM messages
		 WHERE user_id = $1 AND book_id = $2
		 ORDER BY id DESC LIMIT $3`,
		userID, bookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}
	defer rows.Close()

	var history []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come back newest-first; flip to chronological.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
