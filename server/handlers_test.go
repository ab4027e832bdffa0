package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xhad/bookfriend/internal/models"
	"github.com/xhad/bookfriend/pkg/store"
	"github.com/xhad/bookfriend/server"
)

type fakeIngestor struct {
	job  models.Job
	book models.Book
	err  error
}

func (f *fakeIngestor) Submit(ctx context.Context, title, filename string, data []byte) (models.Job, models.Book, error) {
	if f.err != nil {
		return models.Job{}, models.Book{}, f.err
	}
	return f.job, f.book, nil
}

type fakeSearcher struct {
	results    []models.SearchResult
	err        error
	gotCeiling *int
	gotTopK    int
}

func (f *fakeSearcher) Search(ctx context.Context, query, bookID string, chapterCeiling *int, topK int) ([]models.SearchResult, error) {
	f.gotCeiling = chapterCeiling
	f.gotTopK = topK
	return f.results, f.err
}

type fakeAnswerer struct {
	answer      string
	gotExcerpts []string
	gotHistory  []models.ChatMessage
}

func (f *fakeAnswerer) Answer(ctx context.Context, query, bookTitle string, excerpts []string, history []models.ChatMessage) string {
	f.gotExcerpts = excerpts
	f.gotHistory = history
	return f.answer
}

type fakeStorage struct {
	books    map[string]models.Book
	jobs     map[string]models.Job
	history  []models.ChatMessage
	logged   []models.ChatMessage
	pingErr  error
	deleted  []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		books: make(map[string]models.Book),
		jobs:  make(map[string]models.Job),
	}
}

func (s *fakeStorage) RegisterBook(ctx context.Context, book models.Book) error {
	s.books[book.ID] = book
	return nil
}

func (s *fakeStorage) GetBook(ctx context.Context, id string) (models.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return models.Book{}, store.ErrBookNotFound
	}
	return b, nil
}

func (s *fakeStorage) ListBooks(ctx context.Context) ([]models.Book, error) {
	var out []models.Book
	for _, b := range s.books {
		out = append(out, b)
	}
	return out, nil
}

func (s *fakeStorage) DeleteBook(ctx context.Context, id string) error {
	if _, ok := s.books[id]; !ok {
		return store.ErrBookNotFound
	}
	delete(s.books, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStorage) UpdateBookStatus(ctx context.Context, id, status string) error { return nil }

func (s *fakeStorage) CreateJob(ctx context.Context, job models.Job) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStorage) UpdateJob(ctx context.Context, id, status, bookID, errMsg string) error {
	return nil
}

func (s *fakeStorage) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrJobNotFound
	}
	return j, nil
}

func (s *fakeStorage) LogMessage(ctx context.Context, userID, bookID, role, content string, chapterLimit int) error {
	s.logged = append(s.logged, models.ChatMessage{Role: role, Content: content})
	return nil
}

func (s *fakeStorage) GetChatHistory(ctx context.Context, userID, bookID string, limit int) ([]models.ChatMessage, error) {
	return s.history, nil
}

func (s *fakeStorage) Ping(ctx context.Context) error { return s.pingErr }

type testEnv struct {
	ingestor *fakeIngestor
	searcher *fakeSearcher
	answerer *fakeAnswerer
	storage  *fakeStorage
	handler  http.Handler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		ingestor: &fakeIngestor{},
		searcher: &fakeSearcher{},
		answerer: &fakeAnswerer{answer: "The cat grinned."},
		storage:  newFakeStorage(),
	}
	srv := server.NewServer(server.ServerConfig{TopK: 3, HistoryLimit: 6},
		env.ingestor, env.searcher, env.answerer, env.storage, zap.NewNop())
	env.handler = srv.Routes()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "online", resp["status"])
	assert.Equal(t, "connected", resp["db"])
}

func TestHealthDatabaseDown(t *testing.T) {
	env := newTestEnv()
	env.storage.pingErr = errors.New("connection refused")

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueryHappyPath(t *testing.T) {
	env := newTestEnv()
	env.storage.books["b1"] = models.Book{ID: "b1", Title: "Wonderland", Status: models.BookReady}
	env.searcher.results = []models.SearchResult{
		{ChapterNum: 2, Text: "The cat grinned widely.", Similarity: 0.92},
		{ChapterNum: 1, Text: "Alice followed the rabbit.", Similarity: 0.85},
	}

	ceiling := 3
	rec := env.do(t, http.MethodPost, "/v1/query", map[string]any{
		"user_id":       "u1",
		"book_id":       "b1",
		"query":         "who grinned?",
		"chapter_limit": ceiling,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "The cat grinned.", resp["answer"])
	assert.Equal(t, []any{"chapter_2", "chapter_1"}, resp["sources"])

	require.NotNil(t, env.searcher.gotCeiling)
	assert.Equal(t, 3, *env.searcher.gotCeiling)
	assert.Equal(t, 3, env.searcher.gotTopK)

	assert.Equal(t, []string{"The cat grinned widely.", "Alice followed the rabbit."}, env.answerer.gotExcerpts)

	// Both sides of the exchange land in the audit log.
	require.Len(t, env.storage.logged, 2)
	assert.Equal(t, "user", env.storage.logged[0].Role)
	assert.Equal(t, "who grinned?", env.storage.logged[0].Content)
	assert.Equal(t, "bot", env.storage.logged[1].Role)
	assert.Equal(t, "The cat grinned.", env.storage.logged[1].Content)
}

func TestQueryEmptyRetrievalReturnsFallback(t *testing.T) {
	env := newTestEnv()
	env.storage.books["b1"] = models.Book{ID: "b1", Title: "Wonderland"}
	env.searcher.results = nil

	rec := env.do(t, http.MethodPost, "/v1/query", map[string]any{
		"user_id": "u1",
		"book_id": "b1",
		"query":   "what happens at the end?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, server.NoAnswerFallback, resp["answer"])
	assert.Equal(t, []any{}, resp["sources"])

	// The generator must never see a query that retrieval filtered out.
	assert.Nil(t, env.answerer.gotExcerpts)
	assert.Empty(t, env.storage.logged)
}

func TestQueryMissingFields(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/v1/query", map[string]any{"book_id": "b1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/query", map[string]any{"query": "q"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryUnknownBook(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/v1/query", map[string]any{
		"book_id": "missing", "query": "q",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryPassesHistoryToAnswerer(t *testing.T) {
	env := newTestEnv()
	env.storage.books["b1"] = models.Book{ID: "b1", Title: "Wonderland"}
	env.storage.history = []models.ChatMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "bot", Content: "earlier answer"},
	}
	env.searcher.results = []models.SearchResult{{ChapterNum: 1, Text: "x"}}

	rec := env.do(t, http.MethodPost, "/v1/query", map[string]any{
		"book_id": "b1", "query": "q",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.storage.history, env.answerer.gotHistory)
}

func TestListBooks(t *testing.T) {
	env := newTestEnv()
	env.storage.books["b1"] = models.Book{ID: "b1", Title: "Wonderland", Filename: "alice.pdf", Status: models.BookReady}

	rec := env.do(t, http.MethodGet, "/v1/books", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[[]map[string]string](t, rec)
	require.Len(t, resp, 1)
	assert.Equal(t, "b1", resp[0]["id"])
	assert.Equal(t, "ready", resp[0]["status"])
}

func TestDeleteBook(t *testing.T) {
	env := newTestEnv()
	env.storage.books["b1"] = models.Book{ID: "b1"}

	rec := env.do(t, http.MethodDelete, "/v1/books/b1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"b1"}, env.storage.deleted)

	rec = env.do(t, http.MethodDelete, "/v1/books/b1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv()
	env.storage.jobs["j1"] = models.Job{ID: "j1", Status: models.JobDone, BookID: "b1"}

	rec := env.do(t, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "done", resp["status"])
	assert.Equal(t, "b1", resp["book_id"])

	rec = env.do(t, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestIngestAccepted(t *testing.T) {
	env := newTestEnv()
	env.ingestor.job = models.Job{ID: "j1", Status: models.JobPending}
	env.ingestor.book = models.Book{ID: "b1", Filename: "alice.pdf"}

	body, contentType := multipartUpload(t, "alice.pdf", []byte("%PDF-1.4 fake"))
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "j1", resp["job_id"])
	assert.Equal(t, "b1", resp["book_id"])
	assert.Equal(t, "alice.pdf", resp["filename"])
}

func TestIngestDuplicateFilename(t *testing.T) {
	env := newTestEnv()
	env.ingestor.err = store.ErrDuplicateFilename

	body, contentType := multipartUpload(t, "alice.pdf", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestEmptyFile(t *testing.T) {
	env := newTestEnv()

	body, contentType := multipartUpload(t, "alice.pdf", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestMissingFilePart(t *testing.T) {
	env := newTestEnv()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("name", "not a file"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.True(t, strings.Contains(resp["error"], "file"))
}
