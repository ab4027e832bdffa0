// Package server provides the HTTP API for BookFriend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xhad/bookfriend/internal/models"
	"github.com/xhad/bookfriend/internal/types"
)

// Ingestor accepts an uploaded book and starts a background ingestion job.
type Ingestor interface {
	Submit(ctx context.Context, title, filename string, data []byte) (models.Job, models.Book, error)
}

// Searcher retrieves passages for a query under a chapter ceiling.
type Searcher interface {
	Search(ctx context.Context, query, bookID string, chapterCeiling *int, topK int) ([]models.SearchResult, error)
}

// Answerer generates the final answer from retrieved excerpts and history.
type Answerer interface {
	Answer(ctx context.Context, query, bookTitle string, excerpts []string, history []models.ChatMessage) string
}

// Storage is the persistence surface the API needs beyond ingestion.
type Storage interface {
	types.BookStore
	types.JobStore
	types.MessageStore
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	Host           string
	Port           int
	TopK           int
	HistoryLimit   int
	MaxUploadBytes int64
}

// Server is the HTTP server for the BookFriend API.
type Server struct {
	config   ServerConfig
	ingestor Ingestor
	searcher Searcher
	answerer Answerer
	storage  Storage
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server
}

func NewServer(
	config ServerConfig,
	ingestor Ingestor,
	searcher Searcher,
	answerer Answerer,
	storage Storage,
	logger *zap.Logger,
) *Server {
	if config.TopK == 0 {
		config.TopK = 3
	}
	if config.HistoryLimit == 0 {
		config.HistoryLimit = 6
	}
	if config.MaxUploadBytes == 0 {
		config.MaxUploadBytes = 64 << 20
	}

	s := &Server{
		config:   config,
		ingestor: ingestor,
		searcher: searcher,
		answerer: answerer,
		storage:  storage,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/books", s.handleListBooks)
		r.Delete("/books/{id}", s.handleDeleteBook)
		r.Post("/ingest", s.handleIngest)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/query", s.handleQuery)
	})
	s.router = r

	return s
}

// Routes exposes the handler tree, mainly for tests.
func (s *Server) Routes() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
