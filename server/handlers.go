package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xhad/bookfriend/pkg/store"
)

// NoAnswerFallback is returned when retrieval finds nothing visible at the
// reader's chapter. It is a normal answer, not an error.
const NoAnswerFallback = "I couldn't find anything about that in the book up to this chapter."

type bookResponse struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type ingestResponse struct {
	JobID    string `json:"job_id"`
	BookID   string `json:"book_id"`
	Filename string `json:"filename"`
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	BookID string `json:"book_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

type queryRequest struct {
	UserID       string `json:"user_id"`
	BookID       string `json:"book_id"`
	Query        string `json:"query"`
	ChapterLimit *int   `json:"chapter_limit"`
}

type queryResponse struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "online", "db": "connected"})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.storage.ListBooks(r.Context())
	if err != nil {
		s.logger.Error("list books failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]bookResponse, 0, len(books))
	for _, b := range books {
		resp = append(resp, bookResponse{ID: b.ID, Title: b.Title, Filename: b.Filename, Status: b.Status})
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.DeleteBook(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			s.respondError(w, http.StatusNotFound, "book not found")
			return
		}
		s.logger.Error("delete book failed", zap.String("book_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.config.MaxUploadBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	job, book, err := s.ingestor.Submit(r.Context(), header.Filename, header.Filename, data)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFilename) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("ingest submit failed", zap.String("filename", header.Filename), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("ingestion started",
		zap.String("job_id", job.ID),
		zap.String("book_id", book.ID),
		zap.String("filename", book.Filename))
	s.respondJSON(w, http.StatusAccepted, ingestResponse{
		JobID:    job.ID,
		BookID:   book.ID,
		Filename: book.Filename,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.storage.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, jobResponse{
		ID:     job.ID,
		Status: job.Status,
		BookID: job.BookID,
		Error:  job.Error,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BookID == "" || req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "book_id and query are required")
		return
	}

	ctx := r.Context()
	book, err := s.storage.GetBook(ctx, req.BookID)
	if err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			s.respondError(w, http.StatusNotFound, "book not found")
			return
		}
		s.logger.Error("get book failed", zap.String("book_id", req.BookID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := s.storage.GetChatHistory(ctx, req.UserID, req.BookID, s.config.HistoryLimit)
	if err != nil {
		s.logger.Error("get chat history failed", zap.String("book_id", req.BookID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results, err := s.searcher.Search(ctx, req.Query, req.BookID, req.ChapterLimit, s.config.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.String("book_id", req.BookID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(results) == 0 {
		s.respondJSON(w, http.StatusOK, queryResponse{Answer: NoAnswerFallback, Sources: []string{}})
		return
	}

	excerpts := make([]string, len(results))
	sources := make([]string, len(results))
	for i, res := range results {
		excerpts[i] = res.Text
		sources[i] = fmt.Sprintf("chapter_%d", res.ChapterNum)
	}

	answer := s.answerer.Answer(ctx, req.Query, book.Title, excerpts, history)

	chapterLimit := 0
	if req.ChapterLimit != nil {
		chapterLimit = *req.ChapterLimit
	}
	if err := s.storage.LogMessage(ctx, req.UserID, req.BookID, "user", req.Query, chapterLimit); err != nil {
		s.logger.Warn("failed to log user message", zap.String("book_id", req.BookID), zap.Error(err))
	}
	if err := s.storage.LogMessage(ctx, req.UserID, req.BookID, "bot", answer, chapterLimit); err != nil {
		s.logger.Warn("failed to log bot message", zap.String("book_id", req.BookID), zap.Error(err))
	}

	s.respondJSON(w, http.StatusOK, queryResponse{Answer: answer, Sources: sources})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
