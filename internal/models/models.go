package models

import "time"

// Book statuses.
const (
	BookPending = "pending"
	BookReady   = "ready"
	BookFailed  = "failed"
)

// Job statuses. JobDone and JobFailed are terminal.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

// Book is a registered book. Its chunks and conversation messages belong to
// it and are removed with it.
type Book struct {
	ID        string
	Title     string
	Filename  string
	Status    string
	CreatedAt time.Time
}

// Chapter is one chapter's worth of raw text. Number 0 is reserved for
// front matter and for documents with no detectable headings.
type Chapter struct {
	Number int
	Text   string
}

// Chunk is a sentence-aligned span of chapter text, the unit of embedding
// and retrieval. The chapter tag is fixed when the chunk is created.
type Chunk struct {
	BookID     string
	ChapterNum int
	Text       string
}

// SearchResult is a retrieved chunk ranked by cosine similarity
// (1 - cosine distance, higher is better).
type SearchResult struct {
	ChapterNum int
	Text       string
	Similarity float32
}

// Job tracks one asynchronous ingestion run through its status lifecycle.
type Job struct {
	ID        string
	Filename  string
	Status    string
	BookID    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one logged conversation turn.
type ChatMessage struct {
	Role    string
	Content string
}
