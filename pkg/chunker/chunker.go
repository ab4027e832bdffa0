package chunker

import (
	"regexp"
	"strings"
)

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

type ChunkerConfig struct {
	// ChunkSize bounds the character length of a chunk. The bound is soft:
	// a single sentence longer than ChunkSize becomes a chunk on its own
	// rather than being split mid-sentence.
	ChunkSize int
	// OverlapSentences seeds each new chunk with the trailing sentences of
	// the previous one for continuity across chunk boundaries.
	OverlapSentences int
}

// Chunker accumulates whole sentences into size-bounded chunks.
type Chunker struct {
	config ChunkerConfig
}

func NewWithConfig(config ChunkerConfig) Chunker {
	if config.ChunkSize == 0 {
		config.ChunkSize = 800
	}
	if config.OverlapSentences < 0 {
		config.OverlapSentences = 0
	}
	return Chunker{config: config}
}

// Chunk splits text into ordered, sentence-aligned chunks. Every chunk is a
// space-joined run of whole sentences no longer than ChunkSize, except when
// one sentence alone exceeds the bound.
func (c *Chunker) Chunk(text string) []string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string

	for _, sentence := range sentences {
		if len(current) > 0 && joinedLen(current)+1+len(sentence) > c.config.ChunkSize {
			chunks = append(chunks, strings.Join(current, " "))

			// Seed the next chunk with the tail of the one just closed.
			seed := current
			if c.config.OverlapSentences < len(seed) {
				seed = seed[len(seed)-c.config.OverlapSentences:]
			}
			current = append([]string(nil), seed...)

			// Evict from the front until the incoming sentence fits.
			for len(current) > 0 && joinedLen(current)+1+len(sentence) > c.config.ChunkSize {
				current = current[1:]
			}
		}
		current = append(current, sentence)
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// SplitSentences segments text on sentence-ending punctuation followed by
// whitespace. The punctuation stays with its sentence; surrounding
// whitespace is trimmed.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func joinedLen(sentences []string) int {
	n := 0
	for i, s := range sentences {
		if i > 0 {
			n++
		}
		n += len(s)
	}
	return n
}
