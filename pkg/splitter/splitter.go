package splitter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xhad/bookfriend/internal/models"
)

var (
	headingPattern = regexp.MustCompile(`(?i)chapter\s+\d+`)
	numberPattern  = regexp.MustCompile(`\d+`)
)

type SplitterConfig struct {
	// MinChapterLength discards chapter bodies shorter than this many
	// characters. Guards against false-positive headings in a table of
	// contents or index.
	MinChapterLength int
}

// Splitter divides full document text into numbered chapters.
type Splitter struct {
	config SplitterConfig
}

func NewWithConfig(config SplitterConfig) Splitter {
	if config.MinChapterLength == 0 {
		config.MinChapterLength = 500
	}
	return Splitter{config: config}
}

// Split locates "Chapter N" headings (case-insensitive) and returns the text
// between consecutive headings as chapters, in document order. Chapter
// numbers are taken from the headings as-is; duplicates and out-of-order
// numbers pass through. When no heading matches, the whole document comes
// back as a single chapter numbered 0.
func (s *Splitter) Split(text string) []models.Chapter {
	locs := headingPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []models.Chapter{{Number: 0, Text: strings.TrimSpace(text)}}
	}

	var chapters []models.Chapter
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}

		body := strings.TrimSpace(text[loc[1]:end])
		if len(body) < s.config.MinChapterLength {
			continue
		}

		heading := text[loc[0]:loc[1]]
		number := 0
		if m := numberPattern.FindString(heading); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				number = n
			}
		}

		chapters = append(chapters, models.Chapter{Number: number, Text: body})
	}
	return chapters
}
