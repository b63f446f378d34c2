package rag

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/godagent/pkg/domain"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunker splits documents into overlapping character windows, preferring to
// end a window at a sentence end or, failing that, between words.
type Chunker struct {
	size, overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if overlap < 0 || overlap >= size {
		return nil, errors.New("overlap must be less than chunk size")
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Chunk splits doc. Offsets count characters, not bytes. Chunk IDs are
// derived from the source and position so re-indexing replaces them.
func (c *Chunker) Chunk(doc Document) []domain.Chunk {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}
	runes := []rune(doc.Content)
	n := len(runes)
	now := time.Now().UTC()

	var chunks []domain.Chunk
	start := 0
	for start < n {
		end := start + c.size
		if end < n {
			end = c.breakPoint(runes, start, end)
		} else {
			end = n
		}

		if body := strings.TrimSpace(string(runes[start:end])); body != "" {
			idx := len(chunks)
			chunks = append(chunks, domain.Chunk{
				ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(doc.Source+"#"+strconv.Itoa(idx))).String(),
				Source:    doc.Source,
				Index:     idx,
				Text:      body,
				StartChar: start,
				EndChar:   end,
				Metadata: map[string]string{
					"file_type":  doc.FileType,
					"file_size":  strconv.FormatInt(doc.Size, 10),
					"indexed_at": now.Format(time.RFC3339),
				},
				CreatedAt: now,
			})
		}

		if end >= n {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

var sentenceEnds = []string{".", "!", "?", "\n\n"}

func (c *Chunker) breakPoint(runes []rune, start, end int) int {
	target := end - start
	window := runes[start:min(end+100, len(runes))]

	// Sentence ends may sit slightly past the target.
	limit := min(target+20, len(window))
	for _, ending := range sentenceEnds {
		pos := lastIndex(window[:limit], []rune(ending))
		if pos != -1 && float64(pos) > float64(target)*0.7 {
			return start + pos + 1
		}
	}

	limit = min(target, len(window))
	if pos := lastIndex(window[:limit], []rune(" ")); pos != -1 && float64(pos) > float64(target)*0.8 {
		return start + pos
	}
	return end
}

func lastIndex(s, sub []rune) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
