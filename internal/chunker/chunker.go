// Package chunker splits oversized document text into context-preserving
// segments on sentence boundaries, so a single extraction call never
// exceeds the model's useful context.
package chunker

import (
	"strings"

	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/model"
)

// Config controls segmentation behavior.
type Config struct {
	// MaxChunkSize is the character budget per chunk.
	MaxChunkSize int
	// OverlapSize is how many trailing characters of the previous chunk
	// seed the next one when PreserveContext is set.
	OverlapSize int
	// PreserveContext enables overlap seeding for chunks after the first.
	PreserveContext bool
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:    20000,
		OverlapSize:     200,
		PreserveContext: true,
	}
}

// Clinical and honorific abbreviations that must not terminate a
// sentence. Matched case-insensitively against the token preceding a
// period.
var protectedAbbrevs = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true,
	"st": true, "jr": true, "sr": true, "vs": true, "no": true,
	"approx": true, "e.g": true, "i.e": true, "etc": true,
	"mg": true, "mcg": true, "ml": true, "dl": true, "kg": true,
	"lb": true, "oz": true, "hr": true, "min": true, "sec": true,
	"b.i.d": true, "t.i.d": true, "q.i.d": true, "q.d": true,
	"p.r.n": true, "p.o": true, "subq": true,
	"dx": true, "hx": true, "tx": true, "rx": true, "fx": true,
}

// Split divides text into ordered chunks. Text at or under the budget
// yields exactly one chunk spanning the whole input. Pure function of
// its inputs.
func Split(text string, cfg Config) []model.Chunk {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultConfig().MaxChunkSize
	}
	if cfg.OverlapSize <= 0 {
		cfg.OverlapSize = DefaultConfig().OverlapSize
	}

	if len(text) <= cfg.MaxChunkSize {
		return []model.Chunk{{
			ChunkID:    0,
			Text:       text,
			StartIndex: 0,
			EndIndex:   len(text),
		}}
	}

	sentences := splitSentences(text)

	var chunks []model.Chunk
	var b strings.Builder
	start := 0
	pos := 0

	flush := func(end int) {
		if b.Len() == 0 {
			return
		}
		c := model.Chunk{
			ChunkID:    len(chunks),
			Text:       b.String(),
			StartIndex: start,
			EndIndex:   end,
		}
		if cfg.PreserveContext && len(chunks) > 0 {
			prev := chunks[len(chunks)-1].Text
			c.OverlapText = tail(prev, cfg.OverlapSize)
		}
		chunks = append(chunks, c)
		b.Reset()
		start = end
	}

	for _, s := range sentences {
		// Hard-split sentences that alone exceed the budget.
		if len(s) > cfg.MaxChunkSize {
			flush(pos)
			for len(s) > 0 {
				n := cfg.MaxChunkSize
				if n > len(s) {
					n = len(s)
				}
				b.WriteString(s[:n])
				pos += n
				s = s[n:]
				flush(pos)
			}
			continue
		}

		if b.Len()+len(s) > cfg.MaxChunkSize {
			flush(pos)
		}
		b.WriteString(s)
		pos += len(s)
	}
	flush(pos)

	// Overlap must be seeded even when PreserveContext is set on the
	// very first flush above; recompute for safety when a hard split
	// produced the first chunk out of band.
	if cfg.PreserveContext {
		for i := 1; i < len(chunks); i++ {
			if chunks[i].OverlapText == "" {
				chunks[i].OverlapText = tail(chunks[i-1].Text, cfg.OverlapSize)
			}
		}
	}

	zap.L().Debug("chunker: split document",
		zap.Int("text_len", len(text)),
		zap.Int("chunks", len(chunks)),
		zap.Int("max_chunk_size", cfg.MaxChunkSize),
	)
	return chunks
}

// splitSentences segments text into sentences, keeping terminators and
// trailing whitespace attached so concatenation reconstructs the input
// byte-for-byte.
func splitSentences(text string) []string {
	var sentences []string
	last := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		// A terminator only ends a sentence when it closes a run of
		// terminators followed by whitespace or end of text. An
		// internal period glued to the next letter, as in "b.i.d." or
		// "e.g.", is never a boundary.
		if i+1 < len(text) && !isSpace(text[i+1]) && !isTerminator(text[i+1]) {
			continue
		}
		if ch == '.' && protectedBreak(text, last, i) {
			continue
		}
		// Consume any run of terminators and following whitespace.
		end := i + 1
		for end < len(text) && isTerminator(text[end]) {
			end++
		}
		for end < len(text) && isSpace(text[end]) {
			end++
		}
		sentences = append(sentences, text[last:end])
		last = end
		i = end - 1
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}
	return sentences
}

// protectedBreak reports whether the period at idx follows a protected
// abbreviation or sits inside a decimal number, so it must not end a
// sentence.
func protectedBreak(text string, sentenceStart, idx int) bool {
	// Decimal number: digit on both sides.
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	// Walk back to the preceding word, allowing internal periods so
	// dotted forms like "b.i.d." match.
	w := idx
	for w > sentenceStart {
		c := text[w-1]
		if c == ' ' || c == '\n' || c == '\t' {
			break
		}
		w--
	}
	word := strings.ToLower(strings.TrimSuffix(text[w:idx], "."))
	word = strings.TrimPrefix(word, "(")
	return protectedAbbrevs[word]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool { return c == ' ' || c == '\n' || c == '\t' || c == '\r' }

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

// tail returns the last n bytes of s, trimmed to avoid splitting a
// word mid-way when possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	t := s[len(s)-n:]
	if i := strings.IndexAny(t, " \n\t"); i >= 0 && i < len(t)-1 {
		t = t[i+1:]
	}
	return t
}
