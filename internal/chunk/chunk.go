// Package chunk splits document text into overlapping, word- and
// UTF-8-aligned slices suitable for independent embedding.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk is one slice of an input string, with byte offsets into the
// original text it was cut from.
type Chunk struct {
	Content string
	Start   int
	End     int
}

// Config controls the target size and overlap of produced chunks, both
// expressed in bytes.
type Config struct {
	ChunkSize int
	Overlap   int
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{ChunkSize: 500, Overlap: 50}
}

// Chunker splits text according to a fixed Config.
type Chunker struct {
	cfg Config
}

// New returns a Chunker. A non-positive ChunkSize falls back to
// DefaultConfig.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Chunker{cfg: cfg}
}

var sentenceSeparators = []string{". ", "! ", "? ", ": ", "; "}
var extensionSeparators = []string{". ", "! ", "? ", ", ", "; ", ": "}

// Split breaks text into an ordered sequence of overlapping chunks. Chunk
// boundaries always fall on UTF-8 rune boundaries and, except for the
// bounded word-completing extension in step 4 of the break-point search,
// on word boundaries.
func (c *Chunker) Split(text string) []Chunk {
	if text == "" {
		return nil
	}

	textLen := len(text)
	if textLen <= c.cfg.ChunkSize {
		return []Chunk{{Content: text, Start: 0, End: textLen}}
	}

	var chunks []Chunk
	start := 0
	chunkCount := 0
	maxChunks := (textLen / maxInt(c.cfg.ChunkSize/2, 1)) + 10

	for start < textLen && chunkCount < maxChunks {
		chunkCount++

		end := minInt(start+c.cfg.ChunkSize, textLen)
		end = snapDown(text, end)

		actualEnd := end
		if end < textLen {
			actualEnd = c.findBreakPoint(text, start, end)
		}

		safeStart := snapUp(text, start)
		safeEnd := actualEnd
		for safeEnd > safeStart && !utf8.RuneStart(text[safeEnd]) {
			safeEnd--
		}

		if safeEnd > safeStart {
			slice := text[safeStart:safeEnd]
			content := strings.TrimLeftFunc(slice, unicode.IsSpace)
			trimmedStart := safeStart + (len(slice) - len(content))
			if content != "" {
				chunks = append(chunks, Chunk{Content: content, Start: trimmedStart, End: safeEnd})
			}
		}

		var newStart int
		if safeEnd >= c.cfg.Overlap {
			candidate := safeEnd - c.cfg.Overlap
			newStart = c.findWordStart(text, candidate)
		} else {
			newStart = safeEnd
		}

		if newStart <= start {
			start += maxInt(1, c.cfg.ChunkSize/4)
		} else {
			start = newStart
		}

		if start >= textLen {
			break
		}
	}

	return chunks
}

// findBreakPoint searches text[start:preferredEnd] for the highest-
// priority natural separator, scanning from the end backwards so the
// latest occurrence wins. If none is found and the byte at preferredEnd
// appears to bisect a word, the search window is extended by up to
// chunkSize/4 bytes looking for the first acceptable separator past
// preferredEnd.
func (c *Chunker) findBreakPoint(text string, start, preferredEnd int) int {
	safeStart := snapUp(text, start)
	safeEnd := snapDown(text, preferredEnd)

	if safeEnd <= safeStart {
		fallback := snapDownFrom(text, preferredEnd, safeStart)
		if fallback > safeStart {
			return fallback
		}
		return safeStart
	}

	window := text[safeStart:safeEnd]

	if pos := strings.LastIndex(window, "\n\n"); pos >= 0 {
		return safeStart + pos + 2
	}
	if pos := strings.LastIndex(window, ". "); pos >= 0 {
		return safeStart + pos + 2
	}
	for _, sep := range sentenceSeparators[1:] {
		if pos := strings.LastIndex(window, sep); pos >= 0 {
			return safeStart + pos + 2
		}
	}
	if pos := strings.LastIndex(window, "\n"); pos >= 0 {
		return safeStart + pos + 1
	}
	if pos := strings.LastIndex(window, " "); pos >= 0 {
		return safeStart + pos + 1
	}

	// No natural break within the preferred window. Only extend past
	// safeEnd if doing so would otherwise bisect a word.
	maxExtension := maxInt(c.cfg.ChunkSize/4, 0)
	extendedEnd := minInt(safeEnd+maxExtension, len(text))
	extendedEnd = snapDownFrom(text, extendedEnd, safeEnd)

	if safeEnd < len(text) && extendedEnd > safeEnd {
		r, _ := utf8.DecodeRuneInString(text[safeEnd:])
		if !unicode.IsSpace(r) && !isASCIIPunct(r) {
			extended := text[safeEnd:extendedEnd]

			if pos := strings.Index(extended, " "); pos >= 0 {
				return safeEnd + pos
			}
			if pos := strings.Index(extended, "\n"); pos >= 0 {
				return safeEnd + pos
			}
			for _, sep := range extensionSeparators {
				if pos := strings.Index(extended, sep); pos >= 0 {
					return safeEnd + pos + len(sep)
				}
			}
			for i, r := range extended {
				if isASCIIPunct(r) {
					return safeEnd + i + 1
				}
			}
		}
	}

	return safeEnd
}

// findWordStart snaps a candidate start position forward or backward so
// it lands at the beginning of a word rather than inside one.
func (c *Chunker) findWordStart(text string, preferredStart int) int {
	if preferredStart >= len(text) {
		return len(text)
	}

	safeStart := snapUp(text, preferredStart)
	if safeStart == 0 || safeStart >= len(text) {
		return safeStart
	}

	r, _ := utf8.DecodeRuneInString(text[safeStart:])
	if unicode.IsSpace(r) {
		for safeStart < len(text) {
			r, size := utf8.DecodeRuneInString(text[safeStart:])
			if !unicode.IsSpace(r) {
				break
			}
			safeStart += size
		}
		return safeStart
	}

	// Inside a word: rewind to the byte after the preceding space.
	before := text[:safeStart]
	if pos := strings.LastIndex(before, " "); pos >= 0 {
		wordStart := pos + 1
		for wordStart < safeStart {
			r, size := utf8.DecodeRuneInString(text[wordStart:])
			if !unicode.IsSpace(r) {
				break
			}
			wordStart += size
		}
		return wordStart
	}

	return 0
}

func isASCIIPunct(r rune) bool {
	return r < utf8.RuneSelf && unicode.IsPunct(r)
}

func snapUp(text string, pos int) int {
	for pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos++
	}
	return pos
}

func snapDown(text string, pos int) int {
	for pos > 0 && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

// snapDownFrom snaps pos down to a rune boundary, never going below
// floor.
func snapDownFrom(text string, pos, floor int) int {
	for pos > floor && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
