package voice

import "strings"

const (
	segmentMinChars  = 8
	segmentSoftLimit = 120
	segmentHardLimit = 200
)

var segmentAbbreviations = []string{"mr.", "mrs.", "ms.", "dr.", "st.", "vs.", "etc.", "e.g.", "i.e."}

// sentenceSegmenter turns streamed text into speakable sentences. Long
// runs without a sentence end are cut at a clause or word boundary.
type sentenceSegmenter struct {
	buffer string
}

func newSentenceSegmenter() *sentenceSegmenter {
	return &sentenceSegmenter{}
}

func (s *sentenceSegmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buffer += delta
	return s.drain(false)
}

func (s *sentenceSegmenter) Finalize() []string {
	return s.drain(true)
}

func (s *sentenceSegmenter) drain(force bool) []string {
	var out []string
	for {
		cut := sentenceEnd(s.buffer)
		if cut < 0 && len(s.buffer) > segmentHardLimit {
			cut = clauseCut(s.buffer)
		}
		if cut < 0 {
			break
		}
		segment := collapseSpaces(s.buffer[:cut])
		s.buffer = s.buffer[cut:]
		if segment != "" {
			out = append(out, segment)
		}
	}
	if force {
		if rest := collapseSpaces(s.buffer); rest != "" {
			out = append(out, rest)
		}
		s.buffer = ""
	}
	return out
}

// sentenceEnd returns the index just past the first terminator that is
// followed by whitespace and closes a long enough sentence.
func sentenceEnd(text string) int {
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
		default:
			continue
		}
		end := i + 1
		for end < len(text) && (text[end] == '"' || text[end] == '\'' || text[end] == ')') {
			end++
		}
		if text[i] != '\n' && (end >= len(text) || !isSpaceByte(text[end])) {
			continue
		}
		if text[i] == '.' && endsWithAbbreviation(text[:end]) {
			continue
		}
		if len(strings.TrimSpace(text[:end])) < segmentMinChars {
			continue
		}
		return end
	}
	return -1
}

func clauseCut(text string) int {
	limit := segmentSoftLimit
	if limit > len(text) {
		limit = len(text)
	}
	for i := limit - 1; i >= segmentMinChars; i-- {
		switch text[i] {
		case ',', ';', ':':
			return i + 1
		}
	}
	for i := limit - 1; i >= segmentMinChars; i-- {
		if isSpaceByte(text[i]) {
			return i
		}
	}
	return limit
}

func endsWithAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range segmentAbbreviations {
		if !strings.HasSuffix(lower, abbr) {
			continue
		}
		start := len(lower) - len(abbr)
		if start == 0 || isSpaceByte(lower[start-1]) {
			return true
		}
	}
	return false
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func collapseSpaces(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}
