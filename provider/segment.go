package provider

import "strings"

// Stream mode constants. Tokens emits every provider chunk as it arrives,
// sentences batches deltas into sentence-sized segments, full suppresses
// everything until the end.
const (
	ModeTokens    = "tokens"
	ModeSentences = "sentences"
	ModeFull      = "full"
)

// segmenter regroups provider deltas according to the stream mode while
// accumulating the full text. Concatenating every emitted segment always
// reproduces the full text exactly.
type segmenter struct {
	mode string
	buf  strings.Builder
	full strings.Builder
}

func newSegmenter(mode string) *segmenter {
	if mode == "" {
		mode = ModeTokens
	}
	return &segmenter{mode: mode}
}

// push ingests one delta and returns the segments ready to emit.
func (s *segmenter) push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.full.WriteString(delta)
	switch s.mode {
	case ModeTokens:
		return []string{delta}
	case ModeSentences:
		s.buf.WriteString(delta)
		return s.drainSentences()
	default:
		return nil
	}
}

// flush returns whatever remains buffered at end of stream.
func (s *segmenter) flush() []string {
	switch s.mode {
	case ModeSentences:
		if s.buf.Len() == 0 {
			return nil
		}
		rest := s.buf.String()
		s.buf.Reset()
		return []string{rest}
	case ModeFull:
		if s.full.Len() == 0 {
			return nil
		}
		return []string{s.full.String()}
	default:
		return nil
	}
}

// fullText returns everything received so far.
func (s *segmenter) fullText() string { return s.full.String() }

// drainSentences slices the buffer at each terminator (.!?) followed by
// whitespace, keeping the trailing remainder buffered. The whitespace stays
// attached to the completed sentence so segments concatenate losslessly.
func (s *segmenter) drainSentences() []string {
	text := s.buf.String()
	var segments []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if isTerminator(text[i]) && isSpace(text[i+1]) {
			end := i + 1
			for end < len(text) && isSpace(text[end]) {
				end++
			}
			// Only cut when non-space text follows; otherwise wait for more
			// input so trailing whitespace rides with the final segment.
			if end < len(text) {
				segments = append(segments, text[start:end])
				start = end
				i = end - 1
			}
		}
	}
	if start > 0 {
		s.buf.Reset()
		s.buf.WriteString(text[start:])
	}
	return segments
}

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
