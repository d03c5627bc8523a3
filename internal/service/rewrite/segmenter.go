package rewrite

import "strings"

// DefaultPendingLimit bounds how much raw text a Segmenter holds back while
// waiting for a safe cut point.
const DefaultPendingLimit = 8 << 10

// Segmenter rewrites a streamed answer without splitting constructs across
// network chunks. It holds raw text back until a line ends outside of a
// block-math span, so every raw byte goes through Rewrite exactly once.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	pending string
	limit   int
}

// NewSegmenter returns a Segmenter with the default pending limit.
func NewSegmenter() *Segmenter {
	return &Segmenter{limit: DefaultPendingLimit}
}

// Feed accepts the next raw fragment and returns newly rendered output, which
// may be empty while a line is still incomplete.
func (s *Segmenter) Feed(chunk string) string {
	s.pending += chunk

	cut := safeCut(s.pending)
	if cut == 0 {
		if s.limit > 0 && len(s.pending) > s.limit {
			return s.Flush()
		}
		return ""
	}

	segment := s.pending[:cut]
	s.pending = s.pending[cut:]
	return Rewrite(segment)
}

// Flush rewrites whatever is still pending.
func (s *Segmenter) Flush() string {
	segment := s.pending
	s.pending = ""
	return Rewrite(segment)
}

// Pending reports how many raw bytes are held back.
func (s *Segmenter) Pending() int {
	return len(s.pending)
}

// safeCut returns the length of the longest prefix that ends in a newline and
// contains balanced "$$" delimiters, or 0.
func safeCut(text string) int {
	for i := strings.LastIndexByte(text, '\n'); i >= 0; i = strings.LastIndexByte(text[:i], '\n') {
		if strings.Count(text[:i+1], "$$")%2 == 0 {
			return i + 1
		}
	}
	return 0
}
