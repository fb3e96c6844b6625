package filter

// Markers delimiting inline reasoning in model output.
const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

// State is the position of a TagScanner relative to a reasoning span.
type State int

const (
	// StateOutside passes bytes through.
	StateOutside State = iota
	// StateInside discards bytes until CloseTag.
	StateInside
	// StatePending holds bytes that may be the start of a marker.
	StatePending
)

func (s State) String() string {
	switch s {
	case StateOutside:
		return "outside"
	case StateInside:
		return "inside"
	case StatePending:
		return "pending-marker"
	default:
		return "unknown"
	}
}

// TagScanner removes <think>…</think> spans, markers included, from text
// delivered in arbitrary chunks. Markers split across chunks are held back
// until they are confirmed or ruled out, so Feed never emits part of a
// marker and never holds more than len(CloseTag)-1 bytes.
//
// A TagScanner is not safe for concurrent use.
type TagScanner struct {
	inside  bool
	pending []byte // bytes matching a prefix of the current marker
	spans   int    // opening markers confirmed so far
}

// NewTagScanner returns a scanner positioned outside any span.
func NewTagScanner() *TagScanner {
	return &TagScanner{pending: make([]byte, 0, len(CloseTag))}
}

// State reports the scanner's current state.
func (s *TagScanner) State() State {
	switch {
	case len(s.pending) > 0:
		return StatePending
	case s.inside:
		return StateInside
	default:
		return StateOutside
	}
}

// Spans returns how many reasoning spans have been opened.
func (s *TagScanner) Spans() int {
	return s.spans
}

// Feed consumes p and returns the bytes that can be emitted now.
func (s *TagScanner) Feed(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		out = s.step(out, b)
	}
	return out
}

// Flush ends the stream. Bytes held as a possible opening marker are
// returned as ordinary text; an unterminated span is dropped. The scanner
// is reset to StateOutside.
func (s *TagScanner) Flush() []byte {
	var out []byte
	if !s.inside && len(s.pending) > 0 {
		out = append(out, s.pending...)
	}
	s.pending = s.pending[:0]
	s.inside = false
	return out
}

func (s *TagScanner) marker() string {
	if s.inside {
		return CloseTag
	}
	return OpenTag
}

func (s *TagScanner) step(out []byte, b byte) []byte {
	marker := s.marker()
	if len(s.pending) == 0 && b != marker[0] {
		return s.emit(out, b)
	}

	n := len(s.pending)
	if marker[n] == b {
		if n+1 == len(marker) {
			s.pending = s.pending[:0]
			s.inside = !s.inside
			if s.inside {
				s.spans++
			}
			return out
		}
		s.pending = append(s.pending, b)
		return out
	}

	// Mismatch: the first held byte is ordinary text, the rest may still
	// begin a marker and is scanned again.
	held := make([]byte, 0, n+1)
	held = append(held, s.pending...)
	held = append(held, b)
	s.pending = s.pending[:0]
	out = s.emit(out, held[0])
	for _, c := range held[1:] {
		out = s.step(out, c)
	}
	return out
}

func (s *TagScanner) emit(out []byte, b byte) []byte {
	if s.inside {
		return out
	}
	return append(out, b)
}

// StripThinkTags removes every <think>…</think> span from text.
func StripThinkTags(text string) string {
	out, _ := stripThinkTags(text)
	return out
}

func stripThinkTags(text string) (string, int) {
	sc := NewTagScanner()
	out := sc.Feed([]byte(text))
	out = append(out, sc.Flush()...)
	return string(out), sc.Spans()
}
