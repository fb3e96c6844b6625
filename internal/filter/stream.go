package filter

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// pendingTemplate is the chunk used to deliver text a TagScanner was still
// holding when the stream ended.
const pendingTemplate = `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":""}}]}`

// EventStream filters a text/event-stream completion body on its way to w.
//
// Input is framed on '\n'. A line is only inspected once its terminator
// has arrived; a partial line is held until the next Write. Every
// "data: {json}" line has delta.reasoning and message.reasoning removed
// from each choice and, with tag stripping on, its content passed through
// a TagScanner kept per choice index so markers may span events.
// "data: [DONE]", comments, other fields, blank lines and data lines that
// are not JSON are written verbatim.
//
// An EventStream belongs to a single response and is not safe for
// concurrent use.
type EventStream struct {
	w      io.Writer
	opts   Options
	logger *slog.Logger

	line     []byte
	scanners map[int64]*TagScanner
	stats    Stats

	malformed int
	closed    bool
}

// NewEventStream returns an EventStream writing filtered events to w.
func NewEventStream(w io.Writer, opts Options, logger *slog.Logger) *EventStream {
	return &EventStream{
		w:        w,
		opts:     opts,
		logger:   logger,
		scanners: make(map[int64]*TagScanner),
	}
}

// Write buffers p, filters every complete line and writes the result.
// It always reports len(p) consumed unless the underlying writer fails.
func (s *EventStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("filter: write after close")
	}
	s.line = append(s.line, p...)

	var out []byte
	start := 0
	for {
		i := bytes.IndexByte(s.line[start:], '\n')
		if i < 0 {
			break
		}
		end := start + i + 1
		out = s.processLine(out, s.line[start:end])
		start = end
	}
	n := copy(s.line, s.line[start:])
	s.line = s.line[:n]

	if len(out) > 0 {
		if _, err := s.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close ends the stream: a trailing unterminated line is filtered as if
// complete, and text still held by a TagScanner is emitted as a final chunk.
func (s *EventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var out []byte
	if len(s.line) > 0 {
		out = s.processLine(out, s.line)
		s.line = nil
	}
	out = s.appendHeld(out)
	if len(out) == 0 {
		return nil
	}
	_, err := s.w.Write(out)
	return err
}

// Discard drops any partial line and held text without writing them.
func (s *EventStream) Discard() {
	s.closed = true
	s.line = nil
	clear(s.scanners)
}

// Stats returns what has been removed so far.
func (s *EventStream) Stats() Stats {
	st := s.stats
	for _, sc := range s.scanners {
		st.ThinkSpans += sc.Spans()
	}
	return st
}

// Malformed returns how many data lines could not be parsed as JSON.
func (s *EventStream) Malformed() int {
	return s.malformed
}

func (s *EventStream) processLine(out, line []byte) []byte {
	content := bytes.TrimRight(line, "\r\n")
	term := line[len(content):]

	if !bytes.HasPrefix(content, dataPrefix) {
		return append(out, line...)
	}

	prefixLen := len(dataPrefix)
	if len(content) > prefixLen && content[prefixLen] == ' ' {
		prefixLen++
	}
	payload := content[prefixLen:]

	if bytes.Equal(bytes.TrimSpace(payload), doneSentinel) {
		out = s.appendHeld(out)
		return append(out, line...)
	}

	if !gjson.ValidBytes(payload) {
		s.malformed++
		if s.malformed == 1 && s.logger != nil {
			s.logger.Warn("event stream data line is not JSON; passing through unfiltered",
				"bytes", len(payload),
			)
		}
		return append(out, line...)
	}

	filtered, err := s.filterEvent(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("filter event", "err", err)
		}
		return append(out, line...)
	}

	out = append(out, content[:prefixLen]...)
	out = append(out, filtered...)
	return append(out, term...)
}

func (s *EventStream) filterEvent(payload []byte) ([]byte, error) {
	choices := gjson.GetBytes(payload, "choices")
	if !choices.IsArray() {
		return payload, nil
	}

	// Work on a copy; payload aliases the pending line buffer.
	doc := slices.Clone(payload)
	var err error
	for i, choice := range choices.Array() {
		idx := int64(i)
		if v := choice.Get("index"); v.Type == gjson.Number {
			idx = v.Int()
		}
		sc := s.scanner(idx)
		doc, err = rewriteChoice(doc, "choices."+strconv.Itoa(i), []string{"delta", "message"}, s.opts, &s.stats, func(text string) string {
			return string(sc.Feed([]byte(text)))
		})
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (s *EventStream) scanner(idx int64) *TagScanner {
	sc, ok := s.scanners[idx]
	if !ok {
		sc = NewTagScanner()
		s.scanners[idx] = sc
	}
	return sc
}

// appendHeld emits one chunk per choice whose scanner is holding a
// possible opening marker. Scanners are flushed in index order.
func (s *EventStream) appendHeld(out []byte) []byte {
	if !s.opts.StripThinkTags {
		return out
	}
	indexes := make([]int64, 0, len(s.scanners))
	for idx := range s.scanners {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	for _, idx := range indexes {
		sc := s.scanners[idx]
		s.stats.ThinkSpans += sc.Spans()
		held := sc.Flush()
		delete(s.scanners, idx)
		if len(held) == 0 {
			continue
		}
		chunk, err := sjson.SetBytes([]byte(pendingTemplate), "choices.0.index", idx)
		if err == nil {
			chunk, err = sjson.SetBytes(chunk, "choices.0.delta.content", string(held))
		}
		if err != nil {
			continue
		}
		out = append(out, "data: "...)
		out = append(out, chunk...)
		out = append(out, "\n\n"...)
	}
	return out
}
