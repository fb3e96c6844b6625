// Package filter removes model reasoning from completion responses.
//
// Two independent mechanisms are provided. The field filter deletes the
// "reasoning" key that some backends return next to "content". The tag
// filter removes inline <think>…</think> spans from the content text.
// Both work on buffered JSON bodies (Buffered) and on event streams
// (EventStream).
package filter

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformedBody is returned when a body expected to be JSON cannot be parsed.
// The body is passed through unchanged in that case.
var ErrMalformedBody = errors.New("filter: body is not valid JSON")

// ReasoningField is the key removed by the field filter.
const ReasoningField = "reasoning"

// Options selects which filters are active.
type Options struct {
	StripReasoning bool // remove the reasoning field
	StripThinkTags bool // remove <think>…</think> spans from content
}

// Active reports whether any filter is enabled.
func (o Options) Active() bool {
	return o.StripReasoning || o.StripThinkTags
}

// Stats counts what a filter removed.
type Stats struct {
	ReasoningFields int
	ThinkSpans      int
}

func (s *Stats) add(o Stats) {
	s.ReasoningFields += o.ReasoningFields
	s.ThinkSpans += o.ThinkSpans
}

// Buffered filters a complete chat/text completion body. For every entry
// of "choices" it removes message.reasoning and, when tag stripping is on,
// rewrites message.content and text. Other keys and array order are kept.
// A body that is not valid JSON is returned unchanged with ErrMalformedBody.
func Buffered(body []byte, opts Options) ([]byte, Stats, error) {
	var st Stats
	if !opts.Active() {
		return body, st, nil
	}
	if !gjson.ValidBytes(body) {
		return body, st, ErrMalformedBody
	}

	choices := gjson.GetBytes(body, "choices")
	if !choices.IsArray() {
		return body, st, nil
	}

	out := body
	for i := range len(choices.Array()) {
		prefix := "choices." + strconv.Itoa(i)
		var err error
		out, err = rewriteChoice(out, prefix, []string{"message"}, opts, &st, func(text string) string {
			stripped, spans := stripThinkTags(text)
			st.ThinkSpans += spans
			return stripped
		})
		if err != nil {
			return body, Stats{}, err
		}
	}
	return out, st, nil
}

// rewriteChoice edits one choice at prefix. For each object key in objects
// it deletes the reasoning field; with tag stripping on it passes the
// object's content and the choice's text through scan. Fields are only
// rewritten when they change, so an untouched document keeps its bytes.
func rewriteChoice(doc []byte, prefix string, objects []string, opts Options, st *Stats, scan func(string) string) ([]byte, error) {
	var err error
	for _, obj := range objects {
		base := prefix + "." + obj
		if opts.StripReasoning && gjson.GetBytes(doc, base+"."+ReasoningField).Exists() {
			doc, err = sjson.DeleteBytes(doc, base+"."+ReasoningField)
			if err != nil {
				return nil, fmt.Errorf("delete %s.%s: %w", base, ReasoningField, err)
			}
			st.ReasoningFields++
		}
		if opts.StripThinkTags {
			doc, err = rewriteText(doc, base+".content", scan)
			if err != nil {
				return nil, err
			}
		}
	}
	if opts.StripThinkTags {
		doc, err = rewriteText(doc, prefix+".text", scan)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func rewriteText(doc []byte, path string, scan func(string) string) ([]byte, error) {
	v := gjson.GetBytes(doc, path)
	if v.Type != gjson.String {
		return doc, nil
	}
	text := v.String()
	stripped := scan(text)
	if stripped == text {
		return doc, nil
	}
	out, err := sjson.SetBytes(doc, path, stripped)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	return out, nil
}
