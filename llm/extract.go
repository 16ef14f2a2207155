package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrExtraction is matched by every *ExtractionError.
var ErrExtraction = errors.New("no structured object found")

// ExtractionError reports model text from which no usable object could be
// recovered. Raw keeps the original text for diagnostics.
type ExtractionError struct {
	Raw    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrExtraction, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return ErrExtraction
}

// Extractor recovers a JSON object from free-form model output.
type Extractor struct {
	// Keys are the marker keys an accepted object must contain at its top
	// level (any one suffices). Empty accepts any object.
	Keys []string

	// Anchors are literals, usually action names, used to locate an object
	// when no marker key can be found.
	Anchors []string
}

// Extract applies, in order: every brace-matched span (last valid wins);
// the span around the first marker key; the span around each anchor; and
// the span opened by the last '{'. Fence markers are stripped from a
// candidate after it has been cut out of the text.
func (x Extractor) Extract(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ExtractionError{Raw: text, Reason: "empty response"}
	}

	if obj, ok := x.lastBalanced(text); ok {
		return obj, nil
	}
	for _, key := range x.Keys {
		if obj, ok := x.around(text, `"`+key+`"`); ok {
			return obj, nil
		}
	}
	for _, anchor := range x.Anchors {
		if obj, ok := x.around(text, anchor); ok {
			return obj, nil
		}
	}
	if i := strings.LastIndexByte(text, '{'); i >= 0 {
		if obj, ok := x.fromBrace(text, i); ok {
			return obj, nil
		}
	}

	reason := "no object"
	if len(x.Keys) > 0 {
		reason += " containing " + strings.Join(x.Keys, " or ")
	}
	return nil, &ExtractionError{Raw: text, Reason: reason}
}

// lastBalanced scans every '{' and keeps the last balanced span that parses
// and carries a marker key. Spans nested inside an accepted one are skipped.
func (x Extractor) lastBalanced(text string) (map[string]any, bool) {
	var found map[string]any
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		if obj, ok := x.accept(text[i : end+1]); ok {
			found = obj
			i = end
		}
	}
	return found, found != nil
}

// around locates needle, walks back to the nearest preceding '{' and
// extracts forward from there.
func (x Extractor) around(text, needle string) (map[string]any, bool) {
	pos := strings.Index(text, needle)
	if pos < 0 {
		return nil, false
	}
	start := strings.LastIndexByte(text[:pos], '{')
	if start < 0 {
		return nil, false
	}
	return x.fromBrace(text, start)
}

// fromBrace brace-matches forward from start; an unclosed span runs to the
// end of the text and is repaired.
func (x Extractor) fromBrace(text string, start int) (map[string]any, bool) {
	if end := matchBrace(text, start); end >= 0 {
		return x.accept(text[start : end+1])
	}
	return x.accept(closeTruncated(stripFences(text[start:])))
}

// accept parses a candidate span, cleaning it if needed, and checks for a marker key.
func (x Extractor) accept(candidate string) (map[string]any, bool) {
	candidate = stripFences(candidate)
	obj, ok := parseObject(candidate)
	if !ok {
		obj, ok = parseObject(cleanJSON(candidate))
	}
	if !ok {
		return nil, false
	}
	if len(x.Keys) == 0 {
		return obj, true
	}
	for _, key := range x.Keys {
		if _, has := obj[key]; has {
			return obj, true
		}
	}
	return nil, false
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// matchBrace returns the index of the '}' closing the '{' at start, or -1.
// Braces inside string literals are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
