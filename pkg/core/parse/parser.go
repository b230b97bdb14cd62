// Package parse is the Structured Output Parser: it extracts a fenced JSON
// payload from free-form model text and unmarshals it into a per-phase
// schema struct, producing either a typed record or a ParseError carrying
// the offending raw text. Decoding does not reject missing fields; range
// checks on the decoded values are done by the Agent Runner.
package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// ParseError is returned when none of the extraction strategies yield a
// payload that unmarshals into the caller's schema. Raw holds the offending
// model text; the Agent Runner reprompts once with a strict-JSON suffix on
// any parse failure.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var fencedBlockPattern = regexp.MustCompile("```(?:[a-zA-Z]*)\\n?([\\s\\S]*?)```")

// ExtractFencedJSON returns the content of the first fenced code block in
// raw, if any.
func ExtractFencedJSON(raw string) (string, bool) {
	m := fencedBlockPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ExtractBraceBalanced finds the first `{...}` span in raw whose braces
// balance, ignoring braces inside string literals. This is the permissive
// last-resort extractor: it tolerates conversational prose wrapped around a
// JSON object that isn't fenced at all.
func ExtractBraceBalanced(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// SmartParse runs the three-step extraction policy: locate the first fenced
// block and parse it; else parse the whole body; else run the
// brace-balanced extractor. At each step, a repair pass (Hjson, then
// json-repair) is tried before giving up on that candidate, so near-miss model
// output (trailing commas, unquoted keys) still succeeds.
func SmartParse(raw string, out interface{}) (string, error) {
	candidates := make([]string, 0, 3)
	if fenced, ok := ExtractFencedJSON(raw); ok {
		candidates = append(candidates, fenced)
	}
	candidates = append(candidates, strings.TrimSpace(raw))
	if braced, ok := ExtractBraceBalanced(raw); ok {
		candidates = append(candidates, braced)
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if json.Unmarshal([]byte(candidate), out) == nil {
			return candidate, nil
		}
		var hjsonOut interface{}
		if err := hjson.Unmarshal([]byte(candidate), &hjsonOut); err == nil {
			if reJSON, err := json.Marshal(hjsonOut); err == nil {
				if json.Unmarshal(reJSON, out) == nil {
					return string(reJSON), nil
				}
			}
		}
		if repaired, err := jsonrepair.RepairJSON(candidate); err == nil {
			if json.Unmarshal([]byte(repaired), out) == nil {
				return repaired, nil
			}
		}
	}

	return "", &ParseError{Raw: raw, Err: fmt.Errorf("no extraction strategy produced a valid payload")}
}
