// Package formatting turns raw model output and raw counts into usable
// values: structured-JSON extraction from chat responses and human-readable
// byte sizes for sweep reporting.
package formatting

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedResponse is returned when no decodable JSON value can be
// located anywhere in a model response.
var ErrMalformedResponse = errors.New("malformed model response")

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Parse decodes a model response into T. Models return the requested JSON in
// several shapes: bare, wrapped in a markdown fence, or preceded by prose.
// Each candidate extraction is tried in order of specificity; the first one
// that decodes wins.
func Parse[T any](content string) (T, error) {
	content = strings.TrimSpace(content)

	for _, candidate := range candidates(content) {
		if out, ok := decode[T](candidate); ok {
			return out, nil
		}
	}

	var zero T
	return zero, fmt.Errorf("%w: %s", ErrMalformedResponse, excerpt(content))
}

// candidates lists the substrings worth attempting to decode: the response
// itself, the body of every markdown fence, and the tail starting at the
// first JSON delimiter when prose precedes the value.
func candidates(content string) []string {
	out := []string{content}

	for _, match := range fencePattern.FindAllStringSubmatch(content, -1) {
		out = append(out, strings.TrimSpace(match[1]))
	}

	if i := strings.IndexAny(content, "{["); i > 0 {
		out = append(out, content[i:])
	}

	return out
}

// decode attempts a single candidate. A stream decoder is used so trailing
// prose after a valid JSON value does not spoil the match.
func decode[T any](candidate string) (T, bool) {
	var out T
	if candidate == "" {
		return out, false
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// excerpt bounds the response text carried inside a parse error.
func excerpt(content string) string {
	const limit = 120
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "..."
}
