package classify

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrParse means no stage of the parsing cascade recovered a JSON object.
var ErrParse = eris.New("classify: unparseable completion")

// parseStage recovers a JSON object from raw model output.
type parseStage func(raw string) (map[string]any, bool)

var cascade = []parseStage{
	parseDirect,
	parseFenced,
	parseBalanced,
	parseKeyValues,
}

// ParseObject runs the parsing cascade and returns the first recovered
// object.
func ParseObject(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrParse
	}
	for _, stage := range cascade {
		if obj, ok := stage(raw); ok {
			return obj, nil
		}
	}
	return nil, ErrParse
}

func parseDirect(raw string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func parseFenced(raw string) (map[string]any, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		if obj, ok := parseDirect(strings.TrimSpace(m[1])); ok {
			return obj, true
		}
		if obj, ok := parseBalanced(m[1]); ok {
			return obj, true
		}
	}
	return nil, false
}

// parseBalanced scans for the first brace-balanced {...} substring that
// decodes, honouring string literals and escapes.
func parseBalanced(raw string) (map[string]any, bool) {
	for start := strings.IndexByte(raw, '{'); start >= 0; {
		if end := matchBrace(raw, start); end > start {
			if obj, ok := parseDirect(raw[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return i
			}
		}
	}
	return -1
}

// knownKeys are the scalar fields any of our prompts ask for.
var knownKeys = []string{
	"pipeline_type", "confidence", "reason",
	"total_amount", "deadline", "delivery_address",
	"summary", "phone", "company",
}

var kvRe = regexp.MustCompile(`"(` + strings.Join(knownKeys, "|") + `)"\s*:\s*("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?|null|true|false)`)

// parseKeyValues reconstructs an object from individual "key": value pairs
// when the surrounding JSON is broken (truncated output, trailing prose).
func parseKeyValues(raw string) (map[string]any, bool) {
	matches := kvRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, false
	}
	obj := make(map[string]any, len(matches))
	for _, m := range matches {
		key, val := m[1], m[2]
		if _, seen := obj[key]; seen {
			continue
		}
		switch {
		case val == "null":
			obj[key] = nil
		case val == "true" || val == "false":
			obj[key] = val == "true"
		case strings.HasPrefix(val, `"`):
			s, err := strconv.Unquote(val)
			if err != nil {
				s = strings.Trim(val, `"`)
			}
			obj[key] = s
		default:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			obj[key] = f
		}
	}
	return obj, true
}

// str reads a string field, treating the literal "null" as absent.
func str(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

// num reads a numeric field that the model may have emitted as a string.
func num(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		v = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
		v = strings.ReplaceAll(v, " ", "")
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func numPtr(obj map[string]any, key string) *float64 {
	if f, ok := num(obj, key); ok {
		return &f
	}
	return nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
