package envfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// keyRegex validates variable names in env-files. Dots and dashes are
// accepted because compose-style files commonly carry them.
var keyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ParseError reports a malformed env-file line.
type ParseError struct {
	// Source names the file (or "<input>" for readers).
	Source string

	// Line is the 1-based line number.
	Line int

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Message)
}

// Parse reads KEY=VALUE pairs from r.
//
// Rules:
//   - blank lines and lines whose first non-space character is '#' are skipped
//   - an optional leading "export " is ignored
//   - whitespace around the key and the value is trimmed
//   - one pair of matching surrounding quotes (single or double) is stripped
//   - the value is taken literally: "${OTHER}" stays "${OTHER}"
//
// A line without '=' or with an invalid key is an error naming the line.
// Duplicate keys keep the last value.
func Parse(r io.Reader) (map[string]string, error) {
	return parse(r, "<input>")
}

func parse(r io.Reader, source string) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ParseError{Source: source, Line: lineNo, Message: fmt.Sprintf("expected KEY=VALUE, got %q", line)}
		}
		key = strings.TrimSpace(key)
		if !keyRegex.MatchString(key) {
			return nil, &ParseError{Source: source, Line: lineNo, Message: fmt.Sprintf("invalid variable name %q", key)}
		}
		values[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return values, nil
}

// unquote strips one pair of matching surrounding quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// ReadFile parses the env-file at path.
func ReadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return parse(f, path)
}

// ReadFiles parses each file in order and merges them, later files
// overriding earlier ones.
func ReadFiles(paths []string) (map[string]string, error) {
	layers := make([]Layer, 0, len(paths))
	for _, p := range paths {
		values, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Name: p, Values: values})
	}
	return Merge(layers...), nil
}
