package envfile

import (
	"errors"
	"regexp"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"

	"github.com/mmr-tortoise/berth/internal/model"
)

// placeholderPattern is compose's substitution pattern restricted to the
// braced form: a bare "$NAME" or a lone '$' does not match, so shell
// snippets in commands and healthchecks survive loading. A "${" that does
// not open a valid placeholder matches as invalid.
var placeholderPattern = regexp.MustCompile(
	`\$(?i:(?P<escaped>\$)|\{(?:(?P<braced>[_a-z][_a-z0-9]*(?::?[-+?](.*))?)\}|(?P<invalid>)))`,
)

// Interpolate replaces placeholders in s using vars.
//
// Supported forms:
//
//	${NAME}            value of NAME; MissingVariableError when unset
//	${NAME:-default}   default when NAME is unset or empty
//	${NAME-default}    default only when NAME is unset
//	${NAME:?reason}    MissingVariableError when NAME is unset or empty
//	${NAME?reason}     MissingVariableError when NAME is unset
//	${NAME:+alt}       alt when NAME is set and not empty
//	${NAME+alt}        alt when NAME is set
//	$$                 a literal '$'
//
// Defaults may themselves contain placeholders; they are only evaluated
// when used. field is the dotted document path of s and is only used in
// errors. A malformed placeholder returns a StructuralError.
func Interpolate(s, field string, vars map[string]string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	r := &replacer{field: field, vars: vars}
	out, err := r.substitute(s)
	if err != nil {
		var invalid *template.InvalidTemplateError
		if errors.As(err, &invalid) {
			return "", model.NewStructuralError(field, "invalid variable placeholder in %q", s)
		}
		return "", err
	}
	return out, nil
}

// replacer evaluates placeholders for one document field.
type replacer struct {
	field string
	vars  map[string]string
}

func (r *replacer) lookup(name string) (string, bool) {
	v, ok := r.vars[name]
	return v, ok
}

func (r *replacer) substitute(s string) (string, error) {
	return template.SubstituteWithOptions(s, r.lookup,
		template.WithPattern(placeholderPattern),
		template.WithReplacementFunction(r.replace),
		template.WithoutLogging,
	)
}

// replace handles one pattern match. The braced group is greedy, so a
// match may run past its own closing brace into later placeholders; the
// remainder is substituted separately.
func (r *replacer) replace(match string, mapping template.Mapping, _ *template.Config) (string, error) {
	if match == "$$" {
		return "$", nil
	}

	end := closingBrace(match)
	if end < 0 {
		return "", &template.InvalidTemplateError{}
	}
	value, err := r.evaluate(match[2:end], mapping)
	if err != nil {
		return "", err
	}

	rest := match[end+1:]
	if rest == "" {
		return value, nil
	}
	tail, err := r.substitute(rest)
	if err != nil {
		return "", err
	}
	return value + tail, nil
}

// evaluate resolves the body of a ${...} placeholder.
func (r *replacer) evaluate(expr string, mapping template.Mapping) (string, error) {
	name, op, arg := splitPlaceholder(expr)
	value, set := mapping(name)

	switch op {
	case "":
		if !set {
			return "", &model.MissingVariableError{Variable: name, Field: r.field}
		}
	case ":-":
		if !set || value == "" {
			return r.substitute(arg)
		}
	case "-":
		if !set {
			return r.substitute(arg)
		}
	case ":?":
		if !set || value == "" {
			return "", &model.MissingVariableError{Variable: name, Field: r.field, Reason: arg}
		}
	case "?":
		if !set {
			return "", &model.MissingVariableError{Variable: name, Field: r.field, Reason: arg}
		}
	case ":+":
		if set && value != "" {
			return r.substitute(arg)
		}
		return "", nil
	case "+":
		if set {
			return r.substitute(arg)
		}
		return "", nil
	}
	return value, nil
}

// splitPlaceholder splits "NAME:-default" into its name, operator and
// argument. The pattern guarantees the operator follows the name.
func splitPlaceholder(expr string) (name, op, arg string) {
	i := strings.IndexFunc(expr, func(c rune) bool {
		return !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
	})
	if i < 0 {
		return expr, "", ""
	}
	rest := expr[i:]
	for _, candidate := range []string{":-", ":?", ":+", "-", "?", "+"} {
		if strings.HasPrefix(rest, candidate) {
			return expr[:i], candidate, rest[len(candidate):]
		}
	}
	return expr[:i], "", ""
}

// closingBrace returns the index of the brace closing the placeholder
// that starts s, counting nested braces, or -1.
func closingBrace(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
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
