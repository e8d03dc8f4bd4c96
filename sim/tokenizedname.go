package sim

import (
	"fmt"
	"strconv"
	"strings"
)

// A nameToken is one dot-separated element of a name, such as "Core[2][0]".
type nameToken struct {
	elem    string
	indices []int
}

// parseName splits a hierarchical name into its elements. It returns an
// error instead of a partial result when the name is malformed.
func parseName(name string) ([]nameToken, error) {
	parts := strings.Split(name, ".")
	tokens := make([]nameToken, 0, len(parts))

	for _, part := range parts {
		t, err := parseNameToken(part)
		if err != nil {
			return nil, err
		}

		tokens = append(tokens, t)
	}

	return tokens, nil
}

func parseNameToken(s string) (nameToken, error) {
	open := strings.IndexByte(s, '[')
	if open < 0 {
		if strings.IndexByte(s, ']') >= 0 {
			return nameToken{}, fmt.Errorf("unmatched ] in %q", s)
		}

		return nameToken{elem: s}, nil
	}

	t := nameToken{elem: s[:open]}
	rest := s[open:]

	for rest != "" {
		if rest[0] != '[' {
			return nameToken{}, fmt.Errorf("unexpected %q after index", rest)
		}

		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nameToken{}, fmt.Errorf("unmatched [ in %q", s)
		}

		index, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return nameToken{}, fmt.Errorf("index in %q is not an integer", s)
		}

		t.indices = append(t.indices, index)
		rest = rest[end+1:]
	}

	return t, nil
}

func (t nameToken) validate() error {
	switch {
	case t.elem == "":
		return fmt.Errorf("empty element")
	case strings.ContainsAny(t.elem, "_-\"'[]"):
		return fmt.Errorf("element %q has an invalid character", t.elem)
	case t.elem[0] < 'A' || t.elem[0] > 'Z':
		return fmt.Errorf("element %q does not start with a capital letter",
			t.elem)
	}

	return nil
}

// NameMustBeValid panics unless name is a dot-separated list of CamelCase
// elements, each optionally followed by integer indices in brackets, as in
// "GPU[1].Proxy".
func NameMustBeValid(name string) {
	tokens, err := parseName(name)
	if err == nil {
		for _, t := range tokens {
			if err = t.validate(); err != nil {
				break
			}
		}
	}

	if err != nil {
		panic(fmt.Sprintf("name %q is not valid: %v", name, err))
	}
}

// BuildName joins a child element onto its parent's name.
func BuildName(parent, elem string) string {
	if parent == "" {
		return elem
	}

	return parent + "." + elem
}
