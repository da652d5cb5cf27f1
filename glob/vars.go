package glob

import (
	"fmt"
	"strings"
)

// ResolveVars recursively substitutes `$name`, `${name}`, and `$(name)`
// references in every value of raw against the full set (values may
// reference each other), returning a fully-resolved copy. A variable
// whose resolved value contains `;` is wrapped as a `{a,b,...}`
// alternation when it is substituted into another string, so it reads
// as a glob alternation rather than literal text containing semicolons.
//
// Fails with a circular-reference error rather than looping forever.
func ResolveVars(raw map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(raw))
	inProgress := make(map[string]bool, len(raw))
	var resolve func(name string) (string, error)
	resolve = func(name string) (string, error) {
		if v, ok := resolved[name]; ok {
			return v, nil
		}
		if inProgress[name] {
			return "", fmt.Errorf("glob: circular variable reference involving %q", name)
		}
		val, ok := raw[name]
		if !ok {
			return "", fmt.Errorf("glob: undefined variable %q", name)
		}
		inProgress[name] = true
		expanded, err := expand(val, resolve)
		if err != nil {
			return "", err
		}
		delete(inProgress, name)
		resolved[name] = expanded
		return expanded, nil
	}
	for name := range raw {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// Expand substitutes `$name`/`${name}`/`$(name)` references in s using
// lookup to resolve each name.
func Expand(s string, lookup func(name string) (string, error)) (string, error) {
	return expand(s, lookup)
}

func expand(s string, lookup func(name string) (string, error)) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '$' || i+1 >= len(s) {
			out.WriteByte(s[i])
			i++
			continue
		}
		var name string
		var consumed int
		switch s[i+1] {
		case '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("glob: unterminated '${' in %q", s)
			}
			name = s[i+2 : i+2+end]
			consumed = 2 + end + 1
		case '(':
			end := strings.IndexByte(s[i+2:], ')')
			if end < 0 {
				return "", fmt.Errorf("glob: unterminated '$(' in %q", s)
			}
			name = s[i+2 : i+2+end]
			consumed = 2 + end + 1
		default:
			j := i + 1
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			if j == i+1 {
				out.WriteByte(s[i])
				i++
				continue
			}
			name = s[i+1 : j]
			consumed = j - i
		}
		val, err := lookup(name)
		if err != nil {
			return "", err
		}
		if strings.Contains(val, ";") {
			val = "{" + strings.ReplaceAll(val, ";", ",") + "}"
		}
		out.WriteString(val)
		i += consumed
	}
	return out.String(), nil
}

func isNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
