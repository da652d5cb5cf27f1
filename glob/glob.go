// Package glob implements the wildcard/variable matching engine used
// throughout the config rule set (spec §4.4): `?`, `*`, `**`, `{a,b,c}`
// alternation, `!`-negated semicolon lists, and `$name`/`${name}`/`$(name)`
// variable substitution.
//
// Compilation is purely syntactic and happens once, at config-load time,
// in the same eager-compile-then-reuse style the teacher applies to its
// own branch-mapping regexes.
package glob

import (
	"fmt"
	"strings"
)

type segKind int

const (
	segLiteral segKind = iota
	segSingle          // ?
	segStar            // *
	segStarStar        // **
	segAlt             // {a,b,c}
)

// kindOrLit avoids an extra indirection: literal text lives in lit,
// alternatives in alts, everything else is determined by kind alone.
type kindOrLit struct {
	kind segKind
	lit  string
	alts []string
}

// Pattern is a compiled glob. Zero value is not usable; use Compile.
type Pattern struct {
	raw         string
	segs        []kindOrLit
	numCaptures int
}

// Raw returns the original, uncompiled pattern text.
func (p *Pattern) Raw() string { return p.raw }

// EndsWithStarStar reports whether the pattern's final segment is a
// `**`. A matching candidate's last capture then holds exactly the
// suffix that trailing `**` consumed, letting a caller split the
// matched prefix (e.g. a branch root) from the rest (its tree-relative
// residual) without the pattern ever tracking that split itself.
func (p *Pattern) EndsWithStarStar() bool {
	return len(p.segs) > 0 && p.segs[len(p.segs)-1].kind == segStarStar
}

// Compile parses pattern into a Pattern. Each `?`, `*`, `**`, or
// `{...}` segment becomes a capturing wildcard, numbered in order of
// appearance starting at 1.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{raw: pattern}
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case c == '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				p.segs = append(p.segs, kindOrLit{kind: segStarStar})
				i += 2
			} else {
				p.segs = append(p.segs, kindOrLit{kind: segStar})
				i++
			}
			p.numCaptures++
		case c == '?':
			p.segs = append(p.segs, kindOrLit{kind: segSingle})
			p.numCaptures++
			i++
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("glob: unterminated '{' in %q", pattern)
			}
			body := pattern[i+1 : i+end]
			alts := strings.Split(body, ",")
			p.segs = append(p.segs, kindOrLit{kind: segAlt, alts: alts})
			p.numCaptures++
			i += end + 1
		default:
			j := i
			for j < len(pattern) && pattern[j] != '*' && pattern[j] != '?' && pattern[j] != '{' {
				j++
			}
			p.segs = append(p.segs, kindOrLit{kind: segLiteral, lit: pattern[i:j]})
			i = j
		}
	}
	return p, nil
}

// Match attempts to match candidate against p. ok is true only once
// every pattern segment is satisfied; captures holds one entry per
// wildcard segment in declaration order. match() itself only requires
// the pattern to be exhausted, not the candidate, so residual is
// whatever of candidate is left over once that happens — for most
// trailing wildcards that is the candidate's tree-relative remainder
// beneath whatever the pattern matched. A trailing "**" is the
// exception: its greedy, longest-first backtracking always succeeds by
// swallowing everything on its first try, so residual is always ""
// for a pattern ending in "**"; use EndsWithStarStar and that
// wildcard's own capture to recover the split in that case instead.
func (p *Pattern) Match(candidate string) (ok bool, captures []string, residual string) {
	caps := make([]string, 0, p.numCaptures)
	ok, caps, rest := match(p.segs, candidate, caps)
	if !ok {
		return false, nil, ""
	}
	return true, caps, rest
}

func match(segs []kindOrLit, s string, caps []string) (bool, []string, string) {
	if len(segs) == 0 {
		return true, caps, s
	}
	seg := segs[0]
	rest := segs[1:]
	switch seg.kind {
	case segLiteral:
		if strings.HasPrefix(s, seg.lit) {
			return match(rest, s[len(seg.lit):], caps)
		}
		// A literal ending in "/" immediately followed by "**" treats the
		// slash as optional at the very end of the candidate, so "foo/**"
		// (or "foo/*/**") also matches the bare directory "foo" itself,
		// not just paths beneath it — SVN's own copyfrom-path never
		// carries a trailing slash.
		if strings.HasSuffix(seg.lit, "/") && s == strings.TrimSuffix(seg.lit, "/") &&
			len(rest) > 0 && rest[0].kind == segStarStar {
			return match(rest, "", caps)
		}
		return false, nil, ""
	case segSingle:
		if len(s) == 0 || s[0] == '/' {
			return false, nil, ""
		}
		next := append(append([]string{}, caps...), s[:1])
		if ok, c, r := match(rest, s[1:], next); ok {
			return true, c, r
		}
		return false, nil, ""
	case segStar:
		for n := nonSlashPrefixLen(s); n >= 0; n-- {
			next := append(append([]string{}, caps...), s[:n])
			if ok, c, r := match(rest, s[n:], next); ok {
				return true, c, r
			}
		}
		return false, nil, ""
	case segStarStar:
		for n := len(s); n >= 0; n-- {
			next := append(append([]string{}, caps...), s[:n])
			if ok, c, r := match(rest, s[n:], next); ok {
				return true, c, r
			}
		}
		return false, nil, ""
	case segAlt:
		for _, alt := range seg.alts {
			if strings.HasPrefix(s, alt) {
				next := append(append([]string{}, caps...), alt)
				if ok, c, r := match(rest, s[len(alt):], next); ok {
					return true, c, r
				}
			}
		}
		return false, nil, ""
	}
	return false, nil, ""
}

// nonSlashPrefixLen returns the length of s's leading run of non-'/'
// characters, the longest span a single `*` may consume.
func nonSlashPrefixLen(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return len(s)
}

// List is a `;`-separated list of patterns with optional `!` negative
// entries, per spec §4.4: first positive match wins; any negative match
// short-circuits to no-match; an all-negative list with no matches is an
// implicit match.
type List struct {
	items []listItem
}

type listItem struct {
	negate  bool
	pattern *Pattern
}

// CompileList parses a `;`-separated (or `,`-separated, accepted as a
// synonym) pattern list.
func CompileList(s string) (*List, error) {
	l := &List{}
	for _, part := range splitList(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		negate := false
		if strings.HasPrefix(part, "!") {
			negate = true
			part = part[1:]
		}
		p, err := Compile(part)
		if err != nil {
			return nil, err
		}
		l.items = append(l.items, listItem{negate: negate, pattern: p})
	}
	return l, nil
}

func splitList(s string) []string {
	if strings.Contains(s, ";") {
		return strings.Split(s, ";")
	}
	return strings.Split(s, ",")
}

// Match applies the list rules against candidate.
func (l *List) Match(candidate string) bool {
	allNegative := true
	matched := false
	for _, it := range l.items {
		if !it.negate {
			allNegative = false
		}
		if ok, _, _ := it.pattern.Match(candidate); ok {
			if it.negate {
				return false
			}
			matched = true
		}
	}
	if matched {
		return true
	}
	return allNegative && len(l.items) > 0
}
