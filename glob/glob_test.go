package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchLiteral(t *testing.T) {
	p, err := Compile("trunk/a.txt")
	assert.NoError(t, err)
	ok, _, residual := p.Match("trunk/a.txt")
	assert.True(t, ok)
	assert.Equal(t, "", residual)

	ok, _, _ = p.Match("trunk/b.txt")
	assert.False(t, ok)
}

func TestMatchSingleAndStar(t *testing.T) {
	p, err := Compile("branches/*/x?.txt")
	assert.NoError(t, err)
	ok, caps, _ := p.Match("branches/feat/x1.txt")
	assert.True(t, ok)
	assert.Equal(t, []string{"feat", "1"}, caps)

	ok, _, _ = p.Match("branches/feat/sub/x1.txt")
	assert.False(t, ok, "* must not cross a '/'")
}

func TestMatchStarStarCrossesSlash(t *testing.T) {
	p, err := Compile("Proj1/users/**/x")
	assert.NoError(t, err)
	ok, caps, _ := p.Match("Proj1/users/branches/alice/x")
	assert.True(t, ok)
	assert.Equal(t, []string{"branches/alice"}, caps)
}

func TestMatchStarStarMatchesEmpty(t *testing.T) {
	p, err := Compile("trunk/**")
	assert.NoError(t, err)
	ok, caps, _ := p.Match("trunk/")
	assert.True(t, ok)
	assert.Equal(t, []string{""}, caps)
}

func TestMatchStarStarMatchesBareDirNoTrailingSlash(t *testing.T) {
	p, err := Compile("trunk/**")
	assert.NoError(t, err)
	ok, caps, residual := p.Match("trunk")
	assert.True(t, ok, "copyfrom-path never carries a trailing slash")
	assert.Equal(t, []string{""}, caps)
	assert.Equal(t, "", residual)

	p, err = Compile("branches/*/**")
	assert.NoError(t, err)
	ok, caps, _ = p.Match("branches/feat")
	assert.True(t, ok)
	assert.Equal(t, []string{"feat", ""}, caps)
}

func TestMatchAlternation(t *testing.T) {
	p, err := Compile("{trunk,branches}/a.txt")
	assert.NoError(t, err)
	ok, _, _ := p.Match("trunk/a.txt")
	assert.True(t, ok)
	ok, _, _ = p.Match("branches/a.txt")
	assert.True(t, ok)
	ok, _, _ = p.Match("tags/a.txt")
	assert.False(t, ok)
}

func TestListFirstPositiveWins(t *testing.T) {
	l, err := CompileList("trunk/*;branches/*")
	assert.NoError(t, err)
	assert.True(t, l.Match("trunk/a.txt"))
	assert.True(t, l.Match("branches/a.txt"))
	assert.False(t, l.Match("tags/a.txt"))
}

func TestListNegativeShortCircuits(t *testing.T) {
	l, err := CompileList("*;!trunk/secret.txt")
	assert.NoError(t, err)
	assert.True(t, l.Match("trunk/a.txt"))
	assert.False(t, l.Match("trunk/secret.txt"))
}

func TestListAllNegativeImplicitMatch(t *testing.T) {
	l, err := CompileList("!trunk/secret.txt")
	assert.NoError(t, err)
	assert.True(t, l.Match("trunk/a.txt"))
	assert.False(t, l.Match("trunk/secret.txt"))
}

func TestGlobLawPositiveThenNegativeNeverMatches(t *testing.T) {
	l, err := CompileList("trunk/*;!trunk/*")
	assert.NoError(t, err)
	assert.False(t, l.Match("trunk/a.txt"))
}

func TestResolveVarsSimple(t *testing.T) {
	vars, err := ResolveVars(map[string]string{
		"root":   "Proj1",
		"branch": "$root/branches",
	})
	assert.NoError(t, err)
	assert.Equal(t, "Proj1/branches", vars["branch"])
}

func TestResolveVarsCircular(t *testing.T) {
	_, err := ResolveVars(map[string]string{
		"a": "$b",
		"b": "$a",
	})
	assert.Error(t, err)
}

func TestExpandSemicolonBecomesAlternation(t *testing.T) {
	out, err := Expand("prefix/${names}/suffix", func(name string) (string, error) {
		if name == "names" {
			return "a;b;c", nil
		}
		return "", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "prefix/{a,b,c}/suffix", out)
}

func TestExpandParenForm(t *testing.T) {
	out, err := Expand("$(name)-x", func(name string) (string, error) { return "val", nil })
	assert.NoError(t, err)
	assert.Equal(t, "val-x", out)
}
