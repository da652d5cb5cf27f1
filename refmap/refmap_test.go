package refmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/svn2git/svnrecon/config"
)

func TestResolveMapsTrunkAndBranches(t *testing.T) {
	cfg, err := config.LoadConfigString(nil)
	assert.NoError(t, err)
	m := New(cfg, nil)

	res := m.Resolve("trunk/a.txt")
	assert.Equal(t, Mapped, res.Resolution)
	assert.Equal(t, "refs/heads/main", res.Refname)
	assert.Equal(t, "trunk", res.BranchRoot)
	assert.Equal(t, "a.txt", res.TreePrefix)

	res = m.Resolve("branches/feat/sub/a.txt")
	assert.Equal(t, Mapped, res.Resolution)
	assert.Equal(t, "refs/heads/feat", res.Refname)
	assert.Equal(t, "branches/feat", res.BranchRoot)
	assert.Equal(t, "sub/a.txt", res.TreePrefix)
}

func TestResolveBareBranchRoot(t *testing.T) {
	cfg, err := config.LoadConfigString(nil)
	assert.NoError(t, err)
	m := New(cfg, nil)

	res := m.Resolve("trunk")
	assert.Equal(t, Mapped, res.Resolution)
	assert.Equal(t, "refs/heads/main", res.Refname)
	assert.Equal(t, "trunk", res.BranchRoot)
	assert.Equal(t, "", res.TreePrefix)

	res = m.Resolve("branches/feat")
	assert.Equal(t, Mapped, res.Resolution)
	assert.Equal(t, "refs/heads/feat", res.Refname)
	assert.Equal(t, "branches/feat", res.BranchRoot)
}

func TestResolveSamePathAlwaysGetsSameRefname(t *testing.T) {
	cfg, err := config.LoadConfigString(nil)
	assert.NoError(t, err)
	m := New(cfg, nil)

	first := m.Resolve("branches/feat/a.txt")
	second := m.Resolve("branches/feat/b.txt")
	assert.Equal(t, first.Refname, second.Refname, "two files on the same branch share one refname")
}

func TestResolveCollisionGetsSuffix(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  map_path:
    - path: "teams/*/feat/**"
      refname: "heads/feat"
    - path: "branches/feat/**"
      refname: "heads/feat"
`))
	assert.NoError(t, err)
	m := New(cfg, nil)

	a := m.Resolve("teams/red/feat/a.txt")
	b := m.Resolve("branches/feat/a.txt")
	assert.Equal(t, "refs/heads/feat", a.Refname)
	assert.Equal(t, "refs/heads/feat__2", b.Refname)
}

func TestResolveCharacterReplace(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  map_path:
    - path: "feat x:1/**"
      refname: "heads/feat x:1"
  replace:
    - from: " "
      to: "_"
    - from: ":"
      to: "."
`))
	assert.NoError(t, err)
	m := New(cfg, nil)
	res := m.Resolve("feat x:1/a.txt")
	assert.Equal(t, "refs/heads/feat_x.1", res.Refname)
}

func TestImplicitParentBlock(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  map_path:
    - path: "branches/*"
      refname: "heads/$1"
`))
	assert.NoError(t, err)
	m := New(cfg, nil)

	res := m.Resolve("branches")
	assert.Equal(t, Blocked, res.Resolution)

	res = m.Resolve("branches/feat/a.txt")
	assert.Equal(t, Mapped, res.Resolution)
	assert.Equal(t, "refs/heads/feat", res.Refname)
	assert.Equal(t, "branches/feat", res.BranchRoot)
}

func TestUnmappedPath(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
global:
  inherit_default_mappings: false
`))
	assert.NoError(t, err)
	m := New(cfg, nil)
	res := m.Resolve("scratch/whatever")
	assert.Equal(t, Unmapped, res.Resolution)
}
