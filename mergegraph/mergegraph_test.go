package mergegraph

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/svn2git/svnrecon/config"
	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/history"
	"github.com/svn2git/svnrecon/tree"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigString(nil)
	assert.NoError(t, err)
	return cfg
}

func dirWithProps(props map[string]string) *tree.Node {
	return tree.NewDir(props)
}

// buildTree adds dirs (parent-before-child) into a fresh revision 1
// tree, then stamps props onto each path named in propsByPath.
func buildTree(t *testing.T, dirs []string, propsByPath map[string]map[string]string) *tree.Node {
	t.Helper()
	tr := tree.New()
	b := tr.Begin(1)
	for _, d := range dirs {
		assert.NoError(t, b.Add(d, tree.NewDir(nil)))
	}
	for path, props := range propsByPath {
		assert.NoError(t, b.Change(path, func(n *tree.Node) *tree.Node {
			cp := *n
			cp.Props = props
			return &cp
		}))
	}
	return b.Close()
}

func TestParseMergeinfoPreservesRangeGaps(t *testing.T) {
	ranges := parseMergeinfo("/trunk:1,3-4,8*\n")["trunk"]
	assert.Equal(t, uint64(8), maxEnd(ranges))
	assert.True(t, coveredBy(ranges, 1))
	assert.False(t, coveredBy(ranges, 2))
	assert.True(t, coveredBy(ranges, 3))
	assert.True(t, coveredBy(ranges, 4))
	assert.False(t, coveredBy(ranges, 5))
	assert.True(t, coveredBy(ranges, 8))
}

func TestMergeinfoParentsDowngradesToCherryPickOnCoverageGap(t *testing.T) {
	cfg := defaultConfig(t)
	r := New(cfg, nil, testLogger(), nil)
	r.RecordCommit("refs/heads/main", 1, 10, nil, nil)
	r.RecordCommit("refs/heads/main", 2, 20, []int{10}, nil)
	r.RecordCommit("refs/heads/main", 3, 30, []int{20}, nil)

	sub := dirWithProps(map[string]string{"svn:mergeinfo": "/trunk:1,3"})
	out := r.mergeinfoParents(4, "refs/heads/feat", "branches/feat", sub, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, 30, out[0].CommitID)
	assert.Equal(t, "refs/heads/main", out[0].Refname)
	assert.True(t, out[0].CherryPick, "rev 2 was never covered by the mergeinfo ranges")
}

func TestMergeinfoParentsFullCoverageIsRealMerge(t *testing.T) {
	cfg := defaultConfig(t)
	r := New(cfg, nil, testLogger(), nil)
	r.RecordCommit("refs/heads/main", 1, 10, nil, nil)
	r.RecordCommit("refs/heads/main", 2, 20, []int{10}, nil)
	r.RecordCommit("refs/heads/main", 3, 30, []int{20}, nil)

	sub := dirWithProps(map[string]string{"svn:mergeinfo": "/trunk:1-3"})
	out := r.mergeinfoParents(4, "refs/heads/feat", "branches/feat", sub, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, 30, out[0].CommitID)
	assert.False(t, out[0].CherryPick, "every source commit in the gap is covered")
}

func TestMergeinfoInheritanceWalksUpToAncestorWithMergeinfo(t *testing.T) {
	content := []byte(`
default:
  map_path:
    - path: "proj/trunk/**"
      refname: "heads/proj-trunk"
    - path: "proj/branches/*/**"
      refname: "heads/proj-$1"
`)
	cfg, err := config.LoadConfigString(content)
	assert.NoError(t, err)
	r := New(cfg, nil, testLogger(), nil)
	r.RecordCommit("refs/heads/proj-trunk", 1, 1, nil, nil)
	r.RecordCommit("refs/heads/proj-trunk", 2, 2, []int{1}, nil)

	root := buildTree(t,
		[]string{"proj", "proj/trunk", "proj/branches", "proj/branches/feat"},
		map[string]map[string]string{"proj": {"svn:mergeinfo": "/proj/trunk:1-2"}},
	)
	sub, ok := lookupPath(root, "proj/branches/feat")
	assert.True(t, ok)

	out := r.mergeinfoParents(3, "refs/heads/proj-feat", "proj/branches/feat", sub, root)
	assert.Len(t, out, 1)
	assert.Equal(t, "refs/heads/proj-trunk", out[0].Refname)
	assert.Equal(t, 2, out[0].CommitID)
	assert.False(t, out[0].CherryPick)
}

func TestMergeinfoInheritanceStopsAtAncestorBranchRoot(t *testing.T) {
	content := []byte(`
default:
  map_path:
    - path: "a/b/**"
      refname: "heads/ab"
`)
	cfg, err := config.LoadConfigString(content)
	assert.NoError(t, err)
	r := New(cfg, nil, testLogger(), nil)

	// "a" carries mergeinfo, but "a/b" (an ancestor of our branch, and
	// itself a mapped branch root) does not — the walk must stop at
	// "a/b" rather than reach past it up to "a".
	root := buildTree(t,
		[]string{"a", "a/b", "a/b/c"},
		map[string]map[string]string{"a": {"svn:mergeinfo": "/elsewhere:1-5"}},
	)
	sub, ok := lookupPath(root, "a/b/c")
	assert.True(t, ok)

	_, found := r.effectiveMergeinfo("a/b/c", sub, root)
	assert.False(t, found, "walk must not cross a/b to reach a's mergeinfo")
}

func TestMergeinfoInheritanceDisabledByConfig(t *testing.T) {
	content := []byte(`
global:
  inherit_mergeinfo: false
default:
  map_path:
    - path: "proj/trunk/**"
      refname: "heads/proj-trunk"
    - path: "proj/branches/*/**"
      refname: "heads/proj-$1"
`)
	cfg, err := config.LoadConfigString(content)
	assert.NoError(t, err)
	r := New(cfg, nil, testLogger(), nil)

	root := buildTree(t,
		[]string{"proj", "proj/trunk", "proj/branches", "proj/branches/feat"},
		map[string]map[string]string{"proj": {"svn:mergeinfo": "/proj/trunk:1-2"}},
	)
	sub, ok := lookupPath(root, "proj/branches/feat")
	assert.True(t, ok)

	_, found := r.effectiveMergeinfo("proj/branches/feat", sub, root)
	assert.False(t, found)
}

func TestCopyParentsUnconditionalForBranchRootCopyRegardlessOfRecreateMerges(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
global:
  recreate_merges: ["file_merge"]
`))
	assert.NoError(t, err)
	r := New(cfg, nil, testLogger(), nil)
	r.RecordCommit("refs/heads/main", 5, 99, nil, nil)

	nodes := []*dump.Node{
		{Path: "branches/feat", Kind: dump.KindDir, Action: dump.ActionAdd,
			CopyFrom: &dump.CopyFrom{Path: "trunk", Rev: 5}},
	}
	out := r.copyParents(6, "refs/heads/feat", "branches/feat", nodes)
	assert.Len(t, out, 1, "a whole-branch-root copy is always merge evidence, regardless of dir_copy being disabled")
	assert.Equal(t, 99, out[0].CommitID)
	assert.False(t, out[0].CherryPick)
}

func TestCopyParentsFiltersNonBranchRootCopyWhenCategoryDisabled(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
global:
  recreate_merges: ["file_merge"]
`))
	assert.NoError(t, err)
	r := New(cfg, nil, testLogger(), nil)
	r.RecordCommit("refs/heads/main", 5, 99, nil, nil)

	nodes := []*dump.Node{
		{Path: "branches/feat/vendor", Kind: dump.KindDir, Action: dump.ActionAdd,
			CopyFrom: &dump.CopyFrom{Path: "trunk/vendor", Rev: 5}},
	}
	out := r.copyParents(6, "refs/heads/feat", "branches/feat", nodes)
	assert.Empty(t, out, "a copy of a subdirectory, not the branch root itself, is gated by dir_copy like any other")
}

func TestResolveFlagsFastForwardWhenBranchTipAlreadyMerged(t *testing.T) {
	cfg := defaultConfig(t)
	r := New(cfg, nil, testLogger(), nil)

	// feat's only commit (id 5), never advanced independently again.
	r.RecordCommit("refs/heads/feat", 1, 5, nil, nil)
	// trunk: r1 plain, r2 merges feat in, r3 plain progress.
	r.RecordCommit("refs/heads/main", 1, 1, nil, nil)
	r.RecordCommit("refs/heads/main", 2, 15, []int{1}, []history.MergeParent{{CommitID: 5, Refname: "refs/heads/feat"}})
	r.RecordCommit("refs/heads/main", 3, 20, []int{15}, nil)

	sub := dirWithProps(map[string]string{"svn:mergeinfo": "/trunk:1-3"})
	out := r.Resolve(4, "refs/heads/feat", "branches/feat", sub, nil, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, 20, out[0].CommitID)
	assert.True(t, out[0].FastForward, "feat's own tip (5) is already reachable from trunk's tip (20) via trunk's earlier merge")
}

func TestResolveDoesNotFlagFastForwardWhenBranchHasDivergedWork(t *testing.T) {
	cfg := defaultConfig(t)
	r := New(cfg, nil, testLogger(), nil)

	r.RecordCommit("refs/heads/feat", 1, 5, nil, nil)
	r.RecordCommit("refs/heads/feat", 2, 6, []int{5}, nil) // feat kept committing independently
	r.RecordCommit("refs/heads/main", 1, 1, nil, nil)
	r.RecordCommit("refs/heads/main", 2, 15, []int{1}, []history.MergeParent{{CommitID: 5, Refname: "refs/heads/feat"}})
	r.RecordCommit("refs/heads/main", 3, 20, []int{15}, nil)

	sub := dirWithProps(map[string]string{"svn:mergeinfo": "/trunk:1-3"})
	out := r.Resolve(4, "refs/heads/feat", "branches/feat", sub, nil, nil)
	assert.Len(t, out, 1)
	assert.False(t, out[0].FastForward, "feat's tip (6) was never merged into trunk, so trunk's tip doesn't dominate it")
}
