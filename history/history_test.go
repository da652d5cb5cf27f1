package history

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/svn2git/svnrecon/config"
	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/tree"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func rev(n uint64, log, author string) *dump.Revision {
	return &dump.Revision{Rev: n, Props: map[string]string{
		"svn:log":    log,
		"svn:author": author,
		"svn:date":   "2026-01-01T00:00:00.000000Z",
	}}
}

func addDir(path string) *dump.Node {
	return &dump.Node{Path: path, Kind: dump.KindDir, Action: dump.ActionAdd}
}

func addFile(path, content string) *dump.Node {
	return &dump.Node{Path: path, Kind: dump.KindFile, Action: dump.ActionAdd, Content: []byte(content)}
}

func copyDir(path, srcPath string, srcRev uint64) *dump.Node {
	return &dump.Node{Path: path, Kind: dump.KindDir, Action: dump.ActionAdd, CopyFrom: &dump.CopyFrom{Path: srcPath, Rev: srcRev}}
}

func deleteNode(path string) *dump.Node {
	return &dump.Node{Path: path, Action: dump.ActionDelete}
}

func changeFile(path, content string) *dump.Node {
	return &dump.Node{Path: path, Kind: dump.KindFile, Action: dump.ActionChange, HasText: true, Content: []byte(content)}
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigString(nil)
	assert.NoError(t, err)
	return cfg
}

func fileContentAt(t *testing.T, root *tree.Node, path string) string {
	t.Helper()
	n, ok := lookupPath(root, path)
	assert.True(t, ok, "expected %s to exist", path)
	assert.Equal(t, tree.KindFile, n.Kind)
	b, err := n.Content.Resolve()
	assert.NoError(t, err)
	return string(b)
}

func TestProcessTrunkCommit(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	r1 := rev(1, "initial import", "alice")
	nodes := []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "hello"),
	}
	res, err := b.Process(r1, nodes)
	assert.NoError(t, err)
	assert.Len(t, res.Commits, 1)

	c := res.Commits[0]
	assert.Equal(t, "refs/heads/main", c.Refname)
	assert.Equal(t, uint64(1), c.Rev)
	assert.Equal(t, "alice", c.Author)
	assert.Equal(t, "initial import", c.Message)
	assert.True(t, c.NewBranch)
	assert.Empty(t, c.Parents)
	assert.Equal(t, "hello", fileContentAt(t, c.Tree, "a.txt"))
}

func TestProcessSecondRevisionIsChildOfFirst(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	res1, err := b.Process(rev(1, "r1", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)
	assert.Len(t, res1.Commits, 1)
	first := res1.Commits[0]

	res2, err := b.Process(rev(2, "r2", "alice"), []*dump.Node{
		changeFile("trunk/a.txt", "v2"),
	})
	assert.NoError(t, err)
	assert.Len(t, res2.Commits, 1)
	second := res2.Commits[0]

	assert.False(t, second.NewBranch)
	assert.Equal(t, []int{first.ID}, second.Parents)
	assert.Equal(t, "v2", fileContentAt(t, second.Tree, "a.txt"))
}

func TestProcessBranchCreationViaCopyFrom(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	res1, err := b.Process(rev(1, "trunk setup", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)
	trunkTip := res1.Commits[0]

	res2, err := b.Process(rev(2, "cut feat branch", "bob"), []*dump.Node{
		copyDir("branches/feat", "trunk", 1),
	})
	assert.NoError(t, err)
	assert.Len(t, res2.Commits, 1, "the branch-root copy itself should produce one commit on the new branch")

	c := res2.Commits[0]
	assert.Equal(t, "refs/heads/feat", c.Refname)
	assert.True(t, c.NewBranch)
	assert.Equal(t, []int{trunkTip.ID}, c.Parents, "new branch's first commit parents the source branch's tip")
	assert.Equal(t, "v1", fileContentAt(t, c.Tree, "a.txt"))
}

func TestProcessBranchCreationViaCopyFromPinsSourceRevision(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	res1, err := b.Process(rev(1, "trunk setup", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)
	tagSource := res1.Commits[0]

	// Trunk keeps moving after the revision the tag will be cut from.
	_, err = b.Process(rev(2, "trunk continues", "alice"), []*dump.Node{
		changeFile("trunk/a.txt", "v2"),
	})
	assert.NoError(t, err)

	res3, err := b.Process(rev(3, "cut tag from r1", "bob"), []*dump.Node{
		copyDir("tags/v1", "trunk", 1),
	})
	assert.NoError(t, err)
	assert.Len(t, res3.Commits, 1)

	c := res3.Commits[0]
	assert.Equal(t, []int{tagSource.ID}, c.Parents,
		"tag cut from r1 must parent trunk's tip as of r1, not trunk's current tip")
	assert.Equal(t, "v1", fileContentAt(t, c.Tree, "a.txt"))
}

func TestProcessLinksOrphanBranchByTreeOverlap(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
global:
  link_orphan_revs: true
`))
	assert.NoError(t, err)
	b := New(cfg, nil, testLogger(), nil)

	res1, err := b.Process(rev(1, "trunk setup", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
		addFile("trunk/b.txt", "v1"),
		addFile("trunk/c.txt", "v1"),
	})
	assert.NoError(t, err)
	trunkTip := res1.Commits[0]

	// branches/feat appears with no Node-copyfrom-* at all (an `svn
	// mkdir` + individually added files, not `svn copy`), but most of
	// its files match trunk's current content path-for-path.
	res2, err := b.Process(rev(2, "manual branch", "bob"), []*dump.Node{
		addDir("branches/feat"),
		addFile("branches/feat/a.txt", "v1"),
		addFile("branches/feat/b.txt", "v1"),
	})
	assert.NoError(t, err)
	assert.Len(t, res2.Commits, 1)
	assert.Equal(t, []int{trunkTip.ID}, res2.Commits[0].Parents,
		"over half of the orphan branch's files match trunk's tree, so it should link to trunk's tip")
}

func TestProcessLeavesOrphanBranchRootlessWithoutFlag(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	_, err := b.Process(rev(1, "trunk setup", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
		addFile("trunk/b.txt", "v1"),
	})
	assert.NoError(t, err)

	res2, err := b.Process(rev(2, "manual branch", "bob"), []*dump.Node{
		addDir("branches/feat"),
		addFile("branches/feat/a.txt", "v1"),
		addFile("branches/feat/b.txt", "v1"),
	})
	assert.NoError(t, err)
	assert.Len(t, res2.Commits, 1)
	assert.Empty(t, res2.Commits[0].Parents, "link_orphan_revs defaults off, so the orphan stays rootless")
}

func TestProcessBranchTermination(t *testing.T) {
	b := New(defaultConfig(t), nil, testLogger(), nil)

	_, err := b.Process(rev(1, "trunk setup", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)

	res2, err := b.Process(rev(2, "cut feat branch", "bob"), []*dump.Node{
		copyDir("branches/feat", "trunk", 1),
	})
	assert.NoError(t, err)
	featTip := res2.Commits[0]

	res3, err := b.Process(rev(3, "drop feat branch", "bob"), []*dump.Node{
		deleteNode("branches/feat"),
	})
	assert.NoError(t, err)
	assert.Empty(t, res3.Commits)
	assert.Len(t, res3.DeletedRefs, 1)
	assert.Equal(t, featTip.ID, res3.DeletedRefs[0].TipCommitID)
	assert.Equal(t, uint64(3), res3.DeletedRefs[0].Rev)
}

func TestProcessSkipCommitCombinesMessages(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  skip_commit: [1]
`))
	assert.NoError(t, err)
	b := New(cfg, nil, testLogger(), nil)

	res1, err := b.Process(rev(1, "first half", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)
	assert.Empty(t, res1.Commits, "a skip-commit revision produces no commit of its own")

	res2, err := b.Process(rev(2, "second half", "alice"), []*dump.Node{
		changeFile("trunk/a.txt", "v2"),
	})
	assert.NoError(t, err)
	assert.Len(t, res2.Commits, 1)
	assert.Contains(t, res2.Commits[0].Message, "first half")
	assert.Contains(t, res2.Commits[0].Message, "second half")
}

func TestProcessInjectFileOverlay(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  inject_file:
    - path: "NOTICE"
      content: "generated\n"
`))
	assert.NoError(t, err)
	b := New(cfg, nil, testLogger(), nil)

	res, err := b.Process(rev(1, "r1", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
	})
	assert.NoError(t, err)
	assert.Len(t, res.Commits, 1)
	assert.Equal(t, "generated\n", fileContentAt(t, res.Commits[0].Tree, "NOTICE"))
}

func TestProcessDeletePathOverlay(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  delete_path: ["secrets.txt"]
`))
	assert.NoError(t, err)
	b := New(cfg, nil, testLogger(), nil)

	res, err := b.Process(rev(1, "r1", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
		addFile("trunk/secrets.txt", "shh"),
	})
	assert.NoError(t, err)
	assert.Len(t, res.Commits, 1)
	_, ok := lookupPath(res.Commits[0].Tree, "secrets.txt")
	assert.False(t, ok, "delete_path overlay should remove the matching path from the committed tree")
}

func TestProcessIgnoreFilesSkipsNode(t *testing.T) {
	cfg, err := config.LoadConfigString([]byte(`
default:
  ignore_files: ["trunk/build/**"]
`))
	assert.NoError(t, err)
	b := New(cfg, nil, testLogger(), nil)

	res, err := b.Process(rev(1, "r1", "alice"), []*dump.Node{
		addDir("trunk"),
		addFile("trunk/a.txt", "v1"),
		addDir("trunk/build"),
		addFile("trunk/build/out.o", "binary"),
	})
	assert.NoError(t, err)
	assert.Len(t, res.Commits, 1)
	_, ok := lookupPath(res.Commits[0].Tree, "build")
	assert.False(t, ok, "ignored paths should never reach the tree at all")
}
