package objsink

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestSink(t *testing.T) *GitSink {
	t.Helper()
	dir := t.TempDir()
	sink, err := NewGitSink(dir)
	assert.NoError(t, err)
	return sink
}

func TestHashObjectStageWriteTreeCommit(t *testing.T) {
	sink := newTestSink(t)

	blobSHA, err := sink.HashObject([]byte("hello world\n"))
	assert.NoError(t, err)
	assert.NotEmpty(t, blobSHA)

	assert.NoError(t, sink.Stage("refs/heads/main", StageAdd, "100644", "a.txt", blobSHA))
	treeSHA, err := sink.WriteTree("refs/heads/main")
	assert.NoError(t, err)
	assert.NotEmpty(t, treeSHA)

	id := Identity{Name: "Alice", Email: "alice@example.com", When: "1700000000 +0000"}
	commitSHA, err := sink.Commit(treeSHA, nil, id, id, "first commit")
	assert.NoError(t, err)
	assert.NotEmpty(t, commitSHA)

	assert.NoError(t, sink.UpdateRef("refs/heads/main", commitSHA, ""))
}

func TestStageRemoveDropsPath(t *testing.T) {
	sink := newTestSink(t)

	blobSHA, err := sink.HashObject([]byte("content\n"))
	assert.NoError(t, err)
	assert.NoError(t, sink.Stage("refs/heads/main", StageAdd, "100644", "a.txt", blobSHA))
	firstTree, err := sink.WriteTree("refs/heads/main")
	assert.NoError(t, err)

	assert.NoError(t, sink.Stage("refs/heads/main", StageRemove, "", "a.txt", ""))
	secondTree, err := sink.WriteTree("refs/heads/main")
	assert.NoError(t, err)
	assert.NotEqual(t, firstTree, secondTree)
}

func TestSeparateBranchesGetSeparateIndexes(t *testing.T) {
	sink := newTestSink(t)

	blobSHA, err := sink.HashObject([]byte("x\n"))
	assert.NoError(t, err)
	assert.NoError(t, sink.Stage("refs/heads/a", StageAdd, "100644", "only-a.txt", blobSHA))
	assert.NoError(t, sink.Stage("refs/heads/b", StageAdd, "100644", "only-b.txt", blobSHA))

	treeA, err := sink.WriteTree("refs/heads/a")
	assert.NoError(t, err)
	treeB, err := sink.WriteTree("refs/heads/b")
	assert.NoError(t, err)
	assert.NotEqual(t, treeA, treeB)
}

// TestConcurrentCommitsDoNotCrossWires drives Stage/Commit for many
// branches from concurrent goroutines, the scenario envMu exists to
// protect: each branch's GIT_INDEX_FILE and GIT_AUTHOR_* must land on
// that branch's own subprocess even when another goroutine is mutating
// the same process environment at the same instant.
func TestConcurrentCommitsDoNotCrossWires(t *testing.T) {
	sink := newTestSink(t)
	const branches = 8

	var wg sync.WaitGroup
	shas := make([]string, branches)
	for i := 0; i < branches; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			branch := "refs/heads/b" + string(rune('0'+i))
			blobSHA, err := sink.HashObject([]byte(branch))
			assert.NoError(t, err)
			assert.NoError(t, sink.Stage(branch, StageAdd, "100644", "file.txt", blobSHA))
			treeSHA, err := sink.WriteTree(branch)
			assert.NoError(t, err)
			id := Identity{Name: "bot" + string(rune('0'+i)), Email: "bot@example.com", When: "1700000000 +0000"}
			commitSHA, err := sink.Commit(treeSHA, nil, id, id, branch)
			assert.NoError(t, err)
			shas[i] = commitSHA
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, sha := range shas {
		assert.NotEmpty(t, sha)
		assert.False(t, seen[sha], "two branches produced the same commit sha")
		seen[sha] = true
	}
}

func TestListRefsAndResolveRef(t *testing.T) {
	sink := newTestSink(t)

	blobSHA, err := sink.HashObject([]byte("content\n"))
	assert.NoError(t, err)
	assert.NoError(t, sink.Stage("refs/heads/main", StageAdd, "100644", "a.txt", blobSHA))
	treeSHA, err := sink.WriteTree("refs/heads/main")
	assert.NoError(t, err)
	id := Identity{Name: "Alice", Email: "alice@example.com", When: "1700000000 +0000"}
	commitSHA, err := sink.Commit(treeSHA, nil, id, id, "first commit")
	assert.NoError(t, err)
	assert.NoError(t, sink.UpdateRef("refs/heads/main", commitSHA, ""))

	sha, err := sink.ResolveRef("refs/heads/main")
	assert.NoError(t, err)
	assert.Equal(t, commitSHA, sha)

	missing, err := sink.ResolveRef("refs/heads/nope")
	assert.NoError(t, err)
	assert.Empty(t, missing)

	refs, err := sink.ListRefs()
	assert.NoError(t, err)
	assert.Contains(t, refs, "refs/heads/main")
}

func TestFormatWhenDefaultsZone(t *testing.T) {
	assert.Equal(t, "1700000000 +0000", FormatWhen(1700000000, ""))
	assert.Equal(t, "1700000000 -0500", FormatWhen(1700000000, "-0500"))
}

func TestParseModePrefersSpecialThenExec(t *testing.T) {
	assert.Equal(t, "120000", ParseMode(true, true))
	assert.Equal(t, "100755", ParseMode(true, false))
	assert.Equal(t, "100644", ParseMode(false, false))
}

func TestNewGitSinkReusesExistingRepo(t *testing.T) {
	dir := t.TempDir()
	sink1, err := NewGitSink(dir)
	assert.NoError(t, err)
	_, err = sink1.HashObject([]byte("seed\n"))
	assert.NoError(t, err)

	sink2, err := NewGitSink(dir)
	assert.NoError(t, err)
	_, err = os.Stat(dir + "/.git")
	assert.NoError(t, err)
	_ = sink2
}

func TestSanitizeBranchReplacesSlashesAndSpaces(t *testing.T) {
	assert.Equal(t, "refs_heads_feat_x", sanitizeBranch("refs/heads/feat x"))
	assert.False(t, strings.Contains(sanitizeBranch("a/b c"), "/"))
}
