// Package objsink implements the abstract Git object sink the pipeline
// writes through: hash-object, stage, write-tree, commit, update-ref
// (spec §6's "fifth collaborator... specified only at its interface").
// The reference sink spawns the `git` binary, the same way cogentcore's
// base/vcs package shells out to `git` through a Masterminds/vcs.Repo
// rather than linking a Git implementation in-process.
package objsink

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/vcs"
)

// StageOp is the kind of index entry a Stage call applies.
type StageOp int

const (
	StageAdd StageOp = iota
	StageRemove
)

// Identity is a commit author or committer identity.
type Identity struct {
	Name  string
	Email string
	When  string // "1700000000 +0000", git's raw committer-date format
}

// ObjectSink is the capability interface the object pipeline writes
// through. Every method maps onto one plumbing command in the reference
// implementation (spec §6); an in-process libgit sink is an acceptable
// alternate implementation of the same interface.
type ObjectSink interface {
	HashObject(content []byte) (string, error)
	Stage(branch string, op StageOp, mode, path, sha string) error
	WriteTree(branch string) (string, error)
	Commit(tree string, parents []string, author, committer Identity, message string) (string, error)
	UpdateRef(refname, sha, prev string) error
	ResolveRef(refname string) (string, error)
}

// GitSink is the reference ObjectSink: a (non-bare) repository driven with
// `git hash-object`/`update-index`/`write-tree`/`commit-tree`/
// `update-ref` subprocess calls through Masterminds/vcs's RunFromDir.
//
// Each branch gets its own index file (`GIT_INDEX_FILE`) so concurrent
// branches never clobber each other's index (the update-index calls
// themselves still run one at a time under envMu);
// write-tree itself is funneled through treeMu, matching spec §4.8's
// single global tree-write-serialization stage — staging many branches'
// indexes concurrently is safe, but invoking `git write-tree` while
// another goroutine mutates process environment is not, since
// GIT_INDEX_FILE selection has to happen via env for plain plumbing
// commands.
type GitSink struct {
	repo    *vcs.GitRepo
	gitDir  string
	workDir string

	treeMu sync.Mutex

	indexMu sync.Mutex
	indexes map[string]string // branch -> index file path

	// envMu serializes every call that drives a subprocess through
	// process-global os.Setenv/os.Unsetenv (GIT_INDEX_FILE,
	// GIT_AUTHOR_*, GIT_COMMITTER_*): os.Environ is shared by the whole
	// process, so two goroutines setting different values concurrently
	// would race and could hand one branch's subprocess another
	// branch's index file or identity. HashObject and UpdateRef need no
	// env and stay outside this lock, so blob hashing still parallelizes
	// across the worker pool.
	envMu sync.Mutex
}

// NewGitSink initializes (or reuses) a non-bare repository at dir as the
// target object store.
func NewGitSink(dir string) (*GitSink, error) {
	repo, err := vcs.NewGitRepo(dir, dir)
	if err != nil {
		return nil, fmt.Errorf("open git sink at %s: %w", dir, err)
	}
	if !repo.CheckLocal() {
		if err := repo.Init(); err != nil {
			return nil, fmt.Errorf("init git sink at %s: %w", dir, err)
		}
	}
	return &GitSink{
		repo:    repo,
		gitDir:  dir,
		workDir: dir,
		indexes: make(map[string]string),
	}, nil
}

func (g *GitSink) run(env []string, args ...string) ([]byte, error) {
	if len(env) == 0 {
		return g.repo.RunFromDir("git", args...)
	}
	g.envMu.Lock()
	defer g.envMu.Unlock()
	restore := setEnv(env)
	defer restore()
	return g.repo.RunFromDir("git", args...)
}

// setEnv applies env ("KEY=VALUE" pairs) to the process environment and
// returns a closure that restores whatever was there before. Callers
// must hold envMu for the whole interval between setEnv and the
// restoring call, since os.Setenv touches process-global state no two
// goroutines can mutate safely at once.
func setEnv(env []string) func() {
	prev := os.Environ()
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			os.Setenv(parts[0], parts[1])
		}
	}
	return func() {
		for _, kv := range env {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			restored := false
			for _, p := range prev {
				if strings.HasPrefix(p, parts[0]+"=") {
					os.Setenv(parts[0], strings.TrimPrefix(p, parts[0]+"="))
					restored = true
					break
				}
			}
			if !restored {
				os.Unsetenv(parts[0])
			}
		}
	}
}

// HashObject runs `git hash-object -w --stdin`, writing content into
// the object store and returning its blob SHA.
func (g *GitSink) HashObject(content []byte) (string, error) {
	out, err := g.runStdin(content, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", fmt.Errorf("hash-object: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitSink) runStdin(input []byte, args ...string) ([]byte, error) {
	// Masterminds/vcs's RunFromDir has no stdin hook, so hash-object (the
	// one plumbing call that needs one) goes through a dedicated path
	// instead of g.run.
	cmd := exec.Command("git", args...)
	cmd.Dir = g.workDir
	cmd.Stdin = bytes.NewReader(input)
	var out bytes.Buffer
	cmd.Stdout = &out
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%v: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}

func (g *GitSink) indexFor(branch string) string {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	if path, ok := g.indexes[branch]; ok {
		return path
	}
	path := g.gitDir + "/.git/svn2git-index-" + sanitizeBranch(branch)
	g.indexes[branch] = path
	return path
}

func sanitizeBranch(branch string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(branch)
}

// Stage runs `git update-index` against branch's private index file.
func (g *GitSink) Stage(branch string, op StageOp, mode, path, sha string) error {
	env := []string{"GIT_INDEX_FILE=" + g.indexFor(branch)}
	var err error
	switch op {
	case StageAdd:
		_, err = g.run(env, "update-index", "--add", "--cacheinfo", mode+","+sha+","+path)
	case StageRemove:
		_, err = g.run(env, "update-index", "--force-remove", path)
	default:
		return fmt.Errorf("stage: unknown op %d", op)
	}
	if err != nil {
		return fmt.Errorf("stage %s %s: %w", branch, path, err)
	}
	return nil
}

// WriteTree runs `git write-tree` against branch's index, serialized
// through treeMu per spec §4.8's single global tree-write stage.
func (g *GitSink) WriteTree(branch string) (string, error) {
	g.treeMu.Lock()
	defer g.treeMu.Unlock()
	env := []string{"GIT_INDEX_FILE=" + g.indexFor(branch)}
	out, err := g.run(env, "write-tree")
	if err != nil {
		return "", fmt.Errorf("write-tree %s: %w", branch, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Commit runs `git commit-tree`, returning the new commit's SHA.
func (g *GitSink) Commit(tree string, parents []string, author, committer Identity, message string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_AUTHOR_DATE=" + author.When,
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
		"GIT_COMMITTER_DATE=" + committer.When,
	}
	out, err := g.runStdinEnv([]byte(message), env, args...)
	if err != nil {
		return "", fmt.Errorf("commit-tree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitSink) runStdinEnv(input []byte, env []string, args ...string) ([]byte, error) {
	g.envMu.Lock()
	defer g.envMu.Unlock()
	restore := setEnv(env)
	defer restore()
	return g.runStdin(input, args...)
}

// DeleteRef is the sha value UpdateRef recognizes as "delete this ref"
// (used when a branch terminates with nothing superseding it).
const DeleteRef = ""

// UpdateRef runs `git update-ref`, supplying the expected previous
// value for a compare-and-swap when prev is non-empty (spec §4.8's ref
// stage; a mismatch is the "Git sink failure" fatal-target case). A sha
// of DeleteRef deletes refname instead of updating it.
func (g *GitSink) UpdateRef(refname, sha, prev string) error {
	var args []string
	if sha == DeleteRef {
		args = []string{"update-ref", "-d", refname}
		if prev != "" {
			args = append(args, prev)
		}
	} else {
		args = []string{"update-ref", refname, sha}
		if prev != "" {
			args = append(args, prev)
		}
	}
	if _, err := g.run(nil, args...); err != nil {
		return fmt.Errorf("update-ref %s: %w", refname, err)
	}
	return nil
}

// ListRefs runs `git for-each-ref --format=%(refname)`, returning every
// ref currently in the repository (used by `--prune-refs` to find what
// to delete once a conversion has finished).
func (g *GitSink) ListRefs() ([]string, error) {
	out, err := g.run(nil, "for-each-ref", "--format=%(refname)")
	if err != nil {
		return nil, fmt.Errorf("for-each-ref: %w", err)
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// ResolveRef runs `git rev-parse --verify`, returning the sha refname
// currently points at, or ("", nil) if the ref doesn't exist. Used by
// `--append-to-refs` to seed a branch's starting tip before resuming an
// incremental import.
func (g *GitSink) ResolveRef(refname string) (string, error) {
	out, err := g.run(nil, "rev-parse", "--verify", "--quiet", refname)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

// ParseMode converts a tree.Node's executable/special flags into the
// git file mode string update-index expects.
func ParseMode(exec, symlink bool) string {
	switch {
	case symlink:
		return "120000"
	case exec:
		return "100755"
	default:
		return "100644"
	}
}

// FormatWhen renders a unix timestamp and an RFC-3339-ish offset into
// git's raw author/committer date format ("<seconds> <+zone>").
func FormatWhen(unixSeconds int64, zone string) string {
	if zone == "" {
		zone = "+0000"
	}
	return strconv.FormatInt(unixSeconds, 10) + " " + zone
}
