// Package tree implements the persistent, copy-on-write directory tree
// that backs one SVN repository snapshot per revision (spec §4.3).
//
// A Node is immutable once its owning revision has been closed. Building
// the next revision's tree starts from the previous root and only the
// nodes on the path from the root down to each touched entry are copied;
// every untouched subtree is shared by pointer, which is what makes
// Node-copyfrom (a whole-subtree copy) an O(1) operation: Copy just
// attaches the already-built historical node under a new name.
package tree

import (
	"fmt"
	"strings"
)

// Kind distinguishes file entries from directory entries.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// ContentRef is an opaque handle that eventually resolves to raw file
// bytes. It may represent a delta against another ContentRef until
// Resolve is called; once resolved the hash is stable (spec §3).
type ContentRef interface {
	Resolve() ([]byte, error)
	// Hash returns the canonical SHA1 of the resolved content, computing
	// it on first use.
	Hash() (string, error)
}

// Node is one entry in a Snapshot: either a file or a directory.
// Node is treated as immutable once reachable from a closed Snapshot;
// Builder methods always return a new Node rather than mutating one in
// place, except for nodes created within the same in-progress Builder
// (which are not yet reachable from any closed Snapshot).
type Node struct {
	Kind  Kind
	Props map[string]string

	// File fields
	Content ContentRef
	Exec    bool // svn:executable present
	Special bool // svn:special "link " prefix => symlink

	// Dir fields. names is kept in insertion order so that tree walks
	// and diff output are deterministic across runs.
	children map[string]*Node
	names    []string
}

// NewFile returns a new file node.
func NewFile(content ContentRef, props map[string]string, exec, special bool) *Node {
	return &Node{Kind: KindFile, Content: content, Props: props, Exec: exec, Special: special}
}

// NewDir returns a new, empty directory node.
func NewDir(props map[string]string) *Node {
	return &Node{Kind: KindDir, Props: props, children: map[string]*Node{}}
}

func (n *Node) clone() *Node {
	cp := *n
	if n.Kind == KindDir {
		cp.children = make(map[string]*Node, len(n.children))
		for k, v := range n.children {
			cp.children[k] = v
		}
		cp.names = append([]string(nil), n.names...)
	}
	return &cp
}

// Child returns the named child of a directory node, or nil.
func (n *Node) Child(name string) *Node {
	if n == nil || n.Kind != KindDir {
		return nil
	}
	return n.children[name]
}

// Names returns the ordered list of a directory's child names.
func (n *Node) Names() []string {
	if n == nil || n.Kind != KindDir {
		return nil
	}
	return append([]string(nil), n.names...)
}

func (n *Node) withChild(name string, child *Node) *Node {
	cp := n.clone()
	if _, exists := cp.children[name]; !exists {
		cp.names = append(cp.names, name)
	}
	cp.children[name] = child
	return cp
}

func (n *Node) withoutChild(name string) *Node {
	cp := n.clone()
	delete(cp.children, name)
	for i, nm := range cp.names {
		if nm == name {
			cp.names = append(cp.names[:i], cp.names[i+1:]...)
			break
		}
	}
	return cp
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Tree owns one closed Snapshot (a Node root) per revision, plus the
// mutable snapshot currently under construction.
type Tree struct {
	roots  map[uint64]*Node
	maxRev uint64
	hasMax bool
}

// New returns an empty Tree (no revisions closed yet).
func New() *Tree {
	return &Tree{roots: map[uint64]*Node{}}
}

// Snapshot returns the closed root for a revision, or nil if none.
func (t *Tree) Snapshot(rev uint64) *Node {
	return t.roots[rev]
}

// MaxRev returns the highest closed revision number.
func (t *Tree) MaxRev() (uint64, bool) {
	return t.maxRev, t.hasMax
}

// Builder is the mutable snapshot under construction for one revision.
// It is obtained from Tree.Begin and finalized with Close.
type Builder struct {
	tree *Tree
	rev  uint64
	root *Node
}

// Begin starts building revision rev, cloning the root of the latest
// closed revision (or an empty root, for the very first revision).
// Revisions must be started in strictly increasing order; Begin panics if rev
// is not greater than any previously closed revision, mirroring the
// decoder's RevisionRegression failure mode at the tree layer.
func (t *Tree) Begin(rev uint64) *Builder {
	if t.hasMax && rev <= t.maxRev {
		panic(fmt.Sprintf("tree: revision regression, rev %d <= max closed rev %d", rev, t.maxRev))
	}
	root := NewDir(nil)
	if t.hasMax {
		root = t.roots[t.maxRev]
	}
	return &Builder{tree: t, rev: rev, root: root}
}

// Close finalizes the snapshot under construction, storing it as the
// closed root for its revision. After Close the Builder must not be used
// again.
func (b *Builder) Close() *Node {
	b.tree.roots[b.rev] = b.root
	b.tree.maxRev = b.rev
	b.tree.hasMax = true
	return b.root
}

// Get returns the node at path, or ok=false if absent.
func (b *Builder) Get(path string) (*Node, bool) {
	n, _, ok := walk(b.root, splitPath(path))
	return n, ok
}

// walk returns (node, parentChain unused, found).
func walk(root *Node, parts []string) (*Node, []*Node, bool) {
	cur := root
	chain := []*Node{root}
	for _, p := range parts {
		if cur == nil || cur.Kind != KindDir {
			return nil, nil, false
		}
		next := cur.Child(p)
		if next == nil {
			return nil, nil, false
		}
		chain = append(chain, next)
		cur = next
	}
	return cur, chain, true
}

// rebuild walks from root to the parent of the final path component,
// applying edit at the leaf, and copy-on-write rebuilds every node on
// the path back up to root. edit receives the parent directory (a fresh
// empty one, if mkdirAll had to create it) and the leaf name,
// and must return the new child to install (or nil to delete it).
func rebuild(root *Node, parts []string, mkdirAll bool, edit func(parent *Node, leaf string) (*Node, error)) (*Node, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tree: empty path")
	}
	if len(parts) == 1 {
		child, err := edit(root, parts[0])
		if err != nil {
			return nil, err
		}
		if child == nil {
			return root.withoutChild(parts[0]), nil
		}
		return root.withChild(parts[0], child), nil
	}
	head, rest := parts[0], parts[1:]
	sub := root.Child(head)
	if sub == nil {
		if !mkdirAll {
			return nil, fmt.Errorf("tree: parent directory missing: %s", head)
		}
		sub = NewDir(nil)
	}
	if sub.Kind != KindDir {
		return nil, fmt.Errorf("tree: %s is not a directory", head)
	}
	newSub, err := rebuild(sub, rest, mkdirAll, edit)
	if err != nil {
		return nil, err
	}
	return root.withChild(head, newSub), nil
}

// Add installs node at path. Fails if the parent is missing or the
// target already exists (spec §4.3).
func (b *Builder) Add(path string, node *Node) error {
	parts := splitPath(path)
	newRoot, err := rebuild(b.root, parts, false, func(parent *Node, leaf string) (*Node, error) {
		if parent.Child(leaf) != nil {
			return nil, fmt.Errorf("tree: add: %s already exists", path)
		}
		return node, nil
	})
	if err != nil {
		return err
	}
	b.root = newRoot
	return nil
}

// Delete removes path, returning the removed subtree. Fails if absent.
func (b *Builder) Delete(path string) (*Node, error) {
	removed, _, ok := walk(b.root, splitPath(path))
	if !ok {
		return nil, fmt.Errorf("tree: delete: %s not found", path)
	}
	newRoot, err := rebuild(b.root, splitPath(path), false, func(parent *Node, leaf string) (*Node, error) {
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	b.root = newRoot
	return removed, nil
}

// Change replaces path's node via mutate, which receives the existing
// node and returns its replacement. Fails if path is absent or mutate
// changes Kind.
func (b *Builder) Change(path string, mutate func(*Node) *Node) error {
	existing, _, ok := walk(b.root, splitPath(path))
	if !ok {
		return fmt.Errorf("tree: change: %s not found", path)
	}
	replacement := mutate(existing)
	if replacement.Kind != existing.Kind {
		return fmt.Errorf("tree: change: %s kind mismatch", path)
	}
	newRoot, err := rebuild(b.root, splitPath(path), false, func(parent *Node, leaf string) (*Node, error) {
		return replacement, nil
	})
	if err != nil {
		return err
	}
	b.root = newRoot
	return nil
}

// Copy installs, at dstPath, a structural reference to the historical
// subtree at (srcRev, srcPath). This is O(1): it looks the historical
// node up once and attaches the pointer; no data is duplicated, and
// later edits to dst copy-on-write only the nodes they touch, leaving
// the original historical subtree at srcRev untouched (spec §4.3).
func (b *Builder) Copy(srcPath string, srcRev uint64, dstPath string) error {
	srcRoot := b.tree.Snapshot(srcRev)
	if srcRoot == nil {
		return fmt.Errorf("tree: copy: source revision %d not closed", srcRev)
	}
	srcNode, _, ok := walk(srcRoot, splitPath(srcPath))
	if !ok {
		return fmt.Errorf("tree: copy: source path %s@%d not found", srcPath, srcRev)
	}
	return b.Add(dstPath, srcNode)
}

// ChangeKind is a per-path classification produced by Diff.
type ChangeKind int

const (
	Added ChangeKind = iota
	Deleted
	Modified
	PropsChanged
)

func (k ChangeKind) String() string {
	return [...]string{"Added", "Deleted", "Modified", "PropsChanged"}[k]
}

// Change describes one touched path between two snapshots.
type Change struct {
	Path string
	Kind ChangeKind
	Prev *Node // nil for Added
	Curr *Node // nil for Deleted
}

// Diff classifies each of touchedPaths (extracted from the revision's
// node list, per §4.3 — Diff never walks the full tree) between prev and
// curr snapshots.
func Diff(prev, curr *Node, touchedPaths []string) []Change {
	changes := make([]Change, 0, len(touchedPaths))
	for _, p := range touchedPaths {
		parts := splitPath(p)
		prevNode, _, prevOK := walk(prev, parts)
		currNode, _, currOK := walk(curr, parts)
		switch {
		case !prevOK && currOK:
			changes = append(changes, Change{Path: p, Kind: Added, Curr: currNode})
		case prevOK && !currOK:
			changes = append(changes, Change{Path: p, Kind: Deleted, Prev: prevNode})
		case prevOK && currOK:
			kind := Modified
			if prevNode.Kind == currNode.Kind && sameContent(prevNode, currNode) && !samePropsIdentity(prevNode, currNode) {
				kind = PropsChanged
			}
			changes = append(changes, Change{Path: p, Kind: kind, Prev: prevNode, Curr: currNode})
		}
	}
	return changes
}

func sameContent(a, b *Node) bool {
	if a.Kind == KindDir {
		return true // directory "content" is its children; handled by expansion, not here
	}
	return a.Content == b.Content
}

func samePropsIdentity(a, b *Node) bool {
	// Pointer/value identity is sufficient here: nodes are immutable, so
	// two nodes sharing the same Props map came from the same edit.
	if len(a.Props) != len(b.Props) {
		return false
	}
	for k, v := range a.Props {
		if b.Props[k] != v {
			return false
		}
	}
	return true
}

// Walk returns every file path beneath root (or the whole tree, if root
// is the tree root), in deterministic order. Used by the history builder
// to expand a directory add/delete/copy into per-file operations when a
// downstream consumer does not preserve copy edges (spec §4.3).
func Walk(root *Node) []string {
	var out []string
	var rec func(prefix string, n *Node)
	rec = func(prefix string, n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindFile {
			out = append(out, prefix)
			return
		}
		for _, name := range n.names {
			child := prefix + "/" + name
			if prefix == "" {
				child = name
			}
			rec(child, n.children[name])
		}
	}
	rec("", root)
	return out
}
