package history

import (
	"fmt"

	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/tree"
)

// deltaSources resolves a dump.CopyFrom delta-source reference to the
// ContentRef it should be applied against: either a prior, already-closed
// revision's snapshot, or (rarely) a path already written earlier in the
// revision currently under construction.
type deltaSources struct {
	tree       *tree.Tree
	building   *tree.Builder
	rev        uint64
	verifyHash bool
}

func (s *deltaSources) resolve(src *dump.CopyFrom) (tree.ContentRef, error) {
	if src == nil {
		return nil, fmt.Errorf("history: text-delta node has no delta source")
	}
	var root *tree.Node
	if src.Rev == s.rev {
		n, ok := s.building.Get(src.Path)
		if !ok {
			return nil, fmt.Errorf("history: delta source %s not yet written in r%d", src.Path, src.Rev)
		}
		if n.Kind != tree.KindFile {
			return nil, fmt.Errorf("history: delta source %s is a directory", src.Path)
		}
		return n.Content, nil
	}
	root = s.tree.Snapshot(src.Rev)
	if root == nil {
		return nil, fmt.Errorf("history: delta source revision %d not closed", src.Rev)
	}
	n, ok := lookupPath(root, src.Path)
	if !ok {
		return nil, fmt.Errorf("history: delta source %s@%d not found", src.Path, src.Rev)
	}
	if n.Kind != tree.KindFile {
		return nil, fmt.Errorf("history: delta source %s@%d is a directory", src.Path, src.Rev)
	}
	return n.Content, nil
}

// applyNode installs one dump.Node's effect into the snapshot under
// construction (spec §4.6 step 1, §4.3's node-to-tree-op mapping).
func applyNode(tb *tree.Builder, n *dump.Node, sources *deltaSources) error {
	switch n.Action {
	case dump.ActionDelete:
		_, err := tb.Delete(n.Path)
		return err

	case dump.ActionAdd:
		return addNode(tb, n, sources)

	case dump.ActionReplace:
		if _, ok := tb.Get(n.Path); ok {
			if _, err := tb.Delete(n.Path); err != nil {
				return err
			}
		}
		return addNode(tb, n, sources)

	case dump.ActionChange:
		return changeNode(tb, n, sources)
	}
	return fmt.Errorf("unhandled node action %v for %s", n.Action, n.Path)
}

func addNode(tb *tree.Builder, n *dump.Node, sources *deltaSources) error {
	if n.CopyFrom != nil {
		if err := ensureParent(tb, n.Path); err != nil {
			return err
		}
		if err := tb.Copy(n.CopyFrom.Path, n.CopyFrom.Rev, n.Path); err != nil {
			return err
		}
		// A copy that also carries its own prop/text changes (a
		// "modified copy") applies those as a follow-up edit.
		if len(n.Props) > 0 || n.HasText {
			return changeNode(tb, n, sources)
		}
		return nil
	}
	if n.Kind == dump.KindDir {
		if err := ensureParent(tb, n.Path); err != nil {
			return err
		}
		return tb.Add(n.Path, tree.NewDir(n.Props))
	}
	content, exec, special, err := fileContent(n, sources)
	if err != nil {
		return err
	}
	if err := ensureParent(tb, n.Path); err != nil {
		return err
	}
	return tb.Add(n.Path, tree.NewFile(content, n.Props, exec, special))
}

func changeNode(tb *tree.Builder, n *dump.Node, sources *deltaSources) error {
	existing, ok := tb.Get(n.Path)
	if !ok {
		// A Change record needs an existing node (addNode installs the
		// copy before applying a modified copy's own changes here), so a
		// missing path means a malformed dump.
		return fmt.Errorf("history: change of nonexistent path %s", n.Path)
	}
	if existing.Kind == tree.KindDir {
		props := mergeProps(existing.Props, n.Props, n.DeletedProps, n.PropsDelta)
		return tb.Change(n.Path, func(cur *tree.Node) *tree.Node {
			cp := *cur
			cp.Props = props
			return &cp
		})
	}
	content := existing.Content
	exec, special := existing.Exec, existing.Special
	if n.HasText {
		var err error
		content, exec, special, err = fileContent(n, sources)
		if err != nil {
			return err
		}
	}
	props := mergeProps(existing.Props, n.Props, n.DeletedProps, n.PropsDelta)
	if n.HasText {
		if _, hasExec := props["svn:executable"]; !hasExec {
			exec = false
		}
	}
	return tb.Change(n.Path, func(cur *tree.Node) *tree.Node {
		return tree.NewFile(content, props, exec, special)
	})
}

// mergeProps applies a node's own property change onto the existing set.
// A v3 Prop-delta block (isDelta) lists only added/changed keys plus any
// "D <name>" deletions, so it's merged onto existing rather than
// replacing it outright. A v2-style full block carries the complete
// property snapshot and replaces existing wholesale.
func mergeProps(existing, incoming map[string]string, deleted []string, isDelta bool) map[string]string {
	if !isDelta {
		if incoming == nil {
			return existing
		}
		return incoming
	}
	merged := map[string]string{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	for _, k := range deleted {
		delete(merged, k)
	}
	return merged
}

func fileContent(n *dump.Node, sources *deltaSources) (tree.ContentRef, bool, bool, error) {
	var content tree.ContentRef
	if n.TextDelta {
		var src tree.ContentRef
		if n.DeltaSource == nil {
			// No base named by the record: the delta applies to the
			// path's current content, or to empty content if it is new.
			src = literalContent("")
			if cur, ok := sources.building.Get(n.Path); ok && cur.Kind == tree.KindFile {
				src = cur.Content
			}
		} else {
			var err error
			if src, err = sources.resolve(n.DeltaSource); err != nil {
				return nil, false, false, err
			}
		}
		content = deltaContent(n.Content, src, verifyParams(sources.verifyHash, n))
	} else {
		content = fullTextContent(n.Content)
	}
	_, exec := n.Props["svn:executable"]
	_, special := n.Props["svn:special"]
	return content, exec, special, nil
}

// verifyParams carries the MD5/SHA1 a resolved delta's materialized
// bytes must match, or a zero value when verification is off.
func verifyParams(enabled bool, n *dump.Node) hashCheck {
	if !enabled {
		return hashCheck{}
	}
	return hashCheck{md5: n.MD5, sha1: n.SHA1}
}

func ensureParent(tb *tree.Builder, path string) error {
	return mkdirAllTo(tb, path)
}
