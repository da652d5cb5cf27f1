// Package history turns the per-revision stream of SVN node records into
// per-branch CommitRequests, the way the teacher's GitP4Transfer turns a
// stream of libfastimport commands into GitCommits: apply records to the
// tree under construction, attribute touched paths to a branch, validate
// and adjust the accumulated file set, then hand the result to the next
// stage (spec §4.6).
package history

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/svn2git/svnrecon/config"
	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/refmap"
	"github.com/svn2git/svnrecon/tree"
)

// MergeParent is one extra parent a commit gets from mergeinfo
// reconstruction (spec §4.7), or a cherry-pick annotation when coverage
// is incomplete.
type MergeParent struct {
	CommitID    int
	Refname     string
	CherryPick  bool
	FastForward bool   // branch's own tip is already an ancestor of CommitID: advance to it instead of merging (spec §4.7 step 5)
	Note        string // annotation text when CherryPick is true
}

// MergeResolver computes the merge parents (if any) for one branch's
// change-set at a revision. history calls it once per touched branch,
// after the revision's tree has closed, so mergeinfo deltas can be read
// straight off the final snapshot (spec §4.7 step 1). nodes is the full,
// unfiltered node list for the revision (not just this branch's touched
// paths), since classifying a dir_copy/file_copy entry needs to see this
// revision's own copyfrom records, not just the resulting tree. sub is
// the branch's own rerooted subtree; globalRoot is the full,
// un-rerooted revision tree, needed when svn:mergeinfo inheritance has
// to walk above branchRoot to find it.
type MergeResolver interface {
	Resolve(rev uint64, refname, branchRoot string, sub, globalRoot *tree.Node, nodes []*dump.Node) []MergeParent
}

// CommitRecorder is an optional extension a MergeResolver can implement
// to learn the commit ID history assigned to a branch's revision after
// the fact — Resolve for one branch's merge may need another branch's
// tip commit ID, which is only known once that branch's own buildCommit
// has run (spec §5: "a merge edge... is only emitted after C is known").
// parents and mergeParents are the commit's own parent commit IDs, so a
// MergeResolver can maintain ancestor-reachability bookkeeping for its
// own fast-forward detection.
type CommitRecorder interface {
	RecordCommit(refname string, rev uint64, commitID int, parents []int, mergeParents []MergeParent)
}

// CommitRequest is what history hands to the object pipeline: enough to
// build a tree, a commit, and its refs without any further SVN lookups.
// Parents and MergeParents reference other CommitRequests by ID rather
// than by Git SHA — ID is a fast-import-style mark, assigned in emission
// order, that the object pipeline resolves to a real SHA once that
// commit has actually been written (spec §4.8, §5's ordering contract).
type CommitRequest struct {
	ID           int
	Refname      string
	Rev          uint64
	Tree         *tree.Node // the branch's own worktree root, post-overlay
	Parents      []int
	MergeParents []MergeParent
	Author       string
	Date         string
	Message      string
	ChangeID     string
	NewBranch    bool // true if this is the branch's first commit
}

// DeletedRef is a termination marker: branch's SVN path was deleted and
// never revived, so its last tip gets an extra ref instead of being
// silently dropped (spec §4.6 "Branch termination").
type DeletedRef struct {
	Refname     string
	Rev         uint64
	TipCommitID int
}

// RevisionResult is everything history produced for one incoming
// revision.
type RevisionResult struct {
	Commits     []CommitRequest
	DeletedRefs []DeletedRef
}

type branchState struct {
	refname    string
	hasTip     bool
	tipID      int
	tipRev     uint64
	tipHistory []tipRecord // every commit this branch has ever gotten, in rev order
	pendingMsg string      // queued <SkipCommit> message(s), prepended to the next real commit
	alive      bool
	svnPath    string // last known SVN path this branch lived at, for termination refs
}

// tipRecord is one entry of a branch's commit history, keyed by the SVN
// revision it was produced for.
type tipRecord struct {
	rev uint64
	id  int
}

// tipAt resolves the branch's tip as of rev, the way a copyfrom's own
// source revision pins a parent rather than the branch's current tip
// (spec §4.6 step 4b) — a branch revived from an old tag must not pick
// up content trunk gained after that tag was cut.
func (bs *branchState) tipAt(rev uint64) (int, bool) {
	id, found := 0, false
	for _, r := range bs.tipHistory {
		if r.rev <= rev {
			id, found = r.id, true
		}
	}
	return id, found
}

// Builder is the stateful per-run orchestrator: one per conversion,
// fed revisions strictly in increasing order.
type Builder struct {
	cfg            *config.Config
	activeProjects []string
	mapper         *refmap.Mapper
	tree           *tree.Tree
	logger         *logrus.Logger
	merge          MergeResolver

	// VerifyDataHash re-checks a delta node's recorded MD5/SHA1 against
	// its svndiff-materialized bytes once resolved, the delta-node
	// counterpart to dump.Options.VerifyDataHash (which only covers
	// full-text nodes, since package dump never applies svndiff0 itself).
	VerifyDataHash bool

	branches map[string]*branchState
	nextID   int
}

// New returns a Builder bound to cfg's resolved rules for activeProjects.
// merge may be nil, in which case no merge parents are ever added (every
// branch change-set commits as a plain linear update).
func New(cfg *config.Config, activeProjects []string, logger *logrus.Logger, merge MergeResolver) *Builder {
	return &Builder{
		cfg:            cfg,
		activeProjects: activeProjects,
		mapper:         refmap.New(cfg, activeProjects),
		tree:           tree.New(),
		logger:         logger,
		merge:          merge,
		branches:       map[string]*branchState{},
	}
}

// Tree exposes the underlying persistent tree so a caller can snapshot
// a closed revision directly (used by the `--compare-to` verification
// mode, which diffs two independently-built trees path by path).
func (b *Builder) Tree() *tree.Tree {
	return b.tree
}

// Process applies one revision's node records to the tree, attributes
// touched paths to branches, and returns the resulting CommitRequests
// (spec §4.6 steps 1-6).
func (b *Builder) Process(rev *dump.Revision, nodes []*dump.Node) (RevisionResult, error) {
	tb := b.tree.Begin(rev.Rev)

	sources := &deltaSources{tree: b.tree, building: tb, rev: rev.Rev, verifyHash: b.VerifyDataHash}
	touchedOrder := make([]string, 0, len(nodes))
	touchedSet := map[string]bool{}
	deletedPaths := map[string]bool{}
	for _, n := range nodes {
		if b.cfg.IgnoreFiles(b.activeProjects, n.Path) {
			b.logger.Debugf("r%d: ignoring %s (IgnoreFiles)", rev.Rev, n.Path)
			continue
		}
		if err := applyNode(tb, n, sources); err != nil {
			return RevisionResult{}, fmt.Errorf("r%d: %w", rev.Rev, err)
		}
		if n.Action == dump.ActionDelete {
			deletedPaths[n.Path] = true
		}
		if !touchedSet[n.Path] {
			touchedSet[n.Path] = true
			touchedOrder = append(touchedOrder, n.Path)
		}
	}

	groups, order, deletions := b.groupByBranch(touchedOrder, deletedPaths)

	for _, refname := range order {
		g := groups[refname]
		if err := b.applyOverlays(tb, g); err != nil {
			return RevisionResult{}, fmt.Errorf("r%d: %s: %w", rev.Rev, refname, err)
		}
	}
	root := tb.Close()

	var result RevisionResult
	for _, refname := range order {
		g := groups[refname]
		sub, ok := lookupPath(root, g.branchRoot)
		if !ok {
			continue // every touched path under the root was itself removed this revision
		}
		cr, skipped, err := b.buildCommit(rev, nodes, refname, g, root, sub)
		if err != nil {
			return RevisionResult{}, fmt.Errorf("r%d: %s: %w", rev.Rev, refname, err)
		}
		if !skipped {
			result.Commits = append(result.Commits, cr)
		}
	}

	for _, d := range deletions {
		if dr, ok := b.terminateBranch(rev.Rev, d, root); ok {
			result.DeletedRefs = append(result.DeletedRefs, dr)
		}
	}
	return result, nil
}

// branchChange is one branch's accumulated touched-path set for a
// revision (spec §4.6 step 3).
type branchChange struct {
	refname    string
	branchRoot string
	touched    []string
}

// groupByBranch resolves every touched path to its owning branch (spec
// step 2-3), and separately collects the SVN paths that are themselves
// branch roots and were deleted outright this revision (possible branch
// terminations, spec step "Branch termination").
func (b *Builder) groupByBranch(touched []string, deletedPaths map[string]bool) (map[string]*branchChange, []string, []string) {
	groups := map[string]*branchChange{}
	var order []string
	var maybeDeletedRoots []string
	for _, p := range touched {
		// Resolve is pure path-pattern matching, so it works the same
		// whether p still exists in the post-revision tree or not.
		res := b.mapper.Resolve(p)
		if deletedPaths[p] && res.Resolution == refmap.Mapped && res.BranchRoot == p {
			maybeDeletedRoots = append(maybeDeletedRoots, p)
			continue
		}
		switch res.Resolution {
		case refmap.Unmapped:
			continue
		case refmap.Blocked:
			continue
		}
		g, ok := groups[res.Refname]
		if !ok {
			g = &branchChange{refname: res.Refname, branchRoot: res.BranchRoot}
			groups[res.Refname] = g
			order = append(order, res.Refname)
		}
		g.touched = append(g.touched, p)
	}
	sort.Strings(order)
	return groups, order, maybeDeletedRoots
}

// applyOverlays installs <InjectFile>/<AddFile>/<DeletePath>/<Chmod> and
// the svn:gitignore-to-.gitignore conversion directly into the tree
// under construction, at paths rooted under the branch (spec §4.6 step
// 4c). These are ordinary tree edits: once written they persist into
// later revisions exactly like SVN-born content. Every rule is applied
// again each revision the branch is touched; an <InjectFile> or
// <AddFile> path that already exists is rewritten even when its content
// is unchanged.
func (b *Builder) applyOverlays(tb *tree.Builder, g *branchChange) error {
	for _, rule := range b.cfg.InjectFiles(b.activeProjects) {
		path := joinPath(g.branchRoot, rule.Path)
		content := literalContent(rule.Content)
		if err := upsertFile(tb, path, content, false, false, nil); err != nil {
			return err
		}
	}
	for _, rule := range b.cfg.AddFiles(b.activeProjects) {
		path := joinPath(g.branchRoot, rule.Path)
		// Source is resolved by the caller's filesystem layer; history
		// only knows the literal Source string was already read into
		// rule.Content by config loading is not guaranteed, so treat
		// Source as inline content when no external loader is wired.
		if err := upsertFile(tb, path, literalContent(rule.Source), false, false, nil); err != nil {
			return err
		}
	}
	for _, rawPath := range b.cfg.DeletePaths(b.activeProjects) {
		path := joinPath(g.branchRoot, rawPath)
		if n, ok := tb.Get(path); ok && n != nil {
			if _, err := tb.Delete(path); err != nil {
				return err
			}
		}
	}
	if root, ok := tb.Get(g.branchRoot); ok && root != nil && root.Kind == tree.KindDir {
		if gi, ok := root.Props["svn:gitignore"]; ok {
			path := joinPath(g.branchRoot, ".gitignore")
			if err := upsertFile(tb, path, literalContent(gi), false, false, nil); err != nil {
				return err
			}
		}
	}
	if placeholder := b.cfg.Global.EmptyDirPlaceholder; placeholder != "" {
		if err := addEmptyDirPlaceholders(tb, g.branchRoot, placeholder); err != nil {
			return err
		}
	}
	for _, rule := range b.cfg.ChmodRules(b.activeProjects) {
		path := joinPath(g.branchRoot, rule.Path)
		if n, ok := tb.Get(path); ok && n != nil && n.Kind == tree.KindFile {
			exec := rule.Mode == "755" || rule.Mode == "+x"
			if exec != n.Exec {
				if err := tb.Change(path, func(cur *tree.Node) *tree.Node {
					cp := *cur
					cp.Exec = exec
					return &cp
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addEmptyDirPlaceholders recurses the branch subtree, dropping a
// placeholder file (".gitkeep" by default) into every directory with no
// entries, since Git's own tree objects cannot represent an empty
// directory (spec §4.6 step 4c's <EmptyDirPlaceholder>).
func addEmptyDirPlaceholders(tb *tree.Builder, path, placeholder string) error {
	n, ok := tb.Get(path)
	if !ok || n.Kind != tree.KindDir {
		return nil
	}
	names := n.Names()
	if len(names) == 0 {
		return tb.Add(joinPath(path, placeholder), tree.NewFile(literalContent(""), nil, false, false))
	}
	for _, name := range names {
		if err := addEmptyDirPlaceholders(tb, joinPath(path, name), placeholder); err != nil {
			return err
		}
	}
	return nil
}

func upsertFile(tb *tree.Builder, path string, content tree.ContentRef, exec, special bool, props map[string]string) error {
	if existing, ok := tb.Get(path); ok {
		if existing.Kind != tree.KindFile {
			return fmt.Errorf("overlay path %s is a directory", path)
		}
		return tb.Change(path, func(*tree.Node) *tree.Node {
			return tree.NewFile(content, props, exec, special)
		})
	}
	if err := mkdirAllTo(tb, path); err != nil {
		return err
	}
	return tb.Add(path, tree.NewFile(content, props, exec, special))
}

// mkdirAllTo ensures every ancestor directory of path exists, the way
// the teacher's addSubFile implicitly creates intermediate Nodes.
func mkdirAllTo(tb *tree.Builder, path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		dir := strings.Join(parts[:i], "/")
		if _, ok := tb.Get(dir); ok {
			continue
		}
		if err := tb.Add(dir, tree.NewDir(nil)); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(root, rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if root == "" {
		return rel
	}
	if rel == "" {
		return root
	}
	return root + "/" + rel
}

// lookupPath walks root using only the exported Node API.
func lookupPath(root *tree.Node, path string) (*tree.Node, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return root, root != nil
	}
	cur := root
	for _, part := range strings.Split(path, "/") {
		if cur == nil {
			return nil, false
		}
		cur = cur.Child(part)
	}
	return cur, cur != nil
}

// buildCommit finalizes one branch's commit for this revision: parent
// linkage, skip-commit combining, and message construction (spec §4.6
// steps 4a/4d, step 5).
func (b *Builder) buildCommit(rev *dump.Revision, nodes []*dump.Node, refname string, g *branchChange, root, sub *tree.Node) (CommitRequest, bool, error) {
	bs := b.branches[refname]
	newBranch := bs == nil
	if newBranch {
		bs = &branchState{refname: refname}
		b.branches[refname] = bs
	}
	bs.alive = true
	bs.svnPath = g.branchRoot

	var parents []int
	if bs.hasTip {
		parents = append(parents, bs.tipID)
	} else if parentID, ok := b.branchCreationParent(nodes, g.branchRoot); ok {
		parents = append(parents, parentID)
	} else if parentID, ok := b.orphanParent(root, sub); ok {
		parents = append(parents, parentID)
	}

	var mergeParents []MergeParent
	if b.merge != nil {
		mergeParents = b.merge.Resolve(rev.Rev, refname, g.branchRoot, sub, root, nodes)
	}
	if len(mergeParents) == 1 && mergeParents[0].FastForward {
		// The branch's own tip is already an ancestor of the merge
		// source: there's no divergent content to merge, so this
		// commit just parents the source directly instead of
		// recording a merge commit (spec §4.7 step 5).
		parents = []int{mergeParents[0].CommitID}
		mergeParents = nil
	}

	msg := rev.Log()
	if bs.pendingMsg != "" {
		msg = bs.pendingMsg + "\n\n" + msg
		bs.pendingMsg = ""
	}

	isMerge := len(mergeParents) > 0
	for _, mp := range mergeParents {
		if !mp.CherryPick {
			isMerge = true
		}
	}
	if !isMerge && b.cfg.IsSkipCommit(b.activeProjects, rev.Rev) {
		if bs.pendingMsg == "" {
			bs.pendingMsg = msg
		} else {
			bs.pendingMsg = bs.pendingMsg + "\n\n" + msg
		}
		return CommitRequest{}, true, nil
	}

	msg = b.cfg.EditMessage(b.activeProjects, msg)
	if strings.HasPrefix(msg, "\n\n") {
		msg = autoSummary(g.touched) + msg
	}
	msg = decorate(msg, b.cfg.Global.DecorateCommitMessage, rev.Rev)

	b.nextID++
	id := b.nextID
	if rec, ok := b.merge.(CommitRecorder); ok {
		rec.RecordCommit(refname, rev.Rev, id, parents, mergeParents)
	}
	cr := CommitRequest{
		ID:           id,
		Refname:      refname,
		Rev:          rev.Rev,
		Tree:         sub,
		Parents:      parents,
		MergeParents: mergeParents,
		Author:       rev.Author(),
		Date:         rev.Date(),
		Message:      msg,
		NewBranch:    newBranch,
	}
	if b.cfg.Global.DecorateCommitMessage == "change-id" {
		cr.ChangeID = changeID(parents, rev.Author(), rev.Date(), msg)
	}

	bs.hasTip = true
	bs.tipID = id
	bs.tipRev = rev.Rev
	bs.tipHistory = append(bs.tipHistory, tipRecord{rev: rev.Rev, id: id})
	return cr, false, nil
}

// branchCreationParent finds this revision's copyfrom of branchRoot (the
// literal node-add that created it) and resolves the source to its
// owning branch's tip as of the copy's own source revision, not
// whatever the source branch's tip happens to be by the time we get
// here — trunk may well have moved on between CopyFrom.Rev and this
// revision, e.g. a tag cut from an old release point after trunk kept
// going (spec §4.6 step 4b).
func (b *Builder) branchCreationParent(nodes []*dump.Node, branchRoot string) (int, bool) {
	for _, n := range nodes {
		if n.Path != branchRoot || n.CopyFrom == nil {
			continue
		}
		res := b.mapper.Resolve(n.CopyFrom.Path)
		if res.Resolution != refmap.Mapped {
			return 0, false
		}
		src := b.branches[res.Refname]
		if src == nil || !src.hasTip {
			return 0, false
		}
		return src.tipAt(n.CopyFrom.Rev)
	}
	return 0, false
}

// orphanParent implements `--link-orphan-revs` (spec §8 Scenario 5): a
// branch whose first commit has no copyfrom to pin a parent (svn mkdir
// plus a same-revision populate, rather than `svn copy`) is otherwise
// rootless. If more than half of its files already exist, path for
// path, in some other live branch's current tree, that branch's tip is
// the most plausible parent, so link to it instead of leaving the new
// branch history-less.
func (b *Builder) orphanParent(root, sub *tree.Node) (int, bool) {
	if !b.cfg.Global.LinkOrphanRevs {
		return 0, false
	}
	orphanFiles := tree.Walk(sub)
	if len(orphanFiles) == 0 {
		return 0, false
	}
	orphanSet := make(map[string]bool, len(orphanFiles))
	for _, p := range orphanFiles {
		orphanSet[p] = true
	}

	bestID := 0
	bestScore := 0.0
	for _, cand := range b.branches {
		if !cand.alive || !cand.hasTip {
			continue
		}
		candRoot, ok := lookupPath(root, cand.svnPath)
		if !ok {
			continue
		}
		matches := 0
		for _, p := range tree.Walk(candRoot) {
			if orphanSet[p] {
				matches++
			}
		}
		score := float64(matches) / float64(len(orphanSet))
		if score > bestScore {
			bestScore = score
			bestID = cand.tipID
		}
	}
	if bestScore > 0.5 {
		return bestID, true
	}
	return 0, false
}

// terminateBranch reports a DeletedRef when svnPath was an alive
// branch's root and it was not revived in the same revision (spec §4.6
// "Branch termination"). Reviving means some node re-created svnPath
// later in the same revision's node list, so the tree closed for this
// revision has it again; mapper.Resolve can't tell this apart from
// "still matches a mapping rule", since that's true of any path a
// branch was ever created at, deleted or not.
func (b *Builder) terminateBranch(rev uint64, svnPath string, root *tree.Node) (DeletedRef, bool) {
	for _, bs := range b.branches {
		if bs.svnPath != svnPath || !bs.alive {
			continue
		}
		if _, ok := lookupPath(root, svnPath); ok {
			continue // revived at the same path this very revision
		}
		bs.alive = false
		return DeletedRef{
			Refname:     fmt.Sprintf("%s_deleted@r%d", bs.refname, rev),
			Rev:         rev,
			TipCommitID: bs.tipID,
		}, true
	}
	return DeletedRef{}, false
}

func autoSummary(touched []string) string {
	if len(touched) == 0 {
		return ""
	}
	if len(touched) == 1 {
		return fmt.Sprintf("Update %s\n", touched[0])
	}
	return fmt.Sprintf("Update %d paths\n", len(touched))
}

func decorate(msg, mode string, rev uint64) string {
	if mode == "revision-id" {
		return msg + fmt.Sprintf("\n\nSVN-Revision: %d\n", rev)
	}
	return msg
}

func changeID(parents []int, author, date, msg string) string {
	h := sha1.New()
	for _, p := range parents {
		fmt.Fprintf(h, "%d,", p)
	}
	fmt.Fprintf(h, "|%s|%s|%s", author, date, msg)
	return fmt.Sprintf("I%x", h.Sum(nil))
}
