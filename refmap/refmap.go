// Package refmap resolves an SVN directory path to a Git refname,
// applying the MapRef/Replace transform chain and collision-free
// suffixing described in spec §4.5. It is a thin stateful layer over
// package config's pure rule resolution: refmap owns the one piece of
// state config cannot (the registry of refnames already handed out,
// needed to detect collisions and implicit parent blocks).
package refmap

import (
	"fmt"
	"strings"

	"github.com/svn2git/svnrecon/config"
)

// Resolution classifies the outcome of resolving a path.
type Resolution int

const (
	Unmapped Resolution = iota
	Blocked
	Mapped
)

// Result is what Resolve returns for a single path.
type Result struct {
	Resolution Resolution
	Refname    string
	// BranchRoot is the SVN path of the branch itself (the prefix of
	// the queried path that the matching rule consumed).
	BranchRoot string
	// RevisionRefRoot is the synthetic `refs/revisions/<branch>` root
	// computed for this branch (spec Glossary "Revision ref"). Nothing in
	// the conversion writes refs under it.
	RevisionRefRoot string
	// TreePrefix is the queried path's position within the branch's
	// own worktree (the path minus BranchRoot).
	TreePrefix string
}

// branchRecord tracks one refname this Mapper has already produced, in
// the order it was first produced — the tie-break order the spec's
// collision rule requires ("by order of branch creation").
type branchRecord struct {
	svnPath string
	refname string
}

// Mapper resolves paths to refnames for one run, maintaining the
// collision registry across calls.
type Mapper struct {
	cfg            *config.Config
	activeProjects []string

	byRefname map[string][]*branchRecord // base refname -> every branch that ever wanted it
	order     []*branchRecord
}

// New returns a Mapper bound to cfg's resolved rule set for
// activeProjects (see config.Config.ActiveProjects).
func New(cfg *config.Config, activeProjects []string) *Mapper {
	return &Mapper{
		cfg:            cfg,
		activeProjects: activeProjects,
		byRefname:      map[string][]*branchRecord{},
	}
}

// Resolve maps path — the branch root itself, or any path beneath
// it — to a refname, or reports it Unmapped/Blocked.
func (m *Mapper) Resolve(path string) Result {
	if m.isImplicitlyBlockedParent(path) {
		return Result{Resolution: Blocked}
	}
	resolved, ok := m.cfg.MapPath(m.activeProjects, path)
	if !ok {
		return Result{Resolution: Unmapped}
	}

	refname := resolved.Refname
	refname = m.cfg.MapRef(m.activeProjects, refname)
	refname = m.cfg.Replace(m.activeProjects, refname)
	if !strings.HasPrefix(refname, "refs/") {
		refname = "refs/" + refname
	}

	final := m.assign(resolved.BranchRoot, refname)
	return Result{
		Resolution:      Mapped,
		Refname:         final,
		BranchRoot:      resolved.BranchRoot,
		TreePrefix:      strings.TrimPrefix(strings.TrimPrefix(path, resolved.BranchRoot), "/"),
		RevisionRefRoot: "refs/revisions/" + strings.TrimPrefix(strings.TrimPrefix(final, "refs/heads/"), "refs/tags/"),
	}
}

// assign returns the collision-free refname for (branchRoot,
// baseRefname), reusing a prior assignment for the same branchRoot and
// otherwise appending the smallest "__n" suffix (n >= 2) not already
// taken, ordered deterministically by branch creation order (spec
// §4.5).
func (m *Mapper) assign(branchRoot, baseRefname string) string {
	for _, rec := range m.byRefname[baseRefname] {
		if rec.svnPath == branchRoot {
			return rec.refname
		}
	}
	refname := baseRefname
	if existing := m.byRefname[baseRefname]; len(existing) > 0 {
		refname = fmt.Sprintf("%s__%d", baseRefname, len(existing)+1)
	}
	rec := &branchRecord{svnPath: branchRoot, refname: refname}
	m.byRefname[baseRefname] = append(m.byRefname[baseRefname], rec)
	m.order = append(m.order, rec)
	return refname
}

// isImplicitlyBlockedParent reports whether svnPath is exactly the
// parent directory of a MapPath rule whose pattern ends in a literal
// `/*` (not `/**`) with BlockParent enabled (the default) — e.g. a
// rule mapping `branches/*` blocks `branches` itself from ever
// resolving to a branch (spec §4.5).
func (m *Mapper) isImplicitlyBlockedParent(svnPath string) bool {
	svnPath = strings.TrimSuffix(svnPath, "/")
	for _, parent := range m.cfg.ImplicitlyBlockedParents(m.activeProjects) {
		if parent == svnPath {
			return true
		}
	}
	return false
}
