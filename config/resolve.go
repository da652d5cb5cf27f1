package config

import (
	"strconv"
	"strings"
)

// ResolvedMapPath is the result of mapping an SVN path to a branch
// identity, before ref-mapper collision handling (spec §4.5 builds on
// top of this). BranchRoot is the prefix of the queried path that the
// matching rule actually consumed — everything after it is the path's
// position within the branch's own worktree.
type ResolvedMapPath struct {
	Refname     string
	BranchRoot  string
	BlockParent bool
}

// activeRuleSets returns, in resolution order, the rule sets that apply
// for the given active project names: each named project's own rules
// (in the order given — callers pass them in declaration order), then
// Default, then builtin unless InheritDefaultMappings is off (spec
// §4.4's three-tier "rule resolution order").
func (c *Config) activeRuleSets(activeProjects []string) []*RuleSet {
	var sets []*RuleSet
	byName := map[string]*RuleSet{}
	for i := range c.Projects {
		byName[c.Projects[i].Name] = &c.Projects[i].Rules
	}
	for _, name := range activeProjects {
		if rs, ok := byName[name]; ok {
			sets = append(sets, rs)
		}
	}
	sets = append(sets, &c.Default)
	if c.Global.InheritDefaultMappings {
		sets = append(sets, &c.builtin)
	}
	return sets
}

// ActiveProjects expands the requested project names to include every
// transitive NeedsProjects dependency (spec §4.4: "NeedsProjects
// enforces a dependency set that must also be active").
func (c *Config) ActiveProjects(requested []string) []string {
	byName := map[string]Project{}
	for _, p := range c.Projects {
		byName[p.Name] = p
	}
	seen := map[string]bool{}
	var order []string
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
		for _, need := range byName[name].NeedsProjects {
			visit(need)
		}
	}
	for _, name := range requested {
		visit(name)
	}
	// ExplicitOnly projects never join implicitly; they must appear in
	// requested (or be a NeedsProjects dependency, direct or transitive,
	// of one that does).
	var active []string
	for _, name := range order {
		p := byName[name]
		if p.ExplicitOnly && !containsString(requested, name) && !isDependencyOf(byName, order, name) {
			continue
		}
		active = append(active, name)
	}
	return active
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func isDependencyOf(byName map[string]Project, requested []string, target string) bool {
	for _, name := range requested {
		for _, need := range byName[name].NeedsProjects {
			if need == target {
				return true
			}
		}
	}
	return false
}

// MapPath resolves an SVN path to a refname, scanning the project
// rules (first-match-wins), then Default, then builtin, at each tier
// trying MapPath rules in declaration order and UnmapPath rules with
// the same precedence: an UnmapPath match at any tier blocks the path
// outright once reached in resolution order.
func (c *Config) MapPath(activeProjects []string, path string) (ResolvedMapPath, bool) {
	for _, rs := range c.activeRuleSets(activeProjects) {
		for _, u := range rs.UnmapPath {
			if ok, _, _ := u.compiled.Match(path); ok {
				return ResolvedMapPath{}, false
			}
		}
		for _, m := range rs.MapPath {
			if ok, caps, residual := m.compiled.Match(path); ok {
				refname := substituteCaptures(m.Refname, caps)
				if !strings.HasPrefix(refname, "refs/") {
					refname = "refs/" + refname
				}
				blockParent := true
				if m.BlockParent != nil {
					blockParent = *m.BlockParent
				}
				// Match stops once the pattern (not necessarily the
				// whole candidate) is satisfied, so for most wildcards
				// the unconsumed residual is exactly path's
				// tree-relative part beneath the branch root. A
				// trailing `**` is the exception: it always greedily
				// swallows everything in one step, leaving no
				// residual, so its own capture (the text it actually
				// swallowed) is what recovers the split instead.
				branchRoot := path
				switch {
				case m.compiled.EndsWithStarStar() && len(caps) > 0:
					tail := caps[len(caps)-1]
					branchRoot = strings.TrimSuffix(path[:len(path)-len(tail)], "/")
				case residual != "":
					branchRoot = strings.TrimSuffix(path[:len(path)-len(residual)], "/")
				}
				return ResolvedMapPath{Refname: refname, BranchRoot: branchRoot, BlockParent: blockParent}, true
			}
		}
	}
	return ResolvedMapPath{}, false
}

func substituteCaptures(template string, caps []string) string {
	out := template
	for i, c := range caps {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i+1), c)
	}
	return out
}

// EditMessage runs the EditMsg chain: project rules first, then
// Default's (spec §4.4: "defaults apply after project rules" for this
// group), stopping at the first rule marked Final.
func (c *Config) EditMessage(activeProjects []string, msg string) string {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		for _, rule := range rs.EditMsg {
			if ok, _, _ := rule.compiled.Match(msg); ok {
				msg = rule.Replacement
				if rule.Final {
					return msg
				}
			}
		}
	}
	return msg
}

// IgnoreFiles reports whether path is excluded by any active
// IgnoreFiles list, project rules first then Default's.
func (c *Config) IgnoreFiles(activeProjects []string, path string) bool {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		if rs.ignoreFilesCompiled != nil && rs.ignoreFilesCompiled.Match(path) {
			return true
		}
	}
	return false
}

// Chmod returns the forced mode for path, if any Chmod rule matches.
func (c *Config) Chmod(activeProjects []string, path string) (string, bool) {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		for _, rule := range rs.Chmod {
			if ok, _, _ := rule.compiled.Match(path); ok {
				return rule.Mode, true
			}
		}
	}
	return "", false
}

// InjectFiles returns every active <InjectFile> rule, project rules
// first then Default's, in declaration order.
func (c *Config) InjectFiles(activeProjects []string) []InjectFileRule {
	var out []InjectFileRule
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		out = append(out, rs.InjectFile...)
	}
	return out
}

// AddFiles returns every active <AddFile> rule, project rules first then
// Default's, in declaration order.
func (c *Config) AddFiles(activeProjects []string) []AddFileRule {
	var out []AddFileRule
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		out = append(out, rs.AddFile...)
	}
	return out
}

// DeletePaths returns every active <DeletePath> entry, project rules
// first then Default's, in declaration order (spec §9 Open Question 3).
// history.applyOverlays applies them after every <InjectFile> and
// <AddFile> rule, so a deletion wins a same-path collision whatever the
// declaration order: an <AddFile> declared after a <DeletePath> for the
// same path does not survive.
func (c *Config) DeletePaths(activeProjects []string) []string {
	var out []string
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		out = append(out, rs.DeletePath...)
	}
	return out
}

// ChmodRules returns every active <Chmod> rule, project rules first then
// Default's.
func (c *Config) ChmodRules(activeProjects []string) []ChmodRule {
	var out []ChmodRule
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		out = append(out, rs.Chmod...)
	}
	return out
}

// MapRef remaps a produced refname before collision suffixing.
func (c *Config) MapRef(activeProjects []string, refname string) string {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		for _, rule := range rs.MapRef {
			if ok, caps, _ := rule.compiled.Match(refname); ok {
				return substituteCaptures(rule.Replacement, caps)
			}
		}
	}
	return refname
}

// Replace applies every active character-replacement rule, in order,
// to a final refname (spec §4.5's `feat x:1` → `feat_x.1` example).
func (c *Config) Replace(activeProjects []string, refname string) string {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		for _, rule := range rs.Replace {
			refname = strings.ReplaceAll(refname, rule.From, rule.To)
		}
	}
	return refname
}

// projectThenDefaultOnly returns project rule sets (declaration order)
// followed by Default — never builtin, since builtin has no EditMsg/
// IgnoreFiles/Chmod/MapRef/Replace rules of its own.
func (c *Config) projectThenDefaultOnly(activeProjects []string) []*RuleSet {
	var sets []*RuleSet
	byName := map[string]*RuleSet{}
	for i := range c.Projects {
		byName[c.Projects[i].Name] = &c.Projects[i].Rules
	}
	for _, name := range activeProjects {
		if rs, ok := byName[name]; ok {
			sets = append(sets, rs)
		}
	}
	return append(sets, &c.Default)
}

// ImplicitlyBlockedParents returns, for every active MapPath rule whose
// raw pattern ends in a literal `/*` with BlockParent enabled (the
// default), the immediate parent directory that rule implicitly
// unmaps — so `branches/*` blocks `branches` itself from ever becoming
// a branch (spec §4.5). `/**` is not `/*` and is not affected.
func (c *Config) ImplicitlyBlockedParents(activeProjects []string) []string {
	var parents []string
	for _, rs := range c.activeRuleSets(activeProjects) {
		for _, m := range rs.MapPath {
			blockParent := true
			if m.BlockParent != nil {
				blockParent = *m.BlockParent
			}
			if !blockParent {
				continue
			}
			if strings.HasSuffix(m.Path, "/*") && !strings.HasSuffix(m.Path, "/**") {
				parents = append(parents, strings.TrimSuffix(m.Path, "/*"))
			}
		}
	}
	return parents
}

// IsSkipCommit reports whether rev is named by an active <SkipCommit>.
func (c *Config) IsSkipCommit(activeProjects []string, rev uint64) bool {
	for _, rs := range c.projectThenDefaultOnly(activeProjects) {
		for _, r := range rs.SkipCommit {
			if r == rev {
				return true
			}
		}
	}
	return false
}
