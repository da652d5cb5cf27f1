// Command svngraph renders the commit/merge graph already written into a
// target Git repository to a Graphviz dot file, the way the teacher's
// cmd/gitgraph turns a git fast-export stream into the same kind of
// picture. Unlike gitgraph it never re-parses import records: the graph
// it draws already exists as real commit objects, so it walks those with
// `git rev-list --all --parents` and labels ref tips with `git
// for-each-ref`, exactly the "previously-written ref registry" spec
// §REDESIGN FLAGS / SPEC_FULL.md's standalone-graph-dumper calls for.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/emicklei/dot"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/svn2git/svnrecon/internal/buildinfo"
)

var (
	targetRepository = kingpin.Flag(
		"target-repository",
		"Path to the git repository to graph.",
	).Default(".").Short('t').String()
	graphFile = kingpin.Flag(
		"graph-file",
		"Graphviz dot file to write.",
	).Required().Short('o').String()
	refPrefix = kingpin.Flag(
		"ref-prefix",
		"Only include refs under this prefix (default refs/heads/).",
	).Default("refs/heads/").String()
)

func main() {
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(buildinfo.Print("svngraph")).Author("svn2git")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()

	repo, err := vcs.NewGitRepo(*targetRepository, *targetRepository)
	if err != nil {
		logger.Errorf("error opening %s: %v", *targetRepository, err)
		os.Exit(1)
	}

	tips, err := refTips(repo, *refPrefix)
	if err != nil {
		logger.Errorf("error reading refs: %v", err)
		os.Exit(1)
	}
	edges, err := commitParents(repo)
	if err != nil {
		logger.Errorf("error reading commit graph: %v", err)
		os.Exit(1)
	}

	graph := buildGraph(tips, edges)
	if err := os.WriteFile(*graphFile, []byte(graph.String()), 0644); err != nil {
		logger.Errorf("error writing %s: %v", *graphFile, err)
		os.Exit(1)
	}
	logger.Infof("wrote %d commit(s) across %d ref(s) to %s", len(edges), len(tips), *graphFile)
}

// refTips maps each ref under prefix to its tip commit sha.
func refTips(repo *vcs.GitRepo, prefix string) (map[string]string, error) {
	out, err := repo.RunFromDir("git", "for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, err
	}
	tips := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		tips[fields[1]] = fields[0]
	}
	return tips, nil
}

// commitEdge is one commit's parent list, first-parent first.
type commitEdge struct {
	sha     string
	parents []string
}

// commitParents walks every commit reachable from any ref with `git
// rev-list --all --parents`, one "<sha> <parent>..." line per commit.
func commitParents(repo *vcs.GitRepo) ([]commitEdge, error) {
	out, err := repo.RunFromDir("git", "rev-list", "--all", "--parents")
	if err != nil {
		return nil, err
	}
	var edges []commitEdge
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		edges = append(edges, commitEdge{sha: fields[0], parents: fields[1:]})
	}
	return edges, nil
}

// buildGraph renders edges as a dot.Graph, labeling the tip node of each
// ref in tips and marking second-and-later parents (merge parents) with
// an "m" edge label the way mergegraph.Resolver does while the pipeline
// is still running.
func buildGraph(tips map[string]string, edges []commitEdge) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}
	node := func(sha string) dot.Node {
		if n, ok := nodes[sha]; ok {
			return n
		}
		n := g.Node(shortSHA(sha))
		nodes[sha] = n
		return n
	}

	shaToRef := map[string][]string{}
	for ref, sha := range tips {
		shaToRef[sha] = append(shaToRef[sha], ref)
	}

	for _, e := range edges {
		n := node(e.sha)
		if refs, ok := shaToRef[e.sha]; ok {
			n.Attr("label", fmt.Sprintf("%s\\n%s", shortSHA(e.sha), strings.Join(refs, ", ")))
		}
		for i, p := range e.parents {
			label := "p"
			if i > 0 {
				label = "m"
			}
			g.Edge(node(p), n, label)
		}
	}
	return &g
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
