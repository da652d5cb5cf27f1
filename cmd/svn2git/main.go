// Command svn2git converts an SVN dump file into a Git object graph:
// dump -> tree/history -> mergegraph -> objpipeline -> objsink, the
// pipeline spec.md §4 lays out end to end. Flag naming and the overall
// CLI shape follow the teacher's own main.go almost verbatim (dotted
// long-form flags, kingpin.CompactUsageTemplate, a logrus.Logger whose
// level is toggled by a single --debug flag).
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/emicklei/dot"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/svn2git/svnrecon/authors"
	"github.com/svn2git/svnrecon/config"
	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/glob"
	"github.com/svn2git/svnrecon/history"
	"github.com/svn2git/svnrecon/internal/buildinfo"
	"github.com/svn2git/svnrecon/mergegraph"
	"github.com/svn2git/svnrecon/metrics"
	"github.com/svn2git/svnrecon/objpipeline"
	"github.com/svn2git/svnrecon/objsink"
	"github.com/svn2git/svnrecon/transform"
	"github.com/svn2git/svnrecon/tree"
)

var (
	dumpFile = kingpin.Arg(
		"dumpfile",
		"SVN dump file to process (reads stdin if omitted).",
	).String()
	configFile = kingpin.Flag(
		"config",
		"YAML project config file.",
	).Short('c').String()
	targetRepository = kingpin.Flag(
		"target-repository",
		"Path to the git repository objects are written into.",
	).Default(".").Short('t').String()
	project = kingpin.Flag(
		"project",
		"Project name(s) to activate (repeatable).",
	).Strings()
	endRevision = kingpin.Flag(
		"end-revision",
		"Stop after this SVN revision.",
	).Uint64()
	pathFilter = kingpin.Flag(
		"path-filter",
		"Only process nodes whose path matches this glob list (';'-separated, '!' negates); other nodes are dropped.",
	).String()
	decorateCommitMessage = kingpin.Flag(
		"decorate-commit-message",
		`Append "", "revision-id", or "change-id" to every commit message.`,
	).String()
	createRevisionRefs = kingpin.Flag(
		"create-revision-refs",
		"Set the create-revision-refs config option; no refs/revisions refs are written.",
	).Bool()
	linkOrphanRevs = kingpin.Flag(
		"link-orphan-revs",
		"Link a new branch with no copy source to the tip of the live branch whose tree already holds more than half of its file paths.",
	).Bool()
	addBranchTreePrefix = kingpin.Flag(
		"add-branch-tree-prefix",
		"Set the add-branch-tree-prefix config option; branch trees are not prefixed.",
	).Bool()
	replaceSvnKeywords = kingpin.Flag(
		"replace-svn-keywords",
		"Expand SVN keyword tokens ($Id$ etc) before hashing blobs.",
	).Bool()
	retabOnly = kingpin.Flag(
		"retab-only",
		"Replace leading tabs with spaces before hashing text blobs.",
	).Bool()
	noIndentReformat = kingpin.Flag(
		"no-indent-reformat",
		"Disable the C-source indent reformatter content transformer.",
	).Bool()
	authorsMap = kingpin.Flag(
		"authors-map",
		"JSON file mapping SVN usernames to {Name, Email}.",
	).String()
	sha1Map = kingpin.Flag(
		"sha1-map",
		"Cache file of already-hashed blob SHAs, reused across runs.",
	).String()
	graphFile = kingpin.Flag(
		"graph-file",
		"Graphviz dot file to render the reconstructed commit/merge graph to.",
	).String()
	metricsAddr = kingpin.Flag(
		"metrics-addr",
		"If set, serve Prometheus metrics on this address (e.g. :9090).",
	).String()
	progress = kingpin.Flag(
		"progress",
		"Show a progress bar over revision count (auto-disabled for non-TTY stderr).",
	).Bool()
	noColor = kingpin.Flag(
		"no-color",
		"Disable colored warning/error output.",
	).Bool()
	verifyDataHash = kingpin.Flag(
		"verify-data-hash",
		"Verify each node's MD5/SHA1 as the dump is decoded.",
	).Bool()
	compareTo = kingpin.Flag(
		"compare-to",
		"Independently parse this reference dump file and diff its final tree snapshot against this run's.",
	).String()
	appendToRefs = kingpin.Flag(
		"append-to-refs",
		"Resume an incremental import: a branch whose ref already exists in the target repository parents its first new commit onto that ref's current tip instead of starting rootless.",
	).Bool()
	pruneRefs = kingpin.Flag(
		"prune-refs",
		"Glob pattern of refs to delete from the target repository once conversion finishes (e.g. refs/heads/stale/**).",
	).String()
	extractFile = kingpin.Flag(
		"extract-file",
		"Write the given SVN path's content, as of the last revision processed, to stdout in addition to the normal conversion output.",
	).String()
	debug = kingpin.Flag(
		"debug",
		"Enable debug-level logging.",
	).Int()
)

func main() {
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(buildinfo.Print("svn2git")).Author("svn2git")
	kingpin.CommandLine.Help = "Converts an SVN dump file into a Git object graph.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	warn := color.New(color.FgYellow)
	if *noColor || !isatty.IsTerminal(os.Stderr.Fd()) {
		warn.DisableColor()
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	am, err := authors.Load(*authorsMap)
	if err != nil {
		logger.Errorf("error loading authors map: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			if err := metrics.Serve(*metricsAddr); err != nil {
				logger.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	var graph *dot.Graph
	if *graphFile != "" {
		g := dot.NewGraph(dot.Directed)
		graph = &g
	}

	sink, err := objsink.NewGitSink(*targetRepository)
	if err != nil {
		logger.Errorf("error opening target repository: %v", err)
		os.Exit(1)
	}

	cache, err := objpipeline.LoadSha1Cache(*sha1Map)
	if err != nil {
		logger.Errorf("error loading sha1 map: %v", err)
		os.Exit(1)
	}

	chain := transform.Chain{
		transform.Keywords{Enabled: *replaceSvnKeywords},
		transform.Retab{Enabled: *retabOnly},
		transform.Reformatter{Enabled: !*noIndentReformat},
	}

	pipeline := objpipeline.New(sink, chain, am, cache, logger, runtime.NumCPU())
	pipeline.AppendToRefs = *appendToRefs

	activeProjects := cfg.ActiveProjects(*project)
	var merge history.MergeResolver
	mg := mergegraph.New(cfg, activeProjects, logger, graph)
	merge = mg

	builder := history.New(cfg, activeProjects, logger, merge)
	builder.VerifyDataHash = *verifyDataHash

	f, err := openDumpFile(*dumpFile)
	if err != nil {
		logger.Errorf("error opening dump file: %v", err)
		os.Exit(1)
	}
	defer f.Close()

	startTime := time.Now()
	logger.Infof("%v", buildinfo.Print("svn2git"))
	logger.Infof("starting conversion at %v", startTime)

	var bar *progressbar.ProgressBar
	if *progress && isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.Default(-1, "revisions")
	}

	var filter *glob.List
	if *pathFilter != "" {
		filter, err = glob.CompileList(*pathFilter)
		if err != nil {
			logger.Errorf("bad --path-filter: %v", err)
			os.Exit(1)
		}
	}

	exitCode := run(logger, warn, f, builder, pipeline, bar, filter)

	if *compareTo != "" {
		if err := runCompareTo(*compareTo, builder); err != nil {
			logger.Errorf("compare-to: %v", err)
			exitCode = 3
		}
	}

	if *extractFile != "" {
		if err := runExtractFile(*extractFile, builder); err != nil {
			logger.Errorf("extract-file: %v", err)
			exitCode = 1
		}
	}

	if err := pipeline.Close(); err != nil {
		logger.Errorf("error flushing pipeline: %v", err)
		exitCode = 1
	}

	if *pruneRefs != "" {
		n, err := runPruneRefs(sink, *pruneRefs)
		if err != nil {
			logger.Errorf("prune-refs: %v", err)
			exitCode = 1
		} else {
			logger.Infof("prune-refs: deleted %d ref(s) matching %s", n, *pruneRefs)
		}
	}

	if graphFile != nil && *graphFile != "" && graph != nil {
		if err := os.WriteFile(*graphFile, []byte(graph.String()), 0644); err != nil {
			logger.Errorf("error writing graph file: %v", err)
			exitCode = 1
		}
	}

	os.Exit(exitCode)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadConfigString(nil)
	}
	return config.LoadConfigFile(path)
}

func applyFlagOverrides(cfg *config.Config) {
	if *createRevisionRefs {
		cfg.Global.CreateRevisionRefs = true
	}
	if *linkOrphanRevs {
		cfg.Global.LinkOrphanRevs = true
	}
	if *addBranchTreePrefix {
		cfg.Global.AddBranchTreePrefix = true
	}
	if *decorateCommitMessage != "" {
		cfg.Global.DecorateCommitMessage = *decorateCommitMessage
	}
}

func openDumpFile(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// run drives the decode/process/commit loop over f until EOF or
// --end-revision, whichever comes first. It returns the process exit
// code: 0 on success, 1 if any revision or commit failed.
func run(logger *logrus.Logger, warn *color.Color, f io.Reader, builder *history.Builder, pipeline *objpipeline.Pipeline, bar *progressbar.ProgressBar, filter *glob.List) int {
	dec := dump.NewDecoder(dump.Options{VerifyDataHash: *verifyDataHash}, f)

	var curRev *dump.Revision
	var nodes []*dump.Node
	exitCode := 0
	stop := false

	flush := func() {
		if curRev == nil {
			return
		}
		result, err := builder.Process(curRev, nodes)
		if err != nil {
			logger.Errorf("rev %d: %v", curRev.Rev, err)
			exitCode = 1
			return
		}
		for _, cr := range result.Commits {
			if err := pipeline.Commit(cr); err != nil {
				warn.Fprintf(os.Stderr, "rev %d: %v\n", curRev.Rev, err)
				exitCode = 1
			}
		}
		for _, d := range result.DeletedRefs {
			if err := pipeline.TerminateRef(d); err != nil {
				warn.Fprintf(os.Stderr, "rev %d: %v\n", curRev.Rev, err)
			}
		}
		pipeline.AdvanceRevision(curRev.Rev)
		metrics.RecordRevisionDecoded()
		if bar != nil {
			bar.Add(1)
		}
		if *endRevision > 0 && curRev.Rev >= *endRevision {
			stop = true
		}
	}

	for !stop {
		rec, err := dec.Next()
		if err == io.EOF {
			flush()
			break
		}
		if err != nil {
			logger.Errorf("dump decode error: %v", err)
			return 1
		}
		switch v := rec.(type) {
		case *dump.Revision:
			flush()
			curRev = v
			nodes = nil
		case *dump.Node:
			if filter != nil && !filter.Match(v.Path) {
				continue
			}
			metrics.RecordNodeApplied()
			nodes = append(nodes, v)
		}
	}
	return exitCode
}

// runCompareTo implements `--compare-to` (SPEC_FULL.md's SUPPLEMENTED
// FEATURES): parse refDumpPath independently with its own history.Builder
// sharing no state with the real run, then diff the two runs' final raw
// SVN-path tree snapshots path by path. A mismatch is reported with the
// path and both sides' content hash; any mismatch is treated as a
// verification failure (exit code 3, set by the caller).
func runCompareTo(refDumpPath string, primary *history.Builder) error {
	f, err := os.Open(refDumpPath)
	if err != nil {
		return err
	}
	defer f.Close()

	refCfg, err := config.LoadConfigString(nil)
	if err != nil {
		return err
	}
	refLogger := logrus.New()
	refLogger.Level = logrus.WarnLevel
	reference := history.New(refCfg, nil, refLogger, nil)

	dec := dump.NewDecoder(dump.Options{}, f)
	var curRev *dump.Revision
	var nodes []*dump.Node
	flush := func() error {
		if curRev == nil {
			return nil
		}
		_, err := reference.Process(curRev, nodes)
		return err
	}
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			if err := flush(); err != nil {
				return err
			}
			break
		}
		if err != nil {
			return err
		}
		switch v := rec.(type) {
		case *dump.Revision:
			if err := flush(); err != nil {
				return err
			}
			curRev = v
			nodes = nil
		case *dump.Node:
			nodes = append(nodes, v)
		}
	}

	primaryRev, ok1 := primary.Tree().MaxRev()
	refRev, ok2 := reference.Tree().MaxRev()
	if !ok1 || !ok2 {
		return fmt.Errorf("nothing to compare: primary closed=%v reference closed=%v", ok1, ok2)
	}
	primaryRoot := primary.Tree().Snapshot(primaryRev)
	refRoot := reference.Tree().Snapshot(refRev)

	paths := map[string]bool{}
	for _, p := range tree.Walk(primaryRoot) {
		paths[p] = true
	}
	for _, p := range tree.Walk(refRoot) {
		paths[p] = true
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var mismatches []string
	for _, p := range ordered {
		changes := tree.Diff(refRoot, primaryRoot, []string{p})
		for _, c := range changes {
			if c.Kind == tree.PropsChanged {
				continue
			}
			aHash, bHash := "-", "-"
			if c.Prev != nil && c.Prev.Kind == tree.KindFile {
				if h, err := c.Prev.Content.Hash(); err == nil {
					aHash = h
				}
			}
			if c.Curr != nil && c.Curr.Kind == tree.KindFile {
				if h, err := c.Curr.Content.Hash(); err == nil {
					bHash = h
				}
			}
			mismatches = append(mismatches, fmt.Sprintf("%s: %s (reference=%s primary=%s)", p, c.Kind, aHash, bHash))
		}
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d mismatched path(s):\n%s", len(mismatches), strings.Join(mismatches, "\n"))
	}
	return nil
}

// runExtractFile implements `--extract-file`: look path up in the raw
// SVN-path tree as of the last revision this run closed, and write its
// content to stdout. Lets a caller spot-check one file's converted
// content without checking out the target repository.
func runExtractFile(path string, b *history.Builder) error {
	rev, ok := b.Tree().MaxRev()
	if !ok {
		return fmt.Errorf("no revisions processed")
	}
	root := b.Tree().Snapshot(rev)
	n := root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		n = n.Child(part)
		if n == nil {
			return fmt.Errorf("path %q not found as of r%d", path, rev)
		}
	}
	if n.Kind != tree.KindFile {
		return fmt.Errorf("path %q is a directory, not a file", path)
	}
	content, err := n.Content.Resolve()
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}
	_, err = os.Stdout.Write(content)
	return err
}

// runPruneRefs implements `--prune-refs`: delete every ref in the target
// repository matching pattern, run once the real conversion has finished
// writing (spec §6's `--prune-refs`). Returns the number of refs removed.
func runPruneRefs(sink *objsink.GitSink, pattern string) (int, error) {
	pat, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("bad --prune-refs pattern: %w", err)
	}
	refs, err := sink.ListRefs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range refs {
		if ok, _, _ := pat.Match(r); !ok {
			continue
		}
		if err := sink.UpdateRef(r, objsink.DeleteRef, ""); err != nil {
			return n, fmt.Errorf("delete %s: %w", r, err)
		}
		n++
	}
	return n, nil
}
