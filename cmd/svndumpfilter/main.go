// Command svndumpfilter trims an SVN dump file down to the records that
// touch a --path-filter glob, the way the teacher's cmd/gitfilter trims a
// git fast-export stream down to the paths a caller still cares about:
// a single streaming pass (markCommitsToFilter's bookkeeping has no
// equivalent here since dump records carry no mark/from linkage to
// repair) that decodes, filters Node-path, and re-encodes.
package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/glob"
	"github.com/svn2git/svnrecon/internal/buildinfo"
)

var (
	dumpFile = kingpin.Arg(
		"dumpfile",
		"SVN dump file to filter (reads stdin if omitted).",
	).String()
	outFile = kingpin.Flag(
		"output",
		"Filtered dump file to write (writes stdout if omitted).",
	).Short('o').String()
	pathFilter = kingpin.Flag(
		"path-filter",
		"Semicolon-separated glob list (with ! negatives) of Node-paths to keep.",
	).Required().String()
	endRevision = kingpin.Flag(
		"end-revision",
		"Stop after this SVN revision.",
	).Uint64()
	debug = kingpin.Flag("debug", "Enable debug-level logging.").Bool()
)

func main() {
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(buildinfo.Print("svndumpfilter")).Author("svn2git")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	filter, err := glob.CompileList(*pathFilter)
	if err != nil {
		logger.Errorf("bad --path-filter: %v", err)
		os.Exit(1)
	}

	in, err := openInput(*dumpFile)
	if err != nil {
		logger.Errorf("error opening dump file: %v", err)
		os.Exit(1)
	}
	defer in.Close()

	out, closeOut, err := openOutput(*outFile)
	if err != nil {
		logger.Errorf("error opening output: %v", err)
		os.Exit(1)
	}
	defer closeOut()

	if err := run(logger, in, out, filter); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func openInput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// run decodes in, keeps every node whose path matches filter, and
// re-encodes the kept revision/node records to out. A revision whose
// every node was dropped is still written (with no nodes) so revision
// numbering stays intact for any downstream consumer that indexes by
// SVN revision.
func run(logger *logrus.Logger, in *os.File, out *os.File, filter *glob.List) error {
	dec := dump.NewDecoder(dump.Options{}, in)
	w := dump.NewWriter(out)

	kept, dropped := 0, 0
	var curRev *dump.Revision
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch v := rec.(type) {
		case *dump.Revision:
			curRev = v
			if *endRevision > 0 && curRev.Rev > *endRevision {
				return w.Flush()
			}
			if err := w.WriteRevision(v); err != nil {
				return err
			}
		case *dump.Node:
			if !filter.Match(v.Path) {
				dropped++
				continue
			}
			kept++
			if err := w.WriteNode(v); err != nil {
				return err
			}
		}
	}
	logger.Infof("kept %d node(s), dropped %d node(s) at revision <= %d", kept, dropped, safeRev(curRev))
	return w.Flush()
}

func safeRev(r *dump.Revision) uint64 {
	if r == nil {
		return 0
	}
	return r.Rev
}
