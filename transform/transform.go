// Package transform implements the content-transformer capability that
// runs on a blob's bytes before it is hashed (spec §4.8 step 1: "Content
// transformers... run here, before hashing"). Transformers are a
// sum-of-operations capability interface rather than an inheritance
// hierarchy, per spec §9's "dynamic dispatch... capability interfaces".
package transform

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/h2non/filetype"
)

// ContentTransformer mutates a file's bytes before hashing. path and
// props let an implementation decide whether it applies at all (a
// keyword expander only touches files whose svn:keywords property names
// the token it expands; a C-source reformatter only touches *.c/*.h).
type ContentTransformer interface {
	Transform(path string, content []byte, props map[string]string) ([]byte, error)
}

// Chain runs a fixed sequence of transformers, each seeing the previous
// one's output — the order spec §6/SPEC_FULL.md's SUPPLEMENTED FEATURES
// section fixes as "keyword expand, then retab-or-reformat".
type Chain []ContentTransformer

func (c Chain) Transform(path string, content []byte, props map[string]string) ([]byte, error) {
	for _, t := range c {
		var err error
		content, err = t.Transform(path, content, props)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", path, err)
		}
	}
	return content, nil
}

// classifyBinary mirrors the teacher's GitBlob.setCompressionDetails:
// sniff the first 261 bytes and treat images/video/archives/audio as
// opaque binary, leaving everything else (including documents, which
// the teacher treats as a "Binary" filetype but still eligible for
// compression) eligible for text-oriented transforms.
func classifyBinary(content []byte) bool {
	l := len(content)
	if l > 261 {
		l = 261
	}
	head := content[:l]
	return filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsArchive(head) || filetype.IsAudio(head)
}

// IsBinary reports whether content should be excluded from any
// text-oriented transform (keyword expansion, retab, reformatting).
func IsBinary(content []byte) bool {
	return classifyBinary(content)
}

// Keywords expands SVN keyword tokens ($Id$, $Revision$, $Date$,
// $Author$, $HeadURL$, $LastChangedBy$, $LastChangedDate$,
// $LastChangedRevision$) when the path's svn:keywords property names
// them, and --replace-svn-keywords is set (spec §4.6 step 4c).
type Keywords struct {
	Enabled bool
	Author  string
	Date    string
	Rev     uint64
	URL     string
}

var keywordNames = map[string]string{
	"Id":                   "Id",
	"Revision":             "Revision",
	"LastChangedRevision":  "Revision",
	"Date":                 "Date",
	"LastChangedDate":      "Date",
	"Author":               "Author",
	"LastChangedBy":        "Author",
	"HeadURL":              "HeadURL",
	"URL":                  "HeadURL",
}

func (k Keywords) Transform(path string, content []byte, props map[string]string) ([]byte, error) {
	if !k.Enabled || classifyBinary(content) {
		return content, nil
	}
	kwProp, ok := props["svn:keywords"]
	if !ok || strings.TrimSpace(kwProp) == "" {
		return content, nil
	}
	enabled := map[string]bool{}
	for _, name := range strings.Fields(kwProp) {
		if canon, ok := keywordNames[name]; ok {
			enabled[canon] = true
		}
	}
	if len(enabled) == 0 {
		return content, nil
	}
	out := content
	for alias, canon := range keywordNames {
		if enabled[canon] {
			out = expandKeyword(out, alias, k)
		}
	}
	return out, nil
}

// expandKeyword rewrites every `$Name$` or already-expanded `$Name: ...
// $` occurrence of name to its current expansion, the way svn keyword
// substitution round-trips on successive checkouts.
func expandKeyword(content []byte, name string, k Keywords) []byte {
	open := []byte("$" + name)
	var out bytes.Buffer
	rest := content
	for {
		idx := bytes.Index(rest, open)
		if idx < 0 {
			out.Write(rest)
			break
		}
		out.Write(rest[:idx])
		afterName := rest[idx+len(open):]
		end := bytes.IndexByte(afterName, '$')
		if end < 0 || end > 80 {
			// No closing '$' nearby: not a real keyword anchor.
			out.Write(rest[idx : idx+len(open)])
			rest = afterName
			continue
		}
		out.WriteString(fmt.Sprintf("$%s: %s $", name, keywordValue(keywordNames[name], k)))
		rest = afterName[end+1:]
	}
	return out.Bytes()
}

func keywordValue(name string, k Keywords) string {
	switch name {
	case "Revision":
		return fmt.Sprintf("%d", k.Rev)
	case "Date":
		return k.Date
	case "Author":
		return k.Author
	case "HeadURL":
		return k.URL
	case "Id":
		return fmt.Sprintf("%d %s %s", k.Rev, k.Date, k.Author)
	}
	return ""
}

// Retab implements `--retab-only`: replaces each leading tab with Width
// spaces in non-binary files, without running a full indent reformat.
type Retab struct {
	Enabled bool
	Width   int
}

func (r Retab) Transform(path string, content []byte, props map[string]string) ([]byte, error) {
	if !r.Enabled || classifyBinary(content) {
		return content, nil
	}
	width := r.Width
	if width <= 0 {
		width = 8
	}
	lines := bytes.Split(content, []byte("\n"))
	pad := bytes.Repeat([]byte(" "), width)
	for i, line := range lines {
		n := 0
		for n < len(line) && line[n] == '\t' {
			n++
		}
		if n == 0 {
			continue
		}
		var nl bytes.Buffer
		for j := 0; j < n; j++ {
			nl.Write(pad)
		}
		nl.Write(line[n:])
		lines[i] = nl.Bytes()
	}
	return bytes.Join(lines, []byte("\n")), nil
}

// Reformatter is the pluggable hook for the C-source indent reformatter
// (spec §1: "specified only as a content transformer applied to a blob
// before hashing" — its reformatting rules are out of scope for this
// module). A nil Apply makes Reformatter a no-op, which is the
// correct behavior for `--no-indent-reformat`.
type Reformatter struct {
	Enabled bool
	Apply   func(path string, content []byte) ([]byte, error)
}

func (r Reformatter) Transform(path string, content []byte, props map[string]string) ([]byte, error) {
	if !r.Enabled || r.Apply == nil || classifyBinary(content) {
		return content, nil
	}
	if !isCSource(path) {
		return content, nil
	}
	return r.Apply(path, content)
}

func isCSource(path string) bool {
	return strings.HasSuffix(path, ".c") || strings.HasSuffix(path, ".h") ||
		strings.HasSuffix(path, ".cc") || strings.HasSuffix(path, ".cpp") || strings.HasSuffix(path, ".hpp")
}
