package history

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/svn2git/svnrecon/dump"
	"github.com/svn2git/svnrecon/svndiff"
	"github.com/svn2git/svnrecon/tree"
)

// hashCheck carries the recorded SVN checksums a resolved delta's
// materialized bytes must match; a zero value skips verification.
type hashCheck struct {
	md5  string
	sha1 string
}

func (h hashCheck) enabled() bool {
	return h.md5 != "" || h.sha1 != ""
}

// nodeContent adapts one dump.Node's buffered payload into a
// tree.ContentRef: a full-text node resolves trivially, a delta node
// resolves by applying svndiff against its source's own ContentRef,
// lazily and only once (spec §4.2, §4.3's "Resolve may be deferred").
type nodeContent struct {
	once     sync.Once
	raw      []byte
	isDelta  bool
	source   tree.ContentRef
	verify   hashCheck
	resolved []byte
	hash     string
	err      error
}

func fullTextContent(raw []byte) tree.ContentRef {
	return &nodeContent{raw: raw}
}

func deltaContent(deltaBytes []byte, source tree.ContentRef, verify hashCheck) tree.ContentRef {
	return &nodeContent{raw: deltaBytes, isDelta: true, source: source, verify: verify}
}

func (c *nodeContent) resolve() {
	if !c.isDelta {
		c.resolved = c.raw
		return
	}
	if c.source == nil {
		c.err = fmt.Errorf("history: delta content has no source")
		return
	}
	src, err := c.source.Resolve()
	if err != nil {
		c.err = err
		return
	}
	c.resolved, c.err = svndiff.Apply(src, c.raw)
	if c.err != nil || !c.verify.enabled() {
		return
	}
	c.err = dump.VerifyHashes(c.resolved, c.verify.md5, c.verify.sha1)
}

func (c *nodeContent) Resolve() ([]byte, error) {
	c.once.Do(c.resolve)
	return c.resolved, c.err
}

func (c *nodeContent) Hash() (string, error) {
	b, err := c.Resolve()
	if err != nil {
		return "", err
	}
	if c.hash == "" {
		sum := sha1.Sum(b)
		c.hash = fmt.Sprintf("%x", sum)
	}
	return c.hash, nil
}

// literalContent wraps a string literal (an <InjectFile> body, or a
// synthesized .gitignore) as a ContentRef.
func literalContent(s string) tree.ContentRef {
	return &nodeContent{raw: []byte(s)}
}
