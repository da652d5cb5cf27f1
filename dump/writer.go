package dump

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// Writer re-serializes Revision/Node records into the dump-file wire
// format (spec §4.1's format, run in reverse): used by cmd/svndumpfilter
// to emit a trimmed dump after dropping nodes a --path-filter excludes.
// It is a plain textual encoder, not a derivative of Decoder — the two
// share no state, the way a fast-export writer shares none with its
// corresponding parser.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for sequential WriteRevision/WriteNode calls.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Flush flushes any buffered output.
func (wr *Writer) Flush() error { return wr.w.Flush() }

// WriteRevision emits one revision header block.
func (wr *Writer) WriteRevision(r *Revision) error {
	props := encodeProps(r.Props)
	fmt.Fprintf(wr.w, "Revision-number: %d\n", r.Rev)
	fmt.Fprintf(wr.w, "Prop-content-length: %d\n", len(props))
	fmt.Fprintf(wr.w, "Content-length: %d\n\n", len(props))
	wr.w.Write(props)
	wr.w.WriteByte('\n')
	return wr.w.Flush()
}

// WriteNode emits one node record, properties and content included.
func (wr *Writer) WriteNode(n *Node) error {
	fmt.Fprintf(wr.w, "Node-path: %s\n", n.Path)
	switch n.Kind {
	case KindFile:
		fmt.Fprintf(wr.w, "Node-kind: file\n")
	case KindDir:
		fmt.Fprintf(wr.w, "Node-kind: dir\n")
	}
	fmt.Fprintf(wr.w, "Node-action: %s\n", actionString(n.Action))
	if n.CopyFrom != nil {
		fmt.Fprintf(wr.w, "Node-copyfrom-rev: %d\n", n.CopyFrom.Rev)
		fmt.Fprintf(wr.w, "Node-copyfrom-path: %s\n", n.CopyFrom.Path)
	}
	if n.PropsDelta {
		fmt.Fprintf(wr.w, "Prop-delta: true\n")
	}
	if n.TextDelta {
		fmt.Fprintf(wr.w, "Text-delta: true\n")
		if n.DeltaSource != nil {
			fmt.Fprintf(wr.w, "Text-delta-base-path: %s\n", n.DeltaSource.Path)
			fmt.Fprintf(wr.w, "Text-delta-base-rev: %d\n", n.DeltaSource.Rev)
		}
	}

	var props []byte
	if n.Props != nil || len(n.DeletedProps) > 0 {
		props = encodeProps(n.Props)
		if len(n.DeletedProps) > 0 {
			end := len(props) - len("PROPS-END\n")
			withDeletes := append([]byte(nil), props[:end]...)
			for _, name := range n.DeletedProps {
				withDeletes = append(withDeletes, fmt.Sprintf("D %d\n%s\n", len(name), name)...)
			}
			props = append(withDeletes, "PROPS-END\n"...)
		}
		fmt.Fprintf(wr.w, "Prop-content-length: %d\n", len(props))
	}
	if n.HasText {
		fmt.Fprintf(wr.w, "Text-content-length: %d\n", len(n.Content))
		if n.MD5 != "" {
			fmt.Fprintf(wr.w, "Text-content-md5: %s\n", n.MD5)
		}
		if n.SHA1 != "" {
			fmt.Fprintf(wr.w, "Text-content-sha1: %s\n", n.SHA1)
		}
	}
	contentLen := len(props)
	if n.HasText {
		contentLen += len(n.Content)
	}
	fmt.Fprintf(wr.w, "Content-length: %d\n\n", contentLen)
	if len(props) > 0 {
		wr.w.Write(props)
	}
	if n.HasText {
		wr.w.Write(n.Content)
	}
	wr.w.WriteByte('\n')
	wr.w.WriteByte('\n')
	return wr.w.Flush()
}

func actionString(a Action) string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionDelete:
		return "delete"
	case ActionChange:
		return "change"
	case ActionReplace:
		return "replace"
	}
	return "change"
}

// encodeProps renders a property map in SVN's "K <len>\n<key>\nV
// <len>\n<value>\n"-per-pair, "PROPS-END\n"-terminated wire format.
func encodeProps(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	for _, k := range keys {
		v := props[k]
		buf = append(buf, []byte(fmt.Sprintf("K %d\n%s\n", len(k), k))...)
		buf = append(buf, []byte(fmt.Sprintf("V %d\n%s\n", len(v), v))...)
	}
	buf = append(buf, []byte("PROPS-END\n")...)
	return buf
}
