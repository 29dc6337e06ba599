package field

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) *Span {
	t.Helper()
	c := NewCursor([]byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o', 0x01})
	root := NewComposite("record", c.Offset())

	n, span, err := c.ReadUint("length", 2, binary.BigEndian)
	require.NoError(t, err)
	root.Append(span)

	body := root.Append(NewComposite("body", c.Offset()))
	_, span, err = c.ReadString("text", int(n))
	require.NoError(t, err)
	body.Append(span)
	body.Close(c.Offset())

	_, span, err = c.ReadUint("flag", 1, binary.BigEndian)
	require.NoError(t, err)
	root.Append(span)
	root.Append(NewBool("flag.set", span.Offset, 1, span.Uint() != 0))
	return root.Close(c.Offset())
}

func TestSpanTree(t *testing.T) {
	root := buildTree(t)

	assert.Equal(t, 8, root.Length)
	require.Len(t, root.Children, 4)
	assert.Equal(t, []string{"length", "body", "flag", "flag.set"}, labels(root.Children))

	body := root.Find("body")
	require.NotNil(t, body)
	assert.Equal(t, 2, body.Offset)
	assert.Equal(t, 7, body.End())
	assert.Equal(t, "hello", root.Find("text").Str())
	assert.Nil(t, root.Find("missing"))
}

func TestSpanWalkOrder(t *testing.T) {
	root := buildTree(t)
	var seen []string
	root.Walk(func(_ int, n *Span) bool {
		seen = append(seen, n.Label)
		return true
	})
	assert.Equal(t, []string{"record", "length", "body", "text", "flag", "flag.set"}, seen)
}

func TestSpanFormat(t *testing.T) {
	out := buildTree(t).String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "record [0:8]", lines[0])
	assert.Equal(t, "  length: 5 (0x0005) [0:2]", lines[1])
	assert.Equal(t, `    text: "hello" [2:7]`, lines[3])
}

func TestAppendNil(t *testing.T) {
	root := NewComposite("r", 0)
	assert.Nil(t, root.Append(nil))
	assert.Empty(t, root.Children)

	var nilRoot *Span
	child := NewBool("b", 0, 1, true)
	assert.Same(t, child, nilRoot.Append(child))
}

func labels(spans []*Span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Label
	}
	return out
}
