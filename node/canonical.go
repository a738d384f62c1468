package node

import (
	"sort"
	"strings"
)

// Canonical renders n as a deterministic string suitable for hashing:
// mapping keys are sorted, sequences preserve source order, scalars are
// written verbatim. Used by the Cache-Key Engine to canonicalise public
// data and by source plugins that fall back to a structural unique key
// (§4.3 "mappings are sorted by key; sequences preserve order").
func Canonical(n *Node) string {
	var b strings.Builder
	writeCanonical(&b, n)
	return b.String()
}

func writeCanonical(b *strings.Builder, n *Node) {
	if n == nil || n.Kind == KindNull {
		b.WriteString("null")
		return
	}
	switch n.Kind {
	case KindScalar:
		b.WriteString(n.Scalar)
	case KindSequence:
		b.WriteByte('[')
		for i, item := range n.Sequence {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case KindMapping:
		keys := n.Keys()
		sortedKeys := append([]string{}, keys...)
		sort.Strings(sortedKeys)
		b.WriteByte('{')
		for i, k := range sortedKeys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			v, _ := n.Get(k)
			writeCanonical(b, v)
		}
		b.WriteByte('}')
	}
}
