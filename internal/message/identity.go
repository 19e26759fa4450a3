package message

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ProvisionalPrefix namespaces locally minted ids. Server ids never carry it.
const ProvisionalPrefix = "tmp-"

func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// MergeKey is the store's bookkeeping key. Provisional messages are keyed by
// their provisional id, confirmed ones by the server id. It never goes on the
// wire.
func MergeKey(m Message) string {
	return m.ID
}

// IDSource mints provisional ids tmp-1, tmp-2, ... for one session.
type IDSource struct {
	n atomic.Uint64
}

func (s *IDSource) Next() string {
	return ProvisionalPrefix + strconv.FormatUint(s.n.Add(1), 10)
}

// Entry is a stored message plus its ordering key. Anchor is the timestamp
// the entry was first placed with; Seq is the insertion counter.
type Entry struct {
	Message Message
	Anchor  time.Time
	Seq     uint64
}

// Compare orders by anchor ascending, then by insertion sequence.
func Compare(a, b Entry) int {
	if c := a.Anchor.Compare(b.Anchor); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func Sort(entries []Entry) {
	slices.SortStableFunc(entries, Compare)
}
