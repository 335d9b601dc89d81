package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/superleaf/internal/ledger"
)

func newLedger(t *testing.T, capacity int) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(capacity, 16, nil)
	require.NoError(t, err)
	return l
}

func TestInsertAndOrigin(t *testing.T) {
	l := newLedger(t, 8)

	require.True(t, l.Insert("L2_a.txt", "L2"))
	assert.True(t, l.Contains("L2_a.txt"))

	origin, ok := l.Origin("L2_a.txt")
	require.True(t, ok)
	assert.Equal(t, "L2", origin)
	assert.Equal(t, 1, l.Len())
}

func TestDuplicatePrevented(t *testing.T) {
	l := newLedger(t, 8)

	ok1 := l.Insert("L1_a.txt_2", "L1")
	ok2 := l.Insert("L1_a.txt_2", "L9") // duplicate
	assert.True(t, ok1)
	assert.False(t, ok2)

	origin, _ := l.Origin("L1_a.txt_2")
	assert.Equal(t, "L1", origin)
}

func TestRetiredIDsStaySeen(t *testing.T) {
	l := newLedger(t, 8)
	l.Insert("m1", "L1")
	l.Retire("m1")

	assert.False(t, l.Contains("m1"))
	assert.True(t, l.Seen("m1"))
	assert.False(t, l.Seen("never"))

	// Re-inserting a retired id makes it live again.
	require.True(t, l.Insert("m1", "L1"))
	assert.True(t, l.Contains("m1"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	var evicted []string
	l, err := ledger.New(2, 2, func(id string) { evicted = append(evicted, id) })
	require.NoError(t, err)

	l.Insert("m1", "L1")
	l.Insert("m2", "L1")
	l.Insert("m3", "L1")

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"m1"}, evicted)
	assert.Equal(t, []string{"m2", "m3"}, l.IDs())
}

func TestAdmitDropsDuplicates(t *testing.T) {
	l := newLedger(t, 8)

	assert.True(t, l.Admit("L1_a.txt_2", "L1"))
	assert.False(t, l.Admit("L1_a.txt_2", "L1"))
	assert.True(t, l.Contains("L1_a.txt_2"))

	l.Retire("L1_a.txt_2")
	assert.False(t, l.Admit("L1_a.txt_2", "L1"), "late duplicate after cleanup")
	assert.Zero(t, l.Len())
}

func TestRetireBeforeEvent(t *testing.T) {
	l := newLedger(t, 8)

	live, fresh := l.Retire("L1_a.txt_2")
	assert.False(t, live)
	assert.True(t, fresh)
	assert.False(t, l.Seen("L1_a.txt_2"))

	// The overtaken event is processed once but never becomes live.
	assert.True(t, l.Admit("L1_a.txt_2", "L1"))
	assert.Zero(t, l.Len())
	assert.False(t, l.Admit("L1_a.txt_2", "L1"))
}

func TestRetireIsIdempotent(t *testing.T) {
	l := newLedger(t, 8)
	l.Insert("m1", "L1")

	live, fresh := l.Retire("m1")
	assert.True(t, live)
	assert.True(t, fresh)
	once := l.Snapshot()

	live, fresh = l.Retire("m1")
	assert.False(t, live)
	assert.False(t, fresh)
	assert.Equal(t, once, l.Snapshot())
}
