package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewestFirst(t *testing.T) {
	r := New()
	r.Insert(Record{RuleID: "a", TimestampMS: 1})
	r.Insert(Record{RuleID: "b", TimestampMS: 2})
	r.Insert(Record{RuleID: "c", TimestampMS: 3})

	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, "c", list[0].RuleID)
	require.Equal(t, "b", list[1].RuleID)
	require.Equal(t, "a", list[2].RuleID)
}

func TestRingWrapsAt16(t *testing.T) {
	r := New()
	for i := 0; i < 20; i++ {
		r.Insert(Record{RuleID: "r", TimestampMS: int64(i)})
	}
	require.Equal(t, Capacity, r.Count())
	list := r.List()
	require.Len(t, list, Capacity)
	require.Equal(t, int64(19), list[0].TimestampMS)
	require.Equal(t, int64(4), list[Capacity-1].TimestampMS)
}

func TestGetByIDFilters(t *testing.T) {
	r := New()
	r.Insert(Record{RuleID: "a", TimestampMS: 1})
	r.Insert(Record{RuleID: "b", TimestampMS: 2})
	r.Insert(Record{RuleID: "a", TimestampMS: 3})

	got := r.GetByID("a", 10)
	require.Len(t, got, 2)
	require.Equal(t, int64(3), got[0].TimestampMS)
	require.Equal(t, int64(1), got[1].TimestampMS)
}

func TestGetByIDMaxLimit(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Insert(Record{RuleID: "a", TimestampMS: int64(i)})
	}
	got := r.GetByID("a", 2)
	require.Len(t, got, 2)
}
