package reactive

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func querySub(sessionID string, tables ...string) *Subscription {
	return &Subscription{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		ClientSubID:  "c-" + uuid.NewString()[:8],
		Kind:         KindQuery,
		FunctionName: "list_items",
		ReadSet:      NewReadSet(TableMode, 0, tables...),
	}
}

func TestManagerIndexes(t *testing.T) {
	m := NewManager()
	session := uuid.NewString()

	q := querySub(session, "items")
	j := &Subscription{ID: uuid.NewString(), SessionID: session, Kind: KindJob, TargetID: "job-1"}
	w := &Subscription{ID: uuid.NewString(), SessionID: session, Kind: KindWorkflow, TargetID: "run-1"}
	m.Add(q)
	m.Add(j)
	m.Add(w)

	got, ok := m.Get(q.ID)
	require.True(t, ok)
	assert.Equal(t, q, got)

	assert.Len(t, m.JobSubscribers("job-1"), 1)
	assert.Empty(t, m.JobSubscribers("job-2"))
	assert.Len(t, m.WorkflowSubscribers("run-1"), 1)
	assert.Equal(t, 3, m.Len())
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()
	j := &Subscription{ID: uuid.NewString(), SessionID: "s1", Kind: KindJob, TargetID: "job-1"}
	m.Add(j)

	removed := m.Remove(j.ID)
	require.NotNil(t, removed)
	assert.Empty(t, m.JobSubscribers("job-1"))
	assert.Zero(t, m.Len())

	assert.Nil(t, m.Remove(j.ID))
}

func TestManagerRemoveSession(t *testing.T) {
	m := NewManager()
	session := uuid.NewString()
	other := uuid.NewString()

	m.Add(querySub(session, "items"))
	m.Add(&Subscription{ID: uuid.NewString(), SessionID: session, Kind: KindJob, TargetID: "job-1"})
	m.Add(querySub(other, "items"))

	removed := m.RemoveSession(session)
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, m.JobSubscribers("job-1"))
}

func TestQueriesInvalidatedBy(t *testing.T) {
	m := NewManager()
	items := querySub("s1", "items")
	orders := querySub("s2", "orders")
	m.Add(items)
	m.Add(orders)

	hit := m.QueriesInvalidatedBy(Change{Table: "items", Op: OpUpdate, RowID: "r1"})
	require.Len(t, hit, 1)
	assert.Equal(t, items.ID, hit[0].ID)
}

func TestFindBySession(t *testing.T) {
	m := NewManager()
	q := querySub("s1", "items")
	m.Add(q)

	found, ok := m.FindBySession("s1", q.ClientSubID)
	require.True(t, ok)
	assert.Equal(t, q.ID, found.ID)

	_, ok = m.FindBySession("s2", q.ClientSubID)
	assert.False(t, ok)
}

func TestQueryFingerprintCoalescing(t *testing.T) {
	args := json.RawMessage(`{"limit":10}`)
	a := QueryFingerprint("list_items", args)
	b := QueryFingerprint("list_items", args)
	c := QueryFingerprint("list_items", json.RawMessage(`{"limit":20}`))
	d := QueryFingerprint("list_orders", args)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}
