package function

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/reactive"
)

func TestInferReadTables(t *testing.T) {
	cases := map[string][]string{
		"get_users":     {"users"},
		"list_orders":   {"orders"},
		"find_invoices": {"invoices"},
		"fetch_reports": {"reports"},
		"dashboard":     nil,
		"get_":          nil,
		"getusers":      nil,
	}
	for name, want := range cases {
		assert.Equal(t, want, InferReadTables(name), "name %q", name)
	}
}

func TestExecuteSeedsInferredTables(t *testing.T) {
	r := NewRegistry()
	r.Register(Info{Name: "list_users"}, func(ctx *Context, args json.RawMessage) (any, error) {
		return []string{"alice", "bob"}, nil
	})

	rs := reactive.NewReadSet(reactive.TableMode, 0)
	data, err := r.Execute(context.Background(), "list_users", nil, rs)
	require.NoError(t, err)
	assert.JSONEq(t, `["alice","bob"]`, string(data))

	assert.True(t, rs.InvalidatedBy(reactive.Change{Table: "users", Op: reactive.OpUpdate, RowID: "r1"}))
	assert.False(t, rs.InvalidatedBy(reactive.Change{Table: "orders", Op: reactive.OpUpdate, RowID: "r1"}))
}

func TestExecuteTracksExplicitReads(t *testing.T) {
	r := NewRegistry()
	r.Register(Info{Name: "dashboard"}, func(ctx *Context, args json.RawMessage) (any, error) {
		ctx.TrackRow("accounts", "a1")
		ctx.TrackTable("settings")
		return map[string]int{"widgets": 3}, nil
	})

	rs := reactive.NewReadSet(reactive.RowMode, 0)
	_, err := r.Execute(context.Background(), "dashboard", nil, rs)
	require.NoError(t, err)

	assert.True(t, rs.InvalidatedBy(reactive.Change{Table: "accounts", Op: reactive.OpUpdate, RowID: "a1"}))
	assert.False(t, rs.InvalidatedBy(reactive.Change{Table: "accounts", Op: reactive.OpUpdate, RowID: "a2"}))
	assert.True(t, rs.InvalidatedBy(reactive.Change{Table: "settings", Op: reactive.OpUpdate, RowID: "x"}))
}

func TestExecuteUnknownFunction(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil, reactive.NewReadSet(reactive.TableMode, 0))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestExplicitReadTablesOverrideInference(t *testing.T) {
	r := NewRegistry()
	r.Register(Info{Name: "get_summary", ReadTables: []string{"orders", "items"}}, func(ctx *Context, args json.RawMessage) (any, error) {
		return nil, nil
	})

	tables, err := r.ReadTables("get_summary")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "items"}, tables)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx *Context, args json.RawMessage) (any, error) { return nil, nil }
	r.Register(Info{Name: "get_users"}, fn)
	assert.Panics(t, func() { r.Register(Info{Name: "get_users"}, fn) })
}
