package reactive

import (
	"strings"

	"github.com/forgelabs/forge/internal/domain"
)

// Op is a change operation as reported by the notify trigger.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one parsed notification from the forge_changes channel. RowID is
// empty when the source table has no id column; Columns is empty for inserts,
// deletes, and updates whose column list was elided for payload size.
type Change struct {
	Table   string
	Op      Op
	RowID   string
	Columns []string
}

// ParseChange decodes the "table:OP:rowid[:col1,col2,...]" payload.
func ParseChange(payload string) (Change, error) {
	table, rest, ok := strings.Cut(payload, ":")
	if !ok || table == "" {
		return Change{}, domain.NewError(domain.KindValidation,
			"malformed change payload %q", payload)
	}
	op, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return Change{}, domain.NewError(domain.KindValidation,
			"malformed change payload %q", payload)
	}
	switch Op(op) {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Change{}, domain.NewError(domain.KindValidation,
			"unknown change op %q in payload %q", op, payload)
	}

	rowID, cols, hasCols := strings.Cut(rest, ":")
	change := Change{Table: table, Op: Op(op), RowID: rowID}
	if hasCols && cols != "" {
		change.Columns = strings.Split(cols, ",")
	}
	return change, nil
}
