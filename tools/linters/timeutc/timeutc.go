// Package timeutc enforces the repository convention that every timestamp is
// taken in UTC: persisted columns, heartbeats, and schedule math all compare
// wall-clock values across nodes, so a bare time.Now() is a latent bug.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports time.Now() calls that are not immediately chained
// with .UTC().
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "checks for time.Now() calls without .UTC() to ensure timezone consistency",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	// time.Now() nodes that appear as the receiver of .UTC().
	chained := make(map[*ast.CallExpr]bool)

	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				chained[call] = true
			}
			return true
		})
	}

	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || chained[call] {
				return true
			}
			if suppressed(file, pass, call, "timeutc") {
				return true
			}
			pass.Reportf(call.Pos(), "time.Now() should be followed by .UTC() for timezone consistency")
			return true
		})
	}

	return nil, nil
}

func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "time"
}

// suppressed honors //nolint and //nolint:<name> on the same line or the line
// above the node.
func suppressed(file *ast.File, pass *analysis.Pass, node ast.Node, name string) bool {
	pos := pass.Fset.Position(node.Pos())
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			line := pass.Fset.Position(comment.Pos()).Line
			if line != pos.Line && line != pos.Line-1 {
				continue
			}
			if !strings.Contains(comment.Text, "nolint") {
				continue
			}
			if !strings.Contains(comment.Text, ":") || strings.Contains(comment.Text, name) {
				return true
			}
		}
	}
	return false
}
