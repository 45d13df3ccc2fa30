// Package nointerface reports empty interface{} types, which this repository
// writes as 'any' everywhere (job inputs, query results, config reflection).
// A suggested fix is attached so -fix rewrites them mechanically.
package nointerface

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports interface{} and suggests the 'any' alias.
var Analyzer = &analysis.Analyzer{
	Name: "nointerface",
	Doc:  "checks for interface{} usage and suggests using 'any' (available since Go 1.18)",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			iface, ok := n.(*ast.InterfaceType)
			if !ok || !isEmpty(iface) {
				return true
			}
			if suppressed(file, pass, iface, "nointerface") {
				return true
			}

			pass.Report(analysis.Diagnostic{
				Pos:     iface.Pos(),
				End:     iface.End(),
				Message: "use 'any' instead of 'interface{}' (available since Go 1.18)",
				SuggestedFixes: []analysis.SuggestedFix{{
					Message: "Replace 'interface{}' with 'any'",
					TextEdits: []analysis.TextEdit{{
						Pos:     iface.Pos(),
						End:     iface.End(),
						NewText: []byte("any"),
					}},
				}},
			})
			return true
		})
	}

	return nil, nil
}

func isEmpty(iface *ast.InterfaceType) bool {
	return iface.Methods == nil || len(iface.Methods.List) == 0
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
