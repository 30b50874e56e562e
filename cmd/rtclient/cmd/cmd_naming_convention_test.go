/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package cmd

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCmdNamingConvention checks that every command file except root.go
// defines a cobra.Command whose Use matches the file name.
func TestCmdNamingConvention(t *testing.T) {
	entries, err := os.ReadDir(".")
	require.NoError(t, err)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") || name == "root.go" {
			continue
		}

		t.Run(name, func(t *testing.T) {
			uses, err := commandUses(name)
			require.NoError(t, err)
			assert.Contains(t, uses, strings.TrimSuffix(name, ".go"),
				"file %s must define the command it is named after", name)
		})
	}
}

// commandUses returns the first word of every cobra.Command Use field in
// path, resolving string constants declared in the same file
func commandUses(path string) ([]string, error) {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, filepath.Clean(path), nil, 0)
	if err != nil {
		return nil, err
	}

	consts := map[string]string{}
	for _, decl := range node.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		for _, arg := range gen.Specs {
			vs := arg.(*ast.ValueSpec)
			for i, ident := range vs.Names {
				if i >= len(vs.Values) {
					continue
				}
				if lit, ok := vs.Values[i].(*ast.BasicLit); ok && lit.Kind == token.STRING {
					if v, err := strconv.Unquote(lit.Value); err == nil {
						consts[ident.Name] = v
					}
				}
			}
		}
	}

	var uses []string
	ast.Inspect(node, func(n ast.Node) bool {
		comp, ok := n.(*ast.CompositeLit)
		if !ok {
			return true
		}
		sel, ok := comp.Type.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Command" {
			return true
		}
		if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != "cobra" {
			return true
		}

		for _, elt := range comp.Elts {
			kv, ok := elt.(*ast.KeyValueExpr)
			if !ok {
				continue
			}
			if key, ok := kv.Key.(*ast.Ident); !ok || key.Name != "Use" {
				continue
			}

			var use string
			switch v := kv.Value.(type) {
			case *ast.BasicLit:
				use, _ = strconv.Unquote(v.Value)
			case *ast.Ident:
				use = consts[v.Name]
			}
			if fields := strings.Fields(use); len(fields) > 0 {
				uses = append(uses, fields[0])
			}
		}
		return true
	})
	return uses, nil
}
