// Package validator is the last automated safety gate before a candidate
// source may replace a live module. Validation is two-phase: a static
// AST inspection, then a sandboxed smoke run in an isolated interpreter
// with a hard wall-clock budget. A failing validation leaves the live
// module untouched.
package validator

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"morph/internal/logging"
)

// Result reports the outcome of validating a candidate source.
type Result struct {
	Pass        bool
	PackageName string
	Diagnostics []string
}

// Validator checks candidate module sources.
type Validator struct {
	sandbox *Sandbox
	timeout time.Duration
}

// New creates a validator with the given smoke-run budget.
func New(timeout time.Duration) *Validator {
	return &Validator{
		sandbox: NewSandbox(),
		timeout: timeout,
	}
}

// Validate runs the static pass then the sandboxed smoke run. It has no
// side effects: validating the same candidate twice with no state change
// yields the same result.
func (v *Validator) Validate(ctx context.Context, source []byte) Result {
	result := v.validateStatic(source)
	if !result.Pass {
		logging.Validator("Static validation failed: %v", result.Diagnostics)
		return result
	}

	smokeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.sandbox.SmokeRun(smokeCtx, result.PackageName, source); err != nil {
		result.Pass = false
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("smoke run failed: %v", err))
		logging.Validator("Smoke run failed for package %s: %v", result.PackageName, err)
		return result
	}

	logging.ValidatorDebug("Candidate package %s validated", result.PackageName)
	return result
}

// validateStatic performs AST-based structural validation.
func (v *Validator) validateStatic(source []byte) Result {
	result := Result{Pass: true}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.ParseComments)
	if err != nil {
		result.Pass = false
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("syntax error: %v", err))
		return result
	}

	if file.Name == nil || file.Name.Name == "" {
		result.Pass = false
		result.Diagnostics = append(result.Diagnostics, "missing package declaration")
		return result
	}
	result.PackageName = file.Name.Name

	// Imports outside the sandbox whitelist are hard failures here: the
	// candidate is about to become live code.
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		if !v.sandbox.Allowed(importPath) {
			result.Pass = false
			result.Diagnostics = append(result.Diagnostics,
				fmt.Sprintf("forbidden import: %s", importPath))
		}
	}

	// The module entry point must exist with the expected signature.
	runDecl := findRunFunc(file)
	if runDecl == nil {
		result.Pass = false
		result.Diagnostics = append(result.Diagnostics,
			"module must define Run(input string) (string, error)")
		return result
	}
	if !hasRunSignature(runDecl) {
		result.Pass = false
		result.Diagnostics = append(result.Diagnostics,
			"Run has incorrect signature (expected: func(string) (string, error))")
	}

	return result
}

func findRunFunc(file *ast.File) *ast.FuncDecl {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == "Run" && fn.Recv == nil {
			return fn
		}
	}
	return nil
}

func hasRunSignature(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	if params == nil || countFields(params.List) != 1 {
		return false
	}
	if ident, ok := params.List[0].Type.(*ast.Ident); !ok || ident.Name != "string" {
		return false
	}

	results := fn.Type.Results
	if results == nil || countFields(results.List) != 2 {
		return false
	}
	first, ok := fieldTypeName(results.List, 0)
	if !ok || first != "string" {
		return false
	}
	second, ok := fieldTypeName(results.List, countFields(results.List)-1)
	return ok && second == "error"
}

// countFields counts individual parameters/results, expanding grouped
// declarations like (a, b string).
func countFields(fields []*ast.Field) int {
	n := 0
	for _, f := range fields {
		if len(f.Names) == 0 {
			n++
		} else {
			n += len(f.Names)
		}
	}
	return n
}

func fieldTypeName(fields []*ast.Field, index int) (string, bool) {
	i := 0
	for _, f := range fields {
		count := len(f.Names)
		if count == 0 {
			count = 1
		}
		if index < i+count {
			ident, ok := f.Type.(*ast.Ident)
			if !ok {
				return "", false
			}
			return ident.Name, true
		}
		i += count
	}
	return "", false
}
