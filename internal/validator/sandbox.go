package validator

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedImports is the sandbox whitelist. Candidate modules and ad-hoc
// snippets may only touch pure computation packages; anything that can
// reach the filesystem, network, or process state is rejected before
// the interpreter ever sees it.
var allowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

var (
	importPathRe = regexp.MustCompile(`import\s*(?:\(([^)]*)\)|"([^"]+)")`)
	quotedPathRe = regexp.MustCompile(`"([^"]+)"`)
)

// Sandbox evaluates untrusted Go source in an isolated yaegi interpreter.
// Each run gets a fresh interpreter, so no state leaks between runs.
type Sandbox struct{}

// NewSandbox creates a sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Allowed reports whether an import path is on the sandbox whitelist.
func (s *Sandbox) Allowed(importPath string) bool {
	return allowedImports[importPath]
}

// SmokeRun evaluates a candidate module source and invokes its Run entry
// point with a probe input. Any panic, evaluation error, or context
// expiry is reported as a failure.
func (s *Sandbox) SmokeRun(ctx context.Context, pkgName string, source []byte) error {
	_, err := s.run(ctx, func(i *interp.Interpreter) (string, error) {
		if _, err := i.Eval(string(source)); err != nil {
			return "", fmt.Errorf("evaluation failed: %w", err)
		}
		fn, err := i.Eval(pkgName + ".Run")
		if err != nil {
			return "", fmt.Errorf("entry point not resolvable: %w", err)
		}
		if fn.Kind() != reflect.Func {
			return "", fmt.Errorf("%s.Run is not a function", pkgName)
		}
		// Returning an error for the probe input is legal module
		// behavior; the call completing without a fault is what the
		// smoke run checks.
		fn.Call([]reflect.Value{reflect.ValueOf("")})
		return "", nil
	})
	return err
}

// ExecuteSnippet evaluates an ad-hoc code snippet and returns its
// printed output followed by the value of the final expression, if any.
func (s *Sandbox) ExecuteSnippet(ctx context.Context, code string) (string, error) {
	if err := checkSnippetImports(code); err != nil {
		return "", err
	}
	return s.run(ctx, func(i *interp.Interpreter) (string, error) {
		v, err := i.Eval(code)
		if err != nil {
			return "", err
		}
		if v.IsValid() && v.Kind() != reflect.Invalid {
			return fmt.Sprintf("%v", v), nil
		}
		return "", nil
	})
}

// run executes fn against a fresh interpreter, enforcing the context
// deadline and converting interpreter panics into errors. Output written
// to the interpreter's stdout/stderr is prepended to the result.
func (s *Sandbox) run(ctx context.Context, fn func(*interp.Interpreter) (string, error)) (string, error) {
	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("loading sandbox symbols: %w", err)
	}

	type evalResult struct {
		value string
		err   error
	}
	done := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("sandbox panic: %v", r)}
			}
		}()
		value, err := fn(i)
		done <- evalResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		output := stdout.String()
		if res.value != "" {
			if output != "" && !strings.HasSuffix(output, "\n") {
				output += "\n"
			}
			output += res.value
		}
		return output, nil
	case <-ctx.Done():
		// The evaluation goroutine cannot be preempted; it is abandoned
		// and its result discarded.
		return "", fmt.Errorf("sandbox execution exceeded budget: %w", ctx.Err())
	}
}

// checkSnippetImports scans a snippet for import paths and rejects any
// outside the whitelist. Snippets are not necessarily complete files, so
// this is a textual scan rather than a full parse.
func checkSnippetImports(code string) error {
	for _, match := range importPathRe.FindAllStringSubmatch(code, -1) {
		if match[1] != "" {
			for _, path := range quotedPathRe.FindAllStringSubmatch(match[1], -1) {
				if !allowedImports[path[1]] {
					return fmt.Errorf("forbidden import: %s", path[1])
				}
			}
			continue
		}
		if match[2] != "" && !allowedImports[match[2]] {
			return fmt.Errorf("forbidden import: %s", match[2])
		}
	}
	return nil
}
