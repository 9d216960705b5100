// Command layercheck enforces the package layering of the quorum module.
//
// It parses the imports of every non-test Go file under each rule's
// directory and reports imports that contain a forbidden fragment.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const modulePrefix = "github.com/Mindburn-Labs/quorum/"

type layerRule struct {
	Dir       string
	Forbidden []string
}

// Leaf packages import nothing from the module; nothing under pkg/ reaches
// up into the transport or the binary; storage stays below the engine.
var rules = []layerRule{
	{Dir: "pkg/contracts", Forbidden: []string{modulePrefix}},
	{Dir: "pkg/timer", Forbidden: []string{modulePrefix}},
	{Dir: "pkg/retry", Forbidden: []string{modulePrefix}},
	{Dir: "pkg/config", Forbidden: []string{modulePrefix}},
	{Dir: "pkg", Forbidden: []string{modulePrefix + "cmd/", modulePrefix + "pkg/api", modulePrefix + "pkg/client"}},
	{Dir: "pkg/store", Forbidden: []string{modulePrefix + "pkg/ledger", modulePrefix + "pkg/lifecycle", modulePrefix + "pkg/notify"}},
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, rules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d layer violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "layer check passed")
	return 0
}

func check(root string, rules []layerRule) ([]string, error) {
	var violations []string
	fset := token.NewFileSet()

	for _, rule := range rules {
		dir := filepath.Join(root, filepath.FromSlash(rule.Dir))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Dir, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range rule.Forbidden {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						violations = append(violations, fmt.Sprintf("%s:%d imports %q (forbidden in %s)",
							filepath.ToSlash(rel), fset.Position(imp.Pos()).Line, importPath, rule.Dir))
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", rule.Dir, err)
		}
	}
	return violations, nil
}
