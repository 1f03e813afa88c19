// Package lint holds source checks that run in CI next to the test suite.
package lint

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRoots are the directories checked when no roots are given.
var DefaultRoots = []string{"pkg/domain", "internal/core", "internal/blob", "internal/config", "internal/adapters/httpapi"}

// Allowlist records the places where `any` is accepted as a type.
type Allowlist struct {
	Version int              `yaml:"version"`
	Exclude []string         `yaml:"exclude"`
	Entries []AllowlistEntry `yaml:"entries"`
}

// AllowlistEntry allows `any` in one file. With Symbols set only the listed
// top-level declarations (or receiver types) are covered.
type AllowlistEntry struct {
	Path      string   `yaml:"path"`
	Symbols   []string `yaml:"symbols,omitempty"`
	Category  string   `yaml:"category"`
	Exported  bool     `yaml:"exported"`
	Rationale string   `yaml:"rationale"`
}

// Allowlist categories.
const (
	CategoryLoggingShim   = "logging-shim"
	CategoryJSONBoundary  = "json-boundary"
	CategoryDriverShim    = "driver-shim"
	CategoryChangeCapture = "change-capture"
	CategoryTestSupport   = "test-support"
)

var categories = map[string]bool{
	CategoryLoggingShim:   true,
	CategoryJSONBoundary:  true,
	CategoryDriverShim:    true,
	CategoryChangeCapture: true,
	CategoryTestSupport:   true,
}

// Violation is one disallowed use of `any`.
type Violation struct {
	File   string
	Line   int
	Symbol string
	Code   string
}

func (v Violation) String() string {
	where := fmt.Sprintf("%s:%d", v.File, v.Line)
	if v.Symbol != "" {
		where += " (" + v.Symbol + ")"
	}
	return where + ": " + v.Code
}

// LoadAllowlist reads and validates a YAML allowlist.
func LoadAllowlist(path string) (Allowlist, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the guard's flags
	if err != nil {
		return Allowlist{}, fmt.Errorf("read allowlist: %w", err)
	}
	var list Allowlist
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return Allowlist{}, fmt.Errorf("parse allowlist: %w", err)
	}
	if err := list.normalize(); err != nil {
		return Allowlist{}, err
	}
	return list, nil
}

func (a *Allowlist) normalize() error {
	if a.Version < 1 {
		return errors.New("allowlist version must be at least 1")
	}
	var errs []error
	for i := range a.Entries {
		e := &a.Entries[i]
		e.Path = cleanPath(e.Path)
		e.Category = strings.TrimSpace(e.Category)
		e.Rationale = strings.TrimSpace(e.Rationale)
		switch {
		case e.Path == "" || e.Path == ".":
			errs = append(errs, fmt.Errorf("entry %d: path is required", i))
		case !categories[e.Category]:
			errs = append(errs, fmt.Errorf("entry %d (%s): unknown category %q", i, e.Path, e.Category))
		case e.Rationale == "":
			errs = append(errs, fmt.Errorf("entry %d (%s): rationale is required", i, e.Path))
		case e.Exported && e.Category != CategoryJSONBoundary && e.Category != CategoryLoggingShim:
			errs = append(errs, fmt.Errorf("entry %d (%s): exported any is limited to json or logging boundaries", i, e.Path))
		}
		e.Symbols = trimAll(e.Symbols)
	}
	for i, glob := range a.Exclude {
		a.Exclude[i] = strings.TrimSpace(glob)
	}
	return errors.Join(errs...)
}

// Guard checks Go sources against an allowlist.
type Guard struct {
	exclude   []*regexp.Regexp
	wholeFile map[string]bool
	symbols   map[string]map[string]bool
}

// NewGuard compiles list.
func NewGuard(list Allowlist) (*Guard, error) {
	if err := list.normalize(); err != nil {
		return nil, err
	}
	g := &Guard{wholeFile: make(map[string]bool), symbols: make(map[string]map[string]bool)}
	for _, glob := range list.Exclude {
		if glob == "" {
			continue
		}
		re, err := globRegexp(glob)
		if err != nil {
			return nil, fmt.Errorf("exclude %q: %w", glob, err)
		}
		g.exclude = append(g.exclude, re)
	}
	for _, e := range list.Entries {
		if len(e.Symbols) == 0 {
			g.wholeFile[e.Path] = true
			continue
		}
		set := g.symbols[e.Path]
		if set == nil {
			set = make(map[string]bool)
			g.symbols[e.Path] = set
		}
		for _, s := range e.Symbols {
			set[s] = true
		}
	}
	return g, nil
}

func (g *Guard) excluded(rel string) bool {
	for _, re := range g.exclude {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

func (g *Guard) allowed(rel, symbol string) bool {
	return g.wholeFile[rel] || (symbol != "" && g.symbols[rel][symbol])
}

// Check walks every root below baseDir and returns violations sorted by file
// and line.
func (g *Guard) Check(baseDir string, roots []string) ([]Violation, error) {
	if len(roots) == 0 {
		return nil, errors.New("no roots to check")
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	var out []Violation
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		dir := root
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %s is not a directory", root)
		}
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			rel = cleanPath(rel)
			if g.excluded(rel) || g.wholeFile[rel] {
				return nil
			}
			found, err := g.checkFile(path, rel)
			if err != nil {
				return err
			}
			out = append(out, found...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (g *Guard) checkFile(path, rel string) ([]Violation, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- path comes from the directory walk
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, 0)
	if err != nil {
		return nil, err
	}
	decls := declSpans(file)
	lines := strings.Split(string(src), "\n")
	var out []Violation
	for _, pos := range anyTypeUses(file) {
		symbol := decls.at(pos)
		if g.allowed(rel, symbol) {
			continue
		}
		p := fset.Position(pos)
		v := Violation{File: rel, Line: p.Line, Symbol: symbol}
		if p.Line > 0 && p.Line <= len(lines) {
			v.Code = strings.TrimSpace(lines[p.Line-1])
		}
		out = append(out, v)
	}
	return out, nil
}

type span struct {
	name       string
	start, end token.Pos
}

type spans []span

func (s spans) at(pos token.Pos) string {
	for _, sp := range s {
		if pos >= sp.start && pos <= sp.end {
			return sp.name
		}
	}
	return ""
}

// declSpans maps top-level declarations to their names. Methods are named by
// receiver type.
func declSpans(file *ast.File) spans {
	var out spans
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					out = append(out, span{s.Name.Name, s.Pos(), s.End()})
				case *ast.ValueSpec:
					for _, n := range s.Names {
						out = append(out, span{n.Name, s.Pos(), s.End()})
					}
				}
			}
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				if recv := receiverName(d.Recv.List[0].Type); recv != "" {
					name = recv
				}
			}
			out = append(out, span{name, d.Pos(), d.End()})
		}
	}
	return out
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.IndexExpr:
		return receiverName(e.X)
	case *ast.IndexListExpr:
		return receiverName(e.X)
	}
	return ""
}

// anyTypeUses returns every `any` identifier used as a type, skipping type
// parameter constraints.
func anyTypeUses(file *ast.File) []token.Pos {
	var constraints spans
	ast.Inspect(file, func(n ast.Node) bool {
		var params *ast.FieldList
		switch node := n.(type) {
		case *ast.FuncType:
			params = node.TypeParams
		case *ast.TypeSpec:
			params = node.TypeParams
		}
		if params != nil {
			for _, f := range params.List {
				if f != nil && f.Type != nil {
					constraints = append(constraints, span{"", f.Type.Pos(), f.Type.End()})
				}
			}
		}
		return true
	})
	inConstraint := func(pos token.Pos) bool {
		for _, c := range constraints {
			if pos >= c.start && pos <= c.end {
				return true
			}
		}
		return false
	}

	var uses []token.Pos
	var stack []ast.Node
	ast.Inspect(file, func(n ast.Node) bool {
		if n == nil {
			stack = stack[:len(stack)-1]
			return true
		}
		stack = append(stack, n)
		id, ok := n.(*ast.Ident)
		if ok && id.Name == "any" && len(stack) > 1 && typePosition(stack[len(stack)-2], id) && !inConstraint(id.Pos()) {
			uses = append(uses, id.Pos())
		}
		return true
	})
	return uses
}

func typePosition(parent ast.Node, id *ast.Ident) bool {
	switch p := parent.(type) {
	case *ast.ArrayType:
		return p.Elt == id
	case *ast.MapType:
		return p.Key == id || p.Value == id
	case *ast.ChanType:
		return p.Value == id
	case *ast.StarExpr:
		return p.X == id
	case *ast.Ellipsis:
		return p.Elt == id
	case *ast.Field:
		return p.Type == id
	case *ast.ValueSpec:
		return p.Type == id
	case *ast.TypeSpec:
		return p.Type == id
	case *ast.TypeAssertExpr:
		return p.Type == id
	case *ast.IndexExpr:
		return p.Index == id
	case *ast.IndexListExpr:
		for _, idx := range p.Indices {
			if idx == id {
				return true
			}
		}
	case *ast.CallExpr:
		return p.Fun == id
	}
	return false
}

func cleanPath(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(strings.TrimSpace(p))), "./")
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// globRegexp supports * (within a segment), ** (across segments) and ?.
func globRegexp(glob string) (*regexp.Regexp, error) {
	expr := regexp.QuoteMeta(cleanPath(glob))
	expr = strings.ReplaceAll(expr, `\*\*`, "\x00")
	expr = strings.ReplaceAll(expr, `\*`, `[^/]*`)
	expr = strings.ReplaceAll(expr, `\?`, `[^/]`)
	expr = strings.ReplaceAll(expr, "\x00", ".*")
	return regexp.Compile("^" + expr + "$")
}
