package domain

import (
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "stockledger"

// layerRule forbids packages under From from importing packages under any of
// the Deny prefixes.
type layerRule struct {
	From string
	Deny []string
}

var layerRules = []layerRule{
	{From: "stockledger/pkg/domain", Deny: []string{"stockledger/internal/"}},
	{From: "stockledger/internal/infra/", Deny: []string{"stockledger/internal/core", "stockledger/internal/adapters/", "stockledger/internal/config"}},
	{From: "stockledger/internal/blob", Deny: []string{"stockledger/internal/core", "stockledger/internal/adapters/"}},
	{From: "stockledger/internal/core", Deny: []string{"stockledger/internal/adapters/", "stockledger/internal/config", "stockledger/cmd/"}},
	{From: "stockledger/internal/adapters/", Deny: []string{"stockledger/internal/infra/persistence/", "stockledger/internal/config"}},
	{From: "stockledger/internal/lint", Deny: []string{"stockledger/internal/", "stockledger/pkg/"}},
	{From: "stockledger/docs/", Deny: []string{"stockledger/internal/", "stockledger/pkg/"}},
}

// under reports whether path is prefix itself or nested below it.
func under(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (r layerRule) applies(pkgPath string) bool {
	return under(pkgPath, r.From)
}

func (r layerRule) denied(imp string) bool {
	for _, d := range r.Deny {
		if under(imp, d) {
			return true
		}
	}
	return false
}

// TestLayering walks every package of the module and checks its direct
// imports against layerRules.
func TestLayering(t *testing.T) {
	if testing.Short() {
		t.Skip("loads the whole module")
	}
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	if len(pkgs) == 0 {
		t.Fatalf("no packages loaded")
	}
	checked := 0
	for _, pkg := range pkgs {
		for _, rule := range layerRules {
			if !rule.applies(pkg.PkgPath) {
				continue
			}
			checked++
			for imp := range pkg.Imports {
				if rule.denied(imp) {
					t.Errorf("%s must not import %s", pkg.PkgPath, imp)
				}
			}
		}
	}
	if checked == 0 {
		t.Fatalf("no package matched a layering rule")
	}
}

func TestLayerRuleMatching(t *testing.T) {
	rule := layerRule{From: "stockledger/internal/core", Deny: []string{"stockledger/internal/adapters/"}}
	if !rule.applies("stockledger/internal/core") {
		t.Fatalf("rule should apply to its own package")
	}
	if rule.applies("stockledger/internal/corex") || rule.applies("stockledger/internal/blob/core") {
		t.Fatalf("rule must not apply to unrelated packages")
	}
	if !rule.denied("stockledger/internal/adapters/httpapi") {
		t.Fatalf("adapter import should be denied")
	}
	if rule.denied("stockledger/internal/blob") {
		t.Fatalf("blob import should be allowed")
	}
}

func TestDomainImportsNoInternalPackages(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected a single package, got %d", len(pkgs))
	}
	for imp := range pkgs[0].Imports {
		if strings.HasPrefix(imp, modulePath+"/internal/") {
			t.Errorf("domain package must not import %s", imp)
		}
	}
}
