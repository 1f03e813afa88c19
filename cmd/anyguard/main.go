// Command anyguard fails when `any` is used as a type outside the allowlist.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"stockledger/internal/lint"
)

const defaultAllowlistPath = "internal/lint/any_allowlist.yaml"

var (
	exitFunc  = os.Exit
	getwd     = os.Getwd
	checkFunc = check
)

func main() {
	exitFunc(run(os.Args, os.Stderr, checkFunc))
}

func check(allowlistPath, baseDir string, roots []string) ([]lint.Violation, error) {
	list, err := lint.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	g, err := lint.NewGuard(list)
	if err != nil {
		return nil, err
	}
	return g.Check(baseDir, roots)
}

func run(args []string, stderr io.Writer, check func(string, string, []string) ([]lint.Violation, error)) int {
	if len(args) == 0 {
		return 1
	}
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.SetOutput(stderr)
	allowlist := flags.String("allowlist", defaultAllowlistPath, "path to the YAML allowlist")
	rootsFlag := flags.String("roots", strings.Join(lint.DefaultRoots, ","), "comma-separated directories to scan")
	if err := flags.Parse(args[1:]); err != nil {
		return 1
	}
	roots := splitRoots(*rootsFlag)
	if len(roots) == 0 {
		fmt.Fprintln(stderr, "no roots to scan")
		return 1
	}
	base, err := getwd()
	if err != nil {
		fmt.Fprintf(stderr, "resolve working directory: %v\n", err)
		return 1
	}
	violations, err := check(*allowlist, base, roots)
	if err != nil {
		fmt.Fprintf(stderr, "anyguard: %v\n", err)
		return 1
	}
	if len(violations) == 0 {
		return 0
	}
	fmt.Fprintf(stderr, "found %d disallowed any usages:\n", len(violations))
	for _, v := range violations {
		fmt.Fprintf(stderr, "  %s\n", v)
	}
	return 1
}

func splitRoots(value string) []string {
	var out []string
	for _, r := range strings.Split(value, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
