// Package openapi embeds the OpenAPI document for the stockledger HTTP API.
package openapi

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed stockledger.yaml
var document []byte

// Spec returns a copy of the embedded YAML document.
func Spec() []byte {
	return append([]byte(nil), document...)
}

// Operation is one documented method and path, with path parameters written
// as {name}.
type Operation struct {
	Method string
	Path   string
	ID     string
}

var methods = map[string]bool{"get": true, "put": true, "post": true, "delete": true, "patch": true, "head": true, "options": true}

// Operations lists every documented operation sorted by path then method.
func Operations() ([]Operation, error) {
	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	if err := yaml.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	var ops []Operation
	for path, item := range doc.Paths {
		for key, node := range item {
			if !methods[key] {
				continue
			}
			var op struct {
				OperationID string `yaml:"operationId"`
			}
			if err := node.Decode(&op); err != nil {
				return nil, fmt.Errorf("%s %s: %w", key, path, err)
			}
			ops = append(ops, Operation{Method: strings.ToUpper(key), Path: path, ID: op.OperationID})
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].Method < ops[j].Method
	})
	return ops, nil
}
