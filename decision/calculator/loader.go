package calculator

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"

	cerrors "construction-cost/pkg/errors"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

// ParseDocument decodes a JSON or YAML definition document. Accepted shapes are a
// list of definitions, a map with a "calculators" list, or a single definition.
// Entries that fail to decode are returned as rejections; the error is reserved for
// a document that cannot be parsed at all.
func ParseDocument(data []byte) ([]Definition, []*cerrors.DefinitionError, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("failed to parse definition document: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil, nil
	}

	doc := root.Content[0]
	var items []*yaml.Node
	switch doc.Kind {
	case yaml.SequenceNode:
		items = doc.Content
	case yaml.MappingNode:
		list := mappingValue(doc, "calculators")
		switch {
		case list == nil:
			items = []*yaml.Node{doc}
		case list.Kind == yaml.SequenceNode:
			items = list.Content
		default:
			return nil, nil, fmt.Errorf("definition document: calculators must be a list")
		}
	default:
		return nil, nil, fmt.Errorf("definition document: expected a list or a map at line %d", doc.Line)
	}

	var (
		defs     []Definition
		rejected []*cerrors.DefinitionError
	)
	for i, item := range items {
		var def Definition
		if err := item.Decode(&def); err != nil {
			id := ""
			if v := mappingValue(item, "id"); v != nil {
				id = v.Value
			}
			rejected = append(rejected, &cerrors.DefinitionError{
				CalculatorID: id,
				Problems:     []cerrors.Problem{{Field: fmt.Sprintf("calculators[%d]", i), Message: err.Error()}},
			})
			continue
		}
		defs = append(defs, def)
	}
	return defs, rejected, nil
}

// BuiltinDefinitions returns the calculators shipped with the binary.
func BuiltinDefinitions() ([]Definition, error) {
	names, err := fs.Glob(builtinFS, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var out []Definition
	for _, name := range names {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		defs, rejected, err := ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(rejected) > 0 {
			return nil, fmt.Errorf("%s: %w", name, rejected[0])
		}
		out = append(out, defs...)
	}
	return out, nil
}

// LoadBuiltin registers the built-in calculators.
func (r *Registry) LoadBuiltin() (LoadReport, error) {
	defs, err := BuiltinDefinitions()
	if err != nil {
		return LoadReport{}, err
	}
	var report LoadReport
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return report, fmt.Errorf("built-in calculator %s: %w", def.ID, err)
		}
		report.Registered = append(report.Registered, def.ID)
	}
	return report, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
