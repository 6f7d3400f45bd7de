package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// #region bindings
// Bindings maps model parameter names to batch product names, in file
// order. The deprecated list form names products only; they are bound to
// parameters by position once the model reports its parameter names.
type Bindings struct {
	Params     []string
	Products   []string
	Positional bool
}

// UnmarshalYAML accepts a mapping (param: product) or a list of products.
func (b *Bindings) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			var product string
			if err := node.Content[i+1].Decode(&product); err != nil {
				return fmt.Errorf("binding %q: %w", node.Content[i].Value, err)
			}
			b.Params = append(b.Params, node.Content[i].Value)
			b.Products = append(b.Products, product)
		}
	case yaml.SequenceNode:
		if err := node.Decode(&b.Products); err != nil {
			return err
		}
		b.Positional = true
	default:
		return fmt.Errorf("line %d: input bindings must be a mapping or a list", node.Line)
	}
	return nil
}

// Empty reports whether no binding is configured.
func (b Bindings) Empty() bool {
	return len(b.Products) == 0
}

// Resolve returns the param → product map. Positional bindings are
// paired with params in order; named bindings ignore params.
func (b Bindings) Resolve(params []string) (map[string]string, error) {
	out := make(map[string]string, len(b.Products))
	if !b.Positional {
		for i, p := range b.Params {
			out[p] = b.Products[i]
		}
		return out, nil
	}
	if len(b.Products) > len(params) {
		return nil, fmt.Errorf("%w: %d positional inputs for %d model parameters", ErrConfig, len(b.Products), len(params))
	}
	for i, product := range b.Products {
		out[params[i]] = product
	}
	return out, nil
}
// #endregion bindings
