package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// #region module-config
// ModuleConfig is one node of the model's module tree. Mapping-valued keys
// of a module become child modules in file order; every other key is a
// plain parameter.
type ModuleConfig struct {
	Name          string
	FreezeWeights bool
	ModelPath     string
	// ModelName is the name under which the module's weights are stored
	// in a checkpoint. Defaults to Name.
	ModelName string
	Params    map[string]any
	Children  []*ModuleConfig
}

// UnmarshalYAML builds the tree from a mapping node.
func (m *ModuleConfig) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: module config must be a mapping", node.Line)
	}
	m.Params = make(map[string]any)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, resolveAlias(node.Content[i+1])
		var err error
		switch key {
		case "freeze_weights":
			err = value.Decode(&m.FreezeWeights)
		case "model_path":
			err = value.Decode(&m.ModelPath)
		case "model_name":
			err = value.Decode(&m.ModelName)
		default:
			if value.Kind == yaml.MappingNode {
				child := &ModuleConfig{}
				if err = child.UnmarshalYAML(value); err == nil {
					child.Name = key
					if child.ModelName == "" {
						child.ModelName = key
					}
					m.Children = append(m.Children, child)
				}
				break
			}
			var v any
			err = value.Decode(&v)
			m.Params[key] = v
		}
		if err != nil {
			return fmt.Errorf("module key %q: %w", key, err)
		}
	}
	return nil
}

// Child returns the direct child named name, or nil.
func (m *ModuleConfig) Child(name string) *ModuleConfig {
	for _, c := range m.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}
// #endregion module-config
