// Package modules traverses the model's module tree and applies the
// per-module weight directives.
package modules

import (
	"strings"

	"github.com/danielpatrickdp/spine-driver/internal/config"
)

// #region walk
// Node is a module together with its dotted path from the root.
type Node struct {
	Path   string
	Module *config.ModuleConfig
}

// Walk visits every module below root exactly once, depth-first in file
// order, using an explicit worklist. The root itself is not visited.
// Traversal stops at the first error fn returns.
func Walk(root *config.ModuleConfig, fn func(Node) error) error {
	if root == nil {
		return nil
	}
	stack := make([]Node, 0, len(root.Children))
	for i := len(root.Children) - 1; i >= 0; i-- {
		c := root.Children[i]
		stack = append(stack, Node{Path: c.Name, Module: c})
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := fn(n); err != nil {
			return err
		}
		for i := len(n.Module.Children) - 1; i >= 0; i-- {
			c := n.Module.Children[i]
			stack = append(stack, Node{Path: n.Path + "." + c.Name, Module: c})
		}
	}
	return nil
}

// Collect returns every node Walk visits, in visit order.
func Collect(root *config.ModuleConfig) []Node {
	var out []Node
	_ = Walk(root, func(n Node) error {
		out = append(out, n)
		return nil
	})
	return out
}
// #endregion walk

// #region segments
// HasSegment reports whether the dotted parameter name contains seg as a
// whole segment.
func HasSegment(name, seg string) bool {
	if seg == "" {
		return false
	}
	for _, s := range strings.Split(name, ".") {
		if s == seg {
			return true
		}
	}
	return false
}
// #endregion segments
