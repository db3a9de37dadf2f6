package suggest

import (
	"fmt"

	"bidsmart/api/internal/outline"
)

// DescendantIndicators computes, per node id, whether the node or any strict
// descendant carries at least one matched pending suggestion. Reviewing UIs
// use it to auto-expand collapsed subtrees.
//
// The traversal is an explicit-stack post-order over node ids, so stack depth
// is bounded and a malformed tree (a node reachable via two parents) is
// reported as outline.ErrMalformedTree instead of looping.
func DescendantIndicators(root *outline.Node, matches Matches) (map[string]bool, error) {
	if root == nil {
		return map[string]bool{}, nil
	}

	indicators := make(map[string]bool)
	seen := make(map[*outline.Node]struct{})

	type frame struct {
		node     *outline.Node
		expanded bool
	}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if !top.expanded {
			if _, dup := seen[top.node]; dup {
				return nil, fmt.Errorf("%w: node %q reachable via more than one parent", outline.ErrMalformedTree, top.node.ID)
			}
			seen[top.node] = struct{}{}
			top.expanded = true
			for i := len(top.node.Children) - 1; i >= 0; i-- {
				stack = append(stack, frame{node: top.node.Children[i]})
			}
			continue
		}

		node := top.node
		stack = stack[:len(stack)-1]

		flag := len(matches.ByNode[node.ID]) > 0
		for _, child := range node.Children {
			if indicators[child.ID] {
				flag = true
				break
			}
		}
		indicators[node.ID] = flag
	}
	return indicators, nil
}
