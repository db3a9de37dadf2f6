// Package outline holds the in-memory document outline: a rooted tree of
// titled nodes with optional page ranges. Trees are treated as immutable
// values per revision; every structural change produces a new tree.
package outline

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedTree = errors.New("malformed tree")

// Node is one entry in the hierarchical document outline. A node appears
// under exactly one parent; the root has no parent. DisplayTitle carries a
// pending rename while Title retains the original wording for audit/undo.
type Node struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	DisplayTitle string  `json:"displayTitle,omitempty"`
	PageStart    *int    `json:"pageStart,omitempty"`
	PageEnd      *int    `json:"pageEnd,omitempty"`
	Children     []*Node `json:"children,omitempty"`
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	copied := &Node{
		ID:           n.ID,
		Title:        n.Title,
		DisplayTitle: n.DisplayTitle,
	}
	if n.PageStart != nil {
		v := *n.PageStart
		copied.PageStart = &v
	}
	if n.PageEnd != nil {
		v := *n.PageEnd
		copied.PageEnd = &v
	}
	if len(n.Children) > 0 {
		copied.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			copied.Children = append(copied.Children, child.Clone())
		}
	}
	return copied
}

// Walk visits every node in document order (parent before children, children
// in sequence). The traversal is iterative with an explicit stack and refuses
// to loop: a node reachable twice (shared child ownership, cycle) yields
// ErrMalformedTree.
func Walk(root *Node, visit func(*Node) error) error {
	if root == nil {
		return nil
	}
	seen := make(map[*Node]struct{})
	stack := []*Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == nil {
			return fmt.Errorf("%w: nil node", ErrMalformedTree)
		}
		if _, dup := seen[node]; dup {
			return fmt.Errorf("%w: node %q reachable via more than one parent", ErrMalformedTree, node.ID)
		}
		seen[node] = struct{}{}
		if err := visit(node); err != nil {
			return err
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return nil
}

// FindByID returns the node with the given id, or nil.
func FindByID(root *Node, id string) *Node {
	var found *Node
	_ = Walk(root, func(n *Node) error {
		if found == nil && n.ID == id {
			found = n
		}
		return nil
	})
	return found
}

// FindAllByTitle returns every node whose title equals title, in document
// order. Titles are not unique; callers must handle the multi-match case.
func FindAllByTitle(root *Node, title string) []*Node {
	var found []*Node
	_ = Walk(root, func(n *Node) error {
		if n.Title == title {
			found = append(found, n)
		}
		return nil
	})
	return found
}

// ParentOf returns the parent of the node with the given id, and the child's
// index in the parent's children. Returns (nil, -1) for the root or when the
// id is absent.
func ParentOf(root *Node, id string) (*Node, int) {
	var parent *Node
	index := -1
	_ = Walk(root, func(n *Node) error {
		for i, child := range n.Children {
			if child.ID == id {
				parent = n
				index = i
			}
		}
		return nil
	})
	return parent, index
}

// Count returns the number of nodes in the tree.
func Count(root *Node) int {
	total := 0
	_ = Walk(root, func(*Node) error {
		total++
		return nil
	})
	return total
}

// Validate checks the tree invariants: ids unique within the snapshot, page
// bounds ordered wherever both are set, and strict tree shape.
func Validate(root *Node) error {
	if root == nil {
		return fmt.Errorf("%w: empty tree", ErrMalformedTree)
	}
	ids := make(map[string]struct{})
	return Walk(root, func(n *Node) error {
		if n.ID == "" {
			return fmt.Errorf("node %q missing id", n.Title)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
		if n.PageStart != nil && n.PageEnd != nil && *n.PageStart > *n.PageEnd {
			return fmt.Errorf("node %q: pageStart %d > pageEnd %d", n.ID, *n.PageStart, *n.PageEnd)
		}
		return nil
	})
}

// Marshal encodes the tree as JSON.
func Marshal(root *Node) ([]byte, error) {
	payload, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal outline: %w", err)
	}
	return payload, nil
}

// Unmarshal decodes a tree from JSON and validates it.
func Unmarshal(payload []byte) (*Node, error) {
	var root Node
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}
