package suggest

import (
	"bidsmart/api/internal/outline"
)

// Matches is the result of reconciling a suggestion list against a tree.
// ByNode maps node id to the ordered suggestions that belong to that node
// (input order, so the first entry is the primary suggestion). Unmatched
// lists suggestion ids that resolved to no node at all.
type Matches struct {
	ByNode    map[string][]Suggestion
	Unmatched []string
}

// PrimaryFor returns the first matched suggestion for a node, if any.
func (m Matches) PrimaryFor(nodeID string) (Suggestion, bool) {
	list := m.ByNode[nodeID]
	if len(list) == 0 {
		return Suggestion{}, false
	}
	return list[0], true
}

// Match reconciles pending suggestions with the tree. Only pending
// suggestions participate; resolved ones are filtered at read time. The
// result is deterministic: it depends only on the tree's document order and
// the input order of the suggestion list.
//
// Node-targeted suggestions (DELETE, MODIFY_FORMAT, MODIFY_PAGE, EXPAND)
// match every node whose id or title equals the suggestion's NodeID; title
// matching is a fallback for producers without stable ids and may hit more
// than one node. ADD suggestions are not yet materialized as nodes, so they
// anchor to an existing node: the root when placement is absent, else the
// placement's parent, else the placement's after-node.
func Match(root *outline.Node, suggestions []Suggestion) (Matches, error) {
	if err := outline.Validate(root); err != nil {
		return Matches{}, err
	}

	result := Matches{ByNode: make(map[string][]Suggestion)}
	for _, s := range suggestions {
		if s.Status != StatusPending {
			continue
		}
		var targets []*outline.Node
		if s.Action == ActionAdd {
			targets = anchorNodes(root, s.Placement)
		} else if s.Action.NodeTargeted() {
			targets = identifierMatches(root, s.NodeID)
		}
		if len(targets) == 0 {
			// An unmatched suggestion is not an error; it simply has no
			// node to hang on.
			result.Unmatched = append(result.Unmatched, s.ID)
			continue
		}
		for _, node := range targets {
			result.ByNode[node.ID] = append(result.ByNode[node.ID], s)
		}
	}
	return result, nil
}

// identifierMatches returns every node whose id or title equals the
// identifier, in document order. The id check and the title fallback are
// both applied; duplicated titles yield multiple matches by design.
func identifierMatches(root *outline.Node, identifier string) []*outline.Node {
	if identifier == "" {
		return nil
	}
	var nodes []*outline.Node
	_ = outline.Walk(root, func(n *outline.Node) error {
		if n.ID == identifier || n.Title == identifier {
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes
}

// anchorNodes resolves the anchor for an ADD suggestion. Insertions with no
// known location default to root-level visibility.
func anchorNodes(root *outline.Node, placement *Placement) []*outline.Node {
	if placement.Empty() {
		return []*outline.Node{root}
	}
	if placement.ParentID != "" {
		if nodes := identifierMatches(root, placement.ParentID); len(nodes) > 0 {
			return nodes
		}
	}
	if placement.AfterNodeID != "" {
		if nodes := identifierMatches(root, placement.AfterNodeID); len(nodes) > 0 {
			return nodes
		}
	}
	// Placement named nodes the tree no longer has; fall back to the root so
	// the insertion stays visible for review.
	return []*outline.Node{root}
}
