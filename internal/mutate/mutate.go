// Package mutate interprets accepted suggestions into structural outline
// changes. Apply is pure: the input tree is never touched, every call
// returns a fresh tree value.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/suggest"
)

var (
	// ErrInvalidSuggestion means the target cannot be resolved to a node.
	ErrInvalidSuggestion = errors.New("invalid suggestion")
	// ErrAmbiguousTarget means more than one node matched by title and no id
	// match disambiguates it.
	ErrAmbiguousTarget = errors.New("ambiguous target")
	// ErrInvalidRange means the suggested page bounds are unparseable or
	// violate pageStart <= pageEnd.
	ErrInvalidRange = errors.New("invalid page range")
)

// Apply executes one suggestion against tree and returns the mutated copy.
func Apply(tree *outline.Node, s suggest.Suggestion) (*outline.Node, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: empty tree", ErrInvalidSuggestion)
	}
	next := tree.Clone()

	switch s.Action {
	case suggest.ActionDelete:
		return next, applyDelete(next, s)
	case suggest.ActionAdd:
		return next, applyAdd(next, s)
	case suggest.ActionModifyFormat:
		return next, applyModifyFormat(next, s)
	case suggest.ActionModifyPage:
		return next, applyModifyPage(next, s)
	case suggest.ActionExpand:
		// EXPAND signals an external re-analysis pipeline; the tree is left
		// untouched, but the target must still resolve.
		_, err := resolveTarget(next, s)
		return next, err
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidSuggestion, s.Action)
	}
}

// resolveTarget finds the single node a node-targeted suggestion names. An
// exact id match always wins; the title fallback is only consulted when no
// id matches, and duplicated titles are surfaced as ErrAmbiguousTarget
// instead of silently mutating an arbitrary node.
func resolveTarget(tree *outline.Node, s suggest.Suggestion) (*outline.Node, error) {
	if s.NodeID == "" {
		return nil, fmt.Errorf("%w: suggestion %s has no target", ErrInvalidSuggestion, s.ID)
	}
	return resolveIdentifier(tree, s.NodeID)
}

func applyDelete(tree *outline.Node, s suggest.Suggestion) error {
	target, err := resolveTarget(tree, s)
	if err != nil {
		return err
	}
	if target == tree {
		return fmt.Errorf("%w: cannot delete the root node", ErrInvalidSuggestion)
	}
	parent, idx := outline.ParentOf(tree, target.ID)
	if parent == nil {
		return fmt.Errorf("%w: node %q has no parent", ErrInvalidSuggestion, target.ID)
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	return nil
}

func applyAdd(tree *outline.Node, s suggest.Suggestion) error {
	node := &outline.Node{
		ID:    newNodeID(s),
		Title: s.SuggestedTitle,
	}
	if node.Title == "" {
		return fmt.Errorf("%w: ADD suggestion %s has no suggested title", ErrInvalidSuggestion, s.ID)
	}
	if p := s.Placement; p != nil && len(p.PageRange) == 2 {
		start, end := p.PageRange[0], p.PageRange[1]
		if start > end {
			return fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
		}
		node.PageStart = &start
		node.PageEnd = &end
	}

	parent, index, err := insertionPoint(tree, s.Placement)
	if err != nil {
		return err
	}
	children := parent.Children
	children = append(children, nil)
	copy(children[index+1:], children[index:])
	children[index] = node
	parent.Children = children
	return nil
}

// insertionPoint resolves where an ADD lands: under placement.parentId (or
// after placement.afterNodeId within its own parent), appended when no
// position is implied, and appended to the root when there is no placement
// at all.
func insertionPoint(tree *outline.Node, p *suggest.Placement) (*outline.Node, int, error) {
	if p.Empty() {
		return tree, len(tree.Children), nil
	}

	parent := tree
	if p.ParentID != "" {
		resolved, err := resolveIdentifier(tree, p.ParentID)
		if err != nil {
			return nil, 0, err
		}
		parent = resolved
	}

	if p.AfterNodeID != "" {
		after, err := resolveIdentifier(tree, p.AfterNodeID)
		if err == nil {
			afterParent, idx := outline.ParentOf(tree, after.ID)
			if afterParent != nil && (p.ParentID == "" || afterParent == parent) {
				return afterParent, idx + 1, nil
			}
		} else if !errors.Is(err, ErrInvalidSuggestion) {
			return nil, 0, err
		}
		// The after-node is gone or lives elsewhere; fall through to append.
	}

	return parent, len(parent.Children), nil
}

func resolveIdentifier(tree *outline.Node, identifier string) (*outline.Node, error) {
	if node := outline.FindByID(tree, identifier); node != nil {
		return node, nil
	}
	byTitle := outline.FindAllByTitle(tree, identifier)
	switch len(byTitle) {
	case 0:
		return nil, fmt.Errorf("%w: no node matches %q", ErrInvalidSuggestion, identifier)
	case 1:
		return byTitle[0], nil
	default:
		return nil, fmt.Errorf("%w: %d nodes titled %q", ErrAmbiguousTarget, len(byTitle), identifier)
	}
}

func applyModifyFormat(tree *outline.Node, s suggest.Suggestion) error {
	target, err := resolveTarget(tree, s)
	if err != nil {
		return err
	}
	if s.SuggestedTitle == "" {
		return fmt.Errorf("%w: MODIFY_FORMAT suggestion %s has no suggested title", ErrInvalidSuggestion, s.ID)
	}
	// Title keeps the original wording; the renamed presentation is the
	// consumer's concern.
	target.DisplayTitle = s.SuggestedTitle
	return nil
}

func applyModifyPage(tree *outline.Node, s suggest.Suggestion) error {
	target, err := resolveTarget(tree, s)
	if err != nil {
		return err
	}
	start, end, err := suggestedRange(s)
	if err != nil {
		return err
	}
	target.PageStart = &start
	target.PageEnd = &end
	return nil
}

// suggestedRange extracts the new page bounds. Structured placement.pageRange
// wins; otherwise the range is parsed from suggestedTitle ("5-10" or "7"),
// the legacy encoding the producer still emits.
func suggestedRange(s suggest.Suggestion) (int, int, error) {
	if p := s.Placement; p != nil && len(p.PageRange) == 2 {
		if p.PageRange[0] > p.PageRange[1] {
			return 0, 0, fmt.Errorf("%w: %d-%d", ErrInvalidRange, p.PageRange[0], p.PageRange[1])
		}
		return p.PageRange[0], p.PageRange[1], nil
	}
	return ParsePageRange(s.SuggestedTitle)
}

// ParsePageRange parses "5-10", "5 – 10" or a bare "7" into ordered bounds.
func ParsePageRange(text string) (int, int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, 0, fmt.Errorf("%w: empty range", ErrInvalidRange)
	}
	for _, sep := range []string{"-", "–", "—", "~"} {
		if before, after, found := strings.Cut(trimmed, sep); found {
			start, err1 := strconv.Atoi(strings.TrimSpace(before))
			end, err2 := strconv.Atoi(strings.TrimSpace(after))
			if err1 != nil || err2 != nil {
				return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, text)
			}
			if start > end {
				return 0, 0, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
			}
			return start, end, nil
		}
	}
	page, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, text)
	}
	return page, page, nil
}

// newNodeID derives a stable id for a node inserted by an ADD suggestion, so
// re-running the same batch against the same snapshot produces the same tree.
func newNodeID(s suggest.Suggestion) string {
	return "node_" + s.ID
}

// Failure records the first suggestion a batch could not apply.
type Failure struct {
	SuggestionID string
	Err          error
}

// BatchResult reports what a batch application did. AppliedIDs holds every
// suggestion that landed, in order (including EXPAND ids, which apply without
// a structural change); ExpandIDs is the subset to hand to the re-analysis
// pipeline. Interrupted is set when the context was cancelled between
// suggestions.
type BatchResult struct {
	AppliedIDs  []string
	ExpandIDs   []string
	Failed      *Failure
	Interrupted bool
}

// ApplyBatch applies suggestions in input order against the progressively
// mutated tree, so later suggestions observe the effects of earlier ones.
// The first failure stops the batch: the successful prefix is kept, the
// failing suggestion's change is discarded, and the remainder is not
// attempted. Cancellation is honored between suggestions, never mid-mutation.
func ApplyBatch(ctx context.Context, tree *outline.Node, suggestions []suggest.Suggestion) (*outline.Node, BatchResult) {
	current := tree.Clone()
	result := BatchResult{AppliedIDs: make([]string, 0, len(suggestions))}

	for _, s := range suggestions {
		select {
		case <-ctx.Done():
			result.Interrupted = true
			return current, result
		default:
		}

		next, err := Apply(current, s)
		if err != nil {
			result.Failed = &Failure{SuggestionID: s.ID, Err: err}
			return current, result
		}
		current = next
		result.AppliedIDs = append(result.AppliedIDs, s.ID)
		if s.Action == suggest.ActionExpand {
			result.ExpandIDs = append(result.ExpandIDs, s.ID)
		}
	}
	return current, result
}
