package suggest

import (
	"reflect"
	"testing"

	"bidsmart/api/internal/outline"
)

func reviewTree() *outline.Node {
	return &outline.Node{
		ID:    "root",
		Title: "Tender Document",
		Children: []*outline.Node{
			{ID: "n1", Title: "Intro"},
			{ID: "n2", Title: "Body", Children: []*outline.Node{
				{ID: "n3", Title: "Pricing"},
				{ID: "n4", Title: "Intro"},
			}},
		},
	}
}

func TestMatchByUniqueID(t *testing.T) {
	s := Suggestion{ID: "s1", Action: ActionDelete, NodeID: "n3", Status: StatusPending}
	m, err := Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode) != 1 || len(m.ByNode["n3"]) != 1 || m.ByNode["n3"][0].ID != "s1" {
		t.Fatalf("unexpected matches: %+v", m.ByNode)
	}
}

func TestMatchByTitleHitsEveryDuplicate(t *testing.T) {
	s := Suggestion{ID: "s1", Action: ActionModifyFormat, NodeID: "Intro", Status: StatusPending}
	m, err := Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode["n1"]) != 1 || len(m.ByNode["n4"]) != 1 {
		t.Fatalf("expected both Intro nodes matched, got %+v", m.ByNode)
	}
}

func TestMatchFiltersResolvedSuggestions(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "s1", Action: ActionDelete, NodeID: "n1", Status: StatusAccepted},
		{ID: "s2", Action: ActionDelete, NodeID: "n1", Status: StatusRejected},
		{ID: "s3", Action: ActionDelete, NodeID: "n1", Status: StatusApplied},
		{ID: "s4", Action: ActionDelete, NodeID: "n1", Status: StatusPending},
	}
	m, err := Match(reviewTree(), suggestions)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got := m.ByNode["n1"]; len(got) != 1 || got[0].ID != "s4" {
		t.Fatalf("expected only pending s4, got %+v", got)
	}
}

func TestMatchUnknownTargetIsUnmatchedNotError(t *testing.T) {
	s := Suggestion{ID: "s1", Action: ActionModifyPage, NodeID: "ghost", Status: StatusPending}
	m, err := Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode) != 0 {
		t.Fatalf("expected no matches, got %+v", m.ByNode)
	}
	if !reflect.DeepEqual(m.Unmatched, []string{"s1"}) {
		t.Fatalf("expected s1 unmatched, got %v", m.Unmatched)
	}
}

func TestMatchAddWithoutPlacementAnchorsToRoot(t *testing.T) {
	cases := []*Placement{nil, {}, {TargetDepth: 2}}
	for _, placement := range cases {
		s := Suggestion{ID: "s1", Action: ActionAdd, Status: StatusPending, SuggestedTitle: "New", Placement: placement}
		m, err := Match(reviewTree(), []Suggestion{s})
		if err != nil {
			t.Fatalf("Match() error = %v", err)
		}
		if len(m.ByNode["root"]) != 1 {
			t.Fatalf("placement %+v: expected root anchor, got %+v", placement, m.ByNode)
		}
	}
}

func TestMatchAddPlacementPrecedence(t *testing.T) {
	// parentId wins when it resolves.
	s := Suggestion{ID: "s1", Action: ActionAdd, Status: StatusPending, Placement: &Placement{ParentID: "n2", AfterNodeID: "n1"}}
	m, err := Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode["n2"]) != 1 || len(m.ByNode["n1"]) != 0 {
		t.Fatalf("expected anchor on parent n2, got %+v", m.ByNode)
	}

	// afterNodeId is the fallback, and may resolve by title.
	s = Suggestion{ID: "s2", Action: ActionAdd, Status: StatusPending, Placement: &Placement{ParentID: "ghost", AfterNodeID: "Pricing"}}
	m, err = Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode["n3"]) != 1 {
		t.Fatalf("expected anchor on n3 via afterNodeId title, got %+v", m.ByNode)
	}

	// Neither resolves: stay visible at the root.
	s = Suggestion{ID: "s3", Action: ActionAdd, Status: StatusPending, Placement: &Placement{ParentID: "ghost", AfterNodeID: "ghost2"}}
	m, err = Match(reviewTree(), []Suggestion{s})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(m.ByNode["root"]) != 1 {
		t.Fatalf("expected root fallback, got %+v", m.ByNode)
	}
}

func TestMatchPrimaryIsFirstInInputOrder(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "s1", Action: ActionModifyPage, NodeID: "n2", Status: StatusPending},
		{ID: "s2", Action: ActionDelete, NodeID: "Body", Status: StatusPending},
	}
	m, err := Match(reviewTree(), suggestions)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got := m.ByNode["n2"]; len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
		t.Fatalf("expected ordered matches s1,s2 on n2, got %+v", got)
	}
	primary, ok := m.PrimaryFor("n2")
	if !ok || primary.ID != "s1" {
		t.Fatalf("PrimaryFor(n2) = %v, %v", primary, ok)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "s1", Action: ActionDelete, NodeID: "Intro", Status: StatusPending},
		{ID: "s2", Action: ActionAdd, Status: StatusPending},
		{ID: "s3", Action: ActionExpand, NodeID: "n2", Status: StatusPending},
	}
	first, err := Match(reviewTree(), suggestions)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	for range 10 {
		again, err := Match(reviewTree(), suggestions)
		if err != nil {
			t.Fatalf("Match() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("equal inputs produced different matches")
		}
	}
}
