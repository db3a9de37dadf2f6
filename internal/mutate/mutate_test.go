package mutate

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"bidsmart/api/internal/outline"
	"bidsmart/api/internal/suggest"
)

func twoSectionTree() *outline.Node {
	return &outline.Node{
		ID:    "root",
		Title: "Tender Document",
		Children: []*outline.Node{
			{ID: "n1", Title: "Intro"},
			{ID: "n2", Title: "Body"},
		},
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	tree := twoSectionTree()
	before := tree.Clone()

	_, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "n1"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !reflect.DeepEqual(tree, before) {
		t.Fatal("Apply mutated its input tree")
	}
}

func TestDeleteByTitleFallback(t *testing.T) {
	tree := twoSectionTree()
	next, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "Intro"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(next.Children) != 1 || next.Children[0].ID != "n2" {
		t.Fatalf("expected only Body after delete, got %+v", next.Children)
	}
}

func TestDeleteRemovesWholeSubtree(t *testing.T) {
	tree := twoSectionTree()
	tree.Children[1].Children = []*outline.Node{{ID: "n3", Title: "Pricing"}}
	next, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "n2"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if outline.FindByID(next, "n3") != nil {
		t.Fatal("descendant survived subtree delete")
	}
}

func TestDeleteRootRejected(t *testing.T) {
	_, err := Apply(twoSectionTree(), suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "root"})
	if !errors.Is(err, ErrInvalidSuggestion) {
		t.Fatalf("expected ErrInvalidSuggestion, got %v", err)
	}
}

func TestAmbiguousTitleSurfaced(t *testing.T) {
	tree := twoSectionTree()
	tree.Children[1].Children = []*outline.Node{{ID: "n3", Title: "Intro"}}
	_, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "Intro"})
	if !errors.Is(err, ErrAmbiguousTarget) {
		t.Fatalf("expected ErrAmbiguousTarget, got %v", err)
	}
}

func TestIDMatchDisambiguatesDuplicateTitles(t *testing.T) {
	tree := twoSectionTree()
	// "n2" is also the title of another node; the id match must win.
	tree.Children[0].Title = "n2"
	next, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionDelete, NodeID: "n2"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if outline.FindByID(next, "n2") != nil {
		t.Fatal("expected node with id n2 deleted")
	}
	if outline.FindByID(next, "n1") == nil {
		t.Fatal("title-only match was deleted despite id match")
	}
}

func TestUnresolvedTargetFails(t *testing.T) {
	for _, action := range []suggest.Action{suggest.ActionDelete, suggest.ActionModifyFormat, suggest.ActionModifyPage, suggest.ActionExpand} {
		_, err := Apply(twoSectionTree(), suggest.Suggestion{ID: "s1", Action: action, NodeID: "ghost"})
		if !errors.Is(err, ErrInvalidSuggestion) {
			t.Errorf("%s: expected ErrInvalidSuggestion, got %v", action, err)
		}
	}
}

func TestAddWithoutPlacementAppendsToRoot(t *testing.T) {
	next, err := Apply(twoSectionTree(), suggest.Suggestion{ID: "s1", Action: suggest.ActionAdd, SuggestedTitle: "Appendix"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	last := next.Children[len(next.Children)-1]
	if last.Title != "Appendix" || last.ID != "node_s1" {
		t.Fatalf("unexpected appended node: %+v", last)
	}
}

func TestAddUnderParentWithPageRange(t *testing.T) {
	s := suggest.Suggestion{
		ID:             "s1",
		Action:         suggest.ActionAdd,
		SuggestedTitle: "Pricing",
		Placement:      &suggest.Placement{ParentID: "Body", PageRange: []int{5, 10}},
	}
	next, err := Apply(twoSectionTree(), s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	body := outline.FindByID(next, "n2")
	if len(body.Children) != 1 {
		t.Fatalf("expected child under Body, got %+v", body.Children)
	}
	added := body.Children[0]
	if added.PageStart == nil || added.PageEnd == nil || *added.PageStart != 5 || *added.PageEnd != 10 {
		t.Fatalf("page bounds not set: %+v", added)
	}
}

func TestAddAfterSibling(t *testing.T) {
	s := suggest.Suggestion{
		ID:             "s1",
		Action:         suggest.ActionAdd,
		SuggestedTitle: "Middle",
		Placement:      &suggest.Placement{AfterNodeID: "n1"},
	}
	next, err := Apply(twoSectionTree(), s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	titles := make([]string, 0, len(next.Children))
	for _, child := range next.Children {
		titles = append(titles, child.Title)
	}
	if !reflect.DeepEqual(titles, []string{"Intro", "Middle", "Body"}) {
		t.Fatalf("unexpected order: %v", titles)
	}
}

func TestAddInvertedPageRangeRejected(t *testing.T) {
	s := suggest.Suggestion{
		ID:             "s1",
		Action:         suggest.ActionAdd,
		SuggestedTitle: "Bad",
		Placement:      &suggest.Placement{PageRange: []int{10, 5}},
	}
	_, err := Apply(twoSectionTree(), s)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestModifyFormatKeepsOriginalTitle(t *testing.T) {
	s := suggest.Suggestion{ID: "s1", Action: suggest.ActionModifyFormat, NodeID: "n1", SuggestedTitle: "1. Introduction"}
	next, err := Apply(twoSectionTree(), s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	node := outline.FindByID(next, "n1")
	if node.Title != "Intro" {
		t.Errorf("original title lost: %q", node.Title)
	}
	if node.DisplayTitle != "1. Introduction" {
		t.Errorf("display title = %q", node.DisplayTitle)
	}
}

func TestModifyPageFromLegacySuggestedTitle(t *testing.T) {
	s := suggest.Suggestion{ID: "s1", Action: suggest.ActionModifyPage, NodeID: "n2", SuggestedTitle: "5-10"}
	next, err := Apply(twoSectionTree(), s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	node := outline.FindByID(next, "n2")
	if node.PageStart == nil || node.PageEnd == nil || *node.PageStart != 5 || *node.PageEnd != 10 {
		t.Fatalf("unexpected bounds: %+v", node)
	}
}

func TestModifyPagePlacementRangeWins(t *testing.T) {
	s := suggest.Suggestion{
		ID:             "s1",
		Action:         suggest.ActionModifyPage,
		NodeID:         "n2",
		SuggestedTitle: "1-2",
		Placement:      &suggest.Placement{PageRange: []int{7, 9}},
	}
	next, err := Apply(twoSectionTree(), s)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	node := outline.FindByID(next, "n2")
	if *node.PageStart != 7 || *node.PageEnd != 9 {
		t.Fatalf("expected placement range to win, got %d-%d", *node.PageStart, *node.PageEnd)
	}
}

func TestModifyPageInvalidRange(t *testing.T) {
	for _, title := range []string{"10-5", "", "five-ten", "5-"} {
		s := suggest.Suggestion{ID: "s1", Action: suggest.ActionModifyPage, NodeID: "n2", SuggestedTitle: title}
		_, err := Apply(twoSectionTree(), s)
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("title %q: expected ErrInvalidRange, got %v", title, err)
		}
	}
}

func TestParsePageRange(t *testing.T) {
	cases := []struct {
		in         string
		start, end int
		ok         bool
	}{
		{"5-10", 5, 10, true},
		{" 5 - 10 ", 5, 10, true},
		{"5–10", 5, 10, true},
		{"7", 7, 7, true},
		{"10-5", 0, 0, false},
		{"a-b", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		start, end, err := ParsePageRange(tc.in)
		if tc.ok && (err != nil || start != tc.start || end != tc.end) {
			t.Errorf("ParsePageRange(%q) = %d, %d, %v", tc.in, start, end, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParsePageRange(%q): expected error", tc.in)
		}
	}
}

func TestExpandLeavesTreeUnchanged(t *testing.T) {
	tree := twoSectionTree()
	next, err := Apply(tree, suggest.Suggestion{ID: "s1", Action: suggest.ActionExpand, NodeID: "n2"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !reflect.DeepEqual(tree, next) {
		t.Fatal("EXPAND changed the tree")
	}
}

func TestBatchLaterSuggestionsSeeEarlierEffects(t *testing.T) {
	suggestions := []suggest.Suggestion{
		{ID: "s1", Action: suggest.ActionAdd, SuggestedTitle: "Appendix"},
		{ID: "s2", Action: suggest.ActionModifyPage, NodeID: "node_s1", SuggestedTitle: "30-40"},
	}
	next, result := ApplyBatch(context.Background(), twoSectionTree(), suggestions)
	if result.Failed != nil {
		t.Fatalf("unexpected failure: %+v", result.Failed)
	}
	added := outline.FindByID(next, "node_s1")
	if added == nil || added.PageStart == nil || *added.PageStart != 30 {
		t.Fatalf("second suggestion did not observe the first: %+v", added)
	}
}

func TestBatchKeepsSuccessfulPrefixOnFailure(t *testing.T) {
	tree := twoSectionTree()
	suggestions := []suggest.Suggestion{
		{ID: "s1", Action: suggest.ActionDelete, NodeID: "n1"},
		{ID: "s2", Action: suggest.ActionModifyPage, NodeID: "n2", SuggestedTitle: "10-5"},
		{ID: "s3", Action: suggest.ActionModifyFormat, NodeID: "n2", SuggestedTitle: "Body (final)"},
	}
	next, result := ApplyBatch(context.Background(), tree, suggestions)

	if result.Failed == nil || result.Failed.SuggestionID != "s2" || !errors.Is(result.Failed.Err, ErrInvalidRange) {
		t.Fatalf("expected s2 InvalidRange failure, got %+v", result.Failed)
	}
	if !reflect.DeepEqual(result.AppliedIDs, []string{"s1"}) {
		t.Fatalf("applied = %v, want [s1]", result.AppliedIDs)
	}
	if outline.FindByID(next, "n1") != nil {
		t.Error("s1 not reflected in result tree")
	}
	body := outline.FindByID(next, "n2")
	if body.PageStart != nil || body.DisplayTitle != "" {
		t.Error("s2/s3 leaked into result tree")
	}
}

func TestBatchHonorsCancellationBetweenSuggestions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, result := ApplyBatch(ctx, twoSectionTree(), []suggest.Suggestion{
		{ID: "s1", Action: suggest.ActionDelete, NodeID: "n1"},
	})
	if !result.Interrupted {
		t.Fatal("expected interrupted result")
	}
	if len(result.AppliedIDs) != 0 {
		t.Fatalf("applied = %v, want none", result.AppliedIDs)
	}
	if !reflect.DeepEqual(next, twoSectionTree()) {
		t.Fatal("cancelled batch changed the tree")
	}
}

func TestBatchExpandMarkedAppliedWithoutMutation(t *testing.T) {
	next, result := ApplyBatch(context.Background(), twoSectionTree(), []suggest.Suggestion{
		{ID: "s1", Action: suggest.ActionExpand, NodeID: "n2"},
	})
	if !reflect.DeepEqual(result.AppliedIDs, []string{"s1"}) || !reflect.DeepEqual(result.ExpandIDs, []string{"s1"}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !reflect.DeepEqual(next, twoSectionTree()) {
		t.Fatal("EXPAND changed the tree")
	}
}
