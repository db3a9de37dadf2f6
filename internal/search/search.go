// Package search lets reviewers look up outline nodes and suggestions by
// title, suggested title, or reason. Meilisearch serves queries when it is
// reachable; a Postgres ILIKE fallback keeps search working without it.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNode       ResultType = "node"
	ResultSuggestion ResultType = "suggestion"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	Action     string     `json:"action,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NodeRecord is the data indexed per outline node.
type NodeRecord struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	Title        string `json:"title"`
	DisplayTitle string `json:"displayTitle"`
}

// SuggestionRecord is the data indexed per suggestion.
type SuggestionRecord struct {
	ID             string `json:"id"`
	DocumentID     string `json:"documentId"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	Confidence     string `json:"confidence"`
	Reason         string `json:"reason"`
	CurrentTitle   string `json:"currentTitle"`
	SuggestedTitle string `json:"suggestedTitle"`
}
