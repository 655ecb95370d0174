package search

import (
	"context"
	"time"
)

const (
	DefaultSnippetMinWords = 20
	DefaultSnippetMaxWords = 30
)

// Result is a single document hit. Context is a highlighted text excerpt.
type Result struct {
	DocumentID string
	Ranking    float64
	Context    string
}

// Query describes a search request. The caller resolves access first:
// CollectionIDs holds every collection the actor may read, and
// IncludeDraftsOf names the user whose own drafts are searchable.
type Query struct {
	TeamID          string
	Text            string
	CollectionIDs   []string
	IncludeDraftsOf string
	IncludeArchived bool
	UpdatedAfter    *time.Time
	CollaboratorID  string
	SnippetMinWords int
	SnippetMaxWords int
	Limit           int
	Offset          int
}

// scoped reports whether the query can match anything at all.
func (q Query) scoped() bool {
	return len(q.CollectionIDs) > 0 || q.IncludeDraftsOf != ""
}

func (q Query) snippetWords() (int, int) {
	minWords, maxWords := q.SnippetMinWords, q.SnippetMaxWords
	if minWords <= 0 {
		minWords = DefaultSnippetMinWords
	}
	if maxWords <= 0 {
		maxWords = DefaultSnippetMaxWords
	}
	if maxWords < minWords {
		maxWords = minWords
	}
	return minWords, maxWords
}

// Response is what the facade returns to handlers.
type Response struct {
	Results []Result
	Total   int
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID              string   `json:"id"`
	TeamID          string   `json:"teamId"`
	CollectionID    string   `json:"collectionId"`
	Title           string   `json:"title"`
	Text            string   `json:"text"`
	CreatedByID     string   `json:"createdById"`
	CollaboratorIDs []string `json:"collaboratorIds"`
	Template        bool     `json:"template"`
	Published       bool     `json:"published"`
	Archived        bool     `json:"archived"`
	Deleted         bool     `json:"deleted"`
	UpdatedAt       int64    `json:"updatedAt"`
}
