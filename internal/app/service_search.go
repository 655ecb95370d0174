package app

import (
	"context"
	"strings"

	"wiki/api/internal/policy"
	"wiki/api/internal/search"
	"wiki/api/internal/store"
	"wiki/api/internal/util"
)

const searchSource = "app"

type SearchInput struct {
	Query           string `json:"query"`
	CollectionID    string `json:"collectionId"`
	UserID          string `json:"userId"`
	DateFilter      string `json:"dateFilter"`
	IncludeArchived bool   `json:"includeArchived"`
	IncludeDrafts   bool   `json:"includeDrafts"`
	SnippetMinWords int    `json:"snippetMinWords"`
	SnippetMaxWords int    `json:"snippetMaxWords"`
	Offset          int    `json:"offset"`
	Limit           int    `json:"limit"`
}

type SearchTitlesInput struct {
	Query           string `json:"query"`
	CollectionID    string `json:"collectionId"`
	UserID          string `json:"userId"`
	DateFilter      string `json:"dateFilter"`
	IncludeArchived bool   `json:"includeArchived"`
	IncludeDrafts   bool   `json:"includeDrafts"`
	Offset          int    `json:"offset"`
	Limit           int    `json:"limit"`
}

// Search runs a full-text query over the documents the actor can read. The
// first page of every search is recorded for analytics.
func (s *Service) Search(ctx context.Context, actor Actor, in SearchInput) (Envelope, error) {
	if !actor.Authenticated() {
		return Envelope{}, authenticationError("")
	}
	text := strings.TrimSpace(in.Query)
	if text == "" {
		return Envelope{}, validationError("query is required")
	}
	page, err := normalizePage(in.Offset, in.Limit)
	if err != nil {
		return Envelope{}, err
	}
	since, err := dateWindow(s.now(), in.DateFilter)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}

	q := search.Query{
		TeamID:          actor.TeamID,
		Text:            text,
		IncludeArchived: in.IncludeArchived,
		UpdatedAfter:    since,
		CollaboratorID:  in.UserID,
		SnippetMinWords: in.SnippetMinWords,
		SnippetMaxWords: in.SnippetMaxWords,
		Limit:           page.Limit,
		Offset:          page.Offset,
	}
	if in.CollectionID != "" {
		if _, err := s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionRead); err != nil {
			return Envelope{}, err
		}
		q.CollectionIDs = []string{in.CollectionID}
	} else {
		q.CollectionIDs = a.readableCollectionIDs()
	}
	if in.IncludeDrafts {
		q.IncludeDraftsOf = actor.UserID
	}

	var hits []search.Result
	var total int
	if s.search != nil {
		response, err := s.search.Search(ctx, q)
		if err != nil {
			return Envelope{}, err
		}
		hits = response.Results
		total = response.Total
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.DocumentID)
	}
	docs, err := s.loadDocuments(ctx, actor.TeamID, ids)
	if err != nil {
		return Envelope{}, err
	}
	permissions, err := s.permissions(ctx, a, docs)
	if err != nil {
		return Envelope{}, err
	}
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	results := make([]SearchResultJSON, 0, len(hits))
	policies := make([]Policy, 0, len(hits))
	for _, hit := range hits {
		doc, ok := byID[hit.DocumentID]
		if !ok || doc.DeletedAt != nil {
			continue
		}
		permission := permissions[doc.ID]
		if !permission.Satisfies(policy.PermissionRead) {
			continue
		}
		results = append(results, SearchResultJSON{
			Ranking:  hit.Ranking,
			Context:  hit.Context,
			Document: presentDocument(doc),
		})
		policies = append(policies, Policy{ID: doc.ID, Abilities: policy.Abilities(permission, documentState(doc))})
	}

	if page.Offset == 0 {
		if err := s.store.InsertSearchQuery(ctx, store.SearchQuery{
			ID:        util.NewID(""),
			UserID:    actor.UserID,
			TeamID:    actor.TeamID,
			Source:    searchSource,
			Query:     text,
			Results:   total,
			CreatedAt: s.now(),
		}); err != nil {
			return Envelope{}, err
		}
	}
	return Envelope{Pagination: &page, Data: results, Policies: policies}, nil
}

// SearchTitles matches a substring of the title across readable documents.
// Archived documents and the actor's own drafts are only included on request.
func (s *Service) SearchTitles(ctx context.Context, actor Actor, in SearchTitlesInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	text := strings.TrimSpace(in.Query)
	if text == "" {
		return Envelope{}, validationError("query is required")
	}
	page, err := normalizePage(in.Offset, in.Limit)
	if err != nil {
		return Envelope{}, err
	}
	since, err := dateWindow(s.now(), in.DateFilter)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}

	q := store.DocumentQuery{
		TeamID:         actor.TeamID,
		TitleContains:  text,
		CollaboratorID: in.UserID,
		UpdatedAfter:   since,
		Status:         titleStatus(in.IncludeArchived, in.IncludeDrafts),
		Sort:           "updatedAt",
		Direction:      "DESC",
		Offset:         page.Offset,
		Limit:          page.Limit,
	}
	if in.CollectionID != "" {
		if _, err := s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionRead); err != nil {
			return Envelope{}, err
		}
		q.CollectionIDs = []string{in.CollectionID}
	} else {
		q.CollectionIDs = a.readableCollectionIDs()
		if in.IncludeDrafts {
			q.IncludeDraftsOf = actor.UserID
		}
	}
	docs, err := s.store.ListDocuments(ctx, q)
	if err != nil {
		return Envelope{}, err
	}
	return s.pageEnvelope(ctx, a, page, docs)
}

func titleStatus(includeArchived, includeDrafts bool) store.DocumentStatusFilter {
	switch {
	case includeArchived && includeDrafts:
		return ""
	case includeArchived:
		return store.StatusPublished
	case includeDrafts:
		return store.StatusUnarchived
	default:
		return store.StatusActive
	}
}
