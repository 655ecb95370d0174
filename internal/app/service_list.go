package app

import (
	"context"
	"encoding/json"
	"strings"

	"wiki/api/internal/policy"
	"wiki/api/internal/store"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
	sortIndex       = "index"
)

// NullableID tells an absent JSON field apart from an explicit null.
type NullableID struct {
	Set   bool
	Value *string
}

func (n *NullableID) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Value = nil
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	n.Value = &value
	return nil
}

type ListInput struct {
	CollectionID     string     `json:"collectionId"`
	ParentDocumentID NullableID `json:"parentDocumentId"`
	UserID           string     `json:"userId"`
	Template         *bool      `json:"template"`
	Sort             string     `json:"sort"`
	Direction        string     `json:"direction"`
	Offset           int        `json:"offset"`
	Limit            int        `json:"limit"`
}

// StatusListInput drives the archived, deleted and drafts listings.
type StatusListInput struct {
	CollectionID string `json:"collectionId"`
	DateFilter   string `json:"dateFilter"`
	Sort         string `json:"sort"`
	Direction    string `json:"direction"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
}

func normalizePage(offset, limit int) (Pagination, error) {
	if offset < 0 {
		return Pagination{}, validationError("offset must be a positive integer")
	}
	if limit < 0 {
		return Pagination{}, validationError("limit must be a positive integer")
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return Pagination{Offset: offset, Limit: limit}, nil
}

func normalizeSort(sort, direction string, allowIndex bool) (string, string, error) {
	if sort == "" {
		sort = "updatedAt"
	}
	if _, ok := store.SortColumns[sort]; !ok && !(allowIndex && sort == sortIndex) {
		return "", "", validationError("Invalid sort parameter: " + sort)
	}
	switch strings.ToUpper(direction) {
	case "", "DESC":
		direction = "DESC"
	case "ASC":
		direction = "ASC"
	default:
		return "", "", validationError("direction must be ASC or DESC")
	}
	return sort, direction, nil
}

// List pages through published documents. Sorting by index follows the
// collection tree.
func (s *Service) List(ctx context.Context, actor Actor, in ListInput) (Envelope, error) {
	return s.list(ctx, actor, in, false)
}

// ListV2 is List where index order is the order in which the actor was
// granted access to each document.
func (s *Service) ListV2(ctx context.Context, actor Actor, in ListInput) (Envelope, error) {
	return s.list(ctx, actor, in, true)
}

func (s *Service) list(ctx context.Context, actor Actor, in ListInput, byGrants bool) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	page, err := normalizePage(in.Offset, in.Limit)
	if err != nil {
		return Envelope{}, err
	}
	sort, direction, err := normalizeSort(in.Sort, in.Direction, true)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}

	q := store.DocumentQuery{
		TeamID:      actor.TeamID,
		CreatedByID: in.UserID,
		Template:    in.Template,
		Status:      store.StatusActive,
		Sort:        sort,
		Direction:   direction,
	}
	if in.ParentDocumentID.Set {
		q.ParentDocumentID = store.NullableString{Set: true, Value: in.ParentDocumentID.Value}
	}
	var collection store.Collection
	if in.CollectionID != "" {
		if collection, err = s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionRead); err != nil {
			return Envelope{}, err
		}
		q.CollectionIDs = []string{collection.ID}
	} else {
		q.CollectionIDs = a.readableCollectionIDs()
	}

	var docs []store.Document
	if sort == sortIndex {
		if in.CollectionID == "" {
			return Envelope{}, validationError("collectionId is required to sort by index")
		}
		var ordered []string
		if byGrants {
			ordered, err = s.grantOrder(ctx, actor, collection.ID)
			if err != nil {
				return Envelope{}, err
			}
		} else {
			ordered = treeOrder(collection.DocumentStructure, in.ParentDocumentID)
		}
		docs, err = s.listWindow(ctx, q, ordered, page)
	} else {
		q.Offset = page.Offset
		q.Limit = page.Limit
		docs, err = s.store.ListDocuments(ctx, q)
	}
	if err != nil {
		return Envelope{}, err
	}
	return s.pageEnvelope(ctx, a, page, docs)
}

// treeOrder returns the ids of one level of the collection tree: the roots,
// or the children of the requested parent.
func treeOrder(structure []store.NavigationNode, parent NullableID) []string {
	level := structure
	if parent.Set && parent.Value != nil {
		node, ok := store.FindNode(structure, *parent.Value)
		if !ok {
			return nil
		}
		level = node.Children
	}
	ids := make([]string, 0, len(level))
	for _, node := range level {
		ids = append(ids, node.ID)
	}
	return ids
}

// grantOrder lists the documents of a collection shared with the actor, oldest
// grant first.
func (s *Service) grantOrder(ctx context.Context, actor Actor, collectionID string) ([]string, error) {
	grants, err := s.store.ListDocumentUsersForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(grants))
	for _, grant := range grants {
		if grant.CollectionID == collectionID {
			ids = append(ids, grant.DocumentID)
		}
	}
	return ids, nil
}

// listWindow slices one page out of ordered, loads those documents through
// the regular filters and returns them in window order.
func (s *Service) listWindow(ctx context.Context, q store.DocumentQuery, ordered []string, page Pagination) ([]store.Document, error) {
	if page.Offset >= len(ordered) {
		return []store.Document{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(ordered) {
		end = len(ordered)
	}
	window := ordered[page.Offset:end]

	q.IDs = window
	q.Sort = ""
	q.Offset = 0
	q.Limit = 0
	docs, err := s.store.ListDocuments(ctx, q)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	out := make([]store.Document, 0, len(docs))
	for _, id := range window {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Service) Archived(ctx context.Context, actor Actor, in StatusListInput) (Envelope, error) {
	return s.listByStatus(ctx, actor, in, store.StatusArchived)
}

// Deleted lists the trash: deleted documents from readable collections plus
// the actor's own deleted drafts.
func (s *Service) Deleted(ctx context.Context, actor Actor, in StatusListInput) (Envelope, error) {
	return s.listByStatus(ctx, actor, in, store.StatusDeleted)
}

func (s *Service) Drafts(ctx context.Context, actor Actor, in StatusListInput) (Envelope, error) {
	return s.listByStatus(ctx, actor, in, store.StatusDrafts)
}

func (s *Service) listByStatus(ctx context.Context, actor Actor, in StatusListInput, status store.DocumentStatusFilter) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	page, err := normalizePage(in.Offset, in.Limit)
	if err != nil {
		return Envelope{}, err
	}
	sort, direction, err := normalizeSort(in.Sort, in.Direction, false)
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
		TeamID:       actor.TeamID,
		Status:       status,
		UpdatedAfter: since,
		Sort:         sort,
		Direction:    direction,
		Offset:       page.Offset,
		Limit:        page.Limit,
	}
	if in.CollectionID != "" {
		if _, err := s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionRead); err != nil {
			return Envelope{}, err
		}
		q.CollectionIDs = []string{in.CollectionID}
	}
	switch status {
	case store.StatusDrafts:
		q.CreatedByID = actor.UserID
	case store.StatusDeleted:
		if q.CollectionIDs == nil {
			q.CollectionIDs = a.readableCollectionIDs()
		}
		q.IncludeDraftsOf = actor.UserID
	default:
		if q.CollectionIDs == nil {
			q.CollectionIDs = a.readableCollectionIDs()
		}
	}

	docs, err := s.store.ListDocuments(ctx, q)
	if err != nil {
		return Envelope{}, err
	}
	return s.pageEnvelope(ctx, a, page, docs)
}

// pageEnvelope drops documents the actor cannot read and attaches policies.
func (s *Service) pageEnvelope(ctx context.Context, a *access, page Pagination, docs []store.Document) (Envelope, error) {
	permissions, err := s.permissions(ctx, a, docs)
	if err != nil {
		return Envelope{}, err
	}
	visible := make([]store.Document, 0, len(docs))
	policies := make([]Policy, 0, len(docs))
	for _, doc := range docs {
		permission := permissions[doc.ID]
		if !permission.Satisfies(policy.PermissionRead) {
			continue
		}
		visible = append(visible, doc)
		policies = append(policies, Policy{ID: doc.ID, Abilities: policy.Abilities(permission, documentState(doc))})
	}
	return Envelope{Pagination: &page, Data: presentDocuments(visible), Policies: policies}, nil
}
