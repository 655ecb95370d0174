package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"wiki/api/internal/search"
	"wiki/api/internal/store"
)

func (s *Service) loadDocument(ctx context.Context, id string, includeDeleted bool) (store.Document, error) {
	if strings.TrimSpace(id) == "" {
		return store.Document{}, validationError("id is required")
	}
	doc, err := s.store.GetDocument(ctx, id, includeDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFound("Document not found")
	}
	if err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// loadDocuments fetches ids in any lifecycle state. An empty id list loads nothing.
func (s *Service) loadDocuments(ctx context.Context, teamID string, ids []string) ([]store.Document, error) {
	if len(ids) == 0 {
		return []store.Document{}, nil
	}
	return s.store.ListDocuments(ctx, store.DocumentQuery{TeamID: teamID, IDs: ids, Status: store.StatusAny})
}

func navigationNode(doc store.Document) store.NavigationNode {
	return store.NavigationNode{
		ID:       doc.ID,
		Title:    doc.Title,
		URL:      documentURL(doc.ID),
		Children: []store.NavigationNode{},
	}
}

// subtreeNode rebuilds the navigation subtree of root from docs, keeping only
// published children whose parent chain is present.
func subtreeNode(root store.Document, docs []store.Document) store.NavigationNode {
	children := map[string][]store.Document{}
	for _, doc := range docs {
		if doc.PublishedAt == nil || doc.ParentDocumentID == nil {
			continue
		}
		children[*doc.ParentDocumentID] = append(children[*doc.ParentDocumentID], doc)
	}
	var build func(store.Document) store.NavigationNode
	build = func(doc store.Document) store.NavigationNode {
		node := navigationNode(doc)
		kids := children[doc.ID]
		sort.SliceStable(kids, func(i, j int) bool { return kids[i].CreatedAt.Before(kids[j].CreatedAt) })
		for _, kid := range kids {
			node.Children = append(node.Children, build(kid))
		}
		return node
	}
	return build(root)
}

// detachFromTree removes the document and its subtree from the collection
// tree, returning the removed node when there was one.
func (s *Service) detachFromTree(ctx context.Context, doc store.Document) (*store.NavigationNode, error) {
	if doc.CollectionID == nil {
		return nil, nil
	}
	collection, err := s.store.GetCollection(ctx, *doc.CollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	structure, removed := store.RemoveNode(collection.DocumentStructure, doc.ID)
	if removed == nil {
		return nil, nil
	}
	return removed, s.store.UpdateCollectionStructure(ctx, collection.ID, structure)
}

// attachToTree places node under the document's parent at index, or at the
// root when the parent is not in the tree. Any existing copy is replaced.
func (s *Service) attachToTree(ctx context.Context, doc store.Document, node store.NavigationNode, index *int) (store.Collection, error) {
	collection, err := s.store.GetCollection(ctx, doc.CollectionIDValue())
	if err != nil {
		return store.Collection{}, err
	}
	structure, _ := store.RemoveNode(collection.DocumentStructure, doc.ID)
	updated, ok := store.InsertNode(structure, doc.ParentIDValue(), index, node)
	if !ok {
		updated, _ = store.InsertNode(structure, "", index, node)
	}
	if err := s.store.UpdateCollectionStructure(ctx, collection.ID, updated); err != nil {
		return store.Collection{}, err
	}
	collection.DocumentStructure = updated
	return collection, nil
}

func (s *Service) renameInTree(ctx context.Context, doc store.Document) error {
	if doc.CollectionID == nil || doc.PublishedAt == nil {
		return nil
	}
	collection, err := s.store.GetCollection(ctx, *doc.CollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := store.FindNode(collection.DocumentStructure, doc.ID); !ok {
		return nil
	}
	return s.store.UpdateCollectionStructure(ctx, collection.ID, store.UpdateNodeTitle(collection.DocumentStructure, doc.ID, doc.Title))
}

func searchRecord(doc store.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:              doc.ID,
		TeamID:          doc.TeamID,
		CollectionID:    doc.CollectionIDValue(),
		Title:           doc.Title,
		Text:            doc.Text,
		CreatedByID:     doc.CreatedByID,
		CollaboratorIDs: doc.CollaboratorIDs,
		Template:        doc.Template,
		Published:       doc.PublishedAt != nil,
		Archived:        doc.ArchivedAt != nil,
		Deleted:         doc.DeletedAt != nil,
		UpdatedAt:       doc.UpdatedAt.Unix(),
	}
}

// reindex pushes the current state of ids to the search index. Failures are
// logged; the request has already succeeded.
func (s *Service) reindex(ctx context.Context, teamID string, ids []string) {
	if s.search == nil || len(ids) == 0 {
		return
	}
	docs, err := s.loadDocuments(ctx, teamID, ids)
	if err != nil {
		s.logger.Warn().Err(err).Strs("document_ids", ids).Msg("load documents for reindex")
		return
	}
	records := make([]search.DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, searchRecord(doc))
	}
	s.search.IndexDocuments(records)
}
