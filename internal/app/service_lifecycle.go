package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wiki/api/internal/importer"
	"wiki/api/internal/policy"
	"wiki/api/internal/revisions"
	"wiki/api/internal/store"
)

type RestoreInput struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	RevisionID   string `json:"revisionId"`
}

type MoveInput struct {
	ID               string `json:"id"`
	CollectionID     string `json:"collectionId"`
	ParentDocumentID string `json:"parentDocumentId"`
	Index            *int   `json:"index"`
}

type DeleteInput struct {
	ID        string `json:"id"`
	Permanent bool   `json:"permanent"`
}

// MoveResult lists every document and collection a move touched.
type MoveResult struct {
	Documents   []DocumentJSON   `json:"documents"`
	Collections []CollectionJSON `json:"collections"`
}

// Archive hides a published document and its live descendants from the
// collection tree.
func (s *Service) Archive(ctx context.Context, actor Actor, id string) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	doc, err := s.loadDocument(ctx, id, false)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionArchive, doc); err != nil {
		return Envelope{}, err
	}

	now := s.now()
	var archived []string
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		ids, err := s.store.DescendantIDs(ctx, doc.ID, false)
		if err != nil {
			return err
		}
		descendants, err := s.loadDocuments(ctx, doc.TeamID, ids)
		if err != nil {
			return err
		}
		archived = []string{doc.ID}
		for _, descendant := range descendants {
			if descendant.ArchivedAt == nil {
				archived = append(archived, descendant.ID)
			}
		}
		if err := s.store.SetArchivedAt(ctx, archived, &now); err != nil {
			return err
		}
		_, err = s.detachFromTree(ctx, doc)
		return err
	})
	if err != nil {
		return Envelope{}, err
	}

	if err := s.recordEvent(ctx, actor, "documents.archive", doc, map[string]any{"title": doc.Title}); err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, doc.TeamID, archived)
	return s.reloadEnvelope(ctx, a, doc.ID)
}

// Restore brings a document back from the trash or the archive, or rolls its
// content back to an earlier revision.
func (s *Service) Restore(ctx context.Context, actor Actor, in RestoreInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	doc, err := s.loadDocument(ctx, in.ID, true)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}

	destination := doc.CollectionIDValue()
	if in.CollectionID != "" {
		destination = in.CollectionID
	} else if destination != "" {
		if _, err := s.store.GetCollection(ctx, destination); errors.Is(err, sql.ErrNoRows) {
			return Envelope{}, validationError("Unable to restore to original collection, it may have been deleted")
		} else if err != nil {
			return Envelope{}, err
		}
	}
	if destination != "" {
		if _, err := s.authorizeCollection(ctx, a, destination, policy.PermissionReadWrite); err != nil {
			return Envelope{}, err
		}
	}
	// Abilities are judged against the collection the document lands in.
	target := doc
	if destination != "" {
		target.CollectionID = &destination
	}

	switch {
	case doc.DeletedAt != nil:
		if err := s.authorize(ctx, a, policy.ActionRestore, target); err != nil {
			return Envelope{}, err
		}
		deletedAt := *doc.DeletedAt
		restored, err := s.restoreSubtree(ctx, actor, doc, destination, func(d store.Document) bool {
			return d.DeletedAt != nil && d.DeletedAt.Equal(deletedAt)
		})
		if err != nil {
			return Envelope{}, err
		}
		if err := s.recordEvent(ctx, actor, "documents.restore", target, map[string]any{"title": doc.Title}); err != nil {
			return Envelope{}, err
		}
		s.reindex(ctx, doc.TeamID, restored)

	case doc.ArchivedAt != nil:
		if err := s.authorize(ctx, a, policy.ActionUnarchive, target); err != nil {
			return Envelope{}, err
		}
		archivedAt := *doc.ArchivedAt
		restored, err := s.restoreSubtree(ctx, actor, doc, destination, func(d store.Document) bool {
			return d.DeletedAt == nil && d.ArchivedAt != nil && d.ArchivedAt.Equal(archivedAt)
		})
		if err != nil {
			return Envelope{}, err
		}
		if err := s.recordEvent(ctx, actor, "documents.unarchive", target, map[string]any{"title": doc.Title}); err != nil {
			return Envelope{}, err
		}
		s.reindex(ctx, doc.TeamID, restored)

	case in.RevisionID != "":
		if err := s.authorize(ctx, a, policy.ActionUpdate, doc); err != nil {
			return Envelope{}, err
		}
		if err := s.restoreRevision(ctx, actor, doc, in.RevisionID); err != nil {
			return Envelope{}, err
		}
		s.reindex(ctx, doc.TeamID, []string{doc.ID})

	default:
		return Envelope{}, validationError("revisionId is required")
	}

	return s.reloadEnvelope(ctx, a, doc.ID)
}

// restoreSubtree clears the lifecycle timestamps of doc and of every
// descendant that left together with it, then re-attaches the published ones
// to the destination tree.
func (s *Service) restoreSubtree(ctx context.Context, actor Actor, doc store.Document, destination string, together func(store.Document) bool) ([]string, error) {
	var restoredIDs []string
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		ids, err := s.store.DescendantIDs(ctx, doc.ID, true)
		if err != nil {
			return err
		}
		descendants, err := s.loadDocuments(ctx, doc.TeamID, ids)
		if err != nil {
			return err
		}

		byParent := map[string][]store.Document{}
		for _, descendant := range descendants {
			byParent[descendant.ParentIDValue()] = append(byParent[descendant.ParentIDValue()], descendant)
		}
		var restored []store.Document
		queue := []string{doc.ID}
		for len(queue) > 0 {
			parentID := queue[0]
			queue = queue[1:]
			for _, child := range byParent[parentID] {
				if together(child) {
					restored = append(restored, child)
					queue = append(queue, child.ID)
				}
			}
		}

		restoredIDs = make([]string, 0, len(restored)+1)
		restoredIDs = append(restoredIDs, doc.ID)
		for _, d := range restored {
			restoredIDs = append(restoredIDs, d.ID)
		}
		if err := s.store.SetDeletedAt(ctx, restoredIDs, nil); err != nil {
			return err
		}
		if err := s.store.SetArchivedAt(ctx, restoredIDs, nil); err != nil {
			return err
		}
		if destination != "" && destination != doc.CollectionIDValue() {
			if err := s.store.SetCollectionID(ctx, restoredIDs, destination); err != nil {
				return err
			}
		}

		doc.DeletedAt = nil
		doc.ArchivedAt = nil
		if destination != "" {
			doc.CollectionID = &destination
		}
		if doc.ParentDocumentID != nil {
			parent, err := s.store.GetDocument(ctx, *doc.ParentDocumentID, false)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				doc.ParentDocumentID = nil
			case err != nil:
				return err
			case parent.ArchivedAt != nil || parent.PublishedAt == nil || parent.CollectionIDValue() != destination:
				doc.ParentDocumentID = nil
			}
		}
		doc.LastModifiedByID = actor.UserID
		doc.UpdatedAt = s.now()
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			return err
		}

		if doc.PublishedAt != nil && !doc.Template && destination != "" {
			for i := range restored {
				restored[i].DeletedAt = nil
				restored[i].ArchivedAt = nil
			}
			if _, err := s.attachToTree(ctx, doc, subtreeNode(doc, restored), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return restoredIDs, err
}

func (s *Service) restoreRevision(ctx context.Context, actor Actor, doc store.Document, revisionID string) error {
	revision, err := s.revisions.Get(doc.ID, revisionID)
	if errors.Is(err, revisions.ErrNotFound) {
		return notFound("Revision not found")
	}
	if err != nil {
		return err
	}

	return s.store.Transaction(ctx, func(ctx context.Context) error {
		doc.Title = revision.Title
		doc.Text = revision.Text
		doc.RevisionCount++
		doc.LastModifiedByID = actor.UserID
		doc.UpdatedAt = s.now()
		doc.AddCollaborator(actor.UserID)
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if err := s.renameInTree(ctx, doc); err != nil {
			return err
		}
		if err := s.recordEvent(ctx, actor, "documents.restore", doc, map[string]any{
			"title":      doc.Title,
			"revisionId": revision.ID,
		}); err != nil {
			return err
		}
		_, err := s.revisions.Commit(doc.ID, revisions.Content{Title: doc.Title, Text: doc.Text},
			revisions.Author{ID: actor.UserID, Name: actor.Name}, "Restore revision "+shortHash(revision.ID))
		return err
	})
}

// Unpublish turns a published leaf document back into a draft.
func (s *Service) Unpublish(ctx context.Context, actor Actor, id string) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	doc, err := s.loadDocument(ctx, id, false)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionUnpublish, doc); err != nil {
		return Envelope{}, err
	}

	children, err := s.store.DescendantIDs(ctx, doc.ID, false)
	if err != nil {
		return Envelope{}, err
	}
	if len(children) > 0 {
		return Envelope{}, invalidRequest("Cannot unpublish document with child documents")
	}

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.detachFromTree(ctx, doc); err != nil {
			return err
		}
		doc.PublishedAt = nil
		doc.LastModifiedByID = actor.UserID
		doc.UpdatedAt = s.now()
		return s.store.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return Envelope{}, err
	}

	if err := s.recordEvent(ctx, actor, "documents.unpublish", doc, map[string]any{"title": doc.Title}); err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, doc.TeamID, []string{doc.ID})
	return s.reloadEnvelope(ctx, a, doc.ID)
}

// Move relocates a document, with its subtree, under a new parent or
// collection at a sibling index. Everything happens in one transaction.
func (s *Service) Move(ctx context.Context, actor Actor, in MoveInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	if in.Index != nil && *in.Index < 0 {
		return Envelope{}, validationError("index must be a positive integer")
	}
	doc, err := s.loadDocument(ctx, in.ID, false)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionMove, doc); err != nil {
		return Envelope{}, err
	}

	var parentID *string
	if in.ParentDocumentID != "" {
		if in.ParentDocumentID == doc.ID {
			return Envelope{}, invalidRequest("Infinite loop detected, cannot nest a document inside itself")
		}
		parent, err := s.loadDocument(ctx, in.ParentDocumentID, false)
		if err != nil {
			return Envelope{}, err
		}
		if err := s.authorize(ctx, a, policy.ActionUpdate, parent); err != nil {
			return Envelope{}, err
		}
		if parent.PublishedAt == nil {
			return Envelope{}, invalidRequest("Cannot move document inside a draft")
		}
		if in.CollectionID == "" {
			in.CollectionID = parent.CollectionIDValue()
		} else if parent.CollectionIDValue() != in.CollectionID {
			return Envelope{}, invalidRequest("Parent document must be in the same collection")
		}
		parentID = &parent.ID
	}
	if in.CollectionID == "" {
		return Envelope{}, validationError("collectionId is required")
	}
	destination, err := s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionReadWrite)
	if err != nil {
		return Envelope{}, err
	}

	descendants, err := s.store.DescendantIDs(ctx, doc.ID, true)
	if err != nil {
		return Envelope{}, err
	}
	if parentID != nil {
		for _, id := range descendants {
			if id == *parentID {
				return Envelope{}, invalidRequest("Infinite loop detected, cannot nest a document inside itself")
			}
		}
	}

	previous := doc.CollectionIDValue()
	collectionChanged := previous != destination.ID
	var collections []store.Collection
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		removed, err := s.detachFromTree(ctx, doc)
		if err != nil {
			return err
		}
		node := navigationNode(doc)
		if removed != nil {
			node = *removed
		}

		doc.CollectionID = &destination.ID
		doc.ParentDocumentID = parentID
		doc.LastModifiedByID = actor.UserID
		doc.UpdatedAt = s.now()
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if collectionChanged {
			if err := s.store.SetCollectionID(ctx, append([]string{doc.ID}, descendants...), destination.ID); err != nil {
				return err
			}
		}

		if doc.Template {
			destination, err = s.store.GetCollection(ctx, destination.ID)
			if err != nil {
				return err
			}
		} else if destination, err = s.attachToTree(ctx, doc, node, in.Index); err != nil {
			return err
		}
		collections = append(collections, destination)
		if collectionChanged && previous != "" {
			old, err := s.store.GetCollection(ctx, previous)
			if err == nil {
				collections = append(collections, old)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		data := map[string]any{
			"title":            doc.Title,
			"collectionId":     destination.ID,
			"parentDocumentId": in.ParentDocumentID,
		}
		if in.Index != nil {
			data["index"] = *in.Index
		}
		return s.recordEvent(ctx, actor, "documents.move", doc, data)
	})
	if err != nil {
		return Envelope{}, err
	}

	moved := []string{doc.ID}
	if collectionChanged {
		moved = append(moved, descendants...)
	}
	docs, err := s.loadDocuments(ctx, doc.TeamID, moved)
	if err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, doc.TeamID, moved)

	result := MoveResult{Documents: presentDocuments(docs), Collections: make([]CollectionJSON, 0, len(collections))}
	for _, collection := range collections {
		result.Collections = append(result.Collections, presentCollection(collection))
	}
	policies := []Policy{}
	if collectionChanged {
		if policies, err = s.presentPolicies(ctx, a, docs); err != nil {
			return Envelope{}, err
		}
	}
	return Envelope{Data: result, Policies: policies}, nil
}

// Delete moves a document and its descendants to the trash, or with
// Permanent set, destroys a document that is already in the trash.
func (s *Service) Delete(ctx context.Context, actor Actor, in DeleteInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	if in.Permanent {
		return s.permanentDelete(ctx, actor, in.ID)
	}
	doc, err := s.loadDocument(ctx, in.ID, false)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionDelete, doc); err != nil {
		return Envelope{}, err
	}

	now := s.now()
	var deleted []string
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		ids, err := s.store.DescendantIDs(ctx, doc.ID, false)
		if err != nil {
			return err
		}
		deleted = append([]string{doc.ID}, ids...)
		if err := s.store.SetDeletedAt(ctx, deleted, &now); err != nil {
			return err
		}
		_, err = s.detachFromTree(ctx, doc)
		return err
	})
	if err != nil {
		return Envelope{}, err
	}

	if err := s.recordEvent(ctx, actor, "documents.delete", doc, map[string]any{"title": doc.Title}); err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, doc.TeamID, deleted)
	return successEnvelope(), nil
}

func (s *Service) permanentDelete(ctx context.Context, actor Actor, id string) (Envelope, error) {
	doc, err := s.loadDocument(ctx, id, true)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionPermanentDelete, doc); err != nil {
		return Envelope{}, err
	}

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.store.DetachChildren(ctx, doc.ID); err != nil {
			return err
		}
		if _, err := s.detachFromTree(ctx, doc); err != nil {
			return err
		}
		return s.store.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		return Envelope{}, err
	}

	if err := s.revisions.Remove(doc.ID); err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("remove revision history")
	}
	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}
	if s.blobs != nil {
		if err := s.blobs.RemovePrefix(ctx, importer.DocumentPrefix(doc.TeamID, doc.ID)); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("remove archived uploads")
		}
	}
	if err := s.recordEvent(ctx, actor, "documents.permanent_delete", doc, map[string]any{"title": doc.Title}); err != nil {
		return Envelope{}, err
	}
	return successEnvelope(), nil
}

func (s *Service) reloadEnvelope(ctx context.Context, a *access, id string) (Envelope, error) {
	doc, err := s.loadDocument(ctx, id, true)
	if err != nil {
		return Envelope{}, err
	}
	return s.documentEnvelope(ctx, a, doc)
}

func shortHash(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// dateWindow maps a dateFilter value to the earliest updatedAt it admits.
func dateWindow(now time.Time, filter string) (*time.Time, error) {
	var since time.Time
	switch filter {
	case "":
		return nil, nil
	case "day":
		since = now.AddDate(0, 0, -1)
	case "week":
		since = now.AddDate(0, 0, -7)
	case "month":
		since = now.AddDate(0, -1, 0)
	case "year":
		since = now.AddDate(-1, 0, 0)
	default:
		return nil, validationError("dateFilter must be one of day, week, month, year")
	}
	return &since, nil
}
