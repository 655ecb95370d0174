package app

import (
	"context"
	"errors"
	"time"

	"wiki/api/internal/export"
	"wiki/api/internal/importer"
	"wiki/api/internal/policy"
	"wiki/api/internal/revisions"
	"wiki/api/internal/store"
	"wiki/api/internal/util"
)

type CreateInput struct {
	Title            string `json:"title"`
	Text             string `json:"text"`
	CollectionID     string `json:"collectionId"`
	ParentDocumentID string `json:"parentDocumentId"`
	TemplateID       string `json:"templateId"`
	Template         bool   `json:"template"`
	Publish          bool   `json:"publish"`
	FullWidth        bool   `json:"fullWidth"`
	Index            *int   `json:"index"`
}

type UpdateInput struct {
	ID           string  `json:"id"`
	Title        *string `json:"title"`
	Text         *string `json:"text"`
	FullWidth    *bool   `json:"fullWidth"`
	Append       bool    `json:"append"`
	Publish      bool    `json:"publish"`
	LastRevision *int    `json:"lastRevision"`
}

type ImportInput struct {
	CollectionID     string
	ParentDocumentID string
	Publish          bool
	Upload           importer.Upload
}

type RevisionJSON struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Service) Info(ctx context.Context, actor Actor, id string) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	doc, err := s.loadDocument(ctx, id, true)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionRead, doc); err != nil {
		return Envelope{}, err
	}
	return s.documentEnvelope(ctx, a, doc)
}

func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	doc, err := s.createDocument(ctx, actor, a, in, nil)
	if err != nil {
		return Envelope{}, err
	}
	return s.documentEnvelope(ctx, a, doc)
}

// createDocument validates placement and writes the document, its tree node,
// its first revision and the create events in one transaction. extra is
// merged into the documents.create event data.
func (s *Service) createDocument(ctx context.Context, actor Actor, a *access, in CreateInput, extra map[string]any) (store.Document, error) {
	var parent *store.Document
	if in.ParentDocumentID != "" {
		loaded, err := s.loadDocument(ctx, in.ParentDocumentID, false)
		if err != nil {
			return store.Document{}, err
		}
		if err := s.authorize(ctx, a, policy.ActionRead, loaded); err != nil {
			return store.Document{}, err
		}
		if in.CollectionID == "" {
			in.CollectionID = loaded.CollectionIDValue()
		} else if loaded.CollectionIDValue() != in.CollectionID {
			return store.Document{}, invalidRequest("Parent document must be in the same collection")
		}
		if in.Publish && loaded.PublishedAt == nil {
			return store.Document{}, invalidRequest("Cannot publish document inside a draft")
		}
		parent = &loaded
	}
	if in.CollectionID != "" {
		if _, err := s.authorizeCollection(ctx, a, in.CollectionID, policy.PermissionReadWrite); err != nil {
			return store.Document{}, err
		}
	} else if in.Publish {
		return store.Document{}, validationError("collectionId is required to publish a document")
	}

	if in.TemplateID != "" {
		template, err := s.loadDocument(ctx, in.TemplateID, false)
		if err != nil {
			return store.Document{}, err
		}
		if err := s.authorize(ctx, a, policy.ActionRead, template); err != nil {
			return store.Document{}, err
		}
		if !template.Template {
			return store.Document{}, invalidRequest("templateId must reference a template")
		}
		if in.Title == "" {
			in.Title = template.Title
		}
		if in.Text == "" {
			in.Text = template.Text
		}
	}

	now := s.now()
	doc := store.Document{
		ID:               util.NewID(""),
		TeamID:           actor.TeamID,
		Title:            in.Title,
		Text:             in.Text,
		Template:         in.Template,
		FullWidth:        in.FullWidth,
		CreatedByID:      actor.UserID,
		LastModifiedByID: actor.UserID,
		CollaboratorIDs:  []string{actor.UserID},
		RevisionCount:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.CollectionID != "" {
		collectionID := in.CollectionID
		doc.CollectionID = &collectionID
	}
	if parent != nil {
		doc.ParentDocumentID = &parent.ID
	}
	if in.Publish {
		doc.PublishedAt = &now
	}
	if err := doc.Validate(); err != nil {
		return store.Document{}, validationError(err.Error())
	}

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.store.InsertDocument(ctx, doc); err != nil {
			return err
		}
		if doc.PublishedAt != nil && !doc.Template {
			if _, err := s.attachToTree(ctx, doc, navigationNode(doc), in.Index); err != nil {
				return err
			}
		}
		data := map[string]any{"title": doc.Title}
		if doc.Template {
			data["template"] = true
		}
		if in.TemplateID != "" {
			data["templateId"] = in.TemplateID
		}
		for key, value := range extra {
			data[key] = value
		}
		if err := s.recordEvent(ctx, actor, "documents.create", doc, data); err != nil {
			return err
		}
		if doc.PublishedAt != nil {
			if err := s.recordEvent(ctx, actor, "documents.publish", doc, map[string]any{"title": doc.Title}); err != nil {
				return err
			}
		}
		_, err := s.revisions.Commit(doc.ID, revisions.Content{Title: doc.Title, Text: doc.Text},
			revisions.Author{ID: actor.UserID, Name: actor.Name}, "Create document")
		return err
	})
	if err != nil {
		return store.Document{}, err
	}
	s.reindex(ctx, doc.TeamID, []string{doc.ID})
	return doc, nil
}

// Update edits title and text, optionally publishing. A stale lastRevision
// is rejected so concurrent editors do not overwrite each other.
func (s *Service) Update(ctx context.Context, actor Actor, in UpdateInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	doc, err := s.loadDocument(ctx, in.ID, false)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, a, policy.ActionUpdate, doc); err != nil {
		return Envelope{}, err
	}
	if in.LastRevision != nil && *in.LastRevision != doc.RevisionCount {
		return Envelope{}, invalidRequest("Document has changed since last revision")
	}

	publishing := in.Publish && doc.PublishedAt == nil
	if publishing {
		if err := s.authorize(ctx, a, policy.ActionPublish, doc); err != nil {
			return Envelope{}, err
		}
		if doc.CollectionID == nil {
			return Envelope{}, validationError("collectionId is required to publish a document")
		}
		if _, err := s.authorizeCollection(ctx, a, *doc.CollectionID, policy.PermissionReadWrite); err != nil {
			return Envelope{}, err
		}
		if doc.ParentDocumentID != nil {
			parent, err := s.loadDocument(ctx, *doc.ParentDocumentID, false)
			if err != nil {
				return Envelope{}, err
			}
			if parent.PublishedAt == nil {
				return Envelope{}, invalidRequest("Cannot publish document inside a draft")
			}
		}
	}

	previous := doc
	if in.Title != nil {
		doc.Title = *in.Title
	}
	if in.Text != nil {
		if in.Append {
			doc.Text += *in.Text
		} else {
			doc.Text = *in.Text
		}
	}
	if in.FullWidth != nil {
		doc.FullWidth = *in.FullWidth
	}
	contentChanged := doc.Title != previous.Title || doc.Text != previous.Text
	if !contentChanged && !publishing && doc.FullWidth == previous.FullWidth {
		return s.documentEnvelope(ctx, a, doc)
	}

	now := s.now()
	doc.LastModifiedByID = actor.UserID
	doc.UpdatedAt = now
	doc.AddCollaborator(actor.UserID)
	if contentChanged {
		doc.RevisionCount++
	}
	if publishing {
		doc.PublishedAt = &now
	}
	if err := doc.Validate(); err != nil {
		return Envelope{}, validationError(err.Error())
	}

	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if in.LastRevision != nil {
			err := s.store.UpdateDocumentAtRevision(ctx, doc, *in.LastRevision)
			if errors.Is(err, store.ErrStaleRevision) {
				return invalidRequest("Document has changed since last revision")
			}
			if err != nil {
				return err
			}
		} else if err := s.store.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		switch {
		case publishing && !doc.Template:
			if _, err := s.attachToTree(ctx, doc, navigationNode(doc), nil); err != nil {
				return err
			}
		case doc.Title != previous.Title:
			if err := s.renameInTree(ctx, doc); err != nil {
				return err
			}
		}
		if contentChanged || !publishing {
			if err := s.recordEvent(ctx, actor, "documents.update", doc, map[string]any{"title": doc.Title}); err != nil {
				return err
			}
		}
		if publishing {
			if err := s.recordEvent(ctx, actor, "documents.publish", doc, map[string]any{"title": doc.Title}); err != nil {
				return err
			}
		}
		if !contentChanged {
			return nil
		}
		_, err := s.revisions.Commit(doc.ID, revisions.Content{Title: doc.Title, Text: doc.Text},
			revisions.Author{ID: actor.UserID, Name: actor.Name}, "Update document")
		return err
	})
	if err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, doc.TeamID, []string{doc.ID})
	return s.documentEnvelope(ctx, a, doc)
}

// Templatize copies a published document into a new template in the same
// collection.
func (s *Service) Templatize(ctx context.Context, actor Actor, id string) (Envelope, error) {
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
	if err := s.authorize(ctx, a, policy.ActionTemplatize, doc); err != nil {
		return Envelope{}, err
	}

	now := s.now()
	template := store.Document{
		ID:               util.NewID(""),
		TeamID:           doc.TeamID,
		CollectionID:     doc.CollectionID,
		Title:            doc.Title,
		Text:             doc.Text,
		Template:         true,
		FullWidth:        doc.FullWidth,
		CreatedByID:      actor.UserID,
		LastModifiedByID: actor.UserID,
		CollaboratorIDs:  []string{actor.UserID},
		RevisionCount:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
		PublishedAt:      &now,
	}
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.store.InsertDocument(ctx, template); err != nil {
			return err
		}
		if err := s.recordEvent(ctx, actor, "documents.create", template, map[string]any{
			"title":    template.Title,
			"template": true,
		}); err != nil {
			return err
		}
		_, err := s.revisions.Commit(template.ID, revisions.Content{Title: template.Title, Text: template.Text},
			revisions.Author{ID: actor.UserID, Name: actor.Name}, "Create template from "+doc.ID)
		return err
	})
	if err != nil {
		return Envelope{}, err
	}
	s.reindex(ctx, template.TeamID, []string{template.ID})
	return s.documentEnvelope(ctx, a, template)
}

// Revisions lists the stored history of a document, newest first.
func (s *Service) Revisions(ctx context.Context, actor Actor, id string, limit int) (Envelope, error) {
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
	if err := s.authorize(ctx, a, policy.ActionRead, doc); err != nil {
		return Envelope{}, err
	}
	items, err := s.revisions.History(doc.ID, limit)
	if err != nil {
		return Envelope{}, err
	}
	out := make([]RevisionJSON, 0, len(items))
	for _, item := range items {
		out = append(out, RevisionJSON{
			ID:         item.ID,
			DocumentID: item.DocumentID,
			Title:      item.Title,
			AuthorID:   item.AuthorID,
			AuthorName: item.AuthorName,
			Message:    item.Message,
			CreatedAt:  item.CreatedAt,
		})
	}
	return Envelope{Data: out, Policies: []Policy{}}, nil
}

// Export renders a readable document in the requested format.
func (s *Service) Export(ctx context.Context, actor Actor, id string, format export.Format) (*export.Result, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(ctx, id, false)
	if err != nil {
		return nil, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, a, policy.ActionExport, doc); err != nil {
		return nil, err
	}

	input := export.Document{Title: doc.Title, Text: doc.Text, UpdatedAt: doc.UpdatedAt}
	if author, err := s.store.GetUserByID(ctx, doc.LastModifiedByID); err == nil {
		input.Author = author.Name
	}
	if collection, ok := a.collections[doc.CollectionIDValue()]; ok {
		input.CollectionName = collection.Name
	}
	result, err := export.Export(input, format)
	if errors.Is(err, export.ErrPDFUnavailable) {
		return nil, invalidRequest("PDF export is not available")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Import creates a document from an uploaded markdown or text file. The raw
// upload is archived to object storage when one is configured.
func (s *Service) Import(ctx context.Context, actor Actor, in ImportInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	if in.CollectionID == "" && in.ParentDocumentID == "" {
		return Envelope{}, validationError("collectionId is required")
	}
	parsed, err := importer.Parse(in.Upload, s.cfg.MaxImportBytes)
	switch {
	case errors.Is(err, importer.ErrUnsupportedType):
		return Envelope{}, invalidRequest("Unsupported file type, import markdown or plain text")
	case errors.Is(err, importer.ErrEmpty), errors.Is(err, importer.ErrTooLarge), errors.Is(err, importer.ErrNotText):
		return Envelope{}, validationError(err.Error())
	case err != nil:
		return Envelope{}, err
	}

	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	doc, err := s.createDocument(ctx, actor, a, CreateInput{
		Title:            parsed.Title,
		Text:             parsed.Text,
		CollectionID:     in.CollectionID,
		ParentDocumentID: in.ParentDocumentID,
		Publish:          in.Publish,
	}, map[string]any{"source": "import", "filename": in.Upload.Filename})
	if err != nil {
		return Envelope{}, err
	}

	if s.blobs != nil {
		key := importer.ObjectKey(doc.TeamID, doc.ID, in.Upload.Filename)
		if err := s.blobs.Archive(ctx, key, in.Upload.ContentType, in.Upload.Data); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Str("key", key).Msg("archive import upload")
		}
	}
	return s.documentEnvelope(ctx, a, doc)
}
