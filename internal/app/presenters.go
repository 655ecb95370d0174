package app

import (
	"context"
	"time"

	"wiki/api/internal/policy"
	"wiki/api/internal/store"
)

// Envelope is the body of every successful document API response.
type Envelope struct {
	Pagination *Pagination `json:"pagination,omitempty"`
	Data       any         `json:"data"`
	Policies   []Policy    `json:"policies"`
}

type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type Policy struct {
	ID        string          `json:"id"`
	Abilities map[string]bool `json:"abilities"`
}

type DocumentJSON struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	Title            string     `json:"title"`
	Text             string     `json:"text"`
	CollectionID     *string    `json:"collectionId"`
	ParentDocumentID *string    `json:"parentDocumentId"`
	Template         bool       `json:"template"`
	FullWidth        bool       `json:"fullWidth"`
	CreatedByID      string     `json:"createdById"`
	LastModifiedByID string     `json:"lastModifiedById"`
	CollaboratorIDs  []string   `json:"collaboratorIds"`
	Revision         int        `json:"revision"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	PublishedAt      *time.Time `json:"publishedAt"`
	ArchivedAt       *time.Time `json:"archivedAt"`
	DeletedAt        *time.Time `json:"deletedAt"`
}

type CollectionJSON struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Permission *string                `json:"permission"`
	Documents  []store.NavigationNode `json:"documents"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

type DocumentUserJSON struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	UserID       string    `json:"userId"`
	CollectionID string    `json:"collectionId"`
	Permission   string    `json:"permission"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type DocumentGroupJSON struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	GroupID    string    `json:"groupId"`
	Permission string    `json:"permission"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type SearchResultJSON struct {
	Ranking  float64      `json:"ranking"`
	Context  string       `json:"context"`
	Document DocumentJSON `json:"document"`
}

func documentURL(id string) string {
	return "/doc/" + id
}

func presentDocument(doc store.Document) DocumentJSON {
	collaborators := doc.CollaboratorIDs
	if collaborators == nil {
		collaborators = []string{}
	}
	return DocumentJSON{
		ID:               doc.ID,
		URL:              documentURL(doc.ID),
		Title:            doc.Title,
		Text:             doc.Text,
		CollectionID:     doc.CollectionID,
		ParentDocumentID: doc.ParentDocumentID,
		Template:         doc.Template,
		FullWidth:        doc.FullWidth,
		CreatedByID:      doc.CreatedByID,
		LastModifiedByID: doc.LastModifiedByID,
		CollaboratorIDs:  collaborators,
		Revision:         doc.RevisionCount,
		State:            string(doc.State()),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		PublishedAt:      doc.PublishedAt,
		ArchivedAt:       doc.ArchivedAt,
		DeletedAt:        doc.DeletedAt,
	}
}

func presentDocuments(docs []store.Document) []DocumentJSON {
	out := make([]DocumentJSON, 0, len(docs))
	for _, doc := range docs {
		out = append(out, presentDocument(doc))
	}
	return out
}

func presentCollection(collection store.Collection) CollectionJSON {
	var permission *string
	if collection.Permission != "" {
		value := collection.Permission
		permission = &value
	}
	structure := collection.DocumentStructure
	if structure == nil {
		structure = []store.NavigationNode{}
	}
	return CollectionJSON{
		ID:         collection.ID,
		Name:       collection.Name,
		Permission: permission,
		Documents:  structure,
		UpdatedAt:  collection.UpdatedAt,
	}
}

func presentDocumentUser(grant store.DocumentUser) DocumentUserJSON {
	return DocumentUserJSON(grant)
}

func presentDocumentGroup(grant store.DocumentGroup) DocumentGroupJSON {
	return DocumentGroupJSON(grant)
}

// presentPolicies reports the actor's abilities on each document, in input order.
func (s *Service) presentPolicies(ctx context.Context, a *access, docs []store.Document) ([]Policy, error) {
	permissions, err := s.permissions(ctx, a, docs)
	if err != nil {
		return nil, err
	}
	out := make([]Policy, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Policy{
			ID:        doc.ID,
			Abilities: policy.Abilities(permissions[doc.ID], documentState(doc)),
		})
	}
	return out, nil
}

func (s *Service) collectionPolicy(a *access, collection store.Collection) Policy {
	return Policy{
		ID:        collection.ID,
		Abilities: policy.CollectionAbilities(a.collectionPermission(collection.ID)),
	}
}

// documentEnvelope wraps one document and its policy.
func (s *Service) documentEnvelope(ctx context.Context, a *access, doc store.Document) (Envelope, error) {
	policies, err := s.presentPolicies(ctx, a, []store.Document{doc})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: presentDocument(doc), Policies: policies}, nil
}

func successEnvelope() Envelope {
	return Envelope{Data: map[string]bool{"success": true}, Policies: []Policy{}}
}
