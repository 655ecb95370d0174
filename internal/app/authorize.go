package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"wiki/api/internal/policy"
	"wiki/api/internal/store"
)

// access is one actor's resolved collection standing, loaded once per request
// and reused for every document that request touches.
type access struct {
	actor       Actor
	collections map[string]store.Collection
	memberships map[string]store.CollectionMembership
	groupIDs    []string
}

func (s *Service) loadAccess(ctx context.Context, actor Actor) (*access, error) {
	a := &access{
		actor:       actor,
		collections: map[string]store.Collection{},
		memberships: map[string]store.CollectionMembership{},
	}
	if !actor.Authenticated() {
		return a, nil
	}
	collections, err := s.store.ListCollections(ctx, actor.TeamID)
	if err != nil {
		return nil, err
	}
	for _, collection := range collections {
		a.collections[collection.ID] = collection
	}
	if a.memberships, err = s.store.CollectionMemberships(ctx, actor.UserID); err != nil {
		return nil, err
	}
	if a.groupIDs, err = s.store.ListGroupIDsForUser(ctx, actor.UserID); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *access) collectionPermission(collectionID string) policy.Permission {
	collection, ok := a.collections[collectionID]
	if !ok || !a.actor.Authenticated() {
		return policy.PermissionNone
	}
	membership := a.memberships[collectionID]
	groups := make([]policy.Permission, 0, len(membership.GroupPermissions))
	for _, permission := range membership.GroupPermissions {
		groups = append(groups, policy.Permission(permission))
	}
	return policy.CollectionPermission(policy.CollectionAccess{
		Role:       a.actor.Role,
		SameTeam:   collection.TeamID == a.actor.TeamID,
		Default:    policy.Permission(collection.Permission),
		UserGrant:  policy.Permission(membership.UserPermission),
		GroupGrant: groups,
	})
}

// readableCollectionIDs lists every collection the actor can at least read.
func (a *access) readableCollectionIDs() []string {
	ids := []string{}
	for id := range a.collections {
		if a.collectionPermission(id).Satisfies(policy.PermissionRead) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *access) documentPermission(doc store.Document, overrides []string) policy.Permission {
	if !a.actor.Authenticated() {
		return policy.PermissionNone
	}
	grants := make([]policy.Permission, 0, len(overrides))
	for _, permission := range overrides {
		grants = append(grants, policy.Permission(permission))
	}
	return policy.DocumentPermission(policy.DocumentAccess{
		Role:          a.actor.Role,
		SameTeam:      doc.TeamID == a.actor.TeamID,
		HasCollection: doc.CollectionID != nil,
		Collection:    a.collectionPermission(doc.CollectionIDValue()),
		IsCreator:     doc.CreatedByID == a.actor.UserID,
		Published:     doc.PublishedAt != nil,
		Overrides:     grants,
	})
}

// permissions resolves the effective permission of the actor on every doc
// with one round of store calls.
func (s *Service) permissions(ctx context.Context, a *access, docs []store.Document) (map[string]policy.Permission, error) {
	out := make(map[string]policy.Permission, len(docs))
	if len(docs) == 0 || !a.actor.Authenticated() {
		return out, nil
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	overrides, err := s.store.DocumentOverrides(ctx, a.actor.UserID, a.groupIDs, ids)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		out[doc.ID] = a.documentPermission(doc, overrides[doc.ID])
	}
	return out, nil
}

func (s *Service) documentPermission(ctx context.Context, a *access, doc store.Document) (policy.Permission, error) {
	permissions, err := s.permissions(ctx, a, []store.Document{doc})
	if err != nil {
		return policy.PermissionNone, err
	}
	return permissions[doc.ID], nil
}

// authorize fails with AuthorizationError unless the actor may perform action
// on doc in its current state.
func (s *Service) authorize(ctx context.Context, a *access, action policy.Action, doc store.Document) error {
	permission, err := s.documentPermission(ctx, a, doc)
	if err != nil {
		return err
	}
	if !policy.Can(permission, action, documentState(doc)) {
		return authorizationError("")
	}
	return nil
}

// authorizeCollection loads a live collection and checks the actor holds at
// least required on it.
func (s *Service) authorizeCollection(ctx context.Context, a *access, collectionID string, required policy.Permission) (store.Collection, error) {
	collection, err := s.store.GetCollection(ctx, collectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Collection{}, notFound("Collection not found")
	}
	if err != nil {
		return store.Collection{}, err
	}
	if _, ok := a.collections[collection.ID]; !ok {
		a.collections[collection.ID] = collection
	}
	if !a.collectionPermission(collection.ID).Satisfies(required) {
		return store.Collection{}, authorizationError("")
	}
	return collection, nil
}

func documentState(doc store.Document) policy.State {
	return policy.State{
		PublishedAt: doc.PublishedAt,
		ArchivedAt:  doc.ArchivedAt,
		DeletedAt:   doc.DeletedAt,
		Template:    doc.Template,
	}
}
