package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"wiki/api/internal/store"
)

// memStore is an in-memory dataStore. Transactions snapshot the whole state
// and restore it when the callback fails.
type memStore struct {
	state memState
	// failEvent makes InsertEvent fail for that event name.
	failEvent string
	// beforeGuardedWrite runs inside UpdateDocumentAtRevision before the
	// revision is compared, standing in for a concurrent writer.
	beforeGuardedWrite func()
}

type memState struct {
	teams            map[string]store.Team
	users            map[string]store.User
	groups           map[string]store.Group
	groupUsers       map[string][]string
	collections      map[string]store.Collection
	collectionUsers  []store.CollectionUser
	collectionGroups []store.CollectionGroup
	documents        map[string]store.Document
	documentUsers    []store.DocumentUser
	documentGroups   []store.DocumentGroup
	inits            map[string]store.DocumentInit
	events           []store.Event
	searchQueries    []store.SearchQuery
	sessions         map[string]memSession
	revoked          map[string]time.Time
}

type memSession struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

type memTxKey struct{}

var errInjected = errors.New("injected failure")

func newMemStore() *memStore {
	return &memStore{state: memState{
		teams:       map[string]store.Team{},
		users:       map[string]store.User{},
		groups:      map[string]store.Group{},
		groupUsers:  map[string][]string{},
		collections: map[string]store.Collection{},
		documents:   map[string]store.Document{},
		inits:       map[string]store.DocumentInit{},
		sessions:    map[string]memSession{},
		revoked:     map[string]time.Time{},
	}}
}

func cloneNodes(nodes []store.NavigationNode) []store.NavigationNode {
	if nodes == nil {
		return nil
	}
	out := make([]store.NavigationNode, len(nodes))
	for i, node := range nodes {
		out[i] = node
		out[i].Children = cloneNodes(node.Children)
	}
	return out
}

func cloneDocument(doc store.Document) store.Document {
	if doc.CollaboratorIDs != nil {
		doc.CollaboratorIDs = append([]string(nil), doc.CollaboratorIDs...)
	}
	return doc
}

func cloneCollection(collection store.Collection) store.Collection {
	collection.DocumentStructure = cloneNodes(collection.DocumentStructure)
	return collection
}

func (s memState) clone() memState {
	out := memState{
		teams:            map[string]store.Team{},
		users:            map[string]store.User{},
		groups:           map[string]store.Group{},
		groupUsers:       map[string][]string{},
		collections:      map[string]store.Collection{},
		collectionUsers:  append([]store.CollectionUser(nil), s.collectionUsers...),
		collectionGroups: append([]store.CollectionGroup(nil), s.collectionGroups...),
		documents:        map[string]store.Document{},
		documentUsers:    append([]store.DocumentUser(nil), s.documentUsers...),
		documentGroups:   append([]store.DocumentGroup(nil), s.documentGroups...),
		inits:            map[string]store.DocumentInit{},
		events:           append([]store.Event(nil), s.events...),
		searchQueries:    append([]store.SearchQuery(nil), s.searchQueries...),
		sessions:         map[string]memSession{},
		revoked:          map[string]time.Time{},
	}
	for k, v := range s.teams {
		out.teams[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.groups {
		out.groups[k] = v
	}
	for k, v := range s.groupUsers {
		out.groupUsers[k] = append([]string(nil), v...)
	}
	for k, v := range s.collections {
		out.collections[k] = cloneCollection(v)
	}
	for k, v := range s.documents {
		out.documents[k] = cloneDocument(v)
	}
	for k, v := range s.inits {
		out.inits[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.revoked {
		out.revoked[k] = v
	}
	return out
}

func (m *memStore) Transaction(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	snapshot := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// Seeding helpers used by tests only.

func (m *memStore) addGroup(group store.Group, userIDs ...string) {
	m.state.groups[group.ID] = group
	for _, userID := range userIDs {
		m.state.groupUsers[userID] = append(m.state.groupUsers[userID], group.ID)
	}
}

func (m *memStore) addCollectionGroup(member store.CollectionGroup) {
	m.state.collectionGroups = append(m.state.collectionGroups, member)
}

func (m *memStore) eventNames(documentID string) []string {
	var names []string
	for _, event := range m.state.events {
		if event.DocumentID == documentID {
			names = append(names, event.Name)
		}
	}
	return names
}

func (m *memStore) document(id string) store.Document {
	return cloneDocument(m.state.documents[id])
}

func (m *memStore) collection(id string) store.Collection {
	return cloneCollection(m.state.collections[id])
}

// Users, teams and groups

func (m *memStore) InsertTeam(_ context.Context, team store.Team) error {
	m.state.teams[team.ID] = team
	return nil
}

func (m *memStore) InsertUser(_ context.Context, user store.User) error {
	for _, existing := range m.state.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrDuplicate
		}
	}
	m.state.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.state.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.state.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) CountUsers(context.Context) (int, error) {
	return len(m.state.users), nil
}

func (m *memStore) GetGroup(_ context.Context, id string) (store.Group, error) {
	group, ok := m.state.groups[id]
	if !ok {
		return store.Group{}, sql.ErrNoRows
	}
	return group, nil
}

func (m *memStore) ListGroupIDsForUser(_ context.Context, userID string) ([]string, error) {
	ids := append([]string(nil), m.state.groupUsers[userID]...)
	sort.Strings(ids)
	return ids, nil
}

// Collections

func (m *memStore) InsertCollection(_ context.Context, collection store.Collection) error {
	m.state.collections[collection.ID] = cloneCollection(collection)
	return nil
}

func (m *memStore) GetCollection(_ context.Context, id string) (store.Collection, error) {
	collection, ok := m.state.collections[id]
	if !ok || collection.DeletedAt != nil {
		return store.Collection{}, sql.ErrNoRows
	}
	return cloneCollection(collection), nil
}

func (m *memStore) ListCollections(_ context.Context, teamID string) ([]store.Collection, error) {
	var out []store.Collection
	for _, collection := range m.state.collections {
		if collection.TeamID == teamID && collection.DeletedAt == nil {
			out = append(out, cloneCollection(collection))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateCollectionStructure(_ context.Context, id string, structure []store.NavigationNode) error {
	collection, ok := m.state.collections[id]
	if !ok {
		return sql.ErrNoRows
	}
	collection.DocumentStructure = cloneNodes(structure)
	m.state.collections[id] = collection
	return nil
}

func (m *memStore) AddCollectionUser(_ context.Context, member store.CollectionUser) error {
	for i, existing := range m.state.collectionUsers {
		if existing.CollectionID == member.CollectionID && existing.UserID == member.UserID {
			m.state.collectionUsers[i] = member
			return nil
		}
	}
	m.state.collectionUsers = append(m.state.collectionUsers, member)
	return nil
}

func (m *memStore) GetCollectionGroup(_ context.Context, collectionID, groupID string) (store.CollectionGroup, error) {
	for _, member := range m.state.collectionGroups {
		if member.CollectionID == collectionID && member.GroupID == groupID {
			return member, nil
		}
	}
	return store.CollectionGroup{}, sql.ErrNoRows
}

func (m *memStore) CollectionMemberships(_ context.Context, userID string) (map[string]store.CollectionMembership, error) {
	out := map[string]store.CollectionMembership{}
	for _, member := range m.state.collectionUsers {
		if member.UserID == userID {
			membership := out[member.CollectionID]
			membership.UserPermission = member.Permission
			out[member.CollectionID] = membership
		}
	}
	groups := map[string]bool{}
	for _, groupID := range m.state.groupUsers[userID] {
		groups[groupID] = true
	}
	for _, member := range m.state.collectionGroups {
		if groups[member.GroupID] {
			membership := out[member.CollectionID]
			membership.GroupPermissions = append(membership.GroupPermissions, member.Permission)
			out[member.CollectionID] = membership
		}
	}
	return out, nil
}

// Documents

func (m *memStore) InsertDocument(_ context.Context, doc store.Document) error {
	if _, ok := m.state.documents[doc.ID]; ok {
		return store.ErrDuplicate
	}
	m.state.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (m *memStore) GetDocument(_ context.Context, id string, includeDeleted bool) (store.Document, error) {
	doc, ok := m.state.documents[id]
	if !ok || (!includeDeleted && doc.DeletedAt != nil) {
		return store.Document{}, sql.ErrNoRows
	}
	return cloneDocument(doc), nil
}

func (m *memStore) UpdateDocument(_ context.Context, doc store.Document) error {
	existing, ok := m.state.documents[doc.ID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.TeamID = existing.TeamID
	doc.CreatedByID = existing.CreatedByID
	doc.CreatedAt = existing.CreatedAt
	m.state.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (m *memStore) UpdateDocumentAtRevision(ctx context.Context, doc store.Document, expected int) error {
	if m.beforeGuardedWrite != nil {
		m.beforeGuardedWrite()
	}
	existing, ok := m.state.documents[doc.ID]
	if !ok || existing.RevisionCount != expected {
		return store.ErrStaleRevision
	}
	return m.UpdateDocument(ctx, doc)
}

func (m *memStore) DescendantIDs(_ context.Context, id string, includeDeleted bool) ([]string, error) {
	var out []string
	queue := []string{id}
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		var children []string
		for _, doc := range m.state.documents {
			if doc.ParentIDValue() != parent || seen[doc.ID] {
				continue
			}
			if !includeDeleted && doc.DeletedAt != nil {
				continue
			}
			children = append(children, doc.ID)
		}
		sort.Strings(children)
		for _, child := range children {
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

func (m *memStore) updateEach(ids []string, fn func(*store.Document)) {
	for _, id := range ids {
		doc, ok := m.state.documents[id]
		if !ok {
			continue
		}
		fn(&doc)
		m.state.documents[id] = doc
	}
}

func (m *memStore) SetArchivedAt(_ context.Context, ids []string, at *time.Time) error {
	m.updateEach(ids, func(doc *store.Document) { doc.ArchivedAt = at })
	return nil
}

func (m *memStore) SetDeletedAt(_ context.Context, ids []string, at *time.Time) error {
	m.updateEach(ids, func(doc *store.Document) { doc.DeletedAt = at })
	return nil
}

func (m *memStore) SetCollectionID(_ context.Context, ids []string, collectionID string) error {
	m.updateEach(ids, func(doc *store.Document) {
		value := collectionID
		doc.CollectionID = &value
	})
	for i, grant := range m.state.documentUsers {
		if containsString(ids, grant.DocumentID) {
			m.state.documentUsers[i].CollectionID = collectionID
		}
	}
	return nil
}

func (m *memStore) DetachChildren(_ context.Context, parentID string) error {
	for id, doc := range m.state.documents {
		if doc.ParentIDValue() == parentID {
			doc.ParentDocumentID = nil
			m.state.documents[id] = doc
		}
	}
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, id string) error {
	delete(m.state.documents, id)
	users := m.state.documentUsers[:0]
	for _, grant := range m.state.documentUsers {
		if grant.DocumentID != id {
			users = append(users, grant)
		}
	}
	m.state.documentUsers = users
	groups := m.state.documentGroups[:0]
	for _, grant := range m.state.documentGroups {
		if grant.DocumentID != id {
			groups = append(groups, grant)
		}
	}
	m.state.documentGroups = groups
	return nil
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func (m *memStore) matches(q store.DocumentQuery, doc store.Document) bool {
	if doc.TeamID != q.TeamID {
		return false
	}
	if q.IDs != nil && !containsString(q.IDs, doc.ID) {
		return false
	}
	if q.CollectionIDs != nil {
		inCollection := doc.CollectionID != nil && containsString(q.CollectionIDs, *doc.CollectionID)
		ownDraft := q.IncludeDraftsOf != "" && doc.CreatedByID == q.IncludeDraftsOf && doc.PublishedAt == nil
		if !inCollection && !ownDraft {
			return false
		}
	}
	if q.ParentDocumentID.Set {
		if q.ParentDocumentID.Value == nil {
			if doc.ParentDocumentID != nil {
				return false
			}
		} else if doc.ParentIDValue() != *q.ParentDocumentID.Value {
			return false
		}
	}
	if q.CreatedByID != "" && doc.CreatedByID != q.CreatedByID {
		return false
	}
	if q.CollaboratorID != "" && !containsString(doc.CollaboratorIDs, q.CollaboratorID) {
		return false
	}
	if q.Template != nil && doc.Template != *q.Template {
		return false
	}
	if q.TitleContains != "" && !strings.Contains(strings.ToLower(doc.Title), strings.ToLower(q.TitleContains)) {
		return false
	}
	if q.UpdatedAfter != nil && doc.UpdatedAt.Before(*q.UpdatedAfter) {
		return false
	}
	switch q.Status {
	case store.StatusActive:
		return doc.PublishedAt != nil && doc.ArchivedAt == nil && doc.DeletedAt == nil
	case store.StatusArchived:
		return doc.ArchivedAt != nil && doc.DeletedAt == nil
	case store.StatusDeleted:
		return doc.DeletedAt != nil
	case store.StatusDrafts:
		return doc.PublishedAt == nil && doc.ArchivedAt == nil && doc.DeletedAt == nil
	case store.StatusPublished:
		return doc.PublishedAt != nil && doc.DeletedAt == nil
	case store.StatusUnarchived:
		return doc.ArchivedAt == nil && doc.DeletedAt == nil
	case store.StatusAny:
		return true
	default:
		return doc.DeletedAt == nil
	}
}

func sortValue(doc store.Document, sortKey string) (time.Time, string, bool) {
	switch sortKey {
	case "createdAt":
		return doc.CreatedAt, "", true
	case "publishedAt":
		return derefTime(doc.PublishedAt)
	case "archivedAt":
		return derefTime(doc.ArchivedAt)
	case "deletedAt":
		return derefTime(doc.DeletedAt)
	case "title":
		return time.Time{}, doc.Title, true
	default:
		return doc.UpdatedAt, "", true
	}
}

func derefTime(t *time.Time) (time.Time, string, bool) {
	if t == nil {
		return time.Time{}, "", false
	}
	return *t, "", true
}

func (m *memStore) ListDocuments(_ context.Context, q store.DocumentQuery) ([]store.Document, error) {
	var docs []store.Document
	for _, doc := range m.state.documents {
		if m.matches(q, doc) {
			docs = append(docs, cloneDocument(doc))
		}
	}
	asc := strings.EqualFold(q.Direction, "ASC")
	sort.SliceStable(docs, func(i, j int) bool {
		ti, si, oki := sortValue(docs[i], q.Sort)
		tj, sj, okj := sortValue(docs[j], q.Sort)
		if oki != okj {
			return oki
		}
		if ti.Equal(tj) && si == sj {
			return docs[i].ID < docs[j].ID
		}
		less := ti.Before(tj) || (ti.Equal(tj) && si < sj)
		if asc {
			return less
		}
		return !less
	})
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			return nil, nil
		}
		docs = docs[q.Offset:]
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Document grants

func (m *memStore) GetDocumentUser(_ context.Context, documentID, userID string) (store.DocumentUser, error) {
	for _, grant := range m.state.documentUsers {
		if grant.DocumentID == documentID && grant.UserID == userID {
			return grant, nil
		}
	}
	return store.DocumentUser{}, sql.ErrNoRows
}

func (m *memStore) InsertDocumentUser(ctx context.Context, grant store.DocumentUser) error {
	if _, err := m.GetDocumentUser(ctx, grant.DocumentID, grant.UserID); err == nil {
		return store.ErrDuplicate
	}
	grant.UpdatedAt = grant.CreatedAt
	m.state.documentUsers = append(m.state.documentUsers, grant)
	return nil
}

func (m *memStore) UpdateDocumentUserPermission(_ context.Context, grantID, permission string) error {
	for i, grant := range m.state.documentUsers {
		if grant.ID == grantID {
			m.state.documentUsers[i].Permission = permission
		}
	}
	return nil
}

func (m *memStore) DeleteDocumentUser(_ context.Context, grantID string) error {
	out := m.state.documentUsers[:0]
	for _, grant := range m.state.documentUsers {
		if grant.ID != grantID {
			out = append(out, grant)
		}
	}
	m.state.documentUsers = out
	return nil
}

func (m *memStore) ListDocumentUsers(_ context.Context, documentID string) ([]store.DocumentUser, error) {
	var out []store.DocumentUser
	for _, grant := range m.state.documentUsers {
		if grant.DocumentID == documentID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (m *memStore) ListDocumentUsersForUser(_ context.Context, userID string) ([]store.DocumentUser, error) {
	var out []store.DocumentUser
	for _, grant := range m.state.documentUsers {
		if grant.UserID == userID {
			out = append(out, grant)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetDocumentGroup(_ context.Context, documentID, groupID string) (store.DocumentGroup, error) {
	for _, grant := range m.state.documentGroups {
		if grant.DocumentID == documentID && grant.GroupID == groupID {
			return grant, nil
		}
	}
	return store.DocumentGroup{}, sql.ErrNoRows
}

func (m *memStore) InsertDocumentGroup(ctx context.Context, grant store.DocumentGroup) error {
	if _, err := m.GetDocumentGroup(ctx, grant.DocumentID, grant.GroupID); err == nil {
		return store.ErrDuplicate
	}
	grant.UpdatedAt = grant.CreatedAt
	m.state.documentGroups = append(m.state.documentGroups, grant)
	return nil
}

func (m *memStore) UpdateDocumentGroupPermission(_ context.Context, grantID, permission string) error {
	for i, grant := range m.state.documentGroups {
		if grant.ID == grantID {
			m.state.documentGroups[i].Permission = permission
		}
	}
	return nil
}

func (m *memStore) DeleteDocumentGroup(_ context.Context, grantID string) error {
	out := m.state.documentGroups[:0]
	for _, grant := range m.state.documentGroups {
		if grant.ID != grantID {
			out = append(out, grant)
		}
	}
	m.state.documentGroups = out
	return nil
}

func (m *memStore) ListDocumentGroups(_ context.Context, documentID string) ([]store.DocumentGroup, error) {
	var out []store.DocumentGroup
	for _, grant := range m.state.documentGroups {
		if grant.DocumentID == documentID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (m *memStore) DocumentOverrides(_ context.Context, userID string, groupIDs, documentIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, grant := range m.state.documentUsers {
		if grant.UserID == userID && containsString(documentIDs, grant.DocumentID) {
			out[grant.DocumentID] = append(out[grant.DocumentID], grant.Permission)
		}
	}
	for _, grant := range m.state.documentGroups {
		if containsString(groupIDs, grant.GroupID) && containsString(documentIDs, grant.DocumentID) {
			out[grant.DocumentID] = append(out[grant.DocumentID], grant.Permission)
		}
	}
	return out, nil
}

func (m *memStore) GetDocumentInit(_ context.Context, collectionID string) (store.DocumentInit, error) {
	init, ok := m.state.inits[collectionID]
	if !ok {
		return store.DocumentInit{}, sql.ErrNoRows
	}
	return init, nil
}

func (m *memStore) InsertDocumentInit(_ context.Context, init store.DocumentInit) error {
	if _, ok := m.state.inits[init.CollectionID]; ok {
		return store.ErrDuplicate
	}
	m.state.inits[init.CollectionID] = init
	return nil
}

// Events and search log

func (m *memStore) InsertEvent(_ context.Context, event store.Event) error {
	if m.failEvent != "" && event.Name == m.failEvent {
		return errInjected
	}
	m.state.events = append(m.state.events, event)
	return nil
}

func (m *memStore) InsertSearchQuery(_ context.Context, query store.SearchQuery) error {
	m.state.searchQueries = append(m.state.searchQueries, query)
	return nil
}

// Sessions

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.state.sessions[tokenHash] = memSession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	session, ok := m.state.sessions[tokenHash]
	if !ok || session.revoked || time.Now().After(session.expiresAt) {
		return "", sql.ErrNoRows
	}
	return session.userID, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	if session, ok := m.state.sessions[tokenHash]; ok {
		session.revoked = true
		m.state.sessions[tokenHash] = session
	}
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.state.revoked[jti] = expiresAt
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := m.state.revoked[jti]
	return ok, nil
}
