package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wiki/api/internal/authpw"
	"wiki/api/internal/config"
	"wiki/api/internal/logging"
	"wiki/api/internal/policy"
	"wiki/api/internal/revisions"
	"wiki/api/internal/search"
	"wiki/api/internal/store"
)

const (
	teamID       = "team-1"
	collectionA  = "col-a"
	collectionB  = "col-b"
	testPassword = "correct horse battery"
)

// fixture is one team with two collections:
//   - col-a has no team default; editor holds read_write and reader holds read.
//   - col-b gives the whole team read_write.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	mem      *memStore
	svc      *Service
	search   *fakeSearch
	admin    Actor
	editor   Actor
	reader   Actor
	stranger Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := newMemStore()
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	svc := &Service{
		cfg: config.Config{
			JWTSecret:      "test-secret",
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     time.Hour,
			MaxImportBytes: 1 << 20,
		},
		store:     mem,
		sessions:  mem,
		revisions: revisions.New(t.TempDir()),
		passwords: authpw.NewService(mem),
		logger:    logging.Nop(),
		now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	f := &fixture{t: t, ctx: ctx, mem: mem, svc: svc}

	require.NoError(t, mem.InsertTeam(ctx, store.Team{ID: teamID, Name: "Acme"}))
	f.admin = f.addUser("u-admin", "Ada", "admin")
	f.editor = f.addUser("u-editor", "Eve", "member")
	f.reader = f.addUser("u-reader", "Rob", "member")
	f.stranger = f.addUser("u-stranger", "Sam", "member")

	require.NoError(t, mem.InsertCollection(ctx, store.Collection{ID: collectionA, TeamID: teamID, Name: "Engineering"}))
	require.NoError(t, mem.InsertCollection(ctx, store.Collection{ID: collectionB, TeamID: teamID, Name: "Handbook", Permission: "read_write"}))
	require.NoError(t, mem.AddCollectionUser(ctx, store.CollectionUser{CollectionID: collectionA, UserID: f.editor.UserID, Permission: "read_write"}))
	require.NoError(t, mem.AddCollectionUser(ctx, store.CollectionUser{CollectionID: collectionA, UserID: f.reader.UserID, Permission: "read"}))
	return f
}

func (f *fixture) addUser(id, name, role string) Actor {
	f.t.Helper()
	hash, err := f.svc.passwords.HashPassword(testPassword)
	require.NoError(f.t, err)
	user := store.User{ID: id, TeamID: teamID, Name: name, Email: id + "@example.com", PasswordHash: hash, Role: role}
	require.NoError(f.t, f.mem.InsertUser(f.ctx, user))
	return Actor{UserID: id, TeamID: teamID, Name: name, Email: user.Email, Role: policy.Normalize(role)}
}

// withSearch plugs a recording search index into the service.
func (f *fixture) withSearch() *fakeSearch {
	f.search = &fakeSearch{}
	f.svc.search = f.search
	return f.search
}

func (f *fixture) create(actor Actor, in CreateInput) DocumentJSON {
	f.t.Helper()
	env, err := f.svc.Create(f.ctx, actor, in)
	require.NoError(f.t, err)
	return env.Data.(DocumentJSON)
}

func (f *fixture) publish(actor Actor, title, collectionID, parentID string) DocumentJSON {
	f.t.Helper()
	return f.create(actor, CreateInput{Title: title, Text: title + " body", CollectionID: collectionID, ParentDocumentID: parentID, Publish: true})
}

func (f *fixture) rootIDs(collectionID string) []string {
	var ids []string
	for _, node := range f.mem.collection(collectionID).DocumentStructure {
		ids = append(ids, node.ID)
	}
	return ids
}

func (f *fixture) inTree(collectionID, documentID string) bool {
	_, ok := store.FindNode(f.mem.collection(collectionID).DocumentStructure, documentID)
	return ok
}

func requireDomainError(t *testing.T, err error, code string, message ...string) {
	t.Helper()
	require.Error(t, err)
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %v", err)
	require.Equal(t, code, domainErr.Code, domainErr.Message)
	if len(message) > 0 {
		require.Equal(t, message[0], domainErr.Message)
	}
}

// fakeSearch records index traffic and answers queries with fixed hits.
type fakeSearch struct {
	hits    []search.Result
	queries []search.Query
	indexed []search.DocumentRecord
	deleted []string
}

func (s *fakeSearch) Search(_ context.Context, q search.Query) (search.Response, error) {
	s.queries = append(s.queries, q)
	return search.Response{Results: s.hits, Total: len(s.hits)}, nil
}

func (s *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	s.indexed = append(s.indexed, doc)
}

func (s *fakeSearch) IndexDocuments(docs []search.DocumentRecord) {
	s.indexed = append(s.indexed, docs...)
}

func (s *fakeSearch) DeleteDocument(id string) {
	s.deleted = append(s.deleted, id)
}

// fakeBlobs keeps archived uploads in memory.
type fakeBlobs struct {
	objects map[string][]byte
	removed []string
}

func (b *fakeBlobs) Archive(_ context.Context, key, _ string, data []byte) error {
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) RemovePrefix(_ context.Context, prefix string) error {
	b.removed = append(b.removed, prefix)
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			delete(b.objects, key)
		}
	}
	return nil
}
