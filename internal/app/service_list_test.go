package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentIDs(env Envelope) []string {
	var ids []string
	for _, doc := range env.Data.([]DocumentJSON) {
		ids = append(ids, doc.ID)
	}
	return ids
}

func TestListIndexSortFollowsTreeWindow(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"One", "Two", "Three", "Four"} {
		f.publish(f.editor, title, collectionA, "")
	}
	roots := f.rootIDs(collectionA)
	require.Len(t, roots, 4)

	env, err := f.svc.List(f.ctx, f.reader, ListInput{CollectionID: collectionA, Sort: "index", Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, roots[1:3], documentIDs(env))
	assert.Equal(t, &Pagination{Offset: 1, Limit: 2}, env.Pagination)
	require.Len(t, env.Policies, 2)
	assert.Equal(t, roots[1], env.Policies[0].ID)
	assert.False(t, env.Policies[0].Abilities["update"])

	env, err = f.svc.List(f.ctx, f.reader, ListInput{CollectionID: collectionA, Sort: "index", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, env.Data)
}

func TestListIndexSortWithinParent(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	first := f.publish(f.editor, "First", collectionA, parent.ID)
	second := f.publish(f.editor, "Second", collectionA, parent.ID)

	id := parent.ID
	env, err := f.svc.List(f.ctx, f.editor, ListInput{
		CollectionID:     collectionA,
		ParentDocumentID: NullableID{Set: true, Value: &id},
		Sort:             "index",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, documentIDs(env))

	env, err = f.svc.List(f.ctx, f.editor, ListInput{CollectionID: collectionA, ParentDocumentID: NullableID{Set: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, documentIDs(env))
}

func TestListV2OrdersByGrant(t *testing.T) {
	f := newFixture(t)
	one := f.publish(f.editor, "One", collectionA, "")
	f.publish(f.editor, "Two", collectionA, "")
	three := f.publish(f.editor, "Three", collectionA, "")

	for _, id := range []string{three.ID, one.ID} {
		_, err := f.svc.AddUser(f.ctx, f.editor, UserGrantInput{ID: id, UserID: f.reader.UserID, Permission: "read"})
		require.NoError(t, err)
	}

	env, err := f.svc.ListV2(f.ctx, f.reader, ListInput{CollectionID: collectionA, Sort: "index"})
	require.NoError(t, err)
	assert.Equal(t, []string{three.ID, one.ID}, documentIDs(env))
}

func TestListValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.List(f.ctx, f.editor, ListInput{Sort: "bogus"})
	requireDomainError(t, err, CodeValidation, "Invalid sort parameter: bogus")

	_, err = f.svc.List(f.ctx, f.editor, ListInput{Direction: "sideways"})
	requireDomainError(t, err, CodeValidation)

	_, err = f.svc.List(f.ctx, f.editor, ListInput{Offset: -1})
	requireDomainError(t, err, CodeValidation)

	_, err = f.svc.List(f.ctx, f.editor, ListInput{Sort: "index"})
	requireDomainError(t, err, CodeValidation, "collectionId is required to sort by index")

	_, err = f.svc.List(f.ctx, Actor{}, ListInput{})
	requireDomainError(t, err, CodeAuthentication)

	_, err = f.svc.List(f.ctx, f.stranger, ListInput{CollectionID: collectionA})
	requireDomainError(t, err, CodeAuthorization)

	_, err = f.svc.Archived(f.ctx, f.editor, StatusListInput{Sort: "index"})
	requireDomainError(t, err, CodeValidation)
}

func TestListPageLimits(t *testing.T) {
	f := newFixture(t)

	env, err := f.svc.List(f.ctx, f.editor, ListInput{})
	require.NoError(t, err)
	assert.Equal(t, &Pagination{Offset: 0, Limit: 25}, env.Pagination)

	env, err = f.svc.List(f.ctx, f.editor, ListInput{Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, env.Pagination.Limit)
}

func TestListHidesUnreadableCollections(t *testing.T) {
	f := newFixture(t)
	private := f.publish(f.editor, "Private", collectionA, "")
	public := f.publish(f.editor, "Public", collectionB, "")

	env, err := f.svc.List(f.ctx, f.stranger, ListInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{public.ID}, documentIDs(env))

	env, err = f.svc.List(f.ctx, f.reader, ListInput{Sort: "title", Direction: "ASC"})
	require.NoError(t, err)
	assert.Equal(t, []string{private.ID, public.ID}, documentIDs(env))
}

func TestStatusListings(t *testing.T) {
	f := newFixture(t)
	draft := f.create(f.editor, CreateInput{Title: "Draft", CollectionID: collectionA})
	archived := f.publish(f.editor, "Archived", collectionA, "")
	trashed := f.publish(f.editor, "Trashed", collectionA, "")
	live := f.publish(f.editor, "Live", collectionA, "")

	_, err := f.svc.Archive(f.ctx, f.editor, archived.ID)
	require.NoError(t, err)
	_, err = f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: trashed.ID})
	require.NoError(t, err)

	env, err := f.svc.Drafts(f.ctx, f.editor, StatusListInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{draft.ID}, documentIDs(env))

	env, err = f.svc.Drafts(f.ctx, f.reader, StatusListInput{})
	require.NoError(t, err)
	assert.Empty(t, env.Data)

	env, err = f.svc.Archived(f.ctx, f.reader, StatusListInput{CollectionID: collectionA})
	require.NoError(t, err)
	assert.Equal(t, []string{archived.ID}, documentIDs(env))

	env, err = f.svc.Deleted(f.ctx, f.reader, StatusListInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{trashed.ID}, documentIDs(env))

	env, err = f.svc.List(f.ctx, f.reader, ListInput{CollectionID: collectionA})
	require.NoError(t, err)
	assert.Equal(t, []string{live.ID}, documentIDs(env))

	_, err = f.svc.Archived(f.ctx, f.editor, StatusListInput{DateFilter: "decade"})
	requireDomainError(t, err, CodeValidation)
}
