package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wiki/api/internal/store"
)

func TestArchiveCascadesToLiveDescendants(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	grandchild := f.publish(f.editor, "Grandchild", collectionA, child.ID)
	trashed := f.publish(f.editor, "Trashed", collectionA, parent.ID)
	_, err := f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: trashed.ID})
	require.NoError(t, err)

	env, err := f.svc.Archive(f.ctx, f.editor, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, env.Data.(DocumentJSON).ArchivedAt)

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		assert.NotNil(t, f.mem.document(id).ArchivedAt, id)
	}
	assert.Nil(t, f.mem.document(trashed.ID).ArchivedAt)
	assert.False(t, f.inTree(collectionA, parent.ID))
	assert.False(t, f.inTree(collectionA, grandchild.ID))
	assert.Contains(t, f.mem.eventNames(parent.ID), "documents.archive")

	require.Len(t, env.Policies, 1)
	assert.True(t, env.Policies[0].Abilities["unarchive"])
	assert.False(t, env.Policies[0].Abilities["archive"])
}

func TestArchiveRejectsDraftsAndReaders(t *testing.T) {
	f := newFixture(t)
	draft := f.create(f.editor, CreateInput{Title: "Draft", CollectionID: collectionA})
	published := f.publish(f.editor, "Published", collectionA, "")

	_, err := f.svc.Archive(f.ctx, f.editor, draft.ID)
	requireDomainError(t, err, CodeAuthorization)

	_, err = f.svc.Archive(f.ctx, f.reader, published.ID)
	requireDomainError(t, err, CodeAuthorization)

	_, err = f.svc.Archive(f.ctx, f.editor, "missing")
	requireDomainError(t, err, CodeNotFound)

	_, err = f.svc.Archive(f.ctx, Actor{}, published.ID)
	requireDomainError(t, err, CodeAuthentication)
}

func TestUnarchiveReattachesSubtree(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	_, err := f.svc.Archive(f.ctx, f.editor, parent.ID)
	require.NoError(t, err)

	env, err := f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: parent.ID})
	require.NoError(t, err)
	assert.Nil(t, env.Data.(DocumentJSON).ArchivedAt)
	assert.Nil(t, f.mem.document(child.ID).ArchivedAt)

	node, ok := store.FindNode(f.mem.collection(collectionA).DocumentStructure, parent.ID)
	require.True(t, ok)
	require.Len(t, node.Children, 1)
	assert.Equal(t, child.ID, node.Children[0].ID)
	assert.Contains(t, f.mem.eventNames(parent.ID), "documents.unarchive")
}

func TestArchiveRoundTripKeepsPublishedAt(t *testing.T) {
	f := newFixture(t)
	doc := f.publish(f.editor, "Handbook", collectionA, "")
	publishedAt := f.mem.document(doc.ID).PublishedAt
	require.NotNil(t, publishedAt)

	_, err := f.svc.Archive(f.ctx, f.editor, doc.ID)
	require.NoError(t, err)
	_, err = f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: doc.ID})
	require.NoError(t, err)

	restored := f.mem.document(doc.ID)
	require.NotNil(t, restored.PublishedAt)
	assert.True(t, publishedAt.Equal(*restored.PublishedAt))
	assert.Nil(t, restored.ArchivedAt)
}

func TestDeniedMutationsLeaveDocumentUntouched(t *testing.T) {
	f := newFixture(t)
	live := f.publish(f.editor, "Live", collectionA, "")
	trashed := f.publish(f.editor, "Trashed", collectionA, "")
	_, err := f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: trashed.ID})
	require.NoError(t, err)

	liveBefore := f.mem.document(live.ID)
	trashedBefore := f.mem.document(trashed.ID)

	for _, actor := range []Actor{f.reader, f.stranger} {
		_, err = f.svc.Unpublish(f.ctx, actor, live.ID)
		requireDomainError(t, err, CodeAuthorization)
		_, err = f.svc.Archive(f.ctx, actor, live.ID)
		requireDomainError(t, err, CodeAuthorization)
		_, err = f.svc.Delete(f.ctx, actor, DeleteInput{ID: live.ID})
		requireDomainError(t, err, CodeAuthorization)
		_, err = f.svc.Move(f.ctx, actor, MoveInput{ID: live.ID, CollectionID: collectionB})
		requireDomainError(t, err, CodeAuthorization)
		_, err = f.svc.Delete(f.ctx, actor, DeleteInput{ID: trashed.ID, Permanent: true})
		requireDomainError(t, err, CodeAuthorization)
	}

	assert.Equal(t, liveBefore, f.mem.document(live.ID))
	assert.Equal(t, trashedBefore, f.mem.document(trashed.ID))
	assert.True(t, f.inTree(collectionA, live.ID))
	assert.Equal(t, []string{"documents.create", "documents.publish"}, f.mem.eventNames(live.ID))
}

func TestRestoreDeletedSubtreeIntoAnotherCollection(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	for _, id := range []string{parent.ID, child.ID} {
		_, err := f.svc.AddUser(f.ctx, f.editor, UserGrantInput{ID: id, UserID: f.reader.UserID, Permission: "read"})
		require.NoError(t, err)
	}
	_, err := f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: parent.ID})
	require.NoError(t, err)
	require.NotNil(t, f.mem.document(child.ID).DeletedAt)

	_, err = f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: parent.ID, CollectionID: collectionB})
	require.NoError(t, err)

	restored := f.mem.document(parent.ID)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, collectionB, restored.CollectionIDValue())
	assert.Equal(t, collectionB, f.mem.document(child.ID).CollectionIDValue())
	assert.Nil(t, f.mem.document(child.ID).DeletedAt)
	assert.True(t, f.inTree(collectionB, child.ID))
	for _, id := range []string{parent.ID, child.ID} {
		grant, err := f.mem.GetDocumentUser(f.ctx, id, f.reader.UserID)
		require.NoError(t, err)
		assert.Equal(t, collectionB, grant.CollectionID)
	}
	assert.False(t, f.inTree(collectionA, parent.ID))
	assert.Equal(t, []string{"documents.create", "documents.publish", "documents.delete", "documents.restore"}, f.mem.eventNames(parent.ID))
}

func TestRestoreToDeletedOriginalCollection(t *testing.T) {
	f := newFixture(t)
	doc := f.publish(f.admin, "Orphan", collectionA, "")
	_, err := f.svc.Delete(f.ctx, f.admin, DeleteInput{ID: doc.ID})
	require.NoError(t, err)

	collection := f.mem.state.collections[collectionA]
	deletedAt := f.svc.now()
	collection.DeletedAt = &deletedAt
	f.mem.state.collections[collectionA] = collection

	_, err = f.svc.Restore(f.ctx, f.admin, RestoreInput{ID: doc.ID})
	requireDomainError(t, err, CodeValidation, "Unable to restore to original collection, it may have been deleted")

	_, err = f.svc.Restore(f.ctx, f.admin, RestoreInput{ID: doc.ID, CollectionID: collectionB})
	require.NoError(t, err)
	assert.Equal(t, collectionB, f.mem.document(doc.ID).CollectionIDValue())
}

func TestRestoreWithoutStateOrRevision(t *testing.T) {
	f := newFixture(t)
	doc := f.publish(f.editor, "Live", collectionA, "")

	_, err := f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: doc.ID})
	requireDomainError(t, err, CodeValidation, "revisionId is required")
}

func TestRestoreRevision(t *testing.T) {
	f := newFixture(t)
	doc := f.publish(f.editor, "First title", collectionA, "")
	title := "Second title"
	_, err := f.svc.Update(f.ctx, f.editor, UpdateInput{ID: doc.ID, Title: &title})
	require.NoError(t, err)

	history, err := f.svc.Revisions(f.ctx, f.editor, doc.ID, 0)
	require.NoError(t, err)
	revs := history.Data.([]RevisionJSON)
	require.Len(t, revs, 2)
	oldest := revs[len(revs)-1]
	assert.Equal(t, "First title", oldest.Title)

	env, err := f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: doc.ID, RevisionID: oldest.ID})
	require.NoError(t, err)
	restored := env.Data.(DocumentJSON)
	assert.Equal(t, "First title", restored.Title)
	assert.Equal(t, 3, restored.Revision)

	node, ok := store.FindNode(f.mem.collection(collectionA).DocumentStructure, doc.ID)
	require.True(t, ok)
	assert.Equal(t, "First title", node.Title)

	_, err = f.svc.Restore(f.ctx, f.editor, RestoreInput{ID: doc.ID, RevisionID: "0000000000000000000000000000000000000000"})
	requireDomainError(t, err, CodeNotFound, "Revision not found")

	_, err = f.svc.Restore(f.ctx, f.reader, RestoreInput{ID: doc.ID, RevisionID: oldest.ID})
	requireDomainError(t, err, CodeAuthorization)
}

func TestUnpublishBlockedByChildren(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)

	_, err := f.svc.Unpublish(f.ctx, f.editor, parent.ID)
	requireDomainError(t, err, CodeInvalidRequest, "Cannot unpublish document with child documents")
	assert.NotNil(t, f.mem.document(parent.ID).PublishedAt)

	env, err := f.svc.Unpublish(f.ctx, f.editor, child.ID)
	require.NoError(t, err)
	assert.Nil(t, env.Data.(DocumentJSON).PublishedAt)
	assert.False(t, f.inTree(collectionA, child.ID))
	assert.Contains(t, f.mem.eventNames(child.ID), "documents.unpublish")
}

func TestMoveReordersSiblings(t *testing.T) {
	f := newFixture(t)
	a := f.publish(f.editor, "A", collectionA, "")
	b := f.publish(f.editor, "B", collectionA, "")
	c := f.publish(f.editor, "C", collectionA, "")
	require.Equal(t, []string{a.ID, b.ID, c.ID}, f.rootIDs(collectionA))

	index := 0
	env, err := f.svc.Move(f.ctx, f.editor, MoveInput{ID: c.ID, CollectionID: collectionA, Index: &index})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, f.rootIDs(collectionA))

	result := env.Data.(MoveResult)
	require.Len(t, result.Documents, 1)
	require.Len(t, result.Collections, 1)
	assert.Empty(t, env.Policies)
	assert.Contains(t, f.mem.eventNames(c.ID), "documents.move")
}

func TestMoveAcrossCollectionsCarriesDescendants(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)

	env, err := f.svc.Move(f.ctx, f.editor, MoveInput{ID: parent.ID, CollectionID: collectionB})
	require.NoError(t, err)

	assert.Equal(t, collectionB, f.mem.document(child.ID).CollectionIDValue())
	node, ok := store.FindNode(f.mem.collection(collectionB).DocumentStructure, parent.ID)
	require.True(t, ok)
	require.Len(t, node.Children, 1)
	assert.Equal(t, child.ID, node.Children[0].ID)
	assert.False(t, f.inTree(collectionA, parent.ID))

	result := env.Data.(MoveResult)
	assert.Len(t, result.Documents, 2)
	assert.Len(t, result.Collections, 2)
	assert.Len(t, env.Policies, 2)
}

func TestMoveKeepsSharedDocumentInGrantListing(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Shared", collectionA, "")
	child := f.publish(f.editor, "Shared child", collectionA, parent.ID)
	for _, id := range []string{parent.ID, child.ID} {
		_, err := f.svc.AddUser(f.ctx, f.editor, UserGrantInput{ID: id, UserID: f.reader.UserID, Permission: "read"})
		require.NoError(t, err)
	}

	_, err := f.svc.Move(f.ctx, f.editor, MoveInput{ID: parent.ID, CollectionID: collectionB})
	require.NoError(t, err)

	env, err := f.svc.ListV2(f.ctx, f.reader, ListInput{CollectionID: collectionB, Sort: "index"})
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID, child.ID}, documentIDs(env))

	env, err = f.svc.ListV2(f.ctx, f.reader, ListInput{CollectionID: collectionA, Sort: "index"})
	require.NoError(t, err)
	assert.Empty(t, env.Data)

	grant, err := f.mem.GetDocumentUser(f.ctx, parent.ID, f.reader.UserID)
	require.NoError(t, err)
	assert.Equal(t, collectionB, grant.CollectionID)
}

func TestMoveGuards(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	draft := f.create(f.editor, CreateInput{Title: "Draft", CollectionID: collectionA})
	other := f.publish(f.editor, "Elsewhere", collectionB, "")

	_, err := f.svc.Move(f.ctx, f.editor, MoveInput{ID: child.ID, ParentDocumentID: draft.ID})
	requireDomainError(t, err, CodeInvalidRequest, "Cannot move document inside a draft")

	_, err = f.svc.Move(f.ctx, f.editor, MoveInput{ID: parent.ID, ParentDocumentID: child.ID})
	requireDomainError(t, err, CodeInvalidRequest)

	_, err = f.svc.Move(f.ctx, f.editor, MoveInput{ID: parent.ID, ParentDocumentID: parent.ID})
	requireDomainError(t, err, CodeInvalidRequest)

	_, err = f.svc.Move(f.ctx, f.editor, MoveInput{ID: child.ID, CollectionID: collectionA, ParentDocumentID: other.ID})
	requireDomainError(t, err, CodeInvalidRequest, "Parent document must be in the same collection")

	_, err = f.svc.Move(f.ctx, f.editor, MoveInput{ID: child.ID, ParentDocumentID: "missing"})
	requireDomainError(t, err, CodeNotFound)

	_, err = f.svc.Move(f.ctx, f.reader, MoveInput{ID: child.ID, CollectionID: collectionA})
	requireDomainError(t, err, CodeAuthorization)

	negative := -1
	_, err = f.svc.Move(f.ctx, f.editor, MoveInput{ID: child.ID, CollectionID: collectionA, Index: &negative})
	requireDomainError(t, err, CodeValidation)
}

func TestMoveRollsBackWhenAnyStepFails(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	before := f.mem.collection(collectionA).DocumentStructure

	f.mem.failEvent = "documents.move"
	_, err := f.svc.Move(f.ctx, f.editor, MoveInput{ID: parent.ID, CollectionID: collectionB})
	require.ErrorIs(t, err, errInjected)

	assert.Equal(t, collectionA, f.mem.document(parent.ID).CollectionIDValue())
	assert.Equal(t, collectionA, f.mem.document(child.ID).CollectionIDValue())
	assert.Equal(t, before, f.mem.collection(collectionA).DocumentStructure)
	assert.Empty(t, f.mem.collection(collectionB).DocumentStructure)
}

func TestSoftDeleteCascades(t *testing.T) {
	f := newFixture(t)
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)

	env, err := f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"success": true}, env.Data)
	assert.NotNil(t, f.mem.document(parent.ID).DeletedAt)
	assert.NotNil(t, f.mem.document(child.ID).DeletedAt)
	assert.Empty(t, f.rootIDs(collectionA))
	assert.Contains(t, f.mem.eventNames(parent.ID), "documents.delete")

	_, err = f.svc.Info(f.ctx, f.editor, parent.ID)
	require.NoError(t, err)
}

func TestPermanentDeleteDetachesChildrenAndPurgesGrants(t *testing.T) {
	f := newFixture(t)
	search := f.withSearch()
	parent := f.publish(f.editor, "Parent", collectionA, "")
	child := f.publish(f.editor, "Child", collectionA, parent.ID)
	_, err := f.svc.AddUser(f.ctx, f.editor, UserGrantInput{ID: parent.ID, UserID: f.reader.UserID, Permission: "read"})
	require.NoError(t, err)

	_, err = f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: parent.ID, Permanent: true})
	requireDomainError(t, err, CodeAuthorization)

	_, err = f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: parent.ID})
	require.NoError(t, err)
	_, err = f.svc.Delete(f.ctx, f.editor, DeleteInput{ID: parent.ID, Permanent: true})
	require.NoError(t, err)

	_, err = f.mem.GetDocument(f.ctx, parent.ID, true)
	require.Error(t, err)
	assert.Nil(t, f.mem.document(child.ID).ParentDocumentID)
	grants, err := f.mem.ListDocumentUsers(f.ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.Contains(t, f.mem.eventNames(parent.ID), "documents.permanent_delete")
	assert.Contains(t, search.deleted, parent.ID)

	history, err := f.svc.revisions.History(parent.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
