package app

import (
	"context"
	"database/sql"
	"errors"

	"wiki/api/internal/email"
	"wiki/api/internal/policy"
	"wiki/api/internal/store"
	"wiki/api/internal/util"
)

// UserGrantInput addresses the document by documentId. Older clients send
// the document id as id, which is still accepted.
type UserGrantInput struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

func (in UserGrantInput) document() string {
	if in.DocumentID != "" {
		return in.DocumentID
	}
	return in.ID
}

type GroupGrantInput struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	GroupID    string `json:"groupId"`
	Permission string `json:"permission"`
}

func (in GroupGrantInput) document() string {
	if in.DocumentID != "" {
		return in.DocumentID
	}
	return in.ID
}

type AddUsersInput struct {
	Users []BatchUserGrant `json:"users"`
}

type BatchUserGrant struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

type InitUsersInput struct {
	CollectionID string   `json:"collectionId"`
	UserIDs      []string `json:"userIds"`
	DocumentIDs  []string `json:"documentIds"`
	Permission   string   `json:"permission"`
}

// InitUsersResult reports how many grants a collection initialisation wrote.
type InitUsersResult struct {
	Initialized bool `json:"initialized"`
	Created     int  `json:"created"`
}

// grantTarget is a document whose grants the actor may change.
type grantTarget struct {
	doc store.Document
}

// loadGrantTarget loads the document and requires the actor to hold
// read_write on its collection.
func (s *Service) loadGrantTarget(ctx context.Context, actor Actor, documentID string) (grantTarget, error) {
	if err := requireActor(actor); err != nil {
		return grantTarget{}, err
	}
	doc, err := s.loadDocument(ctx, documentID, false)
	if err != nil {
		return grantTarget{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return grantTarget{}, err
	}
	if doc.TeamID != actor.TeamID {
		return grantTarget{}, notFound("Document not found")
	}
	if doc.CollectionID == nil || !a.collectionPermission(*doc.CollectionID).Satisfies(policy.PermissionReadWrite) {
		return grantTarget{}, invalidRequest("Actor permission denied")
	}
	return grantTarget{doc: doc}, nil
}

func parseGrantPermission(value string) (policy.Permission, error) {
	if value == "" {
		return policy.PermissionReadWrite, nil
	}
	permission, ok := policy.ParsePermission(value)
	if !ok {
		return policy.PermissionNone, invalidRequest("Invalid permission: " + value)
	}
	return permission, nil
}

// collectionMember loads a teammate and checks they belong to the collection
// directly or through a group.
func (s *Service) collectionMember(ctx context.Context, actor Actor, userID, collectionID string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && user.TeamID != actor.TeamID) {
		return store.User{}, notFound("User not found")
	}
	if err != nil {
		return store.User{}, err
	}
	memberships, err := s.store.CollectionMemberships(ctx, user.ID)
	if err != nil {
		return store.User{}, err
	}
	if _, ok := memberships[collectionID]; !ok {
		return store.User{}, invalidRequest("User is not a member of the collection")
	}
	return user, nil
}

// AddUser grants a collection member an explicit permission on one document.
func (s *Service) AddUser(ctx context.Context, actor Actor, in UserGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	var grant store.DocumentUser
	var user store.User
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		grant, user, err = s.addUserGrant(ctx, actor, target.doc, in.UserID, in.Permission)
		return err
	})
	if err != nil {
		return Envelope{}, err
	}
	s.notifyShared(actor, target.doc, user, grant.Permission)
	return Envelope{Data: presentDocumentUser(grant), Policies: []Policy{}}, nil
}

// AddUsers writes a batch of grants across documents. Either every grant is
// stored or none is.
func (s *Service) AddUsers(ctx context.Context, actor Actor, in AddUsersInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	if len(in.Users) == 0 {
		return Envelope{}, validationError("users must not be empty")
	}

	type shared struct {
		doc  store.Document
		user store.User
		perm string
	}
	var grants []store.DocumentUser
	var notifications []shared
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		for _, item := range in.Users {
			target, err := s.loadGrantTarget(ctx, actor, item.DocumentID)
			if err != nil {
				return err
			}
			grant, user, err := s.addUserGrant(ctx, actor, target.doc, item.UserID, item.Permission)
			if err != nil {
				return err
			}
			grants = append(grants, grant)
			notifications = append(notifications, shared{doc: target.doc, user: user, perm: grant.Permission})
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	for _, n := range notifications {
		s.notifyShared(actor, n.doc, n.user, n.perm)
	}
	out := make([]DocumentUserJSON, 0, len(grants))
	for _, grant := range grants {
		out = append(out, presentDocumentUser(grant))
	}
	return Envelope{Data: out, Policies: []Policy{}}, nil
}

func (s *Service) addUserGrant(ctx context.Context, actor Actor, doc store.Document, userID, rawPermission string) (store.DocumentUser, store.User, error) {
	if userID == "" {
		return store.DocumentUser{}, store.User{}, validationError("userId is required")
	}
	if userID == actor.UserID {
		return store.DocumentUser{}, store.User{}, invalidRequest("You cannot add yourself to a document")
	}
	permission, err := parseGrantPermission(rawPermission)
	if err != nil {
		return store.DocumentUser{}, store.User{}, err
	}
	user, err := s.collectionMember(ctx, actor, userID, *doc.CollectionID)
	if err != nil {
		return store.DocumentUser{}, store.User{}, err
	}
	if _, err := s.store.GetDocumentUser(ctx, doc.ID, user.ID); err == nil {
		return store.DocumentUser{}, store.User{}, invalidRequest("User already has access to this document")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.DocumentUser{}, store.User{}, err
	}

	now := s.now()
	grant := store.DocumentUser{
		ID:           util.NewID(""),
		DocumentID:   doc.ID,
		UserID:       user.ID,
		CollectionID: *doc.CollectionID,
		Permission:   string(permission),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertDocumentUser(ctx, grant); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.DocumentUser{}, store.User{}, invalidRequest("User already has access to this document")
		}
		return store.DocumentUser{}, store.User{}, err
	}
	if err := s.recordEvent(ctx, actor, "documents.add_user", doc, map[string]any{
		"userId":     user.ID,
		"permission": grant.Permission,
	}); err != nil {
		return store.DocumentUser{}, store.User{}, err
	}
	return grant, user, nil
}

// notifyShared emails the new grantee. Delivery is best effort and never
// blocks the request.
func (s *Service) notifyShared(actor Actor, doc store.Document, user store.User, permission string) {
	if s.mailer == nil || user.Email == "" {
		return
	}
	data := email.DocumentSharedData{
		AppName:       s.cfg.BootstrapTeam,
		ActorName:     actor.Name,
		RecipientName: user.Name,
		DocumentTitle: doc.Title,
		Permission:    permission,
		DocumentURL:   s.cfg.PublicURL + documentURL(doc.ID),
	}
	go func() {
		if err := s.mailer.SendDocumentSharedEmail(user.Email, data); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Str("user_id", user.ID).Msg("send share notification")
		}
	}()
}

func (s *Service) UpdateUserPermission(ctx context.Context, actor Actor, in UserGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	if in.UserID == actor.UserID {
		return Envelope{}, invalidRequest("You cannot change your own permission")
	}
	permission, ok := policy.ParsePermission(in.Permission)
	if !ok {
		return Envelope{}, invalidRequest("Invalid permission: " + in.Permission)
	}

	var grant store.DocumentUser
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		grant, err = s.store.GetDocumentUser(ctx, target.doc.ID, in.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidRequest("User does not have access to this document")
		}
		if err != nil {
			return err
		}
		if grant.Permission == string(permission) {
			return invalidRequest("User already has " + grant.Permission + " permission")
		}
		if err := s.store.UpdateDocumentUserPermission(ctx, grant.ID, string(permission)); err != nil {
			return err
		}
		grant.Permission = string(permission)
		grant.UpdatedAt = s.now()
		return s.recordEvent(ctx, actor, "documents.update_permission", target.doc, map[string]any{
			"userId":     in.UserID,
			"permission": grant.Permission,
		})
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: presentDocumentUser(grant), Policies: []Policy{}}, nil
}

func (s *Service) RemoveUser(ctx context.Context, actor Actor, in UserGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	if in.UserID == actor.UserID {
		return Envelope{}, invalidRequest("You cannot remove yourself from a document")
	}
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		grant, err := s.store.GetDocumentUser(ctx, target.doc.ID, in.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidRequest("User does not have access to this document")
		}
		if err != nil {
			return err
		}
		if err := s.store.DeleteDocumentUser(ctx, grant.ID); err != nil {
			return err
		}
		return s.recordEvent(ctx, actor, "documents.remove_user", target.doc, map[string]any{"userId": in.UserID})
	})
	if err != nil {
		return Envelope{}, err
	}
	return successEnvelope(), nil
}

// ListUserGrants returns the explicit user grants of one document.
func (s *Service) ListUserGrants(ctx context.Context, actor Actor, documentID string) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, documentID)
	if err != nil {
		return Envelope{}, err
	}
	grants, err := s.store.ListDocumentUsers(ctx, target.doc.ID)
	if err != nil {
		return Envelope{}, err
	}
	out := make([]DocumentUserJSON, 0, len(grants))
	for _, grant := range grants {
		out = append(out, presentDocumentUser(grant))
	}
	return Envelope{Data: out, Policies: []Policy{}}, nil
}

// collectionGroup loads a team group that has access to the collection.
func (s *Service) collectionGroup(ctx context.Context, actor Actor, groupID, collectionID string) (store.Group, error) {
	if groupID == "" {
		return store.Group{}, validationError("groupId is required")
	}
	group, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && group.TeamID != actor.TeamID) {
		return store.Group{}, notFound("Group not found")
	}
	if err != nil {
		return store.Group{}, err
	}
	if _, err := s.store.GetCollectionGroup(ctx, collectionID, group.ID); errors.Is(err, sql.ErrNoRows) {
		return store.Group{}, invalidRequest("Group is not a member of the collection")
	} else if err != nil {
		return store.Group{}, err
	}
	return group, nil
}

func (s *Service) AddGroup(ctx context.Context, actor Actor, in GroupGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	permission, err := parseGrantPermission(in.Permission)
	if err != nil {
		return Envelope{}, err
	}
	group, err := s.collectionGroup(ctx, actor, in.GroupID, *target.doc.CollectionID)
	if err != nil {
		return Envelope{}, err
	}

	now := s.now()
	grant := store.DocumentGroup{
		ID:         util.NewID(""),
		DocumentID: target.doc.ID,
		GroupID:    group.ID,
		Permission: string(permission),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetDocumentGroup(ctx, target.doc.ID, group.ID); err == nil {
			return invalidRequest("Group already has access to this document")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := s.store.InsertDocumentGroup(ctx, grant); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return invalidRequest("Group already has access to this document")
			}
			return err
		}
		return s.recordEvent(ctx, actor, "documents.add_group", target.doc, map[string]any{
			"groupId":    group.ID,
			"permission": grant.Permission,
		})
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: presentDocumentGroup(grant), Policies: []Policy{}}, nil
}

func (s *Service) UpdateGroupPermission(ctx context.Context, actor Actor, in GroupGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	permission, ok := policy.ParsePermission(in.Permission)
	if !ok {
		return Envelope{}, invalidRequest("Invalid permission: " + in.Permission)
	}

	var grant store.DocumentGroup
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		grant, err = s.store.GetDocumentGroup(ctx, target.doc.ID, in.GroupID)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidRequest("Group does not have access to this document")
		}
		if err != nil {
			return err
		}
		if grant.Permission == string(permission) {
			return invalidRequest("Group already has " + grant.Permission + " permission")
		}
		if err := s.store.UpdateDocumentGroupPermission(ctx, grant.ID, string(permission)); err != nil {
			return err
		}
		grant.Permission = string(permission)
		grant.UpdatedAt = s.now()
		return s.recordEvent(ctx, actor, "documents.group_update_permission", target.doc, map[string]any{
			"groupId":    in.GroupID,
			"permission": grant.Permission,
		})
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: presentDocumentGroup(grant), Policies: []Policy{}}, nil
}

func (s *Service) RemoveGroup(ctx context.Context, actor Actor, in GroupGrantInput) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, in.document())
	if err != nil {
		return Envelope{}, err
	}
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		grant, err := s.store.GetDocumentGroup(ctx, target.doc.ID, in.GroupID)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidRequest("Group does not have access to this document")
		}
		if err != nil {
			return err
		}
		if err := s.store.DeleteDocumentGroup(ctx, grant.ID); err != nil {
			return err
		}
		return s.recordEvent(ctx, actor, "documents.remove_group", target.doc, map[string]any{"groupId": in.GroupID})
	})
	if err != nil {
		return Envelope{}, err
	}
	return successEnvelope(), nil
}

func (s *Service) ListGroupGrants(ctx context.Context, actor Actor, documentID string) (Envelope, error) {
	target, err := s.loadGrantTarget(ctx, actor, documentID)
	if err != nil {
		return Envelope{}, err
	}
	grants, err := s.store.ListDocumentGroups(ctx, target.doc.ID)
	if err != nil {
		return Envelope{}, err
	}
	out := make([]DocumentGroupJSON, 0, len(grants))
	for _, grant := range grants {
		out = append(out, presentDocumentGroup(grant))
	}
	return Envelope{Data: out, Policies: []Policy{}}, nil
}

// InitUsers seeds per-document grants for a collection exactly once. A
// collection that was already initialised is left untouched.
func (s *Service) InitUsers(ctx context.Context, actor Actor, in InitUsersInput) (Envelope, error) {
	if err := requireActor(actor); err != nil {
		return Envelope{}, err
	}
	if in.CollectionID == "" {
		return Envelope{}, validationError("collectionId is required")
	}
	permission, err := parseGrantPermission(in.Permission)
	if err != nil {
		return Envelope{}, err
	}
	a, err := s.loadAccess(ctx, actor)
	if err != nil {
		return Envelope{}, err
	}
	collection, err := s.store.GetCollection(ctx, in.CollectionID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && collection.TeamID != actor.TeamID) {
		return Envelope{}, notFound("Collection not found")
	}
	if err != nil {
		return Envelope{}, err
	}
	if !a.collectionPermission(collection.ID).Satisfies(policy.PermissionReadWrite) {
		return Envelope{}, invalidRequest("Actor permission denied")
	}

	result := InitUsersResult{}
	err = s.store.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetDocumentInit(ctx, collection.ID); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		documentIDs := uniqueStrings(in.DocumentIDs)
		docs, err := s.loadDocuments(ctx, actor.TeamID, documentIDs)
		if err != nil {
			return err
		}
		if len(docs) != len(documentIDs) {
			return notFound("Document not found")
		}
		for _, doc := range docs {
			if doc.CollectionIDValue() != collection.ID || doc.DeletedAt != nil {
				return invalidRequest("Document is not in the collection")
			}
		}

		now := s.now()
		for _, userID := range uniqueStrings(in.UserIDs) {
			user, err := s.collectionMember(ctx, actor, userID, collection.ID)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if _, err := s.store.GetDocumentUser(ctx, doc.ID, user.ID); err == nil {
					continue
				} else if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				grant := store.DocumentUser{
					ID:           util.NewID(""),
					DocumentID:   doc.ID,
					UserID:       user.ID,
					CollectionID: collection.ID,
					Permission:   string(permission),
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := s.store.InsertDocumentUser(ctx, grant); err != nil {
					return err
				}
				if err := s.recordEvent(ctx, actor, "documents.add_user", doc, map[string]any{
					"userId":     user.ID,
					"permission": grant.Permission,
				}); err != nil {
					return err
				}
				result.Created++
			}
		}

		if err := s.store.InsertDocumentInit(ctx, store.DocumentInit{
			ID:           util.NewID(""),
			CollectionID: collection.ID,
			IsUpdated:    true,
			CreatedAt:    now,
		}); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return invalidRequest("Collection was initialised concurrently")
			}
			return err
		}
		result.Initialized = true
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: result, Policies: []Policy{}}, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok || value == "" {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
