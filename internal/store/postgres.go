package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert collides with a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

// ErrStaleRevision is returned when a guarded update finds the document at a
// different revision than the caller read.
var ErrStaleRevision = errors.New("stale document revision")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// conn returns the transaction bound to ctx, or the pool.
func (s *PostgresStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Transaction runs fn with a context carrying a single *sql.Tx. Every store
// call made with that context joins the transaction. Nested calls reuse the
// outer transaction.
func (s *PostgresStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit tx: %w", commitErr)
		}
	}()
	return fn(context.WithValue(ctx, txKey{}, tx))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

// Teams, users and groups

func (s *PostgresStore) InsertTeam(ctx context.Context, team Team) error {
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO teams (id, name) VALUES ($1, $2)`, team.ID, team.Name)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO users (id, team_id, name, email, password_hash, role)
		VALUES ($1, $2, $3, LOWER($4), $5, $6)
	`, user.ID, user.TeamID, user.Name, user.Email, user.PasswordHash, user.Role)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, team_id, name, email, password_hash, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.TeamID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertGroup(ctx context.Context, group Group) error {
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO groups (id, team_id, name) VALUES ($1, $2, $3)`, group.ID, group.TeamID, group.Name)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddGroupUser(ctx context.Context, groupID, userID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO group_users (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("add group user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT id, team_id, name, created_at FROM groups WHERE id=$1`, groupID).
		Scan(&group.ID, &group.TeamID, &group.Name, &group.CreatedAt)
	return group, err
}

func (s *PostgresStore) ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT group_id FROM group_users WHERE user_id=$1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user group: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Collections

const collectionColumns = `id, team_id, name, permission, document_structure, created_at, updated_at, deleted_at`

func scanCollection(row interface{ Scan(...any) error }) (Collection, error) {
	var collection Collection
	var structure []byte
	var deletedAt sql.NullTime
	if err := row.Scan(&collection.ID, &collection.TeamID, &collection.Name, &collection.Permission, &structure, &collection.CreatedAt, &collection.UpdatedAt, &deletedAt); err != nil {
		return Collection{}, err
	}
	collection.DeletedAt = timePtr(deletedAt)
	if len(structure) > 0 {
		if err := json.Unmarshal(structure, &collection.DocumentStructure); err != nil {
			return Collection{}, fmt.Errorf("decode document structure: %w", err)
		}
	}
	return collection, nil
}

func (s *PostgresStore) InsertCollection(ctx context.Context, collection Collection) error {
	structure, err := json.Marshal(nonNilNodes(collection.DocumentStructure))
	if err != nil {
		return fmt.Errorf("encode document structure: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO collections (id, team_id, name, permission, document_structure)
		VALUES ($1, $2, $3, $4, $5)
	`, collection.ID, collection.TeamID, collection.Name, collection.Permission, structure)
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

// GetCollection ignores deleted collections.
func (s *PostgresStore) GetCollection(ctx context.Context, collectionID string) (Collection, error) {
	return scanCollection(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id=$1 AND deleted_at IS NULL`, collectionID))
}

func (s *PostgresStore) ListCollections(ctx context.Context, teamID string) ([]Collection, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE team_id=$1 AND deleted_at IS NULL ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	var collections []Collection
	for rows.Next() {
		collection, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		collections = append(collections, collection)
	}
	return collections, rows.Err()
}

func (s *PostgresStore) UpdateCollectionStructure(ctx context.Context, collectionID string, structure []NavigationNode) error {
	encoded, err := json.Marshal(nonNilNodes(structure))
	if err != nil {
		return fmt.Errorf("encode document structure: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		UPDATE collections SET document_structure=$2, updated_at=NOW() WHERE id=$1
	`, collectionID, encoded)
	if err != nil {
		return fmt.Errorf("update document structure: %w", err)
	}
	return nil
}

func nonNilNodes(nodes []NavigationNode) []NavigationNode {
	if nodes == nil {
		return []NavigationNode{}
	}
	return nodes
}

func (s *PostgresStore) AddCollectionUser(ctx context.Context, member CollectionUser) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO collection_users (collection_id, user_id, permission) VALUES ($1, $2, $3)
		ON CONFLICT (collection_id, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, member.CollectionID, member.UserID, member.Permission)
	if err != nil {
		return fmt.Errorf("add collection user: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddCollectionGroup(ctx context.Context, member CollectionGroup) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO collection_groups (collection_id, group_id, permission) VALUES ($1, $2, $3)
		ON CONFLICT (collection_id, group_id) DO UPDATE SET permission=EXCLUDED.permission
	`, member.CollectionID, member.GroupID, member.Permission)
	if err != nil {
		return fmt.Errorf("add collection group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollectionUser(ctx context.Context, collectionID, userID string) (CollectionUser, error) {
	member := CollectionUser{CollectionID: collectionID, UserID: userID}
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT permission FROM collection_users WHERE collection_id=$1 AND user_id=$2
	`, collectionID, userID).Scan(&member.Permission)
	return member, err
}

func (s *PostgresStore) GetCollectionGroup(ctx context.Context, collectionID, groupID string) (CollectionGroup, error) {
	member := CollectionGroup{CollectionID: collectionID, GroupID: groupID}
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT permission FROM collection_groups WHERE collection_id=$1 AND group_id=$2
	`, collectionID, groupID).Scan(&member.Permission)
	return member, err
}

func (s *PostgresStore) ListCollectionUsers(ctx context.Context, collectionID string) ([]CollectionUser, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT collection_id, user_id, permission FROM collection_users
		WHERE collection_id=$1 ORDER BY created_at, user_id
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list collection users: %w", err)
	}
	defer rows.Close()
	var members []CollectionUser
	for rows.Next() {
		var member CollectionUser
		if err := rows.Scan(&member.CollectionID, &member.UserID, &member.Permission); err != nil {
			return nil, fmt.Errorf("scan collection user: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// CollectionMemberships returns, per collection id, the explicit user grant and
// the group grants that userID holds.
func (s *PostgresStore) CollectionMemberships(ctx context.Context, userID string) (map[string]CollectionMembership, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT collection_id, 'user' AS source, permission FROM collection_users WHERE user_id=$1
		UNION ALL
		SELECT cg.collection_id, 'group' AS source, cg.permission
		FROM collection_groups cg
		JOIN group_users gu ON gu.group_id = cg.group_id
		WHERE gu.user_id=$1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collection memberships: %w", err)
	}
	defer rows.Close()

	memberships := map[string]CollectionMembership{}
	for rows.Next() {
		var collectionID, source, permission string
		if err := rows.Scan(&collectionID, &source, &permission); err != nil {
			return nil, fmt.Errorf("scan collection membership: %w", err)
		}
		membership := memberships[collectionID]
		if source == "user" {
			membership.UserPermission = permission
		} else {
			membership.GroupPermissions = append(membership.GroupPermissions, permission)
		}
		memberships[collectionID] = membership
	}
	return memberships, rows.Err()
}

// Documents

const documentColumns = `id, team_id, collection_id, parent_document_id, title, text, template, full_width,
	created_by_id, last_modified_by_id, collaborator_ids, revision_count,
	created_at, updated_at, published_at, archived_at, deleted_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	var collectionID, parentID sql.NullString
	var collaborators []byte
	var publishedAt, archivedAt, deletedAt sql.NullTime
	err := row.Scan(
		&doc.ID, &doc.TeamID, &collectionID, &parentID, &doc.Title, &doc.Text, &doc.Template, &doc.FullWidth,
		&doc.CreatedByID, &doc.LastModifiedByID, &collaborators, &doc.RevisionCount,
		&doc.CreatedAt, &doc.UpdatedAt, &publishedAt, &archivedAt, &deletedAt,
	)
	if err != nil {
		return Document{}, err
	}
	doc.CollectionID = stringPtr(collectionID)
	doc.ParentDocumentID = stringPtr(parentID)
	doc.PublishedAt = timePtr(publishedAt)
	doc.ArchivedAt = timePtr(archivedAt)
	doc.DeletedAt = timePtr(deletedAt)
	if len(collaborators) > 0 {
		if err := json.Unmarshal(collaborators, &doc.CollaboratorIDs); err != nil {
			return Document{}, fmt.Errorf("decode collaborators: %w", err)
		}
	}
	return doc, nil
}

func encodeCollaborators(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	collaborators, err := encodeCollaborators(doc.CollaboratorIDs)
	if err != nil {
		return fmt.Errorf("encode collaborators: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO documents (
			id, team_id, collection_id, parent_document_id, title, text, template, full_width,
			created_by_id, last_modified_by_id, collaborator_ids, revision_count,
			created_at, updated_at, published_at, archived_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		doc.ID, doc.TeamID, nullString(doc.CollectionID), nullString(doc.ParentDocumentID), doc.Title, doc.Text, doc.Template, doc.FullWidth,
		doc.CreatedByID, doc.LastModifiedByID, collaborators, doc.RevisionCount,
		doc.CreatedAt, doc.UpdatedAt, doc.PublishedAt, doc.ArchivedAt, doc.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns sql.ErrNoRows for unknown ids, and for deleted documents
// unless includeDeleted is set.
func (s *PostgresStore) GetDocument(ctx context.Context, documentID string, includeDeleted bool) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	return scanDocument(s.conn(ctx).QueryRowContext(ctx, query, documentID))
}

const updateDocumentSQL = `
		UPDATE documents SET
			collection_id=$2, parent_document_id=$3, title=$4, text=$5, template=$6, full_width=$7,
			last_modified_by_id=$8, collaborator_ids=$9, revision_count=$10,
			updated_at=$11, published_at=$12, archived_at=$13, deleted_at=$14
		WHERE id=$1`

func updateDocumentArgs(doc Document) ([]any, error) {
	collaborators, err := encodeCollaborators(doc.CollaboratorIDs)
	if err != nil {
		return nil, fmt.Errorf("encode collaborators: %w", err)
	}
	return []any{
		doc.ID, nullString(doc.CollectionID), nullString(doc.ParentDocumentID), doc.Title, doc.Text, doc.Template, doc.FullWidth,
		doc.LastModifiedByID, collaborators, doc.RevisionCount,
		doc.UpdatedAt, doc.PublishedAt, doc.ArchivedAt, doc.DeletedAt,
	}, nil
}

// UpdateDocument writes every mutable column of doc.
func (s *PostgresStore) UpdateDocument(ctx context.Context, doc Document) error {
	args, err := updateDocumentArgs(doc)
	if err != nil {
		return err
	}
	result, err := s.conn(ctx).ExecContext(ctx, updateDocumentSQL, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateDocumentAtRevision writes doc only while the stored revision_count
// still equals expected. Otherwise it returns ErrStaleRevision.
func (s *PostgresStore) UpdateDocumentAtRevision(ctx context.Context, doc Document, expected int) error {
	args, err := updateDocumentArgs(doc)
	if err != nil {
		return err
	}
	args = append(args, expected)
	result, err := s.conn(ctx).ExecContext(ctx, updateDocumentSQL+` AND revision_count=$15`, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected == 0 {
		return ErrStaleRevision
	}
	return nil
}

// DescendantIDs walks parent_document_id below documentID.
func (s *PostgresStore) DescendantIDs(ctx context.Context, documentID string, includeDeleted bool) ([]string, error) {
	filter := ""
	if !includeDeleted {
		filter = " AND d.deleted_at IS NULL"
	}
	query := `
		WITH RECURSIVE tree AS (
			SELECT d.id FROM documents d WHERE d.parent_document_id = $1` + filter + `
			UNION
			SELECT d.id FROM documents d JOIN tree t ON d.parent_document_id = t.id WHERE TRUE` + filter + `
		)
		SELECT id FROM tree`
	rows, err := s.conn(ctx).QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetArchivedAt(ctx context.Context, documentIDs []string, at *time.Time) error {
	if len(documentIDs) == 0 {
		return nil
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE documents SET archived_at=$2, updated_at=NOW() WHERE id = ANY($1)
	`, documentIDs, at)
	if err != nil {
		return fmt.Errorf("set archived_at: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDeletedAt(ctx context.Context, documentIDs []string, at *time.Time) error {
	if len(documentIDs) == 0 {
		return nil
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE documents SET deleted_at=$2, updated_at=NOW() WHERE id = ANY($1)
	`, documentIDs, at)
	if err != nil {
		return fmt.Errorf("set deleted_at: %w", err)
	}
	return nil
}

// SetCollectionID moves documents to another collection. Their user grants
// follow so grant-ordered listings keep finding them.
func (s *PostgresStore) SetCollectionID(ctx context.Context, documentIDs []string, collectionID string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE documents SET collection_id=$2, updated_at=NOW() WHERE id = ANY($1)
	`, documentIDs, collectionID)
	if err != nil {
		return fmt.Errorf("set collection_id: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		UPDATE document_users SET collection_id=$2, updated_at=NOW() WHERE document_id = ANY($1)
	`, documentIDs, collectionID)
	if err != nil {
		return fmt.Errorf("set grant collection_id: %w", err)
	}
	return nil
}

// DetachChildren clears parent_document_id on every direct child, trashed ones included.
func (s *PostgresStore) DetachChildren(ctx context.Context, parentID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE documents SET parent_document_id=NULL WHERE parent_document_id=$1
	`, parentID)
	if err != nil {
		return fmt.Errorf("detach children: %w", err)
	}
	return nil
}

// DeleteDocument removes the row; grants go with it through ON DELETE CASCADE.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, q DocumentQuery) ([]Document, error) {
	where, args := documentFilter(q)
	column := SortColumns[q.Sort]
	if column == "" {
		column = "updated_at"
	}
	direction := "DESC"
	if strings.EqualFold(q.Direction, "ASC") {
		direction = "ASC"
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY %s %s NULLS LAST, id ASC`, column, direction)
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, q.Offset)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func documentFilter(q DocumentQuery) ([]string, []any) {
	var where []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "team_id = "+arg(q.TeamID))
	if q.IDs != nil {
		where = append(where, "id = ANY("+arg(q.IDs)+")")
	}
	if q.CollectionIDs != nil {
		clause := "collection_id = ANY(" + arg(q.CollectionIDs) + ")"
		if q.IncludeDraftsOf != "" {
			clause = "(" + clause + " OR (created_by_id = " + arg(q.IncludeDraftsOf) + " AND published_at IS NULL))"
		}
		where = append(where, clause)
	}
	if q.ParentDocumentID.Set {
		if q.ParentDocumentID.Value == nil {
			where = append(where, "parent_document_id IS NULL")
		} else {
			where = append(where, "parent_document_id = "+arg(*q.ParentDocumentID.Value))
		}
	}
	if q.CreatedByID != "" {
		where = append(where, "created_by_id = "+arg(q.CreatedByID))
	}
	if q.CollaboratorID != "" {
		where = append(where, "collaborator_ids @> jsonb_build_array("+arg(q.CollaboratorID)+"::text)")
	}
	if q.Template != nil {
		where = append(where, "template = "+arg(*q.Template))
	}
	if q.TitleContains != "" {
		where = append(where, "title ILIKE "+arg("%"+escapeLike(q.TitleContains)+"%"))
	}
	if q.UpdatedAfter != nil {
		where = append(where, "updated_at >= "+arg(*q.UpdatedAfter))
	}

	switch q.Status {
	case StatusActive:
		where = append(where, "published_at IS NOT NULL", "archived_at IS NULL", "deleted_at IS NULL")
	case StatusArchived:
		where = append(where, "archived_at IS NOT NULL", "deleted_at IS NULL")
	case StatusDeleted:
		where = append(where, "deleted_at IS NOT NULL")
	case StatusDrafts:
		where = append(where, "published_at IS NULL", "archived_at IS NULL", "deleted_at IS NULL")
	case StatusPublished:
		where = append(where, "published_at IS NOT NULL", "deleted_at IS NULL")
	case StatusUnarchived:
		where = append(where, "archived_at IS NULL", "deleted_at IS NULL")
	case StatusAny:
	default:
		where = append(where, "deleted_at IS NULL")
	}
	return where, args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// Document grants

const documentUserColumns = `id, document_id, user_id, collection_id, permission, created_at, updated_at`

func scanDocumentUser(row interface{ Scan(...any) error }) (DocumentUser, error) {
	var grant DocumentUser
	err := row.Scan(&grant.ID, &grant.DocumentID, &grant.UserID, &grant.CollectionID, &grant.Permission, &grant.CreatedAt, &grant.UpdatedAt)
	return grant, err
}

func (s *PostgresStore) GetDocumentUser(ctx context.Context, documentID, userID string) (DocumentUser, error) {
	return scanDocumentUser(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+documentUserColumns+` FROM document_users WHERE document_id=$1 AND user_id=$2`, documentID, userID))
}

func (s *PostgresStore) InsertDocumentUser(ctx context.Context, grant DocumentUser) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO document_users (id, document_id, user_id, collection_id, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, grant.ID, grant.DocumentID, grant.UserID, grant.CollectionID, grant.Permission, grant.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert document user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentUserPermission(ctx context.Context, grantID, permission string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE document_users SET permission=$2, updated_at=NOW() WHERE id=$1
	`, grantID, permission)
	if err != nil {
		return fmt.Errorf("update document user: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentUser(ctx context.Context, grantID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM document_users WHERE id=$1`, grantID)
	if err != nil {
		return fmt.Errorf("delete document user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocumentUsers(ctx context.Context, documentID string) ([]DocumentUser, error) {
	return s.listDocumentUsers(ctx, `SELECT `+documentUserColumns+` FROM document_users WHERE document_id=$1 ORDER BY created_at, id`, documentID)
}

// ListDocumentUsersForUser returns userID's grants oldest first.
func (s *PostgresStore) ListDocumentUsersForUser(ctx context.Context, userID string) ([]DocumentUser, error) {
	return s.listDocumentUsers(ctx, `SELECT `+documentUserColumns+` FROM document_users WHERE user_id=$1 ORDER BY created_at, id`, userID)
}

func (s *PostgresStore) listDocumentUsers(ctx context.Context, query string, args ...any) ([]DocumentUser, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list document users: %w", err)
	}
	defer rows.Close()
	var grants []DocumentUser
	for rows.Next() {
		grant, err := scanDocumentUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document user: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

const documentGroupColumns = `id, document_id, group_id, permission, created_at, updated_at`

func scanDocumentGroup(row interface{ Scan(...any) error }) (DocumentGroup, error) {
	var grant DocumentGroup
	err := row.Scan(&grant.ID, &grant.DocumentID, &grant.GroupID, &grant.Permission, &grant.CreatedAt, &grant.UpdatedAt)
	return grant, err
}

func (s *PostgresStore) GetDocumentGroup(ctx context.Context, documentID, groupID string) (DocumentGroup, error) {
	return scanDocumentGroup(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+documentGroupColumns+` FROM document_groups WHERE document_id=$1 AND group_id=$2`, documentID, groupID))
}

func (s *PostgresStore) InsertDocumentGroup(ctx context.Context, grant DocumentGroup) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO document_groups (id, document_id, group_id, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, grant.ID, grant.DocumentID, grant.GroupID, grant.Permission, grant.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert document group: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentGroupPermission(ctx context.Context, grantID, permission string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE document_groups SET permission=$2, updated_at=NOW() WHERE id=$1
	`, grantID, permission)
	if err != nil {
		return fmt.Errorf("update document group: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentGroup(ctx context.Context, grantID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM document_groups WHERE id=$1`, grantID)
	if err != nil {
		return fmt.Errorf("delete document group: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocumentGroups(ctx context.Context, documentID string) ([]DocumentGroup, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+documentGroupColumns+` FROM document_groups WHERE document_id=$1 ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document groups: %w", err)
	}
	defer rows.Close()
	var grants []DocumentGroup
	for rows.Next() {
		grant, err := scanDocumentGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document group: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// DocumentOverrides returns the grant levels that apply to userID (directly or
// through groupIDs) for each of documentIDs that has any.
func (s *PostgresStore) DocumentOverrides(ctx context.Context, userID string, groupIDs, documentIDs []string) (map[string][]string, error) {
	overrides := map[string][]string{}
	if len(documentIDs) == 0 {
		return overrides, nil
	}
	if groupIDs == nil {
		groupIDs = []string{}
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT document_id, permission FROM document_users
		WHERE document_id = ANY($1) AND user_id = $2
		UNION ALL
		SELECT document_id, permission FROM document_groups
		WHERE document_id = ANY($1) AND group_id = ANY($3)
	`, documentIDs, userID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("list document overrides: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var documentID, permission string
		if err := rows.Scan(&documentID, &permission); err != nil {
			return nil, fmt.Errorf("scan document override: %w", err)
		}
		overrides[documentID] = append(overrides[documentID], permission)
	}
	return overrides, rows.Err()
}

func (s *PostgresStore) GetDocumentInit(ctx context.Context, collectionID string) (DocumentInit, error) {
	var init DocumentInit
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, collection_id, is_updated, created_at FROM document_inits WHERE collection_id=$1
	`, collectionID).Scan(&init.ID, &init.CollectionID, &init.IsUpdated, &init.CreatedAt)
	return init, err
}

func (s *PostgresStore) InsertDocumentInit(ctx context.Context, init DocumentInit) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO document_inits (id, collection_id, is_updated) VALUES ($1, $2, $3)
	`, init.ID, init.CollectionID, init.IsUpdated)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert document init: %w", err)
	}
	return nil
}

// Events and search log

func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) error {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO events (id, name, document_id, collection_id, team_id, actor_id, user_id, data, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.Name, event.DocumentID, event.CollectionID, event.TeamID, event.ActorID, event.UserID, encoded, event.IP, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, documentID string) ([]Event, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, name, document_id, collection_id, team_id, actor_id, user_id, data, ip, created_at
		FROM events WHERE document_id=$1 ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var event Event
		var data []byte
		if err := rows.Scan(&event.ID, &event.Name, &event.DocumentID, &event.CollectionID, &event.TeamID, &event.ActorID, &event.UserID, &data, &event.IP, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) InsertSearchQuery(ctx context.Context, query SearchQuery) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO search_queries (id, user_id, team_id, source, query, results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, query.ID, query.UserID, query.TeamID, query.Source, query.Query, query.Results, query.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert search query: %w", err)
	}
	return nil
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owning user id of a live refresh session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
