package store

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxTitleLength = 100

type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID           string
	TeamID       string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Group struct {
	ID        string
	TeamID    string
	Name      string
	CreatedAt time.Time
}

// NavigationNode is one entry of a collection's ordered document tree.
type NavigationNode struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	URL      string           `json:"url"`
	Children []NavigationNode `json:"children"`
}

type Collection struct {
	ID                string
	TeamID            string
	Name              string
	Permission        string
	DocumentStructure []NavigationNode
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

type CollectionUser struct {
	CollectionID string
	UserID       string
	Permission   string
}

type CollectionGroup struct {
	CollectionID string
	GroupID      string
	Permission   string
}

// CollectionMembership gathers the explicit grants one user holds on a collection.
type CollectionMembership struct {
	UserPermission   string
	GroupPermissions []string
}

type Document struct {
	ID               string
	TeamID           string
	CollectionID     *string
	ParentDocumentID *string
	Title            string
	Text             string
	Template         bool
	FullWidth        bool
	CreatedByID      string
	LastModifiedByID string
	CollaboratorIDs  []string
	RevisionCount    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PublishedAt      *time.Time
	ArchivedAt       *time.Time
	DeletedAt        *time.Time
}

type DocumentState string

const (
	StateDraft     DocumentState = "draft"
	StatePublished DocumentState = "published"
	StateArchived  DocumentState = "archived"
	StateDeleted   DocumentState = "deleted"
)

// State derives the lifecycle state from the timestamps. Deletion takes
// precedence over archiving, and archiving over publication.
func (d Document) State() DocumentState {
	switch {
	case d.DeletedAt != nil:
		return StateDeleted
	case d.ArchivedAt != nil:
		return StateArchived
	case d.PublishedAt != nil:
		return StatePublished
	default:
		return StateDraft
	}
}

func (d Document) CollectionIDValue() string {
	if d.CollectionID == nil {
		return ""
	}
	return *d.CollectionID
}

func (d Document) ParentIDValue() string {
	if d.ParentDocumentID == nil {
		return ""
	}
	return *d.ParentDocumentID
}

// AddCollaborator records userID once, keeping insertion order.
func (d *Document) AddCollaborator(userID string) {
	for _, id := range d.CollaboratorIDs {
		if id == userID {
			return
		}
	}
	d.CollaboratorIDs = append(d.CollaboratorIDs, userID)
}

var (
	ErrTitleTooLong          = errors.New("title must be 100 characters or fewer")
	ErrParentNeedsCollection = errors.New("a nested document must belong to a collection")
	ErrMissingTeam           = errors.New("document must belong to a team")
)

func (d Document) Validate() error {
	if strings.TrimSpace(d.TeamID) == "" {
		return ErrMissingTeam
	}
	if utf8.RuneCountInString(d.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if d.ParentDocumentID != nil && d.CollectionID == nil {
		return ErrParentNeedsCollection
	}
	return nil
}

type DocumentUser struct {
	ID           string
	DocumentID   string
	UserID       string
	CollectionID string
	Permission   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DocumentGroup struct {
	ID         string
	DocumentID string
	GroupID    string
	Permission string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentInit marks that the per-document grants of a collection were seeded.
type DocumentInit struct {
	ID           string
	CollectionID string
	IsUpdated    bool
	CreatedAt    time.Time
}

type Event struct {
	ID           string
	Name         string
	DocumentID   string
	CollectionID string
	TeamID       string
	ActorID      string
	UserID       string
	Data         map[string]any
	IP           string
	CreatedAt    time.Time
}

type SearchQuery struct {
	ID        string
	UserID    string
	TeamID    string
	Source    string
	Query     string
	Results   int
	CreatedAt time.Time
}

// NullableString distinguishes an absent filter from an explicit null.
type NullableString struct {
	Set   bool
	Value *string
}

// DocumentQuery is the typed filter set accepted by ListDocuments.
type DocumentQuery struct {
	TeamID           string
	IDs              []string
	CollectionIDs    []string
	ParentDocumentID NullableString
	CreatedByID      string
	CollaboratorID   string
	Template         *bool
	TitleContains    string
	// IncludeDraftsOf widens the collection filter with that user's own drafts.
	IncludeDraftsOf  string
	Status           DocumentStatusFilter
	UpdatedAfter     *time.Time
	Sort             string
	Direction        string
	Offset           int
	Limit            int
}

// DocumentStatusFilter selects lifecycle states. The zero value matches every
// document that is not deleted.
type DocumentStatusFilter string

const (
	// StatusActive is published and neither archived nor deleted.
	StatusActive   DocumentStatusFilter = "active"
	StatusArchived DocumentStatusFilter = "archived"
	StatusDeleted  DocumentStatusFilter = "deleted"
	StatusDrafts   DocumentStatusFilter = "drafts"
	// StatusPublished is published and not deleted, archived included.
	StatusPublished DocumentStatusFilter = "published"
	// StatusUnarchived is neither archived nor deleted, drafts included.
	StatusUnarchived DocumentStatusFilter = "unarchived"
	// StatusAny disables lifecycle filtering, trashed documents included.
	StatusAny DocumentStatusFilter = "any"
)

// SortColumns maps API sort keys to document columns.
var SortColumns = map[string]string{
	"createdAt":   "created_at",
	"updatedAt":   "updated_at",
	"publishedAt": "published_at",
	"archivedAt":  "archived_at",
	"deletedAt":   "deleted_at",
	"title":       "title",
}
