package store

import (
	"context"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// SentMailFilter controls filtering and pagination for audit log queries.
type SentMailFilter struct {
	ReplyTo *string // exact Reply-To address, or nil (all)
	Limit   int
	Offset  int
}

// Store defines the persistence interface for the recipient directory
// and the outbound audit log.
type Store interface {
	// === Directory lookups ===

	OrganizationMembers(ctx context.Context, orgIDs []string) ([]model.User, error)
	EventRegistrants(ctx context.Context, eventIDs []string) ([]model.User, error)
	UsersByID(ctx context.Context, userIDs []string) ([]model.User, error)
	GetOrganizations(ctx context.Context) ([]model.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error)

	// === Directory maintenance ===

	UpsertOrganization(ctx context.Context, org model.Organization) error
	UpsertUser(ctx context.Context, user model.User) error
	UpsertEvent(ctx context.Context, event model.Event) error
	AddMembership(ctx context.Context, orgID, userID string) error
	AddRegistration(ctx context.Context, eventID, userID string) error

	// === Audit log ===

	RecordSentMail(ctx context.Context, rec model.SentMailRecord) error
	ListSentMail(ctx context.Context, filter SentMailFilter) ([]model.SentMailRecord, error)

	Close() error
}
