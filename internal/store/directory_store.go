package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// ErrNotFound is returned when a directory lookup matches no row.
var ErrNotFound = errors.New("not found")

// OrganizationMembers returns the users belonging to any of orgIDs.
// A user in several of the organizations is returned once.
func (s *SQLiteStore) OrganizationMembers(
	ctx context.Context,
	orgIDs []string,
) ([]model.User, error) {
	return s.selectUsers(ctx, `
		SELECT DISTINCT u.id, u.name, u.email
		FROM users u
		JOIN memberships m ON m.user_id = u.id
		WHERE m.organization_id IN (?)
		ORDER BY u.id`, orgIDs)
}

// EventRegistrants returns the users registered for any of eventIDs.
func (s *SQLiteStore) EventRegistrants(
	ctx context.Context,
	eventIDs []string,
) ([]model.User, error) {
	return s.selectUsers(ctx, `
		SELECT DISTINCT u.id, u.name, u.email
		FROM users u
		JOIN registrations r ON r.user_id = u.id
		WHERE r.event_id IN (?)
		ORDER BY u.id`, eventIDs)
}

// UsersByID returns the users with the given IDs. Unknown IDs are ignored.
func (s *SQLiteStore) UsersByID(
	ctx context.Context,
	userIDs []string,
) ([]model.User, error) {
	return s.selectUsers(ctx, `
		SELECT id, name, email
		FROM users
		WHERE id IN (?)
		ORDER BY id`, userIDs)
}

func (s *SQLiteStore) selectUsers(
	ctx context.Context,
	query string,
	ids []string,
) ([]model.User, error) {
	users := []model.User{}
	if len(ids) == 0 {
		return users, nil
	}

	query, args, err := sqlx.In(query, ids)
	if err != nil {
		return nil, fmt.Errorf("expanding query: %w", err)
	}
	query = s.db.Rebind(query)

	if err := s.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	return users, nil
}

// GetOrganizations returns every organization ordered by name.
func (s *SQLiteStore) GetOrganizations(ctx context.Context) ([]model.Organization, error) {
	orgs := []model.Organization{}
	err := s.db.SelectContext(ctx, &orgs,
		"SELECT id, name, slug FROM organizations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying organizations: %w", err)
	}
	return orgs, nil
}

// GetOrganizationBySlug looks up one organization by its slug,
// case-insensitively.
func (s *SQLiteStore) GetOrganizationBySlug(
	ctx context.Context,
	slug string,
) (*model.Organization, error) {
	var org model.Organization
	err := s.db.GetContext(ctx, &org,
		"SELECT id, name, slug FROM organizations WHERE slug = ? COLLATE NOCASE", slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization %q: %w", slug, err)
	}
	return &org, nil
}

// UpsertOrganization inserts or updates an organization.
func (s *SQLiteStore) UpsertOrganization(ctx context.Context, org model.Organization) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO organizations (id, name, slug) VALUES (:id, :name, :slug)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, slug = excluded.slug`, org)
	if err != nil {
		return fmt.Errorf("upserting organization %s: %w", org.ID, err)
	}
	return nil
}

// UpsertUser inserts or updates a user.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user model.User) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES (:id, :name, :email)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`, user)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", user.ID, err)
	}
	return nil
}

// UpsertEvent inserts or updates an event.
func (s *SQLiteStore) UpsertEvent(ctx context.Context, event model.Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO events (id, organization_id, title)
		VALUES (:id, :organization_id, :title)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			title = excluded.title`, event)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", event.ID, err)
	}
	return nil
}

// AddMembership links a user to an organization. Existing links are kept.
func (s *SQLiteStore) AddMembership(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO memberships (organization_id, user_id) VALUES (?, ?)",
		orgID, userID)
	if err != nil {
		return fmt.Errorf("adding membership %s/%s: %w", orgID, userID, err)
	}
	return nil
}

// AddRegistration links a user to an event. Existing links are kept.
func (s *SQLiteStore) AddRegistration(ctx context.Context, eventID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO registrations (event_id, user_id) VALUES (?, ?)",
		eventID, userID)
	if err != nil {
		return fmt.Errorf("adding registration %s/%s: %w", eventID, userID, err)
	}
	return nil
}
