// Package recipient resolves newsletter selections into a deduplicated
// set of deliverable users.
package recipient

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// Directory looks up users in the external organization/event/user
// directory.
type Directory interface {
	OrganizationMembers(ctx context.Context, orgIDs []string) ([]model.User, error)
	EventRegistrants(ctx context.Context, eventIDs []string) ([]model.User, error)
	UsersByID(ctx context.Context, userIDs []string) ([]model.User, error)
}

// Selection is what the sender picked in the newsletter form.
type Selection struct {
	OrganizationIDs []string `json:"organizationIds"`
	EventIDs        []string `json:"eventIds"`
	UserIDs         []string `json:"userIds"`
}

// Empty reports whether nothing was selected.
func (s Selection) Empty() bool {
	return len(s.OrganizationIDs) == 0 && len(s.EventIDs) == 0 && len(s.UserIDs) == 0
}

// Aggregator unions directory lookups into one recipient list.
type Aggregator struct {
	dir Directory
}

// NewAggregator creates an aggregator backed by dir.
func NewAggregator(dir Directory) *Aggregator {
	return &Aggregator{dir: dir}
}

// Resolve returns every user reachable from sel, deduplicated by user
// ID. Users without an email address are dropped. Any lookup failure
// fails the whole resolution. Output order is unspecified.
func (a *Aggregator) Resolve(ctx context.Context, sel Selection) ([]model.User, error) {
	byID := make(map[string]model.User)

	add := func(users []model.User) {
		for _, u := range users {
			if u.ID == "" || strings.TrimSpace(u.Email) == "" {
				continue
			}
			if _, ok := byID[u.ID]; !ok {
				byID[u.ID] = u
			}
		}
	}

	if len(sel.OrganizationIDs) > 0 {
		members, err := a.dir.OrganizationMembers(ctx, sel.OrganizationIDs)
		if err != nil {
			return nil, fmt.Errorf("looking up organization members: %w", err)
		}
		add(members)
	}

	if len(sel.EventIDs) > 0 {
		registrants, err := a.dir.EventRegistrants(ctx, sel.EventIDs)
		if err != nil {
			return nil, fmt.Errorf("looking up event registrants: %w", err)
		}
		add(registrants)
	}

	if len(sel.UserIDs) > 0 {
		users, err := a.dir.UsersByID(ctx, sel.UserIDs)
		if err != nil {
			return nil, fmt.Errorf("looking up users: %w", err)
		}
		add(users)
	}

	out := make([]model.User, 0, len(byID))
	for _, u := range byID {
		out = append(out, u)
	}
	return out, nil
}

// Addresses returns the email addresses of users.
func Addresses(users []model.User) []string {
	addrs := make([]string, 0, len(users))
	for _, u := range users {
		addrs = append(addrs, u.Email)
	}
	return addrs
}
