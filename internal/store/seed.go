package store

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// DirectorySeed is the YAML document accepted by LoadDirectory.
//
//	users:
//	  - {id: u1, name: Ada, email: ada@example.com}
//	organizations:
//	  - {id: o1, name: Chess Club, slug: chess, members: [u1]}
//	events:
//	  - {id: e1, organization_id: o1, title: Open Night, registrants: [u1]}
type DirectorySeed struct {
	Users         []model.User       `yaml:"users"`
	Organizations []OrganizationSeed `yaml:"organizations"`
	Events        []EventSeed        `yaml:"events"`
}

// OrganizationSeed is an organization with its member user IDs.
type OrganizationSeed struct {
	model.Organization `yaml:",inline"`
	Members            []string `yaml:"members"`
}

// EventSeed is an event with its registrant user IDs.
type EventSeed struct {
	model.Event `yaml:",inline"`
	Registrants []string `yaml:"registrants"`
}

// SeedResult counts what LoadDirectory wrote.
type SeedResult struct {
	Users         int
	Organizations int
	Events        int
	Links         int
}

// ParseDirectorySeed decodes a YAML directory document.
func ParseDirectorySeed(r io.Reader) (*DirectorySeed, error) {
	var seed DirectorySeed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding directory yaml: %w", err)
	}
	return &seed, nil
}

// LoadDirectory upserts every row of seed. Users are written first so
// that memberships and registrations can reference them.
func LoadDirectory(ctx context.Context, s Store, seed *DirectorySeed) (SeedResult, error) {
	var res SeedResult

	for _, u := range seed.Users {
		if u.ID == "" {
			return res, fmt.Errorf("user %q has no id", u.Email)
		}
		if err := s.UpsertUser(ctx, u); err != nil {
			return res, err
		}
		res.Users++
	}

	for _, o := range seed.Organizations {
		if o.ID == "" || o.Slug == "" {
			return res, fmt.Errorf("organization %q needs an id and a slug", o.Name)
		}
		if err := s.UpsertOrganization(ctx, o.Organization); err != nil {
			return res, err
		}
		res.Organizations++
		for _, userID := range o.Members {
			if err := s.AddMembership(ctx, o.ID, userID); err != nil {
				return res, err
			}
			res.Links++
		}
	}

	for _, e := range seed.Events {
		if e.ID == "" {
			return res, fmt.Errorf("event %q has no id", e.Title)
		}
		if err := s.UpsertEvent(ctx, e.Event); err != nil {
			return res, err
		}
		res.Events++
		for _, userID := range e.Registrants {
			if err := s.AddRegistration(ctx, e.ID, userID); err != nil {
				return res, err
			}
			res.Links++
		}
	}

	return res, nil
}
