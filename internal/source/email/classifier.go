package email

import (
	"strings"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// IsRelevant reports whether a message in folder belongs to org.
//
// Sent messages match when any From display name contains org.Name
// (case-sensitive), or when the message carries the organization token
// header written by the dispatcher. Name matching is a substring test:
// an organization named "Acme" also matches mail sent as "Acme Events".
//
// Inbox messages match when any To address is the service account
// sub-addressed with the organization slug, or any other plus-tagged
// alias on the same domain carrying the slug.
//
// A nil org matches everything.
func IsRelevant(
	folder model.Folder,
	h Headers,
	org *model.OrganizationIdentity,
	addr Addressing,
) bool {
	if org == nil {
		return true
	}

	switch folder {
	case model.FolderSent:
		return sentMatches(h, org)
	case model.FolderInbox:
		return inboxMatches(h, org, addr)
	default:
		return false
	}
}

func sentMatches(h Headers, org *model.OrganizationIdentity) bool {
	if org.Slug != "" && h.OrgToken != "" && strings.EqualFold(h.OrgToken, org.Slug) {
		return true
	}
	if org.Name == "" {
		return false
	}
	for _, name := range h.FromNames {
		if strings.Contains(name, org.Name) {
			return true
		}
	}
	return false
}

func inboxMatches(h Headers, org *model.OrganizationIdentity, addr Addressing) bool {
	if org.Slug == "" {
		return false
	}

	wantLocal := SubAddressLocalPart(addr.ServiceAccount, org.Slug)
	// Any address ending in {slug}@{domain} also matches, including
	// "xacme@" for slug "acme".
	wantSuffix := strings.ToLower(org.Slug + "@" + addr.Domain)

	for _, to := range h.ToAddrs {
		local, domain, ok := strings.Cut(to, "@")
		if !ok {
			continue
		}
		if strings.EqualFold(local, wantLocal) &&
			(addr.Domain == "" || strings.EqualFold(domain, addr.Domain)) {
			return true
		}
		if addr.Domain != "" && strings.HasSuffix(strings.ToLower(to), wantSuffix) {
			return true
		}
	}
	return false
}

// SubAddressLocalPart returns the plus-addressed local part that tags
// the shared mailbox with an organization slug.
func SubAddressLocalPart(serviceAccount, slug string) string {
	return serviceAccount + "+" + slug
}

// SubAddress returns the full plus-addressed mailbox for slug.
func SubAddress(addr Addressing, slug string) string {
	return SubAddressLocalPart(addr.ServiceAccount, slug) + "@" + addr.Domain
}
