package dispatch

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNoValidRecipients is returned when every recipient was dropped.
	ErrNoValidRecipients = errors.New("no valid recipients")

	// ErrAttachmentsTooLarge is returned when the summed attachment size
	// exceeds the configured cap.
	ErrAttachmentsTooLarge = errors.New("attachments exceed size limit")

	// ErrInvalidExtension is returned for a Reply-To extension that is
	// not a plain organization slug.
	ErrInvalidExtension = errors.New("invalid reply-to extension")
)

// IsValidation reports whether err rejected a request before any
// network I/O took place.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNoValidRecipients) ||
		errors.Is(err, ErrAttachmentsTooLarge) ||
		errors.Is(err, ErrInvalidExtension)
}

// addressPattern is a minimal local@domain.tld check.
var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// slugPattern accepts lowercase organization slugs usable as a plus tag.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidAddress reports whether addr passes the syntactic check.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// ValidExtension reports whether ext, case-folded, can be used as a
// Reply-To plus tag.
func ValidExtension(ext string) bool {
	return slugPattern.MatchString(strings.ToLower(ext))
}

// ValidateRecipients trims each entry and returns the valid, distinct
// addresses in input order. Duplicates are detected case-insensitively;
// the first spelling wins. Dropped entries are returned separately.
func ValidateRecipients(raw []string) (valid, dropped []string) {
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		addr := strings.TrimSpace(r)
		if !ValidAddress(addr) {
			dropped = append(dropped, r)
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			dropped = append(dropped, r)
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, addr)
	}
	return valid, dropped
}
