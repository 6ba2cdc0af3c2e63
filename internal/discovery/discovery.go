// internal/discovery/discovery.go
package discovery

import (
	"context"
	"regexp"
	"strings"

	"github.com/unclebandit/outreach-backend/internal/model"
)

// Candidate is one journalist returned by a source. Email is empty when no
// address could be resolved.
type Candidate struct {
	Name        string `json:"name"`
	Publication string `json:"publication"`
	Article     string `json:"article"`
	Email       string `json:"email"`
}

// Source finds journalists covering a topic. Implementations return
// appErrors.ErrDiscoveryUnavailable when the source itself fails.
type Source interface {
	Discover(ctx context.Context, topic string) ([]Candidate, error)
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether addr looks like a deliverable address.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(strings.TrimSpace(addr))
}

// Contact converts a candidate into a contact, dropping malformed addresses.
func (c Candidate) Contact() model.Contact {
	contact := model.Contact{
		Name:        strings.TrimSpace(c.Name),
		Publication: strings.TrimSpace(c.Publication),
	}
	if a := strings.TrimSpace(c.Article); a != "" {
		contact.Article = &a
	}
	if e := strings.TrimSpace(c.Email); ValidEmail(e) {
		contact.Email = &e
	}
	return contact
}

// Dedupe keeps the first candidate per natural key, preserving order.
func Dedupe(in []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		contact := c.Contact()
		key := contact.NaturalKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
