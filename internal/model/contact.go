// internal/model/contact.go
package model

import (
	"strings"
	"time"
)

// Contact is a journalist discovered for a campaign.
type Contact struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Publication  string    `db:"publication" json:"publication"`
	Email        *string   `db:"email" json:"email,omitempty"`
	Article      *string   `db:"article" json:"article,omitempty"`
	Unsubscribed bool      `db:"unsubscribed" json:"unsubscribed"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// NaturalKey identifies a contact across discoveries: the resolved address
// when there is one, otherwise name+publication.
func (c *Contact) NaturalKey() string {
	if c.Email != nil && strings.TrimSpace(*c.Email) != "" {
		return "email:" + strings.ToLower(strings.TrimSpace(*c.Email))
	}
	return "name:" + strings.ToLower(strings.TrimSpace(c.Name)) + "|" + strings.ToLower(strings.TrimSpace(c.Publication))
}

// Address returns the resolved address or "".
func (c *Contact) Address() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

// ArticleTitle returns the reference article or "".
func (c *Contact) ArticleTitle() string {
	if c.Article == nil {
		return ""
	}
	return *c.Article
}
