package model

import "strings"

// Contact is the customer identity carried by an interaction.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// IdentityKey returns the lookup key for the contact: email if present,
// otherwise phone. Returns "" when neither is set.
func (c Contact) IdentityKey() string {
	if e := strings.TrimSpace(c.Email); e != "" {
		return e
	}
	return strings.TrimSpace(c.Phone)
}
