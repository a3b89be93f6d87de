package domain

import (
	"strings"
	"time"
)

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber is a person who can be enrolled into sequences. Email is unique
// case-insensitively.
type Subscriber struct {
	ID             string           `json:"id" db:"id"`
	Email          string           `json:"email" db:"email"`
	FirstName      string           `json:"first_name" db:"first_name"`
	LastName       string           `json:"last_name" db:"last_name"`
	Status         SubscriberStatus `json:"status" db:"status"`
	UnsubscribedAt *time.Time       `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// NormalizeEmail lower-cases and trims an address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MergeVars returns the personalization variables available to step templates.
func (s Subscriber) MergeVars() map[string]string {
	return map[string]string{
		"first_name": s.FirstName,
		"last_name":  s.LastName,
		"email":      s.Email,
	}
}
