package models

import "time"

// User is the slice of the user directory the engine needs for availability
// checks.
type User struct {
	ID               string     `json:"id" db:"id"`
	DisplayName      string     `json:"display_name" db:"display_name"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	OutOfOfficeUntil *time.Time `json:"out_of_office_until,omitempty" db:"out_of_office_until"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}
