// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// User is the profile snapshot a voice token carries. It is copied into
// the session on identify and never refreshed from the chat backend.
type User struct {
	ID          UserID `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// NewUser builds a user with defaults filled from the subject id:
// missing username falls back to the id, missing display name to the username.
func NewUser(id UserID, username, displayName, avatarURL string) (*User, error) {
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if username == "" {
		username = string(id)
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if displayName == "" {
		displayName = username
	}
	return &User{ID: id, Username: username, DisplayName: displayName, AvatarURL: avatarURL}, nil
}
