package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
	ErrUnknownRole     = errors.New("unknown role")
)

// Role is the closed set of authorization levels.
type Role int

const (
	Guest Role = iota
	User
	Admin
)

func (r Role) String() string {
	switch r {
	case Guest:
		return "guest"
	case User:
		return "user"
	case Admin:
		return "admin"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "guest":
		return Guest, nil
	case "user":
		return User, nil
	case "admin":
		return Admin, nil
	}
	return Guest, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Principal is the caller of a workflow. It is passed explicitly to every
// operation that depends on who is asking.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

var Anonymous = Principal{Role: Guest}

// RequireMember allows registered users and admins.
func (p Principal) RequireMember() error {
	switch p.Role {
	case Guest:
		return ErrUnauthenticated
	case User, Admin:
		if p.ID == "" {
			return ErrUnauthenticated
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnknownRole, p.Role)
}

// RequireAdmin allows admins only.
func (p Principal) RequireAdmin() error {
	switch p.Role {
	case Guest:
		return ErrUnauthenticated
	case User:
		return ErrForbidden
	case Admin:
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnknownRole, p.Role)
}

// RequireSelfOrAdmin allows the owner of userID or an admin.
func (p Principal) RequireSelfOrAdmin(userID string) error {
	if err := p.RequireMember(); err != nil {
		return err
	}
	switch p.Role {
	case Admin:
		return nil
	case User:
		if p.ID == userID {
			return nil
		}
		return ErrForbidden
	}
	return ErrForbidden
}
