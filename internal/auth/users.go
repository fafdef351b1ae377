package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

const usersPath = "users"

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Users registers and authenticates accounts stored under users/{id}.
type Users struct {
	Store      storage.Store
	Logger     *slog.Logger
	BcryptCost int
}

type RegisterInput struct {
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	DateOfBirth     string `json:"dateOfBirth"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"eqfield=Password"`
	Role            string `json:"role"`
}

func (u *Users) cost() int {
	if u.BcryptCost == 0 {
		return bcrypt.DefaultCost
	}
	return u.BcryptCost
}

// Register creates a user account. Only an admin caller may create admins.
func (u *Users) Register(ctx context.Context, caller Principal, in RegisterInput) (Principal, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validation.Struct(in); err != nil {
		return Anonymous, err
	}
	role, err := ParseRole(in.Role)
	if err != nil {
		return Anonymous, validation.New("role", err.Error())
	}
	switch role {
	case Guest:
		role = User
	case User:
	case Admin:
		if err := caller.RequireAdmin(); err != nil {
			return Anonymous, err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), u.cost())
	if err != nil {
		return Anonymous, fmt.Errorf("hash password: %w", err)
	}

	id := storage.NewKey()
	user := models.User{
		Name:        in.Name,
		Email:       in.Email,
		DateOfBirth: in.DateOfBirth,
		Password:    string(hash),
		Role:        role.String(),
	}
	err = u.Store.Transact(ctx, usersPath, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		for _, c := range cur.Children {
			var existing models.User
			if err := c.Decode(&existing); err != nil {
				continue
			}
			if strings.EqualFold(existing.Email, in.Email) {
				return nil, ErrEmailTaken
			}
		}
		return []storage.Mutation{storage.SetOp(storage.Join(usersPath, id), user)}, nil
	})
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			u.Logger.Error("register user failed", "email", in.Email, "error", err)
		}
		return Anonymous, err
	}
	u.Logger.Info("user registered", "user_id", id, "role", role.String())
	return Principal{ID: id, Name: user.Name, Email: user.Email, Role: role}, nil
}

// Login scans the users collection for a matching email and verifies the
// bcrypt hash.
func (u *Users) Login(ctx context.Context, email, password string) (Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validation.Required("email", email, "password", password); err != nil {
		return Anonymous, err
	}
	users, err := u.List(ctx)
	if err != nil {
		return Anonymous, err
	}
	for _, usr := range users {
		if !strings.EqualFold(usr.Email, email) {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(usr.Password), []byte(password)); err != nil {
			return Anonymous, ErrInvalidCredentials
		}
		role, err := ParseRole(usr.Role)
		if err != nil {
			u.Logger.Warn("user has unknown role", "user_id", usr.ID, "role", usr.Role)
			return Anonymous, ErrInvalidCredentials
		}
		return Principal{ID: usr.ID, Name: usr.Name, Email: usr.Email, Role: role}, nil
	}
	return Anonymous, ErrInvalidCredentials
}

// List returns every stored user including password hashes. Callers that
// expose users must clear the Password field.
func (u *Users) List(ctx context.Context) ([]models.User, error) {
	snap, err := u.Store.Get(ctx, usersPath)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	out := make([]models.User, 0, len(snap.Children))
	for _, c := range snap.Children {
		var usr models.User
		if err := c.Decode(&usr); err != nil {
			u.Logger.Warn("skipping malformed user", "path", c.Path, "error", err)
			continue
		}
		usr.ID = c.Key()
		out = append(out, usr)
	}
	return out, nil
}

func (u *Users) Get(ctx context.Context, id string) (models.User, error) {
	snap, err := u.Store.Get(ctx, storage.Join(usersPath, id))
	if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
	}
	if !snap.Exists {
		return models.User{}, models.ErrUserNotFound
	}
	var usr models.User
	if err := snap.Decode(&usr); err != nil {
		return models.User{}, err
	}
	usr.ID = id
	usr.Password = ""
	return usr, nil
}
