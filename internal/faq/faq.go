package faq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

const faqPath = "faq"

var ErrFAQNotFound = fmt.Errorf("faq %w", models.ErrNotFound)

type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Add stores a question. Visitors may leave the answer empty; staff must
// answer the questions they add.
func (s *Service) Add(ctx context.Context, caller auth.Principal, question, answer string) (models.FAQ, error) {
	if err := caller.RequireMember(); err != nil {
		return models.FAQ{}, err
	}
	f, err := s.input(caller, question, answer)
	if err != nil {
		return models.FAQ{}, err
	}
	id, err := s.store.Append(ctx, faqPath, f)
	if err != nil {
		s.logger.Error("add faq failed", "error", err)
		return models.FAQ{}, fmt.Errorf("add faq: %w", err)
	}
	f.ID = id
	return f, nil
}

// Update replaces a question and its answer. Staff only.
func (s *Service) Update(ctx context.Context, caller auth.Principal, id, question, answer string) (models.FAQ, error) {
	if err := caller.RequireAdmin(); err != nil {
		return models.FAQ{}, err
	}
	if storage.ValidateKey(id) != nil {
		return models.FAQ{}, ErrFAQNotFound
	}
	f, err := s.input(caller, question, answer)
	if err != nil {
		return models.FAQ{}, err
	}
	path := storage.Join(faqPath, id)
	err = s.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		if cur.Value == nil {
			return nil, ErrFAQNotFound
		}
		return []storage.Mutation{storage.SetOp(path, f)}, nil
	})
	if err != nil {
		return models.FAQ{}, err
	}
	f.ID = id
	return f, nil
}

func (s *Service) Delete(ctx context.Context, caller auth.Principal, id string) error {
	if err := caller.RequireAdmin(); err != nil {
		return err
	}
	if storage.ValidateKey(id) != nil {
		return ErrFAQNotFound
	}
	path := storage.Join(faqPath, id)
	return s.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		if cur.Value == nil {
			return nil, ErrFAQNotFound
		}
		return []storage.Mutation{storage.RemoveOp(path)}, nil
	})
}

// List returns the FAQ in insertion order. Unanswered questions are only
// included for staff.
func (s *Service) List(ctx context.Context, caller auth.Principal) ([]models.FAQ, error) {
	snap, err := s.store.Get(ctx, faqPath)
	if err != nil {
		return nil, fmt.Errorf("load faq: %w", err)
	}
	staff := caller.RequireAdmin() == nil
	out := make([]models.FAQ, 0, len(snap.Children))
	for _, c := range snap.Children {
		var f models.FAQ
		if err := c.Decode(&f); err != nil {
			s.logger.Warn("skipping malformed faq", "path", c.Path, "error", err)
			continue
		}
		if f.Answer == "" && !staff {
			continue
		}
		f.ID = c.Key()
		out = append(out, f)
	}
	return out, nil
}

func (s *Service) input(caller auth.Principal, question, answer string) (models.FAQ, error) {
	f := models.FAQ{Question: strings.TrimSpace(question), Answer: strings.TrimSpace(answer)}
	if f.Question == "" {
		return f, validation.New("question", "is required")
	}
	if caller.Role == auth.Admin && f.Answer == "" {
		return f, validation.New("answer", "is required")
	}
	return f, nil
}
