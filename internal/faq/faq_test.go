package faq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

func TestFAQFlow(t *testing.T) {
	s := NewService(storage.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	visitor := auth.Principal{ID: "u1", Role: auth.User}
	staff := auth.Principal{ID: "a1", Role: auth.Admin}

	if _, err := s.Add(ctx, auth.Anonymous, "Hours?", ""); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("guest add: %v", err)
	}
	if _, err := s.Add(ctx, staff, "Hours?", ""); !validation.Is(err) {
		t.Fatalf("staff must answer: %v", err)
	}
	q, err := s.Add(ctx, visitor, "Hours?", "")
	if err != nil {
		t.Fatalf("visitor add: %v", err)
	}
	if _, err := s.Add(ctx, staff, "Parking?", "Lot B"); err != nil {
		t.Fatalf("staff add: %v", err)
	}

	public, _ := s.List(ctx, auth.Anonymous)
	if len(public) != 1 || public[0].Question != "Parking?" {
		t.Fatalf("public list: %+v", public)
	}
	all, _ := s.List(ctx, staff)
	if len(all) != 2 {
		t.Fatalf("staff list: %+v", all)
	}

	if _, err := s.Update(ctx, visitor, q.ID, "Hours?", "9-5"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("visitor update: %v", err)
	}
	if _, err := s.Update(ctx, staff, q.ID, "Hours?", "9-5"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	public, _ = s.List(ctx, auth.Anonymous)
	if len(public) != 2 {
		t.Fatalf("answered question not public: %+v", public)
	}
	if err := s.Delete(ctx, staff, q.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, staff, q.ID); !errors.Is(err, ErrFAQNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
