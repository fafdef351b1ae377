package payments

import (
	"context"
	"errors"
	"testing"
)

func TestMinorUnits(t *testing.T) {
	cases := map[float64]int64{49.99: 4999, 10: 1000, 19.999: 2000}
	for in, want := range cases {
		if got := MinorUnits(in); got != want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestHoldRejectsNonPositiveAmount(t *testing.T) {
	s := &StripeClient{}
	if _, err := s.Hold(context.Background(), HoldRequest{Amount: 0, Currency: "usd"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
