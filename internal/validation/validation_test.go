package validation

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestURL(t *testing.T) {
	good := []string{"https://example.com/img.png", "example.com", "www.park.io/a/b?x=1"}
	bad := []string{"", "not a url", "http://", "localhost"}
	for _, u := range good {
		if err := URL("image", u); err != nil {
			t.Errorf("%q: unexpected %v", u, err)
		}
	}
	for _, u := range bad {
		if err := URL("image", u); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}

func TestCoordinate(t *testing.T) {
	if v, err := Coordinate("latitude", " 30.1 ", Latitude); err != nil || v != 30.1 {
		t.Fatalf("got %v %v", v, err)
	}
	if v, err := Coordinate("lon", "-180", Longitude); err != nil || v != -180 {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := Coordinate("latitude", "abc", Latitude); !Is(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := Coordinate("latitude", "91", Latitude); !Is(err) {
		t.Fatalf("expected range error, got %v", err)
	}
	if _, err := Coordinate("longitude", "NaN", Longitude); !Is(err) {
		t.Fatalf("expected NaN rejected, got %v", err)
	}
	var verr *Error
	if _, err := Coordinate("lon", "180.5", Longitude); !errors.As(err, &verr) || verr.Field != "lon" {
		t.Fatalf("expected error on lon, got %v", err)
	}
}

func TestRequired(t *testing.T) {
	err := Required("name", "x", "description", "  ", "image", "")
	v, ok := err.(*Error)
	if !ok || v.Field != "description" {
		t.Fatalf("expected description to be reported first, got %v", err)
	}
	if err := Required("name", "x"); err != nil {
		t.Fatalf("unexpected %v", err)
	}
}

type signup struct {
	Name    string      `json:"name" validate:"required"`
	Email   string      `json:"email" validate:"required,email"`
	Pass    string      `json:"password" validate:"required"`
	Confirm string      `json:"confirmPassword" validate:"eqfield=Pass"`
	Photo   string      `json:"image" validate:"omitempty,imageurl"`
	Lat     json.Number `json:"latitude" validate:"omitempty,latitude"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	ok := signup{Name: "Ana", Email: "ana@example.com", Pass: "x", Confirm: "x", Photo: "img.example.com/a.png", Lat: "30.1"}
	if err := Struct(ok); err != nil {
		t.Fatalf("unexpected %v", err)
	}

	cases := []struct {
		name    string
		mut     func(*signup)
		field   string
		message string
	}{
		{"missing name", func(s *signup) { s.Name = "" }, "name", "is required"},
		{"bad email", func(s *signup) { s.Email = "ana" }, "email", "must be a valid email address"},
		{"mismatch", func(s *signup) { s.Confirm = "y" }, "confirmPassword", "must match pass"},
		{"bad image", func(s *signup) { s.Photo = "localhost" }, "image", "must be a valid URL"},
		{"bad latitude", func(s *signup) { s.Lat = "91" }, "latitude", "must be between -90 and 90"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := ok
			tc.mut(&in)
			var verr *Error
			if err := Struct(in); !errors.As(err, &verr) || verr.Field != tc.field || verr.Message != tc.message {
				t.Fatalf("expected %s: %s, got %v", tc.field, tc.message, err)
			}
		})
	}
}

func TestVarPositive(t *testing.T) {
	var verr *Error
	if err := Var("price", 0.0, "gt=0"); !errors.As(err, &verr) || verr.Field != "price" || verr.Message != "must be a positive number" {
		t.Fatalf("got %v", err)
	}
	if err := Var("price", 49.99, "gt=0"); err != nil {
		t.Fatalf("unexpected %v", err)
	}
}
