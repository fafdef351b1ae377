package tickets

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
)

var ErrInvalidTicket = errors.New("invalid ticket")

type Kind string

const (
	RideTicket    Kind = "ride"
	PackageTicket Kind = "package"
)

// Claim is what a scanned ticket asserts.
type Claim struct {
	Kind      Kind   `json:"kind"`
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
}

// Signer produces and checks QR payloads of the form
// kind|bookingID|userID|signature.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer { return &Signer{secret: []byte(secret)} }

func (s *Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (s *Signer) Payload(c Claim) string {
	data := fmt.Sprintf("%s|%s|%s", c.Kind, c.BookingID, c.UserID)
	return data + "|" + s.sign(data)
}

func (s *Signer) Verify(payload string) (Claim, error) {
	parts := strings.Split(strings.TrimSpace(payload), "|")
	if len(parts) != 4 {
		return Claim{}, ErrInvalidTicket
	}
	data := strings.Join(parts[:3], "|")
	if !hmac.Equal([]byte(parts[3]), []byte(s.sign(data))) {
		return Claim{}, ErrInvalidTicket
	}
	c := Claim{Kind: Kind(parts[0]), BookingID: parts[1], UserID: parts[2]}
	if c.Kind != RideTicket && c.Kind != PackageTicket {
		return Claim{}, ErrInvalidTicket
	}
	return c, nil
}

// Bookings is the read side of the booking recorder.
type Bookings interface {
	Ride(ctx context.Context, caller auth.Principal, id string) (models.Booking, error)
	PackageBooking(ctx context.Context, caller auth.Principal, id string) (models.PackageBooking, error)
}

type Issuer struct {
	bookings Bookings
	signer   *Signer
}

func NewIssuer(b Bookings, s *Signer) *Issuer { return &Issuer{bookings: b, signer: s} }

// Ticket is the printable content of one booking.
type Ticket struct {
	Title    string
	Lines    []string
	Payload  string
	Filename string
}

func (i *Issuer) Ticket(ctx context.Context, caller auth.Principal, kind Kind, bookingID string) (Ticket, error) {
	switch kind {
	case RideTicket:
		b, err := i.bookings.Ride(ctx, caller, bookingID)
		if err != nil {
			return Ticket{}, err
		}
		return Ticket{
			Title: "Ride Ticket",
			Lines: []string{
				"Ride: " + b.RideName,
				"Guest: " + b.UserName,
				"Booked: " + time.UnixMilli(b.Timestamp).UTC().Format(time.RFC1123),
				"Booking: " + bookingID,
			},
			Payload:  i.signer.Payload(Claim{Kind: kind, BookingID: bookingID, UserID: b.UserID}),
			Filename: "ride-" + bookingID + ".pdf",
		}, nil
	case PackageTicket:
		b, err := i.bookings.PackageBooking(ctx, caller, bookingID)
		if err != nil {
			return Ticket{}, err
		}
		return Ticket{
			Title: "Package Ticket",
			Lines: []string{
				"Package: " + b.PackageName,
				"Guest: " + b.UserName,
				"Booked: " + time.UnixMilli(b.Timestamp).UTC().Format(time.RFC1123),
				"Booking: " + bookingID,
			},
			Payload:  i.signer.Payload(Claim{Kind: kind, BookingID: bookingID, UserID: b.UserID}),
			Filename: "package-" + bookingID + ".pdf",
		}, nil
	}
	return Ticket{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTicket, kind)
}

// Render draws the ticket with its QR code onto a single A4 page.
func Render(t Ticket) ([]byte, error) {
	qrPNG, err := qrcode.Encode(t.Payload, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, t.Title)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 12)
	for _, l := range t.Lines {
		pdf.Cell(0, 10, l)
		pdf.Ln(8)
	}

	imageOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", imageOpts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", 150, 40, 40, 40, false, imageOpts, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
