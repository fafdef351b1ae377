package models

import (
	"errors"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Ride is stored at rides/{id}. Queue and reviews live in child collections
// and are filled in when the whole subtree is read.
type Ride struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Image       string       `json:"image"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	CreatedAt   time.Time    `json:"createdAt"`
	Queue       []QueueEntry `json:"queue,omitempty"`
	Reviews     []Review     `json:"reviews,omitempty"`
}

func (r Ride) Loc() Coord { return Coord{Lat: r.Latitude, Lon: r.Longitude} }

// RideFields is the stored value of a ride node, without child collections.
type RideFields struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Image       string    `json:"image"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	CreatedAt   time.Time `json:"createdAt"`
}

type QueueEntry struct {
	ID            string `json:"id,omitempty"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	Timestamp     int64  `json:"timestamp"` // unix millis
	QueuePosition string `json:"queuePosition"`
}

type Review struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Rating    int    `json:"rating"` // 1..5
	Comment   string `json:"comment"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Package struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Duration    string    `json:"duration"`
	Image       string    `json:"image"`
	Rides       []string  `json:"rides"`
	CreatedAt   time.Time `json:"createdAt"`
	// MissingRides lists ride ids that no longer exist; filled on read only.
	MissingRides []string `json:"missingRides,omitempty"`
}

// Booking is stored at bookings/{timestamp}.
type Booking struct {
	ID        string `json:"id,omitempty"`
	RideID    string `json:"rideId"`
	RideName  string `json:"rideName"`
	RideImg   string `json:"rideImg"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}

// PackageBooking is stored at package_bookings/{timestamp}.
type PackageBooking struct {
	ID              string `json:"id,omitempty"`
	PackageID       string `json:"packageId"`
	PackageName     string `json:"packageName,omitempty"`
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	Timestamp       int64  `json:"timestamp"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

type Notification struct {
	ID        string    `json:"id,omitempty"`
	Message   string    `json:"message"`
	UserID    string    `json:"userid"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// User is stored at users/{id}. Password holds a bcrypt hash and is never
// returned to clients.
type User struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	DateOfBirth string `json:"dateOfBirth"`
	Password    string `json:"password,omitempty"`
	Role        string `json:"role"`
}

type Message struct {
	ID        string `json:"id,omitempty"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type Chat struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

type FAQ struct {
	ID       string `json:"id,omitempty"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ErrNotFound is wrapped by every "no such entity" error so callers can map it
// without knowing the entity.
var ErrNotFound = errors.New("not found")

var (
	ErrRideNotFound    = fmt.Errorf("ride %w", ErrNotFound)
	ErrPackageNotFound = fmt.Errorf("package %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
	ErrBookingNotFound = fmt.Errorf("booking %w", ErrNotFound)
)
