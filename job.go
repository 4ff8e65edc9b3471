package reservamail

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// JobType is the closed set of email kinds the pipeline can deliver.
type JobType string

const (
	TypeReservationCreated   JobType = "reservation_created"
	TypeReservationConfirmed JobType = "reservation_confirmed"
	TypeReservationReminder  JobType = "reservation_reminder"
	TypeReservationReview    JobType = "reservation_review"
	TypeReservationCancelled JobType = "reservation_cancelled"
	TypeReservationModified  JobType = "reservation_modified"
	TypeCustomMessage        JobType = "custom_message"
)

var (
	// ErrInvalidRecipient reports a syntactically invalid email address at
	// enqueue time. Nothing is persisted.
	ErrInvalidRecipient = errors.New("recipient is not a valid email address")

	// ErrUnknownJobType reports a job type outside the closed set, or a
	// payload that does not belong to the job type.
	ErrUnknownJobType = errors.New("unknown email job type")
)

type PreOrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Notes    string  `json:"notes,omitempty"`
}

// ReservationPayload is the denormalized snapshot carried by every
// reservation-derived email. It holds everything the render needs so no
// lookup happens at send time, however far in the future that is.
type ReservationPayload struct {
	ReservationID   string         `json:"reservation_id"`
	CustomerID      string         `json:"customer_id"`
	CustomerName    string         `json:"customer_name"`
	CustomerEmail   string         `json:"customer_email"`
	ReservationDate string         `json:"reservation_date"`
	ReservationTime string         `json:"reservation_time"`
	PartySize       int            `json:"party_size"`
	TableLocation   string         `json:"table_location,omitempty"`
	TableNumber     string         `json:"table_number,omitempty"`
	SpecialRequests string         `json:"special_requests,omitempty"`
	PreOrderItems   []PreOrderItem `json:"pre_order_items,omitempty"`
	PreOrderTotal   float64        `json:"pre_order_total,omitempty"`
	RestaurantName  string         `json:"restaurant_name"`
	RestaurantEmail string         `json:"restaurant_email"`
	RestaurantPhone string         `json:"restaurant_phone"`
	ManageURL       string         `json:"manage_url,omitempty"`
}

// CustomPayload carries a one-off message composed by staff.
type CustomPayload struct {
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Subject       string `json:"subject"`
	MessageHTML   string `json:"message_html"`
	MessageKind   string `json:"message_kind"` // offer, promotion, followup, custom
	CTAText       string `json:"cta_text,omitempty"`
	CTAURL        string `json:"cta_url,omitempty"`
}

// marshalPayload validates the (type, payload) pairing and encodes the
// payload for storage. The switch is exhaustive over the closed type set.
func marshalPayload(jobType JobType, payload any) ([]byte, error) {
	switch jobType {
	case TypeReservationCreated, TypeReservationConfirmed, TypeReservationReminder,
		TypeReservationReview, TypeReservationCancelled, TypeReservationModified:
		if _, ok := payload.(*ReservationPayload); !ok {
			return nil, fmt.Errorf("%w: %s requires a reservation payload", ErrUnknownJobType, jobType)
		}
	case TypeCustomMessage:
		if _, ok := payload.(*CustomPayload); !ok {
			return nil, fmt.Errorf("%w: %s requires a custom payload", ErrUnknownJobType, jobType)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	return json.Marshal(payload)
}

// unmarshalPayload decodes a stored payload back into the struct matching
// the job type.
func unmarshalPayload(jobType JobType, raw []byte) (any, error) {
	switch jobType {
	case TypeReservationCreated, TypeReservationConfirmed, TypeReservationReminder,
		TypeReservationReview, TypeReservationCancelled, TypeReservationModified:
		payload := new(ReservationPayload)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeCustomMessage:
		payload := new(CustomPayload)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
}

func validateRecipient(recipient string) error {
	addr, err := mail.ParseAddress(recipient)
	if err != nil || addr.Address != recipient {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return nil
}

// EnqueueOptions tune a single enqueue call. Zero values fall back to the
// documented defaults.
type EnqueueOptions struct {
	// Priority 1-10, higher serviced first among due jobs. Defaults to 5.
	Priority int

	// ScheduledFor is the earliest eligible execution instant. Defaults to
	// now.
	ScheduledFor time.Time

	// MaxAttempts caps retries. Defaults to 3.
	MaxAttempts int

	reservationID string
	fingerprint   string
}

type EnqueueOption func(o *EnqueueOptions)

func WithPriority(priority int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Priority = priority
	}
}

func WithScheduledFor(at time.Time) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.ScheduledFor = at
	}
}

func WithMaxAttempts(attempts int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.MaxAttempts = attempts
	}
}

// withReservation tags the job with its owning reservation and the dedup
// fingerprint enforced by the store's partial unique index. Only derived
// jobs (reminder, review request) carry one.
func withReservation(reservationID, fingerprint string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.reservationID = reservationID
		o.fingerprint = fingerprint
	}
}
