package jobdb

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

const ReservationConfirmed = "CONFIRMED"

// Reservation is the read-mostly view of a reservation row. The pipeline
// only ever writes the reminder bookkeeping flags; everything else belongs
// to the reservation CRUD layer.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID              string     `bun:"id,pk"`
	Status          string     `bun:"status,notnull"`
	StartsAt        time.Time  `bun:"starts_at,notnull"`
	EndsAt          *time.Time `bun:"ends_at"`
	PartySize       int        `bun:"party_size,notnull"`
	CustomerID      string     `bun:"customer_id,nullzero"`
	CustomerName    string     `bun:"customer_name,nullzero"`
	CustomerEmail   string     `bun:"customer_email,nullzero"`
	TableNumber     string     `bun:"table_number,nullzero"`
	TableLocation   string     `bun:"table_location,nullzero"`
	SpecialRequests string     `bun:"special_requests,nullzero"`
	ManageToken     string     `bun:"manage_token,nullzero"`

	ReminderScheduled bool   `bun:"reminder_scheduled,notnull"`
	ReminderJobID     string `bun:"reminder_job_id,nullzero"`
}

type ReservationStore interface {
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// ListConfirmedUnscheduled returns confirmed reservations starting after
	// the given instant that have no reminder scheduled yet. Feeds the
	// reconciliation sweep.
	ListConfirmedUnscheduled(ctx context.Context, after time.Time) ([]Reservation, error)

	MarkReminderScheduled(ctx context.Context, id, jobID string) error

	ClearReminderScheduled(ctx context.Context, id string) error
}

type reservationStore struct {
	db *bun.DB
}

func NewReservationStore(db *bun.DB) ReservationStore {
	return &reservationStore{db: db}
}

func (s *reservationStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	res := new(Reservation)
	err := s.db.NewSelect().
		Model(res).
		Where("id = (?)", id).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *reservationStore) ListConfirmedUnscheduled(ctx context.Context, after time.Time) ([]Reservation, error) {
	var reservations []Reservation
	err := s.db.NewSelect().
		Model(&reservations).
		Where("status = (?)", ReservationConfirmed).
		Where("starts_at > (?)", after).
		Where("reminder_scheduled = FALSE").
		Order("starts_at").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s *reservationStore) MarkReminderScheduled(ctx context.Context, id, jobID string) error {
	_, err := s.db.NewUpdate().
		Table("reservations").
		Set("reminder_scheduled = TRUE").
		Set("reminder_job_id = (?)", jobID).
		Where("id = (?)", id).
		Exec(ctx)
	return err
}

func (s *reservationStore) ClearReminderScheduled(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Table("reservations").
		Set("reminder_scheduled = FALSE").
		Set("reminder_job_id = NULL").
		Where("id = (?)", id).
		Exec(ctx)
	return err
}
