package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestJobs(f *fixture) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(f.catalog, f.repo, f.cashouts, f.events, logger, JobsConfig{DefaultPinLength: 4, PayoutEscalateAfter: time.Hour})
}

func TestRotateAllVenuePins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobs := newTestJobs(f)

	rotated, err := jobs.RotateAllVenuePins(ctx)
	if err != nil || rotated != 2 {
		t.Fatalf("expected 2 rotated venues, got %d err=%v", rotated, err)
	}
	if f.publisher.count(EventVenuePinRotated) != 2 {
		t.Fatalf("expected 2 venue.pin.rotated events, got %d", f.publisher.count(EventVenuePinRotated))
	}

	for venueID, wantLength := range map[string]int{"venue-1": 4, "venue-2": 6} {
		pin, err := f.repo.GetVenuePin(ctx, venueID)
		if err != nil {
			t.Fatalf("get pin %s: %v", venueID, err)
		}
		if pin.PinLength != wantLength {
			t.Fatalf("venue %s: expected pin length %d, got %d", venueID, wantLength, pin.PinLength)
		}
	}
}

func TestRotateVenuePinIsVerifiable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobs := newTestJobs(f)

	event, err := jobs.RotateVenuePin(ctx, "venue-1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(event.PIN) != 4 || !allDigits(event.PIN) {
		t.Fatalf("unexpected pin %q", event.PIN)
	}
	stored, err := f.repo.GetVenuePin(ctx, "venue-1")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if stored.PinHash == event.PIN {
		t.Fatal("raw pin must not be stored")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PinHash), []byte(event.PIN)); err != nil {
		t.Fatalf("stored hash does not match issued pin: %v", err)
	}

	if _, err := jobs.RotateVenuePin(ctx, "nowhere"); !errors.Is(err, ErrVenueNotFound) {
		t.Fatalf("expected ErrVenueNotFound, got %v", err)
	}
}

func TestRandomDigits(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		pin, err := randomDigits(length)
		if err != nil {
			t.Fatalf("random digits: %v", err)
		}
		if len(pin) != length || !allDigits(pin) {
			t.Fatalf("unexpected pin %q for length %d", pin, length)
		}
	}
}

func TestSchedulerSkipsInvalidSchedules(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(newTestJobs(f), logger, ScheduleConfig{PinRotation: "0 3 * * *", PayoutReconcile: "not a cron spec"})
	s.Start()
	defer s.Stop()

	if entries := s.cron.Entries(); len(entries) != 1 {
		t.Fatalf("expected only the valid job to be scheduled, got %d", len(entries))
	}
}
