package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

var testLoc = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Sunday 6 Jan 2030, 09:00 clinic time. The following Monday is the first
// bookable day for Dr. Asha Rao (Mon-Fri 10:00-17:00).
var testNow = time.Date(2030, time.January, 6, 9, 0, 0, 0, testLoc)

func monday(hour, minute int) time.Time {
	return time.Date(2030, time.January, 7, hour, minute, 0, 0, testLoc)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) ObserveMutation(operation, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string][]string)
	}
	o.outcomes[operation] = append(o.outcomes[operation], outcome)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	if err := Seed(context.Background(), ledger, SeedDentists()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	base := []Option{
		WithLocation(testLoc),
		WithClock(func() time.Time { return testNow }),
		WithDefaultDuration(30 * time.Minute),
	}
	return NewService(ledger, logging.Default(), append(base, opts...)...), ledger
}

func TestServiceBook(t *testing.T) {
	svc, _ := newTestService(t)
	appt, err := svc.Book(context.Background(), BookRequest{
		PatientID: "p-1",
		DentistID: "d-asha-rao",
		Start:     monday(10, 0),
	})
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if appt.ID == "" {
		t.Fatal("expected appointment id")
	}
	if appt.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", appt.Status)
	}
	if appt.Duration != 30*time.Minute {
		t.Fatalf("expected default duration, got %s", appt.Duration)
	}
	if !appt.End().Equal(monday(10, 30)) {
		t.Fatalf("unexpected end %s", appt.End())
	}
}

func TestServiceBookConcurrentOverlapHasOneWinner(t *testing.T) {
	svc, ledger := newTestService(t)

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := monday(10, 0).Add(time.Duration(i%3) * 10 * time.Minute)
			_, err := svc.Book(context.Background(), BookRequest{
				PatientID: "p-race",
				DentistID: "d-asha-rao",
				Start:     start,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", callers-1, wins, conflicts)
	}
	active, err := ledger.ActiveAppointments(context.Background(), "d-asha-rao", monday(0, 0), monday(23, 0))
	if err != nil {
		t.Fatalf("ActiveAppointments: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one stored appointment, got %d", len(active))
	}
}

func TestServiceBookAdjacentIsNotConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)}); err != nil {
		t.Fatalf("first book: %v", err)
	}
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-2", DentistID: "d-asha-rao", Start: monday(10, 30)}); err != nil {
		t.Fatalf("adjacent book should succeed: %v", err)
	}
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-3", DentistID: "d-asha-rao", Start: monday(9, 30).Add(30 * time.Minute)}); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected conflict on taken slot, got %v", err)
	}
	// Same time with another dentist is fine.
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-3", DentistID: "d-shalini-desai", Start: monday(10, 0)}); err != nil {
		t.Fatalf("other dentist book: %v", err)
	}
}

func TestServiceBookConflictErrorNamesBlocker(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(11, 0), Duration: time.Hour})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	_, err = svc.Book(ctx, BookRequest{PatientID: "p-2", DentistID: "d-asha-rao", Start: monday(11, 45)})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.BlockedBy != first.ID {
		t.Fatalf("expected blocker %s, got %s", first.ID, conflict.BlockedBy)
	}
}

func TestServiceBookValidation(t *testing.T) {
	svc, _ := newTestService(t)
	cases := []struct {
		name string
		req  BookRequest
		want error
	}{
		{"missing patient", BookRequest{DentistID: "d-asha-rao", Start: monday(10, 0)}, ErrValidation},
		{"unknown dentist", BookRequest{PatientID: "p", DentistID: "d-nobody", Start: monday(10, 0)}, ErrNotFound},
		{"in the past", BookRequest{PatientID: "p", DentistID: "d-asha-rao", Start: testNow.Add(-time.Hour)}, ErrValidation},
		{"before window", BookRequest{PatientID: "p", DentistID: "d-asha-rao", Start: monday(9, 45)}, ErrValidation},
		{"runs past window", BookRequest{PatientID: "p", DentistID: "d-asha-rao", Start: monday(16, 45)}, ErrValidation},
		{"off day", BookRequest{PatientID: "p", DentistID: "d-vikram-singh", Start: monday(15, 0)}, ErrValidation},
		{"too long", BookRequest{PatientID: "p", DentistID: "d-asha-rao", Start: monday(10, 0), Duration: 5 * time.Hour}, ErrValidation},
		{"negative", BookRequest{PatientID: "p", DentistID: "d-asha-rao", Start: monday(10, 0), Duration: -time.Minute}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Book(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestServiceBookIdempotentReplay(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	req := BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0), IdempotencyKey: "conv/3/1/book_appointment"}

	first, err := svc.Book(ctx, req)
	if err != nil {
		t.Fatalf("first book: %v", err)
	}
	second, err := svc.Book(ctx, req)
	if err != nil {
		t.Fatalf("replayed book: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
	active, _ := ledger.ActiveAppointments(ctx, "d-asha-rao", monday(0, 0), monday(23, 0))
	if len(active) != 1 {
		t.Fatalf("expected one appointment after replay, got %d", len(active))
	}

	_, err = svc.Cancel(ctx, CancelRequest{AppointmentID: first.ID, IdempotencyKey: req.IdempotencyKey})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected key reuse across operations to fail validation, got %v", err)
	}
}

func TestServiceBookIdempotentReplayConcurrent(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	req := BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(13, 0), IdempotencyKey: "conv/9/1/book_appointment"}

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt, err := svc.Book(ctx, req)
			if err != nil {
				t.Errorf("book %d: %v", i, err)
				return
			}
			ids[i] = appt.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected every replay to return %s, got %v", ids[0], ids)
		}
	}
	active, _ := ledger.ActiveAppointments(ctx, "d-asha-rao", monday(0, 0), monday(23, 0))
	if len(active) != 1 {
		t.Fatalf("expected one appointment, got %d", len(active))
	}
}

func TestServiceRescheduleConflictLeavesOriginal(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)}); err != nil {
		t.Fatalf("book a: %v", err)
	}
	b, err := svc.Book(ctx, BookRequest{PatientID: "p-2", DentistID: "d-asha-rao", Start: monday(11, 0)})
	if err != nil {
		t.Fatalf("book b: %v", err)
	}

	_, err = svc.Reschedule(ctx, RescheduleRequest{AppointmentID: b.ID, NewStart: monday(10, 15)})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected slot conflict, got %v", err)
	}
	stored, err := ledger.GetAppointment(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if !stored.Start.Equal(monday(11, 0)) || stored.Status != StatusConfirmed {
		t.Fatalf("original appointment changed: %+v", stored)
	}

	moved, err := svc.Reschedule(ctx, RescheduleRequest{AppointmentID: b.ID, NewStart: monday(10, 30)})
	if err != nil {
		t.Fatalf("reschedule to adjacent slot: %v", err)
	}
	if moved.ID != b.ID || !moved.Start.Equal(monday(10, 30)) || moved.Status != StatusConfirmed {
		t.Fatalf("unexpected moved appointment: %+v", moved)
	}
}

func TestServiceRescheduleOverlappingItself(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	appt, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(14, 0), Duration: time.Hour})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	moved, err := svc.Reschedule(ctx, RescheduleRequest{AppointmentID: appt.ID, NewStart: monday(14, 30)})
	if err != nil {
		t.Fatalf("reschedule overlapping own interval: %v", err)
	}
	if moved.Duration != time.Hour {
		t.Fatalf("duration should be preserved, got %s", moved.Duration)
	}
}

func TestServiceRescheduleChecksOwnershipAndStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	appt, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.Reschedule(ctx, RescheduleRequest{AppointmentID: appt.ID, PatientID: "p-other", NewStart: monday(12, 0)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign patient, got %v", err)
	}
	if _, err := svc.Cancel(ctx, CancelRequest{AppointmentID: appt.ID, PatientID: "p-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Reschedule(ctx, RescheduleRequest{AppointmentID: appt.ID, NewStart: monday(12, 0)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected cancelled appointment to reject reschedule, got %v", err)
	}
}

func TestServiceCancelIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	svc, _ := newTestService(t, WithObserver(obs))
	ctx := context.Background()
	appt, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	first, err := svc.Cancel(ctx, CancelRequest{AppointmentID: appt.ID})
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first.Status != StatusCancelled || first.CancelledAt == nil {
		t.Fatalf("expected cancelled appointment, got %+v", first)
	}
	second, err := svc.Cancel(ctx, CancelRequest{AppointmentID: appt.ID})
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Status != StatusCancelled || !second.CancelledAt.Equal(*first.CancelledAt) {
		t.Fatalf("second cancel should return the stored state, got %+v", second)
	}

	// The freed interval is bookable again.
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-2", DentistID: "d-asha-rao", Start: monday(10, 0)}); err != nil {
		t.Fatalf("rebook cancelled slot: %v", err)
	}
	if got := obs.outcomes[OperationCancel]; len(got) != 2 || got[0] != "ok" {
		t.Fatalf("unexpected cancel outcomes %v", got)
	}
}

func TestServiceCancelUnknownAppointment(t *testing.T) {
	obs := &recordingObserver{}
	svc, _ := newTestService(t, WithObserver(obs))
	_, err := svc.Cancel(context.Background(), CancelRequest{AppointmentID: "appt-missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := obs.outcomes[OperationCancel]; len(got) != 1 || got[0] != "not_found" {
		t.Fatalf("unexpected outcomes %v", got)
	}
}

func TestServiceFindAvailableSlots(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)}); err != nil {
		t.Fatalf("book: %v", err)
	}

	slots, err := svc.FindAvailableSlots(ctx, SlotQuery{DentistID: "d-asha-rao", From: monday(0, 0)})
	if err != nil {
		t.Fatalf("FindAvailableSlots: %v", err)
	}
	// 10:00-17:00 in 30 minute steps is 14 slots; one is taken.
	if len(slots) != 13 {
		t.Fatalf("expected 13 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(monday(10, 30)) {
		t.Fatalf("expected first free slot at 10:30, got %s", slots[0].Start)
	}
	if last := slots[len(slots)-1]; !last.End.Equal(monday(17, 0)) {
		t.Fatalf("expected last slot to end at 17:00, got %s", last.End)
	}
}

func TestServiceFindAvailableSlotsValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.FindAvailableSlots(ctx, SlotQuery{DentistID: "d-asha-rao", From: monday(0, 0), To: monday(0, 0).AddDate(0, 0, 15)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected range validation error, got %v", err)
	}
	if _, err := svc.FindAvailableSlots(ctx, SlotQuery{DentistID: "d-missing", From: monday(0, 0)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.FindAvailableSlots(ctx, SlotQuery{DentistID: "d-asha-rao"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected missing from to fail, got %v", err)
	}
}

func TestServiceDentistDirectory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	all, err := svc.ListDentists(ctx, "")
	if err != nil || len(all) != 5 {
		t.Fatalf("expected 5 dentists, got %d (%v)", len(all), err)
	}
	pediatric, err := svc.ListDentists(ctx, "PEDIATRIC")
	if err != nil || len(pediatric) != 1 || pediatric[0].ID != "d-meera-nair" {
		t.Fatalf("unexpected specialty filter result %+v (%v)", pediatric, err)
	}

	for _, name := range []string{"asha", "Dr. Asha Rao", "dr asha"} {
		d, err := svc.FindDentistByName(ctx, name)
		if err != nil || d.ID != "d-asha-rao" {
			t.Fatalf("FindDentistByName(%q) = %+v, %v", name, d, err)
		}
	}
	if _, err := svc.FindDentistByName(ctx, "Dr. Who"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceUpcomingAppointments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	keep, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(10, 0)})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	drop, err := svc.Book(ctx, BookRequest{PatientID: "p-1", DentistID: "d-asha-rao", Start: monday(11, 0)})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.Book(ctx, BookRequest{PatientID: "p-2", DentistID: "d-asha-rao", Start: monday(12, 0)}); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.Cancel(ctx, CancelRequest{AppointmentID: drop.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	upcoming, err := svc.UpcomingAppointments(ctx, "p-1")
	if err != nil {
		t.Fatalf("UpcomingAppointments: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != keep.ID {
		t.Fatalf("unexpected upcoming %+v", upcoming)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":        nil,
		"conflict":  &ConflictError{},
		"not_found": notFoundf("x"),
		"invalid":   validationf("x"),
		"error":     errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}
