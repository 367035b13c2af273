package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"hemocore/pkg/domain"
)

func pendingRequest(ngoID string, lines []domain.RequestLine) domain.Request {
	return domain.Request{
		Kind:        domain.KindBlood,
		BatchID:     "batch-1",
		HospitalID:  "hosp-1",
		TargetNGOID: ngoID,
		Lines:       lines,
		Urgency:     domain.UrgencyUrgent,
		Priority:    domain.UrgencyUrgent.Priority(),
		RequiredBy:  testNow.Add(48 * time.Hour),
		Status:      domain.StatusPending,
		History: []domain.StatusEvent{{
			Status:    domain.StatusPending,
			Actor:     "hosp-1",
			Timestamp: testNow,
		}},
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))

	updated, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusAccepted, "ngo-1", "stock check passed")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", updated.Status)
	}
	if len(updated.History) != 2 {
		t.Fatalf("expected appended history, got %d entries", len(updated.History))
	}
	last := updated.History[len(updated.History)-1]
	if last.Status != domain.StatusAccepted || last.Actor != "ngo-1" || last.Notes != "stock check passed" {
		t.Fatalf("unexpected history entry %+v", last)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))

	_, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusDelivered, "ngo-1", "")
	var transitionErr domain.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	unchanged, _ := store.GetRequest(request.ID)
	if unchanged.Status != domain.StatusPending || len(unchanged.History) != 1 {
		t.Fatalf("failed transition must not mutate the request: %+v", unchanged)
	}
}

func TestTransitionRejectsTerminalExit(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))
	if _, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusRejected, "ngo-1", "no stock"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusAccepted, "ngo-1", "")
	var terminalErr domain.TerminalStateViolationError
	if !errors.As(err, &terminalErr) {
		t.Fatalf("expected terminal violation, got %v", err)
	}
}

func TestTransitionUnknownRequest(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.UpdateRequestStatus(context.Background(), "missing", domain.StatusAccepted, "a", "")
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// Full happy path: assignment reserves oldest stock first, completion drains
// the reservation and consumes the units.
func TestLifecycleAssignmentThroughCompletion(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedFacility(t, store, "ngo-1", domain.FacilityNGO, true, domain.GeoPoint{})
	seedAvailableUnit(t, store, "unit-late", "ngo-1", domain.GroupOPos, testNow.Add(40*24*time.Hour))
	seedAvailableUnit(t, store, "unit-early", "ngo-1", domain.GroupOPos, testNow.Add(5*24*time.Hour))
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))

	for _, status := range []domain.RequestStatus{domain.StatusAccepted, domain.StatusProcessing, domain.StatusAssigned} {
		if _, err := service.UpdateRequestStatus(ctx, request.ID, status, "ngo-1", ""); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	assigned, _ := store.GetRequest(request.ID)
	line := assigned.Lines[0]
	if line.UnitsFulfilled != 1 {
		t.Fatalf("expected one fulfilled unit, got %d", line.UnitsFulfilled)
	}
	if len(line.AssignedUnitIDs) != 1 || line.AssignedUnitIDs[0] != "unit-early" {
		t.Fatalf("expected the earliest-expiring unit assigned, got %v", line.AssignedUnitIDs)
	}
	unit, _ := store.GetUnit("unit-early")
	if unit.Status != domain.UnitAssigned || unit.RequestID == nil || *unit.RequestID != request.ID {
		t.Fatalf("unexpected assigned unit state: %+v", unit)
	}
	record, _ := store.GetInventory("ngo-1", domain.GroupOPos)
	if record.Available != 1 || record.Reserved != 1 {
		t.Fatalf("expected one reserved, got %+v", record)
	}

	for _, status := range []domain.RequestStatus{domain.StatusEnRoute, domain.StatusDelivered, domain.StatusCompleted} {
		if _, err := service.UpdateRequestStatus(ctx, request.ID, status, "ngo-1", ""); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	unit, _ = store.GetUnit("unit-early")
	if unit.Status != domain.UnitUsed {
		t.Fatalf("expected used unit, got %s", unit.Status)
	}
	record, _ = store.GetInventory("ngo-1", domain.GroupOPos)
	if record.Available != 1 || record.Reserved != 0 {
		t.Fatalf("completion must drain the reservation, got %+v", record)
	}
	final, _ := store.GetRequest(request.ID)
	if final.TotalFulfilled() != 1 || final.FulfillmentPercent() != 100 {
		t.Fatalf("unexpected fulfillment: %+v", final)
	}
}

func TestAssignmentIsPartialWhenStockIsShort(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedFacility(t, store, "ngo-1", domain.FacilityNGO, true, domain.GeoPoint{})
	seedAvailableUnit(t, store, "unit-1", "ngo-1", domain.GroupOPos, testNow.Add(24*time.Hour))
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 3},
	}))

	for _, status := range []domain.RequestStatus{domain.StatusAccepted, domain.StatusProcessing, domain.StatusAssigned} {
		if _, err := service.UpdateRequestStatus(ctx, request.ID, status, "ngo-1", ""); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	assigned, _ := store.GetRequest(request.ID)
	if assigned.Lines[0].UnitsFulfilled != 1 {
		t.Fatalf("expected partial fulfillment of 1, got %d", assigned.Lines[0].UnitsFulfilled)
	}
}

func TestCancellationReleasesAssignedStock(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedFacility(t, store, "ngo-1", domain.FacilityNGO, true, domain.GeoPoint{})
	seedAvailableUnit(t, store, "unit-1", "ngo-1", domain.GroupOPos, testNow.Add(24*time.Hour))
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))

	for _, status := range []domain.RequestStatus{domain.StatusAccepted, domain.StatusProcessing, domain.StatusAssigned} {
		if _, err := service.UpdateRequestStatus(ctx, request.ID, status, "ngo-1", ""); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if _, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusCancelled, "hosp-1", "patient recovered"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	unit, _ := store.GetUnit("unit-1")
	if unit.Status != domain.UnitAvailable || unit.RequestID != nil {
		t.Fatalf("expected unit released, got %+v", unit)
	}
	record, _ := store.GetInventory("ngo-1", domain.GroupOPos)
	if record.Available != 1 || record.Reserved != 0 {
		t.Fatalf("expected reservation returned, got %+v", record)
	}
	cancelled, _ := store.GetRequest(request.ID)
	if cancelled.Lines[0].UnitsFulfilled != 0 || len(cancelled.Lines[0].AssignedUnitIDs) != 0 {
		t.Fatalf("expected fulfillment reset, got %+v", cancelled.Lines[0])
	}
}

func TestCancellationReleasesBookedSlot(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedFacility(t, store, "center-1", domain.FacilityCenter, true, domain.GeoPoint{})
	seedDonor(t, store, domain.Donor{
		Base: domain.Base{ID: "donor-1"}, Name: "D", Group: domain.GroupOPos,
		Status: domain.DonorActive, Verified: true,
	})
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))
	slot, err := service.BookSlot(ctx, "donor-1", "center-1", request.ID, testNow.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	if _, err := service.UpdateRequestStatus(ctx, request.ID, domain.StatusCancelled, "hosp-1", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var released domain.DonationSlot
	err = store.View(ctx, func(v domain.TransactionView) error {
		var ok bool
		released, ok = v.FindSlot(slot.ID)
		if !ok {
			t.Fatalf("slot disappeared")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if released.Status != domain.SlotReleased {
		t.Fatalf("expected released slot, got %s", released.Status)
	}
}
