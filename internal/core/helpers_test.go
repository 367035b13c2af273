package core

import (
	"context"
	"testing"
	"time"

	"hemocore/internal/infra/persistence/memory"
	"hemocore/pkg/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore(DefaultRulesEngine())
	store.SetNowFunc(func() time.Time { return testNow })
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, opts...), store
}

func seedFacility(t *testing.T, store *memory.Store, id string, kind domain.FacilityKind, verified bool, loc domain.GeoPoint) domain.Facility {
	t.Helper()
	var created domain.Facility
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateFacility(domain.Facility{
			Base:     domain.Base{ID: id},
			Name:     id,
			Kind:     kind,
			Location: loc,
			Verified: verified,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed facility %s: %v", id, err)
	}
	return created
}

func seedDonor(t *testing.T, store *memory.Store, donor domain.Donor) domain.Donor {
	t.Helper()
	var created domain.Donor
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateDonor(donor)
		return err
	})
	if err != nil {
		t.Fatalf("seed donor: %v", err)
	}
	return created
}

// seedAvailableUnit places one usable unit at the entity and bumps the
// matching counter, mirroring what intake plus quality check produces.
func seedAvailableUnit(t *testing.T, store *memory.Store, id, entityID string, group domain.BloodGroup, expiresAt time.Time) domain.ResourceUnit {
	t.Helper()
	var created domain.ResourceUnit
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateUnit(domain.ResourceUnit{
			Base:      domain.Base{ID: id},
			Kind:      domain.KindBlood,
			Group:     group,
			DonatedAt: testNow.Add(-time.Hour),
			ExpiresAt: expiresAt,
			Status:    domain.UnitAvailable,
			Location:  domain.EntityRef{ID: entityID, Kind: domain.FacilityNGO},
		})
		if err != nil {
			return err
		}
		_, err = tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
			r.Available++
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed unit %s: %v", id, err)
	}
	return created
}

func seedRequest(t *testing.T, store *memory.Store, request domain.Request) domain.Request {
	t.Helper()
	var created domain.Request
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateRequest(request)
		return err
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return created
}
