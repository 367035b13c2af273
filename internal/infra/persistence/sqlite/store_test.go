package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"hemocore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateFacility(domain.Facility{Name: "Metro Blood Bank", Kind: domain.FacilityNGO, Verified: true}); err != nil {
			return err
		}
		_, err := tx.CreateDonor(domain.Donor{Name: "Persist", Group: domain.GroupOPos, Status: domain.DonorActive})
		return err
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload sqlite store: %v", err)
	}
	defer func() { _ = reloaded.Close() }()
	facilities := reloaded.ListFacilities()
	if len(facilities) != 1 || facilities[0].Name != "Metro Blood Bank" {
		t.Fatalf("expected persisted facility, got %+v", facilities)
	}
	donors := reloaded.ListDonors()
	if len(donors) != 1 || donors[0].Name != "Persist" {
		t.Fatalf("expected persisted donor, got %+v", donors)
	}
	if err := reloaded.View(ctx, func(view domain.TransactionView) error {
		if len(view.ListFacilities()) != 1 {
			return fmt.Errorf("expected view to list facility")
		}
		if _, ok := view.FindDonor(donors[0].ID); !ok {
			return fmt.Errorf("expected view to find donor")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if reloaded.Path() != path {
		t.Fatalf("expected path %s, got %s", path, reloaded.Path())
	}
	if reloaded.DB() == nil {
		t.Fatalf("expected db handle")
	}
}

func TestSQLiteStorePersistAllBuckets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "full.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		hospital, err := tx.CreateFacility(domain.Facility{Name: "City Hospital", Kind: domain.FacilityHospital, Verified: true})
		if err != nil {
			return err
		}
		ngo, err := tx.CreateFacility(domain.Facility{Name: "Red Drop", Kind: domain.FacilityNGO, Verified: true})
		if err != nil {
			return err
		}
		donor, err := tx.CreateDonor(domain.Donor{Name: "Donor", Group: domain.GroupABNeg, Status: domain.DonorActive})
		if err != nil {
			return err
		}
		unit, err := tx.CreateUnit(domain.ResourceUnit{
			Kind:     domain.KindBlood,
			Group:    domain.GroupABNeg,
			DonorID:  &donor.ID,
			Status:   domain.UnitAvailable,
			Location: domain.EntityRef{ID: ngo.ID, Kind: domain.FacilityNGO},
		})
		if err != nil {
			return err
		}
		if _, err := tx.UpsertInventory(ngo.ID, unit.Group, func(rec *domain.InventoryRecord) error {
			rec.Available = 1
			return nil
		}); err != nil {
			return err
		}
		request, err := tx.CreateRequest(domain.Request{
			Kind:       domain.KindBlood,
			Urgency:    domain.UrgencyUrgent,
			Status:     domain.StatusPending,
			HospitalID: hospital.ID,
			Lines:      []domain.RequestLine{{Group: domain.GroupABNeg, UnitsRequested: 1}},
		})
		if err != nil {
			return err
		}
		_, err = tx.CreateSlot(domain.DonationSlot{
			DonorID:    donor.ID,
			FacilityID: ngo.ID,
			RequestID:  &request.ID,
			Status:     domain.SlotBooked,
		})
		return err
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload sqlite store: %v", err)
	}
	defer func() { _ = reloaded.Close() }()

	if got := len(reloaded.ListFacilities()); got != 2 {
		t.Fatalf("expected two facilities, got %d", got)
	}
	if got := len(reloaded.ListDonors()); got != 1 {
		t.Fatalf("expected one donor, got %d", got)
	}
	if got := len(reloaded.ListUnits()); got != 1 {
		t.Fatalf("expected one unit, got %d", got)
	}
	if got := len(reloaded.ListInventory()); got != 1 {
		t.Fatalf("expected one inventory record, got %d", got)
	}
	if got := len(reloaded.ListRequests()); got != 1 {
		t.Fatalf("expected one request, got %d", got)
	}
	if err := reloaded.View(ctx, func(view domain.TransactionView) error {
		if len(view.ListSlots()) != 1 {
			return fmt.Errorf("expected view to list slot")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSQLiteStorePersistError(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "broken.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = store.DB().Close()
	if _, err := store.RunInTransaction(context.Background(), func(_ domain.Transaction) error { return nil }); err == nil {
		t.Fatalf("expected persist error after closing db")
	}
}

func TestSQLiteStoreLoadError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_, _ = store.DB().Exec(`INSERT INTO state(bucket, payload) VALUES('units', 'not-json')`)
	_ = store.DB().Close()
	if _, err := NewStore(path, domain.NewRulesEngine()); err == nil {
		t.Fatalf("expected load error for invalid payload")
	}
}

func TestSQLiteStoreDefaultPath(t *testing.T) {
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer func() { _ = store.Close() }()
	if store.Path() == "" {
		t.Fatalf("expected default path")
	}
}
