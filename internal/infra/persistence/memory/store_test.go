package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"hemocore/pkg/domain"
)

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindUnit("missing"); ok {
			t.Fatalf("expected missing unit lookup")
		}
		created, err := tx.CreateUnit(domain.ResourceUnit{
			Kind:   domain.KindBlood,
			Group:  domain.GroupOPos,
			Status: domain.UnitProcessing,
		})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		view := tx.Snapshot()
		if len(view.ListUnits()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListUnits()) != 1 {
		t.Fatalf("expected persisted unit")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListUnits()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListUnits()) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
}

func TestStoreTransactionRollbackOnError(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateFacility(domain.Facility{Name: "City NGO", Kind: domain.FacilityNGO}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.ListFacilities()) != 0 {
		t.Fatalf("expected failed transaction to leave no state")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block_all" }

func (blockingRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for range changes {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "block_all",
			Severity: domain.SeverityBlock,
			Message:  "blocked",
		})
	}
	return res, nil
}

func TestStoreRuleViolationRollsBack(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateDonor(domain.Donor{Name: "D", Group: domain.GroupAPos, Status: domain.DonorActive})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(store.ListDonors()) != 0 {
		t.Fatalf("expected blocked transaction to leave no state")
	}
}

func TestUpsertInventoryCreatesAndUpdates(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		record, err := tx.UpsertInventory("ngo-1", domain.GroupBPos, func(r *domain.InventoryRecord) error {
			r.Available = 4
			return nil
		})
		if err != nil {
			return err
		}
		if record.EntityID != "ngo-1" || record.Group != domain.GroupBPos {
			t.Fatalf("upsert did not pin identity: %+v", record)
		}
		record, err = tx.UpsertInventory("ngo-1", domain.GroupBPos, func(r *domain.InventoryRecord) error {
			r.Available--
			r.Reserved++
			return nil
		})
		if err != nil {
			return err
		}
		if record.Available != 3 || record.Reserved != 1 {
			t.Fatalf("unexpected counters: %+v", record)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	record, ok := store.GetInventory("ngo-1", domain.GroupBPos)
	if !ok || record.Available != 3 || record.Reserved != 1 {
		t.Fatalf("expected committed counters, got %+v ok=%v", record, ok)
	}
}

func TestTransactionCloneIsolation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	var created domain.Request
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateRequest(domain.Request{
			Kind:       domain.KindBlood,
			HospitalID: "hosp-1",
			Lines:      []domain.RequestLine{{Group: domain.GroupOPos, UnitsRequested: 2}},
			Status:     domain.StatusPending,
		})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating a returned copy must not leak into committed state.
	fetched, _ := store.GetRequest(created.ID)
	fetched.Lines[0].UnitsFulfilled = 99
	fetched.History = append(fetched.History, domain.StatusEvent{Status: domain.StatusCancelled})

	again, _ := store.GetRequest(created.ID)
	if again.Lines[0].UnitsFulfilled != 0 || len(again.History) != 0 {
		t.Fatalf("committed state mutated through copy: %+v", again)
	}
}

func TestStoreSetNowFunc(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	var created domain.Facility
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateFacility(domain.Facility{Name: "Clinic", Kind: domain.FacilityCenter})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.CreatedAt.Equal(fixed) || !created.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected injected clock, got %+v", created.Base)
	}
}

func TestListOrderingIsDeterministic(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for i := 3; i >= 1; i-- {
			if _, err := tx.CreateDonor(domain.Donor{
				Base:   domain.Base{ID: fmt.Sprintf("donor-%d", i)},
				Name:   fmt.Sprintf("Donor %d", i),
				Group:  domain.GroupOPos,
				Status: domain.DonorActive,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	donors := store.ListDonors()
	for i := 1; i < len(donors); i++ {
		if donors[i-1].ID > donors[i].ID {
			t.Fatalf("expected sorted donors, got %s before %s", donors[i-1].ID, donors[i].ID)
		}
	}
}
