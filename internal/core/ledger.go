package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hemocore/pkg/domain"
)

// adjustInventory applies a delta to the available counter inside tx,
// rejecting (never clamping) any result that would go negative.
func adjustInventory(tx domain.Transaction, entityID string, group domain.BloodGroup, delta int) (domain.InventoryRecord, error) {
	return tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
		next := r.Available + delta
		if next < 0 {
			return domain.InsufficientStockError{
				EntityID:  entityID,
				Group:     group,
				Requested: -delta,
				Available: r.Available,
			}
		}
		r.Available = next
		return nil
	})
}

func reserveInventory(tx domain.Transaction, entityID string, group domain.BloodGroup, units int) (domain.InventoryRecord, error) {
	return tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
		if r.Available < units {
			return domain.InsufficientStockError{
				EntityID:  entityID,
				Group:     group,
				Requested: units,
				Available: r.Available,
			}
		}
		r.Available -= units
		r.Reserved += units
		return nil
	})
}

func releaseInventory(tx domain.Transaction, entityID string, group domain.BloodGroup, units int) (domain.InventoryRecord, error) {
	return tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
		if r.Reserved < units {
			return domain.InsufficientStockError{
				EntityID:  entityID,
				Group:     group,
				Requested: units,
				Available: r.Reserved,
			}
		}
		r.Reserved -= units
		r.Available += units
		return nil
	})
}

func consumeReserved(tx domain.Transaction, entityID string, group domain.BloodGroup, units int) (domain.InventoryRecord, error) {
	return tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
		if r.Reserved < units {
			return domain.InsufficientStockError{
				EntityID:  entityID,
				Group:     group,
				Requested: units,
				Available: r.Reserved,
			}
		}
		r.Reserved -= units
		return nil
	})
}

func parseVolume(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, domain.ValidationError{Field: "volume_ml", Reason: "is required"}
	}
	volume, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.ValidationError{Field: "volume_ml", Reason: "is not a number"}
	}
	if volume.Sign() <= 0 {
		return decimal.Zero, domain.ValidationError{Field: "volume_ml", Reason: "must be positive"}
	}
	return volume, nil
}

// AdjustInventory applies a delta to an entity's available stock for one
// group. A delta that would drive the counter negative is rejected with
// InsufficientStockError and nothing changes.
func (s *Service) AdjustInventory(ctx context.Context, entityID string, group domain.BloodGroup, delta int, reason string) (domain.InventoryRecord, error) {
	start := s.nowFn()
	var record domain.InventoryRecord
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var aerr error
		record, aerr = adjustInventory(tx, entityID, group, delta)
		return aerr
	})
	s.observe(ctx, "adjust_inventory", start, err)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	s.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "inventory_adjust",
		Entity:     string(domain.EntityInventoryRecord),
		EntityID:   record.Key(),
		Metadata:   map[string]any{"delta": delta, "reason": reason},
		OccurredAt: s.nowFn(),
	})
	return record, nil
}

// ReserveInventory moves units from available to reserved, failing with
// InsufficientStockError when available stock cannot cover the reservation.
func (s *Service) ReserveInventory(ctx context.Context, entityID string, group domain.BloodGroup, units int) (domain.InventoryRecord, error) {
	start := s.nowFn()
	var record domain.InventoryRecord
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var rerr error
		record, rerr = reserveInventory(tx, entityID, group, units)
		return rerr
	})
	s.observe(ctx, "reserve_inventory", start, err)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return record, nil
}

// ReleaseInventory moves units from reserved back to available.
func (s *Service) ReleaseInventory(ctx context.Context, entityID string, group domain.BloodGroup, units int) (domain.InventoryRecord, error) {
	start := s.nowFn()
	var record domain.InventoryRecord
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var rerr error
		record, rerr = releaseInventory(tx, entityID, group, units)
		return rerr
	})
	s.observe(ctx, "release_inventory", start, err)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return record, nil
}

// RecordTransfer appends a custody hop to an available unit and moves it to
// the destination entity. Units in any other status reject the transfer with
// InvalidUnitStateError.
func (s *Service) RecordTransfer(ctx context.Context, unitID string, to domain.EntityRef, reason, actor string) (domain.ResourceUnit, error) {
	start := s.nowFn()
	now := s.nowFn()
	var updated domain.ResourceUnit
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		unit, ok := tx.FindUnit(unitID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityResourceUnit, ID: unitID}
		}
		if unit.Status != domain.UnitAvailable {
			return domain.InvalidUnitStateError{UnitID: unitID, Status: unit.Status, Op: "transfer"}
		}
		if _, ok := tx.FindFacility(to.ID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityFacility, ID: to.ID}
		}
		var uerr error
		updated, uerr = tx.UpdateUnit(unitID, func(u *domain.ResourceUnit) error {
			u.TransferHistory = append(u.TransferHistory, domain.TransferEvent{
				From:      u.Location,
				To:        to,
				Reason:    reason,
				Actor:     actor,
				Timestamp: now,
			})
			u.Location = to
			return nil
		})
		if uerr != nil {
			return uerr
		}
		// Aggregate counters move with the unit.
		if _, aerr := adjustInventory(tx, unit.Location.ID, unit.Group, -1); aerr != nil {
			return aerr
		}
		_, aerr := adjustInventory(tx, to.ID, unit.Group, 1)
		return aerr
	})
	s.observe(ctx, "record_transfer", start, err)
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	return updated, nil
}

// ExpireSweep marks every available unit whose expiry has passed as expired.
// The sweep mutates unit status only, never the aggregate counters;
// ReconcileInventory settles the counters explicitly. Running the sweep twice
// with the same cutoff is a no-op the second time. A zero cutoff means now.
func (s *Service) ExpireSweep(ctx context.Context, at time.Time) (int, error) {
	start := s.nowFn()
	if at.IsZero() {
		at = s.nowFn()
	}
	expired := 0
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, unit := range tx.Snapshot().ListUnits() {
			if unit.Status != domain.UnitAvailable || unit.ExpiresAt.After(at) {
				continue
			}
			if _, uerr := tx.UpdateUnit(unit.ID, func(u *domain.ResourceUnit) error {
				u.Status = domain.UnitExpired
				return nil
			}); uerr != nil {
				return uerr
			}
			expired++
		}
		return nil
	})
	s.observe(ctx, "expire_sweep", start, err)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Info("expire sweep completed", zap.Int("expired", expired))
	}
	return expired, nil
}

// InventoryDrift reports one counter that disagrees with the live unit set.
type InventoryDrift struct {
	EntityID string            `json:"entity_id"`
	Group    domain.BloodGroup `json:"group"`
	Counter  int               `json:"counter"`
	Actual   int               `json:"actual"`
}

// ReconcileInventory recomputes an entity's available counters from its
// usable units and settles any drift, returning what changed. This is the
// explicit periodic reconciliation step that pairs with ExpireSweep.
func (s *Service) ReconcileInventory(ctx context.Context, entityID string) ([]InventoryDrift, error) {
	start := s.nowFn()
	now := s.nowFn()
	var drifts []InventoryDrift
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		actual := make(map[domain.BloodGroup]int)
		for _, unit := range tx.Snapshot().ListUnits() {
			if unit.Location.ID == entityID && unit.Usable(now) {
				actual[unit.Group]++
			}
		}
		groups := make(map[domain.BloodGroup]struct{}, len(actual))
		for g := range actual {
			groups[g] = struct{}{}
		}
		for _, record := range tx.Snapshot().ListInventory() {
			if record.EntityID == entityID {
				groups[record.Group] = struct{}{}
			}
		}
		ordered := make([]domain.BloodGroup, 0, len(groups))
		for g := range groups {
			ordered = append(ordered, g)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
		for _, group := range ordered {
			want := actual[group]
			record, _ := tx.FindInventory(entityID, group)
			if record.Available == want {
				continue
			}
			drifts = append(drifts, InventoryDrift{
				EntityID: entityID,
				Group:    group,
				Counter:  record.Available,
				Actual:   want,
			})
			if _, uerr := tx.UpsertInventory(entityID, group, func(r *domain.InventoryRecord) error {
				r.Available = want
				return nil
			}); uerr != nil {
				return uerr
			}
		}
		return nil
	})
	s.observe(ctx, "reconcile_inventory", start, err)
	if err != nil {
		return nil, err
	}
	if len(drifts) > 0 {
		s.logger.Warn("inventory drift reconciled",
			zap.String("entity_id", entityID), zap.Int("counters", len(drifts)))
	}
	return drifts, nil
}
