package core

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"hemocore/pkg/domain"
)

// transitionGraph encodes the legal edges of the request lifecycle. Terminal
// statuses have no outgoing edges; the delivery path is strictly linear and
// cancellation is reachable from every non-terminal status except delivered.
var transitionGraph = map[domain.RequestStatus][]domain.RequestStatus{
	domain.StatusPending:    {domain.StatusAccepted, domain.StatusRejected, domain.StatusCancelled},
	domain.StatusAccepted:   {domain.StatusProcessing, domain.StatusCancelled},
	domain.StatusProcessing: {domain.StatusAssigned, domain.StatusCancelled},
	domain.StatusAssigned:   {domain.StatusEnRoute, domain.StatusCancelled},
	domain.StatusEnRoute:    {domain.StatusDelivered, domain.StatusCancelled},
	domain.StatusDelivered:  {domain.StatusCompleted},
	domain.StatusCompleted:  nil,
	domain.StatusCancelled:  nil,
	domain.StatusRejected:   nil,
}

func transitionAllowed(from, to domain.RequestStatus) bool {
	for _, next := range transitionGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves one request to newStatus inside a single transaction.
// The history append and every side effect of the target status commit
// together or not at all.
func (s *Service) transition(ctx context.Context, requestID string, newStatus domain.RequestStatus, actor, notes string) (domain.Request, error) {
	now := s.nowFn()
	var updated domain.Request
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		request, ok := tx.FindRequest(requestID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityRequest, ID: requestID}
		}
		if request.Status.Terminal() {
			return domain.TerminalStateViolationError{RequestID: requestID, Status: request.Status}
		}
		if !transitionAllowed(request.Status, newStatus) {
			return domain.InvalidTransitionError{RequestID: requestID, From: request.Status, To: newStatus}
		}

		switch newStatus {
		case domain.StatusAssigned:
			if err := s.assignUnits(tx, &request, now); err != nil {
				return err
			}
		case domain.StatusCancelled:
			if err := s.releaseAssignment(tx, &request); err != nil {
				return err
			}
			if request.SlotID != nil {
				if _, err := tx.UpdateSlot(*request.SlotID, func(slot *domain.DonationSlot) error {
					if slot.Status == domain.SlotBooked {
						slot.Status = domain.SlotReleased
					}
					return nil
				}); err != nil {
					return err
				}
			}
		case domain.StatusCompleted:
			if err := s.consumeAssignment(tx, &request); err != nil {
				return err
			}
		}

		var uerr error
		updated, uerr = tx.UpdateRequest(requestID, func(r *domain.Request) error {
			r.Lines = request.Lines
			r.Status = newStatus
			r.History = append(r.History, domain.StatusEvent{
				Status:    newStatus,
				Actor:     actor,
				Notes:     notes,
				Timestamp: now,
			})
			return nil
		})
		return uerr
	})
	if err != nil {
		return domain.Request{}, err
	}
	s.logger.Info("request transitioned",
		zap.String("request_id", requestID),
		zap.String("status", string(newStatus)))
	return updated, nil
}

// assignUnits picks usable units held by the target NGO for each line, marks
// them assigned, and moves the matching inventory from available to reserved.
// Assignment may be partial: a line short on stock fulfills what it can.
func (s *Service) assignUnits(tx domain.Transaction, request *domain.Request, now time.Time) error {
	for i := range request.Lines {
		line := &request.Lines[i]
		needed := line.UnitsRequested - line.UnitsFulfilled
		if needed <= 0 {
			continue
		}
		units := usableUnitsAt(tx.Snapshot(), request.TargetNGOID, line.Group, now)
		for _, unit := range units {
			if needed == 0 {
				break
			}
			if _, err := tx.UpdateUnit(unit.ID, func(u *domain.ResourceUnit) error {
				u.Status = domain.UnitAssigned
				id := request.ID
				u.RequestID = &id
				return nil
			}); err != nil {
				return err
			}
			if _, err := reserveInventory(tx, request.TargetNGOID, line.Group, 1); err != nil {
				return err
			}
			line.AssignedUnitIDs = append(line.AssignedUnitIDs, unit.ID)
			line.UnitsFulfilled++
			needed--
		}
	}
	return nil
}

// releaseAssignment undoes a prior assignment on cancellation: assigned units
// return to available and the reserved counters flow back.
func (s *Service) releaseAssignment(tx domain.Transaction, request *domain.Request) error {
	for i := range request.Lines {
		line := &request.Lines[i]
		for _, unitID := range line.AssignedUnitIDs {
			unit, ok := tx.FindUnit(unitID)
			if !ok || unit.Status != domain.UnitAssigned {
				continue
			}
			if _, err := tx.UpdateUnit(unitID, func(u *domain.ResourceUnit) error {
				u.Status = domain.UnitAvailable
				u.RequestID = nil
				return nil
			}); err != nil {
				return err
			}
			if _, err := releaseInventory(tx, unit.Location.ID, line.Group, 1); err != nil {
				return err
			}
		}
		line.AssignedUnitIDs = nil
		line.UnitsFulfilled = 0
	}
	return nil
}

// consumeAssignment finalizes a completed delivery: assigned units become
// used and the reserved counters drain without returning to available.
func (s *Service) consumeAssignment(tx domain.Transaction, request *domain.Request) error {
	for _, line := range request.Lines {
		for _, unitID := range line.AssignedUnitIDs {
			unit, ok := tx.FindUnit(unitID)
			if !ok || unit.Status != domain.UnitAssigned {
				continue
			}
			if _, err := tx.UpdateUnit(unitID, func(u *domain.ResourceUnit) error {
				u.Status = domain.UnitUsed
				return nil
			}); err != nil {
				return err
			}
			if _, err := consumeReserved(tx, unit.Location.ID, line.Group, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// usableUnitsAt lists the units an entity can commit to a request, oldest
// expiry first so stock closest to expiring moves out first.
func usableUnitsAt(view domain.TransactionView, entityID string, group domain.BloodGroup, now time.Time) []domain.ResourceUnit {
	var units []domain.ResourceUnit
	for _, unit := range view.ListUnits() {
		if unit.Location.ID == entityID && unit.Group == group && unit.Usable(now) {
			units = append(units, unit)
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if !units[i].ExpiresAt.Equal(units[j].ExpiresAt) {
			return units[i].ExpiresAt.Before(units[j].ExpiresAt)
		}
		return units[i].ID < units[j].ID
	})
	return units
}
