// Package core implements the request fulfillment engine: the inventory
// ledger, the request state machine, candidate matching orchestration, and
// notification fan-out over a transactional persistence store.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hemocore/pkg/domain"
)

// Service composes the fulfillment engine over a persistent store and its
// external collaborators. All mutations run through store transactions; a
// transition and its side effects commit together or not at all.
type Service struct {
	store      domain.PersistentStore
	matcher    Matcher
	dispatcher Dispatcher
	audit      AuditLog
	notifier   NotificationSink
	logger     *zap.Logger
	metrics    MetricsRecorder
	nowFn      func() time.Time
	cooldown   time.Duration
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithMatcher wires the eligibility matcher used by CreateRequest.
func WithMatcher(m Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithDispatcher wires the fan-out dispatcher used by CreateRequest.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithAuditLog wires the activity log collaborator.
func WithAuditLog(a AuditLog) Option {
	return func(s *Service) { s.audit = a }
}

// WithNotificationSink wires the notification collaborator used for status
// updates back to the requesting hospital.
func WithNotificationSink(n NotificationSink) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger replaces the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithMetricsRecorder wires an operation metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDonorCooldown overrides the default 56-day donation interval.
func WithDonorCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		audit:    &MemoryAuditLog{},
		logger:   zap.NewNop(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		cooldown: domain.DonorCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

func (s *Service) observe(ctx context.Context, op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	}
}

// CreateRequestInput carries the caller-supplied attributes of a logical request.
type CreateRequestInput struct {
	Kind           domain.ResourceKind
	HospitalID     string
	Lines          []domain.RequestLine
	Urgency        domain.UrgencyLevel
	RequiredBy     time.Time
	PatientName    string
	PatientContact string
	Notes          string
	Actor          string
}

func (s *Service) validateCreate(in CreateRequestInput, now time.Time) error {
	switch in.Kind {
	case domain.KindBlood, domain.KindPlasma, domain.KindOrgan:
	default:
		return domain.ValidationError{Field: "kind", Reason: "must be blood, plasma, or organ"}
	}
	if in.HospitalID == "" {
		return domain.ValidationError{Field: "hospital_id", Reason: "is required"}
	}
	if len(in.Lines) == 0 {
		return domain.ValidationError{Field: "lines", Reason: "must not be empty"}
	}
	for _, line := range in.Lines {
		if !line.Group.Valid() {
			return domain.ValidationError{Field: "lines.group", Reason: "unknown blood group " + string(line.Group)}
		}
		if line.UnitsRequested <= 0 {
			return domain.ValidationError{Field: "lines.units_requested", Reason: "must be positive"}
		}
		if line.UnitsFulfilled != 0 || len(line.AssignedUnitIDs) != 0 {
			return domain.ValidationError{Field: "lines", Reason: "fulfillment fields are engine-owned"}
		}
	}
	if !in.Urgency.Valid() {
		return domain.ValidationError{Field: "urgency", Reason: "unknown level " + string(in.Urgency)}
	}
	if !in.RequiredBy.After(now) {
		return domain.ValidationError{Field: "required_by", Reason: "must be in the future"}
	}
	return nil
}

// CreateRequest validates the logical request, discovers counterparties, and
// fans it out into one record per matched NGO. Per-candidate failures are
// collected in the result; a candidate set with zero NGOs fails the whole
// creation with NoEligibleCounterpartiesError and creates nothing.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (DispatchResult, error) {
	start := s.nowFn()
	result, err := s.createRequest(ctx, in)
	s.observe(ctx, "create_request", start, err)
	return result, err
}

func (s *Service) createRequest(ctx context.Context, in CreateRequestInput) (DispatchResult, error) {
	now := s.nowFn()
	if err := s.validateCreate(in, now); err != nil {
		return DispatchResult{}, err
	}
	if s.matcher == nil || s.dispatcher == nil {
		return DispatchResult{}, domain.ValidationError{Field: "service", Reason: "matcher and dispatcher are not configured"}
	}

	var hospital domain.Facility
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		found, ok := v.FindFacility(in.HospitalID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityFacility, ID: in.HospitalID}
		}
		hospital = found
		return nil
	})
	if err != nil {
		return DispatchResult{}, err
	}
	if hospital.Kind != domain.FacilityHospital {
		return DispatchResult{}, domain.ValidationError{Field: "hospital_id", Reason: "entity is not a hospital"}
	}
	if !hospital.Verified {
		return DispatchResult{}, domain.ValidationError{Field: "hospital_id", Reason: "hospital is not verified"}
	}

	groups := make([]domain.BloodGroup, 0, len(in.Lines))
	for _, line := range in.Lines {
		groups = append(groups, line.Group)
	}
	candidates, err := s.matcher.Candidates(ctx, MatchSpec{
		Kind:    in.Kind,
		Groups:  groups,
		Origin:  hospital.Location,
		Urgency: in.Urgency,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	if candidates.Degraded {
		s.logger.Warn("matching degraded by directory timeout",
			zap.String("hospital_id", in.HospitalID),
			zap.String("kind", string(in.Kind)))
	}
	if len(candidates.NGOs) == 0 {
		return DispatchResult{}, domain.NoEligibleCounterpartiesError{
			Kind:         in.Kind,
			RadiusMeters: candidates.RadiusMeters,
			Degraded:     candidates.Degraded,
		}
	}

	template := domain.Request{
		Kind:           in.Kind,
		BatchID:        uuid.NewString(),
		HospitalID:     in.HospitalID,
		Lines:          in.Lines,
		Urgency:        in.Urgency,
		Priority:       in.Urgency.Priority(),
		RequiredBy:     in.RequiredBy,
		Status:         domain.StatusPending,
		PatientName:    in.PatientName,
		PatientContact: in.PatientContact,
		Notes:          in.Notes,
		History: []domain.StatusEvent{{
			Status:    domain.StatusPending,
			Actor:     in.Actor,
			Notes:     "request created",
			Timestamp: now,
		}},
	}

	result := s.dispatcher.FanOut(ctx, template, candidates)

	s.audit.Record(ctx, AuditEntry{
		ID:       uuid.NewString(),
		Action:   "request_fanout",
		Actor:    in.Actor,
		Entity:   string(domain.EntityRequest),
		EntityID: template.BatchID,
		Metadata: map[string]any{
			"kind":      string(in.Kind),
			"urgency":   string(in.Urgency),
			"created":   len(result.Created),
			"failures":  len(result.Failures),
			"ngos":      len(candidates.NGOs),
			"donors":    len(candidates.Donors),
			"degraded":  candidates.Degraded,
			"requested": template.TotalRequested(),
		},
		OccurredAt: now,
	})
	s.logger.Info("request fanned out",
		zap.String("batch_id", template.BatchID),
		zap.Int("created", len(result.Created)),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

// UpdateRequestStatus drives one request through the state machine and then
// notifies the requesting hospital, best-effort.
func (s *Service) UpdateRequestStatus(ctx context.Context, requestID string, newStatus domain.RequestStatus, actor, notes string) (domain.Request, error) {
	start := s.nowFn()
	updated, err := s.transition(ctx, requestID, newStatus, actor, notes)
	s.observe(ctx, "update_status", start, err)
	if err != nil {
		return domain.Request{}, err
	}

	if s.notifier != nil {
		if _, nerr := s.notifier.Submit(ctx, "request_status", updated.HospitalID, map[string]any{
			"request_id": updated.ID,
			"batch_id":   updated.BatchID,
			"status":     string(updated.Status),
			"actor":      actor,
		}); nerr != nil {
			// Delivery guarantees belong to the notification collaborator.
			s.logger.Warn("status notification failed",
				zap.String("request_id", updated.ID), zap.Error(nerr))
		}
	}
	s.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "request_status",
		Actor:      actor,
		Entity:     string(domain.EntityRequest),
		EntityID:   updated.ID,
		Metadata:   map[string]any{"status": string(newStatus), "notes": notes},
		OccurredAt: s.nowFn(),
	})
	return updated, nil
}

// TrackedRequest is the read-only view returned by TrackRequest, with
// confidential patient fields stripped.
type TrackedRequest struct {
	Request            domain.Request `json:"request"`
	TotalRequested     int            `json:"total_requested"`
	TotalFulfilled     int            `json:"total_fulfilled"`
	FulfillmentPercent float64        `json:"fulfillment_percent"`
}

// TrackRequest returns the redacted request and its fulfillment status.
func (s *Service) TrackRequest(ctx context.Context, requestID string) (TrackedRequest, error) {
	var tracked TrackedRequest
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		request, ok := v.FindRequest(requestID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityRequest, ID: requestID}
		}
		tracked = TrackedRequest{
			Request:            request.Redacted(),
			TotalRequested:     request.TotalRequested(),
			TotalFulfilled:     request.TotalFulfilled(),
			FulfillmentPercent: request.FulfillmentPercent(),
		}
		return nil
	})
	if err != nil {
		return TrackedRequest{}, err
	}
	return tracked, nil
}

// IntakeUnitInput describes a donation arriving at a collection entity.
type IntakeUnitInput struct {
	Kind     domain.ResourceKind
	Group    domain.BloodGroup
	DonorID  string
	VolumeML string
	Location domain.EntityRef
	SlotID   string
	Actor    string
}

// IntakeUnit registers a collected donation. The unit starts in processing
// and only enters stock after PassQualityCheck. The donor's last donation
// timestamp advances, restarting the eligibility window, and any booked slot
// completes.
func (s *Service) IntakeUnit(ctx context.Context, in IntakeUnitInput) (domain.ResourceUnit, error) {
	start := s.nowFn()
	unit, err := s.intakeUnit(ctx, in)
	s.observe(ctx, "intake_unit", start, err)
	return unit, err
}

func (s *Service) intakeUnit(ctx context.Context, in IntakeUnitInput) (domain.ResourceUnit, error) {
	if !in.Group.Valid() {
		return domain.ResourceUnit{}, domain.ValidationError{Field: "group", Reason: "unknown blood group " + string(in.Group)}
	}
	if in.Location.ID == "" {
		return domain.ResourceUnit{}, domain.ValidationError{Field: "location", Reason: "is required"}
	}
	volume, err := parseVolume(in.VolumeML)
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	now := s.nowFn()

	var created domain.ResourceUnit
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindFacility(in.Location.ID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityFacility, ID: in.Location.ID}
		}
		unit := domain.ResourceUnit{
			Kind:      in.Kind,
			Group:     in.Group,
			Volume:    volume,
			DonatedAt: now,
			ExpiresAt: now.Add(domain.UnitShelfLife),
			Status:    domain.UnitProcessing,
			Location:  in.Location,
		}
		if in.DonorID != "" {
			donor, ok := tx.FindDonor(in.DonorID)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityDonor, ID: in.DonorID}
			}
			if unit.Group != donor.Group {
				return domain.ValidationError{Field: "group", Reason: "does not match donor group"}
			}
			id := in.DonorID
			unit.DonorID = &id
			if _, uerr := tx.UpdateDonor(in.DonorID, func(d *domain.Donor) error {
				t := now
				d.LastDonationAt = &t
				return nil
			}); uerr != nil {
				return uerr
			}
		}
		if in.SlotID != "" {
			if _, uerr := tx.UpdateSlot(in.SlotID, func(slot *domain.DonationSlot) error {
				slot.Status = domain.SlotCompleted
				return nil
			}); uerr != nil {
				return uerr
			}
		}
		var cerr error
		created, cerr = tx.CreateUnit(unit)
		return cerr
	})
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	return created, nil
}

// PassQualityCheck moves a processing unit into stock, incrementing the
// owning entity's available counter in the same transaction.
func (s *Service) PassQualityCheck(ctx context.Context, unitID, actor string) (domain.ResourceUnit, error) {
	var updated domain.ResourceUnit
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		unit, ok := tx.FindUnit(unitID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityResourceUnit, ID: unitID}
		}
		if unit.Status != domain.UnitProcessing {
			return domain.InvalidUnitStateError{UnitID: unitID, Status: unit.Status, Op: "pass quality check on"}
		}
		var uerr error
		updated, uerr = tx.UpdateUnit(unitID, func(u *domain.ResourceUnit) error {
			u.Status = domain.UnitAvailable
			return nil
		})
		if uerr != nil {
			return uerr
		}
		_, uerr = adjustInventory(tx, unit.Location.ID, unit.Group, 1)
		return uerr
	})
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	s.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "quality_check_pass",
		Actor:      actor,
		Entity:     string(domain.EntityResourceUnit),
		EntityID:   unitID,
		OccurredAt: s.nowFn(),
	})
	return updated, nil
}

// FailQualityCheck discards a processing unit irreversibly.
func (s *Service) FailQualityCheck(ctx context.Context, unitID, actor, reason string) (domain.ResourceUnit, error) {
	var updated domain.ResourceUnit
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		unit, ok := tx.FindUnit(unitID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityResourceUnit, ID: unitID}
		}
		if unit.Status != domain.UnitProcessing {
			return domain.InvalidUnitStateError{UnitID: unitID, Status: unit.Status, Op: "fail quality check on"}
		}
		var uerr error
		updated, uerr = tx.UpdateUnit(unitID, func(u *domain.ResourceUnit) error {
			u.Status = domain.UnitDiscarded
			return nil
		})
		return uerr
	})
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	s.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "quality_check_fail",
		Actor:      actor,
		Entity:     string(domain.EntityResourceUnit),
		EntityID:   unitID,
		Metadata:   map[string]any{"reason": reason},
		OccurredAt: s.nowFn(),
	})
	return updated, nil
}

// BookSlot books a donation appointment against a request.
func (s *Service) BookSlot(ctx context.Context, donorID, facilityID, requestID string, at time.Time) (domain.DonationSlot, error) {
	var created domain.DonationSlot
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindDonor(donorID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityDonor, ID: donorID}
		}
		if _, ok := tx.FindFacility(facilityID); !ok {
			return domain.ErrNotFound{Entity: domain.EntityFacility, ID: facilityID}
		}
		slot := domain.DonationSlot{
			DonorID:      donorID,
			FacilityID:   facilityID,
			ScheduledFor: at,
			Status:       domain.SlotBooked,
		}
		if requestID != "" {
			if _, ok := tx.FindRequest(requestID); !ok {
				return domain.ErrNotFound{Entity: domain.EntityRequest, ID: requestID}
			}
			id := requestID
			slot.RequestID = &id
		}
		var cerr error
		created, cerr = tx.CreateSlot(slot)
		if cerr != nil {
			return cerr
		}
		if requestID != "" {
			_, cerr = tx.UpdateRequest(requestID, func(r *domain.Request) error {
				id := created.ID
				r.SlotID = &id
				return nil
			})
		}
		return cerr
	})
	if err != nil {
		return domain.DonationSlot{}, err
	}
	return created, nil
}

// ListOpenRequests returns every request not yet in a terminal status, with
// confidential patient fields stripped.
func (s *Service) ListOpenRequests(ctx context.Context) ([]domain.Request, error) {
	var open []domain.Request
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		for _, request := range v.ListRequests() {
			if request.Status.Terminal() {
				continue
			}
			open = append(open, request.Redacted())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return open, nil
}

// GetUnit returns a single resource unit by ID.
func (s *Service) GetUnit(ctx context.Context, unitID string) (domain.ResourceUnit, error) {
	var unit domain.ResourceUnit
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		found, ok := v.FindUnit(unitID)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityResourceUnit, ID: unitID}
		}
		unit = found
		return nil
	})
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	return unit, nil
}

// Inventory returns the aggregate counters for one entity, every group.
func (s *Service) Inventory(ctx context.Context, entityID string) ([]domain.InventoryRecord, error) {
	var records []domain.InventoryRecord
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		for _, record := range v.ListInventory() {
			if record.EntityID == entityID {
				records = append(records, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
