// Package domain defines the persistent entities, value types, and rule
// evaluation primitives of the fulfillment engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityResourceUnit identifies a single tracked donation unit.
	EntityResourceUnit EntityType = "resource_unit"
	// EntityInventoryRecord identifies a per-entity, per-group stock counter.
	EntityInventoryRecord EntityType = "inventory_record"
	// EntityRequest identifies a fulfillment request record.
	EntityRequest EntityType = "request"
	// EntityFacility identifies a hospital, NGO, or collection center record.
	EntityFacility EntityType = "facility"
	// EntityDonor identifies a donor directory record.
	EntityDonor EntityType = "donor"
	// EntityDonationSlot identifies a booked donation appointment.
	EntityDonationSlot EntityType = "donation_slot"
)

// ResourceKind distinguishes the request and unit flows handled by the engine.
type ResourceKind string

// Resource kinds carried by requests and units.
const (
	KindBlood  ResourceKind = "blood"
	KindPlasma ResourceKind = "plasma"
	KindOrgan  ResourceKind = "organ"
)

// BloodGroup is a closed enum over the eight ABO/Rh types.
type BloodGroup string

// The eight recognized blood groups.
const (
	GroupAPos  BloodGroup = "A+"
	GroupANeg  BloodGroup = "A-"
	GroupBPos  BloodGroup = "B+"
	GroupBNeg  BloodGroup = "B-"
	GroupABPos BloodGroup = "AB+"
	GroupABNeg BloodGroup = "AB-"
	GroupOPos  BloodGroup = "O+"
	GroupONeg  BloodGroup = "O-"
)

// BloodGroups lists every recognized group in display order.
var BloodGroups = []BloodGroup{
	GroupAPos, GroupANeg, GroupBPos, GroupBNeg,
	GroupABPos, GroupABNeg, GroupOPos, GroupONeg,
}

// Valid reports whether the group is one of the eight recognized types.
func (g BloodGroup) Valid() bool {
	for _, known := range BloodGroups {
		if g == known {
			return true
		}
	}
	return false
}

// UnitStatus represents the lifecycle state of a resource unit.
type UnitStatus string

// Canonical unit statuses. Used, expired, and discarded are terminal.
const (
	UnitProcessing UnitStatus = "processing"
	UnitAvailable  UnitStatus = "available"
	UnitAssigned   UnitStatus = "assigned"
	UnitUsed       UnitStatus = "used"
	UnitExpired    UnitStatus = "expired"
	UnitDiscarded  UnitStatus = "discarded"
)

// RequestStatus enumerates the request state machine states.
type RequestStatus string

// Canonical request statuses. Completed, Cancelled, and Rejected are terminal.
const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusProcessing RequestStatus = "processing"
	StatusAssigned   RequestStatus = "assigned"
	StatusEnRoute    RequestStatus = "en_route"
	StatusDelivered  RequestStatus = "delivered"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusRejected   RequestStatus = "rejected"
)

// Terminal reports whether no further transition is permitted out of the status.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// UrgencyLevel orders requests by clinical urgency.
type UrgencyLevel string

// Urgency levels from most to least urgent.
const (
	UrgencyEmergency UrgencyLevel = "emergency"
	UrgencyUrgent    UrgencyLevel = "urgent"
	UrgencyStandard  UrgencyLevel = "standard"
	UrgencyPlanned   UrgencyLevel = "planned"
)

// Priority maps urgency to a numeric rank, 1 being highest.
func (u UrgencyLevel) Priority() int {
	switch u {
	case UrgencyEmergency:
		return 1
	case UrgencyUrgent:
		return 2
	case UrgencyStandard:
		return 3
	default:
		return 4
	}
}

// RadiusMultiplier scales the donor search radius for the urgency level.
func (u UrgencyLevel) RadiusMultiplier() float64 {
	switch u {
	case UrgencyEmergency:
		return 5
	case UrgencyUrgent:
		return 3
	case UrgencyStandard:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the urgency is a recognized level.
func (u UrgencyLevel) Valid() bool {
	switch u {
	case UrgencyEmergency, UrgencyUrgent, UrgencyStandard, UrgencyPlanned:
		return true
	}
	return false
}

// FacilityKind identifies the role of a directory entity.
type FacilityKind string

// Facility kinds participating in the network.
const (
	FacilityHospital FacilityKind = "hospital"
	FacilityNGO      FacilityKind = "ngo"
	FacilityCenter   FacilityKind = "center"
)

// DonorStatus captures whether a donor currently participates in matching.
type DonorStatus string

// Donor participation states.
const (
	DonorActive   DonorStatus = "active"
	DonorInactive DonorStatus = "inactive"
	DonorDeferred DonorStatus = "deferred"
)

// SlotStatus tracks a donation appointment lifecycle.
type SlotStatus string

// Donation slot statuses.
const (
	SlotBooked    SlotStatus = "booked"
	SlotReleased  SlotStatus = "released"
	SlotCompleted SlotStatus = "completed"
)

// UnitShelfLife is the fixed biological shelf life of a collected unit,
// applied once at intake and never recomputed.
const UnitShelfLife = 42 * 24 * time.Hour

// DonorCooldown is the minimum interval between donations.
const DonorCooldown = 56 * 24 * time.Hour

// PlasmaRecoveryWindow is the minimum time since last donation required
// before a recovered donor is eligible for plasma matching.
const PlasmaRecoveryWindow = 14 * 24 * time.Hour

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityRef points at the entity currently holding a unit.
type EntityRef struct {
	ID   string       `json:"id"`
	Kind FacilityKind `json:"kind"`
}

// TransferEvent logs one hop in a unit's chain of custody.
type TransferEvent struct {
	From      EntityRef `json:"from"`
	To        EntityRef `json:"to"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceUnit is a single collected, trackable donation with its own expiry
// and transfer chain. Transfer history is append-only.
type ResourceUnit struct {
	Base
	Kind            ResourceKind    `json:"kind"`
	Group           BloodGroup      `json:"group"`
	DonorID         *string         `json:"donor_id,omitempty"`
	Volume          decimal.Decimal `json:"volume_ml"`
	DonatedAt       time.Time       `json:"donated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Status          UnitStatus      `json:"status"`
	Location        EntityRef       `json:"location"`
	RequestID       *string         `json:"request_id,omitempty"`
	TransferHistory []TransferEvent `json:"transfer_history"`
}

// Usable reports whether the unit can participate in matching at the given
// time. Expiry is logical: an available unit past its expiry date is excluded
// even before the sweep marks it expired.
func (u ResourceUnit) Usable(now time.Time) bool {
	return u.Status == UnitAvailable && u.ExpiresAt.After(now)
}

// InventoryRecord is the per-(entity, group) aggregate stock counter.
// Available and Reserved are invariantly non-negative.
type InventoryRecord struct {
	EntityID  string     `json:"entity_id"`
	Group     BloodGroup `json:"group"`
	Available int        `json:"available"`
	Reserved  int        `json:"reserved"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InventoryKey builds the map key under which a record is stored.
func InventoryKey(entityID string, group BloodGroup) string {
	return entityID + "/" + string(group)
}

// Key returns the record's storage key.
func (r InventoryRecord) Key() string { return InventoryKey(r.EntityID, r.Group) }

// RequestLine tracks demand and fulfillment for one blood group within a request.
type RequestLine struct {
	Group           BloodGroup `json:"group"`
	UnitsRequested  int        `json:"units_requested"`
	UnitsFulfilled  int        `json:"units_fulfilled"`
	AssignedUnitIDs []string   `json:"assigned_unit_ids"`
}

// StatusEvent is one append-only entry in a request's status history.
type StatusEvent struct {
	Status    RequestStatus `json:"status"`
	Actor     string        `json:"actor"`
	Notes     string        `json:"notes,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Request is one physical fulfillment attempt. A logical request fanned out
// to N counterparties produces N Request records sharing a BatchID, each
// independently tracked through the state machine.
type Request struct {
	Base
	Kind           ResourceKind  `json:"kind"`
	BatchID        string        `json:"batch_id"`
	HospitalID     string        `json:"hospital_id"`
	TargetNGOID    string        `json:"target_ngo_id"`
	Lines          []RequestLine `json:"lines"`
	Urgency        UrgencyLevel  `json:"urgency"`
	Priority       int           `json:"priority"`
	RequiredBy     time.Time     `json:"required_by"`
	Status         RequestStatus `json:"status"`
	History        []StatusEvent `json:"history"`
	SlotID         *string       `json:"slot_id,omitempty"`
	PatientName    string        `json:"patient_name,omitempty"`
	PatientContact string        `json:"patient_contact,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

// Redacted returns a copy with confidential patient fields stripped.
func (r Request) Redacted() Request {
	cp := r
	cp.PatientName = ""
	cp.PatientContact = ""
	return cp
}

// TotalRequested sums requested units across all lines.
func (r Request) TotalRequested() int {
	total := 0
	for _, line := range r.Lines {
		total += line.UnitsRequested
	}
	return total
}

// TotalFulfilled sums fulfilled units across all lines.
func (r Request) TotalFulfilled() int {
	total := 0
	for _, line := range r.Lines {
		total += line.UnitsFulfilled
	}
	return total
}

// FulfillmentPercent reports fulfillment progress, guarding the empty request.
func (r Request) FulfillmentPercent() float64 {
	requested := r.TotalRequested()
	if requested == 0 {
		return 0
	}
	return float64(r.TotalFulfilled()) / float64(requested) * 100
}

// Facility is a directory record for a hospital, NGO, or collection center.
// The core reads facilities but never mutates their directory fields.
type Facility struct {
	Base
	Name     string       `json:"name"`
	Kind     FacilityKind `json:"kind"`
	Location GeoPoint     `json:"location"`
	Verified bool         `json:"verified"`
	Contact  string       `json:"contact,omitempty"`
}

// Donor is a directory record for an individual donor.
type Donor struct {
	Base
	Name           string      `json:"name"`
	Group          BloodGroup  `json:"group"`
	Status         DonorStatus `json:"status"`
	Location       GeoPoint    `json:"location"`
	Verified       bool        `json:"verified"`
	LastDonationAt *time.Time  `json:"last_donation_at,omitempty"`
	CovidRecovered bool        `json:"covid_recovered"`
}

// EligibleAt reports whether the donor's cooldown window has elapsed at now.
func (d Donor) EligibleAt(now time.Time, cooldown time.Duration) bool {
	if d.LastDonationAt == nil {
		return true
	}
	return !now.Before(d.LastDonationAt.Add(cooldown))
}

// DonationSlot is a booked donation appointment tied to a request.
type DonationSlot struct {
	Base
	DonorID      string     `json:"donor_id"`
	FacilityID   string     `json:"facility_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       SlotStatus `json:"status"`
	RequestID    *string    `json:"request_id,omitempty"`
}

// Change captures a single entity mutation recorded within a transaction.
// Before and After hold cloned entity values; either may be nil for
// create/delete actions.
type Change struct {
	Entity EntityType `json:"entity"`
	Action Action     `json:"action"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Action describes the mutation recorded in a Change.
type Action string

// Change actions recorded by transactions.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionDelete indicates an entity was deleted.
	ActionDelete Action = "delete"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation describes one rule finding against a transaction.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge folds another result into the receiver.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
