// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hemocore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// ResourceUnit aliases domain.ResourceUnit for in-memory persistence operations.
	ResourceUnit = domain.ResourceUnit
	// InventoryRecord aliases domain.InventoryRecord.
	InventoryRecord = domain.InventoryRecord
	// Request aliases domain.Request.
	Request = domain.Request
	// Facility aliases domain.Facility.
	Facility = domain.Facility
	// Donor aliases domain.Donor.
	Donor = domain.Donor
	// DonationSlot aliases domain.DonationSlot.
	DonationSlot = domain.DonationSlot
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	units      map[string]ResourceUnit
	inventory  map[string]InventoryRecord
	requests   map[string]Request
	facilities map[string]Facility
	donors     map[string]Donor
	slots      map[string]DonationSlot
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Units      map[string]ResourceUnit    `json:"units"`
	Inventory  map[string]InventoryRecord `json:"inventory"`
	Requests   map[string]Request         `json:"requests"`
	Facilities map[string]Facility        `json:"facilities"`
	Donors     map[string]Donor           `json:"donors"`
	Slots      map[string]DonationSlot    `json:"slots"`
}

func newMemoryState() memoryState {
	return memoryState{
		units:      make(map[string]ResourceUnit),
		inventory:  make(map[string]InventoryRecord),
		requests:   make(map[string]Request),
		facilities: make(map[string]Facility),
		donors:     make(map[string]Donor),
		slots:      make(map[string]DonationSlot),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Units:      make(map[string]ResourceUnit, len(state.units)),
		Inventory:  make(map[string]InventoryRecord, len(state.inventory)),
		Requests:   make(map[string]Request, len(state.requests)),
		Facilities: make(map[string]Facility, len(state.facilities)),
		Donors:     make(map[string]Donor, len(state.donors)),
		Slots:      make(map[string]DonationSlot, len(state.slots)),
	}
	for k, v := range state.units {
		s.Units[k] = cloneUnit(v)
	}
	for k, v := range state.inventory {
		s.Inventory[k] = v
	}
	for k, v := range state.requests {
		s.Requests[k] = cloneRequest(v)
	}
	for k, v := range state.facilities {
		s.Facilities[k] = v
	}
	for k, v := range state.donors {
		s.Donors[k] = cloneDonor(v)
	}
	for k, v := range state.slots {
		s.Slots[k] = cloneSlot(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Units {
		state.units[k] = cloneUnit(v)
	}
	for k, v := range s.Inventory {
		state.inventory[k] = v
	}
	for k, v := range s.Requests {
		state.requests[k] = cloneRequest(v)
	}
	for k, v := range s.Facilities {
		state.facilities[k] = v
	}
	for k, v := range s.Donors {
		state.donors[k] = cloneDonor(v)
	}
	for k, v := range s.Slots {
		state.slots[k] = cloneSlot(v)
	}
	return state
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.units {
		cloned.units[k] = cloneUnit(v)
	}
	for k, v := range s.inventory {
		cloned.inventory[k] = v
	}
	for k, v := range s.requests {
		cloned.requests[k] = cloneRequest(v)
	}
	for k, v := range s.facilities {
		cloned.facilities[k] = v
	}
	for k, v := range s.donors {
		cloned.donors[k] = cloneDonor(v)
	}
	for k, v := range s.slots {
		cloned.slots[k] = cloneSlot(v)
	}
	return cloned
}

func cloneUnit(u ResourceUnit) ResourceUnit {
	cp := u
	if u.DonorID != nil {
		id := *u.DonorID
		cp.DonorID = &id
	}
	if u.RequestID != nil {
		id := *u.RequestID
		cp.RequestID = &id
	}
	cp.TransferHistory = append([]domain.TransferEvent(nil), u.TransferHistory...)
	return cp
}

func cloneRequest(r Request) Request {
	cp := r
	cp.Lines = make([]domain.RequestLine, len(r.Lines))
	for i, line := range r.Lines {
		cp.Lines[i] = line
		cp.Lines[i].AssignedUnitIDs = append([]string(nil), line.AssignedUnitIDs...)
	}
	cp.History = append([]domain.StatusEvent(nil), r.History...)
	if r.SlotID != nil {
		id := *r.SlotID
		cp.SlotID = &id
	}
	return cp
}

func cloneDonor(d Donor) Donor {
	cp := d
	if d.LastDonationAt != nil {
		t := *d.LastDonationAt
		cp.LastDonationAt = &t
	}
	return cp
}

func cloneSlot(s DonationSlot) DonationSlot {
	cp := s
	if s.RequestID != nil {
		id := *s.RequestID
		cp.RequestID = &id
	}
	return cp
}

// Store provides an in-memory transactional store for the core domain.
// Commits are serialized by the store's write lock, which gives ledger
// counters their read-modify-write atomicity.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// SetNowFunc overrides the store clock for deterministic expiry and
// eligibility tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListUnits returns all resource units within the snapshot.
func (v transactionView) ListUnits() []ResourceUnit {
	out := make([]ResourceUnit, 0, len(v.state.units))
	for _, u := range v.state.units {
		out = append(out, cloneUnit(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListRequests returns all requests within the snapshot.
func (v transactionView) ListRequests() []Request {
	out := make([]Request, 0, len(v.state.requests))
	for _, r := range v.state.requests {
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListInventory returns all inventory records within the snapshot.
func (v transactionView) ListInventory() []InventoryRecord {
	out := make([]InventoryRecord, 0, len(v.state.inventory))
	for _, r := range v.state.inventory {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ListFacilities returns all facilities within the snapshot.
func (v transactionView) ListFacilities() []Facility {
	out := make([]Facility, 0, len(v.state.facilities))
	for _, f := range v.state.facilities {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListDonors returns all donors within the snapshot.
func (v transactionView) ListDonors() []Donor {
	out := make([]Donor, 0, len(v.state.donors))
	for _, d := range v.state.donors {
		out = append(out, cloneDonor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListSlots returns all donation slots within the snapshot.
func (v transactionView) ListSlots() []DonationSlot {
	out := make([]DonationSlot, 0, len(v.state.slots))
	for _, s := range v.state.slots {
		out = append(out, cloneSlot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindUnit retrieves a resource unit by ID from the snapshot.
func (v transactionView) FindUnit(id string) (ResourceUnit, bool) {
	u, ok := v.state.units[id]
	if !ok {
		return ResourceUnit{}, false
	}
	return cloneUnit(u), true
}

// FindRequest retrieves a request by ID from the snapshot.
func (v transactionView) FindRequest(id string) (Request, bool) {
	r, ok := v.state.requests[id]
	if !ok {
		return Request{}, false
	}
	return cloneRequest(r), true
}

// FindInventory retrieves a stock counter by entity and group.
func (v transactionView) FindInventory(entityID string, group domain.BloodGroup) (InventoryRecord, bool) {
	r, ok := v.state.inventory[domain.InventoryKey(entityID, group)]
	if !ok {
		return InventoryRecord{}, false
	}
	return r, true
}

// FindFacility retrieves a facility by ID from the snapshot.
func (v transactionView) FindFacility(id string) (Facility, bool) {
	f, ok := v.state.facilities[id]
	if !ok {
		return Facility{}, false
	}
	return f, true
}

// FindDonor retrieves a donor by ID from the snapshot.
func (v transactionView) FindDonor(id string) (Donor, bool) {
	d, ok := v.state.donors[id]
	if !ok {
		return Donor{}, false
	}
	return cloneDonor(d), true
}

// FindSlot retrieves a donation slot by ID from the snapshot.
func (v transactionView) FindSlot(id string) (DonationSlot, bool) {
	s, ok := v.state.slots[id]
	if !ok {
		return DonationSlot{}, false
	}
	return cloneSlot(s), true
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The engine evaluates recorded changes before commit; blocking violations
// roll the whole transaction back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateUnit stores a new resource unit within the transaction.
func (tx *transaction) CreateUnit(u ResourceUnit) (ResourceUnit, error) {
	if u.ID == "" {
		u.ID = tx.store.newID()
	}
	if _, exists := tx.state.units[u.ID]; exists {
		return ResourceUnit{}, fmt.Errorf("resource unit %q already exists", u.ID)
	}
	u.CreatedAt = tx.now
	u.UpdatedAt = tx.now
	tx.state.units[u.ID] = cloneUnit(u)
	tx.recordChange(Change{Entity: domain.EntityResourceUnit, Action: domain.ActionCreate, After: cloneUnit(u)})
	return cloneUnit(u), nil
}

// UpdateUnit mutates a resource unit using the provided mutator.
func (tx *transaction) UpdateUnit(id string, mutator func(*ResourceUnit) error) (ResourceUnit, error) {
	current, ok := tx.state.units[id]
	if !ok {
		return ResourceUnit{}, domain.ErrNotFound{Entity: domain.EntityResourceUnit, ID: id}
	}
	before := cloneUnit(current)
	if err := mutator(&current); err != nil {
		return ResourceUnit{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.units[id] = cloneUnit(current)
	tx.recordChange(Change{Entity: domain.EntityResourceUnit, Action: domain.ActionUpdate, Before: before, After: cloneUnit(current)})
	return cloneUnit(current), nil
}

// CreateRequest stores a new request record.
func (tx *transaction) CreateRequest(r Request) (Request, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.requests[r.ID]; exists {
		return Request{}, fmt.Errorf("request %q already exists", r.ID)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.requests[r.ID] = cloneRequest(r)
	tx.recordChange(Change{Entity: domain.EntityRequest, Action: domain.ActionCreate, After: cloneRequest(r)})
	return cloneRequest(r), nil
}

// UpdateRequest mutates a request using the provided mutator.
func (tx *transaction) UpdateRequest(id string, mutator func(*Request) error) (Request, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return Request{}, domain.ErrNotFound{Entity: domain.EntityRequest, ID: id}
	}
	before := cloneRequest(current)
	if err := mutator(&current); err != nil {
		return Request{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.requests[id] = cloneRequest(current)
	tx.recordChange(Change{Entity: domain.EntityRequest, Action: domain.ActionUpdate, Before: before, After: cloneRequest(current)})
	return cloneRequest(current), nil
}

// UpsertInventory creates or mutates the stock counter for (entityID, group).
func (tx *transaction) UpsertInventory(entityID string, group domain.BloodGroup, mutator func(*InventoryRecord) error) (InventoryRecord, error) {
	key := domain.InventoryKey(entityID, group)
	current, existed := tx.state.inventory[key]
	var before any
	if existed {
		before = current
	} else {
		current = InventoryRecord{EntityID: entityID, Group: group}
	}
	if err := mutator(&current); err != nil {
		return InventoryRecord{}, err
	}
	current.EntityID = entityID
	current.Group = group
	current.UpdatedAt = tx.now
	tx.state.inventory[key] = current
	action := domain.ActionUpdate
	if !existed {
		action = domain.ActionCreate
	}
	tx.recordChange(Change{Entity: domain.EntityInventoryRecord, Action: action, Before: before, After: current})
	return current, nil
}

// CreateFacility stores a directory facility record.
func (tx *transaction) CreateFacility(f Facility) (Facility, error) {
	if f.ID == "" {
		f.ID = tx.store.newID()
	}
	if _, exists := tx.state.facilities[f.ID]; exists {
		return Facility{}, fmt.Errorf("facility %q already exists", f.ID)
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.facilities[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFacility, Action: domain.ActionCreate, After: f})
	return f, nil
}

// CreateDonor stores a directory donor record.
func (tx *transaction) CreateDonor(d Donor) (Donor, error) {
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if _, exists := tx.state.donors[d.ID]; exists {
		return Donor{}, fmt.Errorf("donor %q already exists", d.ID)
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.donors[d.ID] = cloneDonor(d)
	tx.recordChange(Change{Entity: domain.EntityDonor, Action: domain.ActionCreate, After: cloneDonor(d)})
	return cloneDonor(d), nil
}

// UpdateDonor mutates a donor record (donation timestamps only from the
// core's perspective; directory fields belong to the directory owner).
func (tx *transaction) UpdateDonor(id string, mutator func(*Donor) error) (Donor, error) {
	current, ok := tx.state.donors[id]
	if !ok {
		return Donor{}, domain.ErrNotFound{Entity: domain.EntityDonor, ID: id}
	}
	before := cloneDonor(current)
	if err := mutator(&current); err != nil {
		return Donor{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.donors[id] = cloneDonor(current)
	tx.recordChange(Change{Entity: domain.EntityDonor, Action: domain.ActionUpdate, Before: before, After: cloneDonor(current)})
	return cloneDonor(current), nil
}

// CreateSlot stores a booked donation appointment.
func (tx *transaction) CreateSlot(s DonationSlot) (DonationSlot, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.slots[s.ID]; exists {
		return DonationSlot{}, fmt.Errorf("donation slot %q already exists", s.ID)
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.slots[s.ID] = cloneSlot(s)
	tx.recordChange(Change{Entity: domain.EntityDonationSlot, Action: domain.ActionCreate, After: cloneSlot(s)})
	return cloneSlot(s), nil
}

// UpdateSlot mutates a donation slot.
func (tx *transaction) UpdateSlot(id string, mutator func(*DonationSlot) error) (DonationSlot, error) {
	current, ok := tx.state.slots[id]
	if !ok {
		return DonationSlot{}, domain.ErrNotFound{Entity: domain.EntityDonationSlot, ID: id}
	}
	before := cloneSlot(current)
	if err := mutator(&current); err != nil {
		return DonationSlot{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.slots[id] = cloneSlot(current)
	tx.recordChange(Change{Entity: domain.EntityDonationSlot, Action: domain.ActionUpdate, Before: before, After: cloneSlot(current)})
	return cloneSlot(current), nil
}

// FindUnit exposes unit lookup within the transaction scope.
func (tx *transaction) FindUnit(id string) (ResourceUnit, bool) {
	u, ok := tx.state.units[id]
	if !ok {
		return ResourceUnit{}, false
	}
	return cloneUnit(u), true
}

// FindRequest exposes request lookup within the transaction scope.
func (tx *transaction) FindRequest(id string) (Request, bool) {
	r, ok := tx.state.requests[id]
	if !ok {
		return Request{}, false
	}
	return cloneRequest(r), true
}

// FindInventory exposes stock counter lookup within the transaction scope.
func (tx *transaction) FindInventory(entityID string, group domain.BloodGroup) (InventoryRecord, bool) {
	r, ok := tx.state.inventory[domain.InventoryKey(entityID, group)]
	if !ok {
		return InventoryRecord{}, false
	}
	return r, true
}

// FindFacility exposes facility lookup within the transaction scope.
func (tx *transaction) FindFacility(id string) (Facility, bool) {
	f, ok := tx.state.facilities[id]
	if !ok {
		return Facility{}, false
	}
	return f, true
}

// FindDonor exposes donor lookup within the transaction scope.
func (tx *transaction) FindDonor(id string) (Donor, bool) {
	d, ok := tx.state.donors[id]
	if !ok {
		return Donor{}, false
	}
	return cloneDonor(d), true
}

// FindSlot exposes slot lookup within the transaction scope.
func (tx *transaction) FindSlot(id string) (DonationSlot, bool) {
	s, ok := tx.state.slots[id]
	if !ok {
		return DonationSlot{}, false
	}
	return cloneSlot(s), true
}

// GetRequest returns a request by ID from committed state.
func (s *Store) GetRequest(id string) (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.requests[id]
	if !ok {
		return Request{}, false
	}
	return cloneRequest(r), true
}

// ListRequests returns all committed requests.
func (s *Store) ListRequests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListRequests()
}

// GetUnit returns a resource unit by ID from committed state.
func (s *Store) GetUnit(id string) (ResourceUnit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.units[id]
	if !ok {
		return ResourceUnit{}, false
	}
	return cloneUnit(u), true
}

// ListUnits returns all committed resource units.
func (s *Store) ListUnits() []ResourceUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListUnits()
}

// GetInventory returns the stock counter for (entityID, group).
func (s *Store) GetInventory(entityID string, group domain.BloodGroup) (InventoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.inventory[domain.InventoryKey(entityID, group)]
	return r, ok
}

// ListInventory returns all committed stock counters.
func (s *Store) ListInventory() []InventoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListInventory()
}

// ListFacilities returns all committed facilities.
func (s *Store) ListFacilities() []Facility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListFacilities()
}

// ListDonors returns all committed donors.
func (s *Store) ListDonors() []Donor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListDonors()
}
