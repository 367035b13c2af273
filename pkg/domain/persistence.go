package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. A transaction either commits in full,
// including every recorded change and side effect, or not at all.
type Transaction interface {
	Snapshot() TransactionView
	CreateUnit(ResourceUnit) (ResourceUnit, error)
	UpdateUnit(id string, mutator func(*ResourceUnit) error) (ResourceUnit, error)
	CreateRequest(Request) (Request, error)
	UpdateRequest(id string, mutator func(*Request) error) (Request, error)
	UpsertInventory(entityID string, group BloodGroup, mutator func(*InventoryRecord) error) (InventoryRecord, error)
	CreateFacility(Facility) (Facility, error)
	CreateDonor(Donor) (Donor, error)
	UpdateDonor(id string, mutator func(*Donor) error) (Donor, error)
	CreateSlot(DonationSlot) (DonationSlot, error)
	UpdateSlot(id string, mutator func(*DonationSlot) error) (DonationSlot, error)
	FindUnit(id string) (ResourceUnit, bool)
	FindRequest(id string) (Request, bool)
	FindInventory(entityID string, group BloodGroup) (InventoryRecord, bool)
	FindFacility(id string) (Facility, bool)
	FindDonor(id string) (Donor, bool)
	FindSlot(id string) (DonationSlot, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// read paths. Implementations return defensive copies.
type TransactionView interface {
	ListUnits() []ResourceUnit
	ListRequests() []Request
	ListInventory() []InventoryRecord
	ListFacilities() []Facility
	ListDonors() []Donor
	ListSlots() []DonationSlot
	FindUnit(id string) (ResourceUnit, bool)
	FindRequest(id string) (Request, bool)
	FindInventory(entityID string, group BloodGroup) (InventoryRecord, bool)
	FindFacility(id string) (Facility, bool)
	FindDonor(id string) (Donor, bool)
	FindSlot(id string) (DonationSlot, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetRequest(id string) (Request, bool)
	ListRequests() []Request
	GetUnit(id string) (ResourceUnit, bool)
	ListUnits() []ResourceUnit
	GetInventory(entityID string, group BloodGroup) (InventoryRecord, bool)
	ListInventory() []InventoryRecord
	ListFacilities() []Facility
	ListDonors() []Donor
}
