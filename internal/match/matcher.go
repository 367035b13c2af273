// Package match implements geospatial eligibility matching of NGOs and donors
// against logical requests. Matching is read-only over the directory and
// inventory views and never mutates state.
package match

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"hemocore/internal/core"
	"hemocore/pkg/domain"
)

// Config bounds the search. Radii are base values in meters; the donor radius
// scales with request urgency.
type Config struct {
	BloodRadiusMeters  float64
	PlasmaRadiusMeters float64
	OrganRadiusMeters  float64
	DonorRadiusMeters  float64
	// DirectoryTimeout bounds one matching pass. On expiry the matcher
	// returns a degraded empty set instead of an error.
	DirectoryTimeout time.Duration
	DonorCooldown    time.Duration
}

// DefaultConfig returns the production search bounds.
func DefaultConfig() Config {
	return Config{
		BloodRadiusMeters:  20_000,
		PlasmaRadiusMeters: 50_000,
		OrganRadiusMeters:  50_000,
		DonorRadiusMeters:  10_000,
		DirectoryTimeout:   2 * time.Second,
		DonorCooldown:      domain.DonorCooldown,
	}
}

// Matcher ranks eligible counterparties by distance from the request origin.
type Matcher struct {
	store  domain.PersistentStore
	cfg    Config
	logger *zap.Logger
	nowFn  func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger replaces the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock injects a deterministic time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Matcher) {
		if fn != nil {
			m.nowFn = fn
		}
	}
}

// New constructs a matcher over the store's directory and inventory views.
func New(store domain.PersistentStore, cfg Config, opts ...Option) *Matcher {
	if cfg.BloodRadiusMeters <= 0 {
		cfg.BloodRadiusMeters = DefaultConfig().BloodRadiusMeters
	}
	if cfg.PlasmaRadiusMeters <= 0 {
		cfg.PlasmaRadiusMeters = DefaultConfig().PlasmaRadiusMeters
	}
	if cfg.OrganRadiusMeters <= 0 {
		cfg.OrganRadiusMeters = DefaultConfig().OrganRadiusMeters
	}
	if cfg.DonorRadiusMeters <= 0 {
		cfg.DonorRadiusMeters = DefaultConfig().DonorRadiusMeters
	}
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = DefaultConfig().DirectoryTimeout
	}
	if cfg.DonorCooldown <= 0 {
		cfg.DonorCooldown = domain.DonorCooldown
	}
	m := &Matcher{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) entityRadius(kind domain.ResourceKind) float64 {
	switch kind {
	case domain.KindPlasma:
		return m.cfg.PlasmaRadiusMeters
	case domain.KindOrgan:
		return m.cfg.OrganRadiusMeters
	default:
		return m.cfg.BloodRadiusMeters
	}
}

// Candidates runs one matching pass under the directory timeout. A timeout
// yields a degraded empty set rather than an error so callers can distinguish
// "nobody eligible" from "lookup did not finish".
func (m *Matcher) Candidates(ctx context.Context, spec core.MatchSpec) (core.CandidateSet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DirectoryTimeout)
	defer cancel()

	type outcome struct {
		set core.CandidateSet
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		set, err := m.candidates(ctx, spec)
		resultCh <- outcome{set: set, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.set, res.err
	case <-ctx.Done():
		m.logger.Warn("directory lookup timed out",
			zap.String("kind", string(spec.Kind)),
			zap.Duration("timeout", m.cfg.DirectoryTimeout))
		return core.CandidateSet{RadiusMeters: m.entityRadius(spec.Kind), Degraded: true}, nil
	}
}

func (m *Matcher) candidates(ctx context.Context, spec core.MatchSpec) (core.CandidateSet, error) {
	set := core.CandidateSet{RadiusMeters: m.entityRadius(spec.Kind)}
	err := m.store.View(ctx, func(v domain.TransactionView) error {
		set.NGOs = m.findNearbyEntities(v, spec)
		set.Donors = m.findCompatibleDonors(v, spec)
		return nil
	})
	if err != nil {
		return core.CandidateSet{}, err
	}
	return set, nil
}

// ranked pairs a candidate with its distance for sorting.
type ranked[T any] struct {
	value  T
	meters float64
}

func sortRanked[T any](items []ranked[T], id func(T) string) []T {
	sort.Slice(items, func(i, j int) bool {
		if items[i].meters != items[j].meters {
			return items[i].meters < items[j].meters
		}
		return id(items[i].value) < id(items[j].value)
	})
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.value
	}
	return out
}

// findNearbyEntities selects verified NGOs and collection centers inside the
// kind's radius that hold usable stock in at least one requested group,
// nearest first.
func (m *Matcher) findNearbyEntities(v domain.TransactionView, spec core.MatchSpec) []domain.Facility {
	now := m.nowFn()
	radius := m.entityRadius(spec.Kind)
	wanted := make(map[domain.BloodGroup]struct{}, len(spec.Groups))
	for _, g := range spec.Groups {
		wanted[g] = struct{}{}
	}

	holders := make(map[string]struct{})
	for _, unit := range v.ListUnits() {
		if _, ok := wanted[unit.Group]; !ok {
			continue
		}
		if unit.Usable(now) {
			holders[unit.Location.ID] = struct{}{}
		}
	}

	var matches []ranked[domain.Facility]
	for _, facility := range v.ListFacilities() {
		if facility.Kind != domain.FacilityNGO && facility.Kind != domain.FacilityCenter {
			continue
		}
		if !facility.Verified {
			continue
		}
		if _, ok := holders[facility.ID]; !ok {
			continue
		}
		meters := spec.Origin.DistanceMeters(facility.Location)
		if meters > radius {
			continue
		}
		matches = append(matches, ranked[domain.Facility]{value: facility, meters: meters})
	}
	return sortRanked(matches, func(f domain.Facility) string { return f.ID })
}

// findCompatibleDonors selects active verified donors whose group exactly
// matches a requested group, whose cooldown has elapsed, and who sit inside
// the urgency-scaled donor radius. Plasma requests additionally require a
// recovered donor past the recovery window.
func (m *Matcher) findCompatibleDonors(v domain.TransactionView, spec core.MatchSpec) []domain.Donor {
	now := m.nowFn()
	radius := m.cfg.DonorRadiusMeters * spec.Urgency.RadiusMultiplier()
	wanted := make(map[domain.BloodGroup]struct{}, len(spec.Groups))
	for _, g := range spec.Groups {
		wanted[g] = struct{}{}
	}

	var matches []ranked[domain.Donor]
	for _, donor := range v.ListDonors() {
		if donor.Status != domain.DonorActive || !donor.Verified {
			continue
		}
		if _, ok := wanted[donor.Group]; !ok {
			continue
		}
		if !donor.EligibleAt(now, m.cfg.DonorCooldown) {
			continue
		}
		if spec.Kind == domain.KindPlasma && !plasmaEligible(donor, now) {
			continue
		}
		meters := spec.Origin.DistanceMeters(donor.Location)
		if meters > radius {
			continue
		}
		matches = append(matches, ranked[domain.Donor]{value: donor, meters: meters})
	}
	return sortRanked(matches, func(d domain.Donor) string { return d.ID })
}

// plasmaEligible requires a recovered donor whose recovery window has elapsed
// since their last recorded donation.
func plasmaEligible(donor domain.Donor, now time.Time) bool {
	if !donor.CovidRecovered {
		return false
	}
	if donor.LastDonationAt == nil {
		return true
	}
	return !now.Before(donor.LastDonationAt.Add(domain.PlasmaRecoveryWindow))
}
