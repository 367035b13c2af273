package core

import (
	"context"
	"strconv"
	"sync"
	"time"

	"hemocore/pkg/domain"
)

// MatchSpec describes one matching pass for a logical request.
type MatchSpec struct {
	Kind    domain.ResourceKind
	Groups  []domain.BloodGroup
	Origin  domain.GeoPoint
	Urgency domain.UrgencyLevel
}

// CandidateSet is the outcome of a matching pass. Degraded marks a set that
// is empty (or partial) because a directory lookup timed out rather than
// because no counterparty exists; callers may retry degraded searches.
// RadiusMeters is the effective entity search radius of the pass.
type CandidateSet struct {
	NGOs         []domain.Facility
	Donors       []domain.Donor
	RadiusMeters float64
	Degraded     bool
}

// Matcher discovers eligible counterparties for a request.
type Matcher interface {
	Candidates(ctx context.Context, spec MatchSpec) (CandidateSet, error)
}

// DispatchResult aggregates per-candidate outcomes of a fan-out. The batch is
// best-effort: failures never abort the surviving creations.
type DispatchResult struct {
	Created  []domain.Request
	Failures []error
}

// Dispatcher turns one logical request into per-candidate records and
// notification jobs.
type Dispatcher interface {
	FanOut(ctx context.Context, template domain.Request, candidates CandidateSet) DispatchResult
}

// NotificationSink submits notification jobs to the delivery collaborator.
// Delivery guarantees belong to that collaborator; the core fires and forgets.
type NotificationSink interface {
	Submit(ctx context.Context, jobType, recipientID string, payload map[string]any) (string, error)
}

// AuditLog records activity entries, best-effort and non-blocking.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures one audit trail record.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Entity     string         `json:"entity,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// MemoryAuditLog captures audit entries in-memory for assertions and as the
// default sink when none is configured.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a defensive copy of recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// MemoryNotificationSink collects submitted jobs in-memory for tests.
type MemoryNotificationSink struct {
	mu   sync.Mutex
	jobs []SubmittedJob
	// Fail, when set, rejects submissions for the listed recipients.
	Fail map[string]error
	seq  int
}

// SubmittedJob is one captured notification submission.
type SubmittedJob struct {
	JobID       string
	JobType     string
	RecipientID string
	Payload     map[string]any
}

// Submit captures the job and returns a synthetic job id.
func (s *MemoryNotificationSink) Submit(_ context.Context, jobType, recipientID string, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.Fail[recipientID]; ok {
		return "", err
	}
	s.seq++
	job := SubmittedJob{
		JobID:       "job-" + recipientID + "-" + strconv.Itoa(s.seq),
		JobType:     jobType,
		RecipientID: recipientID,
		Payload:     payload,
	}
	s.jobs = append(s.jobs, job)
	return job.JobID, nil
}

// Jobs returns a defensive copy of captured submissions.
func (s *MemoryNotificationSink) Jobs() []SubmittedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmittedJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}
