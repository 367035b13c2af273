// Package fanout turns one logical request into per-candidate request
// records and notification jobs. The batch is best-effort: each candidate is
// processed independently and one failure never rolls back the others.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hemocore/internal/core"
	"hemocore/pkg/domain"
)

const defaultConcurrency = 8

// Dispatcher creates one request record per matched NGO and submits a
// notification job per counterparty.
type Dispatcher struct {
	store       domain.PersistentStore
	notifier    core.NotificationSink
	logger      *zap.Logger
	concurrency int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger replaces the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithConcurrency bounds the number of candidates processed in parallel.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// New constructs a dispatcher writing to the store and submitting jobs to the
// notification sink. The sink may be nil, in which case only records are
// created.
func New(store domain.PersistentStore, notifier core.NotificationSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		notifier:    notifier,
		logger:      zap.NewNop(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FanOut creates one request record per NGO in the candidate set. Each record
// shares the template's batch id and tracks independently afterwards. Matched
// donors receive a notification but no record; donors fulfill via donation
// slots, not deliveries.
func (d *Dispatcher) FanOut(ctx context.Context, template domain.Request, candidates core.CandidateSet) core.DispatchResult {
	var (
		mu      sync.Mutex
		result  core.DispatchResult
		wg      sync.WaitGroup
		permits = make(chan struct{}, d.concurrency)
	)

	for _, ngo := range candidates.NGOs {
		wg.Add(1)
		permits <- struct{}{}
		go func(ngo domain.Facility) {
			defer wg.Done()
			defer func() { <-permits }()
			created, err := d.createFor(ctx, template, ngo)
			mu.Lock()
			if err != nil {
				result.Failures = append(result.Failures, fmt.Errorf("candidate %s: %w", ngo.ID, err))
			} else {
				result.Created = append(result.Created, created)
			}
			mu.Unlock()
		}(ngo)
	}
	wg.Wait()

	for _, donor := range candidates.Donors {
		d.notify(ctx, "donor_request", donor.ID, template)
	}

	d.logger.Info("fan-out finished",
		zap.String("batch_id", template.BatchID),
		zap.Int("created", len(result.Created)),
		zap.Int("failures", len(result.Failures)),
		zap.Int("donors_notified", len(candidates.Donors)))
	return result
}

func (d *Dispatcher) createFor(ctx context.Context, template domain.Request, ngo domain.Facility) (domain.Request, error) {
	record := template
	record.TargetNGOID = ngo.ID
	record.Lines = make([]domain.RequestLine, len(template.Lines))
	copy(record.Lines, template.Lines)
	record.History = make([]domain.StatusEvent, len(template.History))
	copy(record.History, template.History)

	var created domain.Request
	_, err := d.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var cerr error
		created, cerr = tx.CreateRequest(record)
		return cerr
	})
	if err != nil {
		return domain.Request{}, err
	}

	d.notify(ctx, "ngo_request", ngo.ID, created)
	return created, nil
}

// notify submits one job, logging rather than failing on sink errors. The
// request payload is redacted before leaving the engine.
func (d *Dispatcher) notify(ctx context.Context, jobType, recipientID string, request domain.Request) {
	if d.notifier == nil {
		return
	}
	redacted := request.Redacted()
	if _, err := d.notifier.Submit(ctx, jobType, recipientID, map[string]any{
		"request_id":  redacted.ID,
		"batch_id":    redacted.BatchID,
		"kind":        string(redacted.Kind),
		"urgency":     string(redacted.Urgency),
		"required_by": redacted.RequiredBy,
	}); err != nil {
		d.logger.Warn("notification failed",
			zap.String("job_type", jobType),
			zap.String("recipient_id", recipientID),
			zap.Error(err))
	}
}
