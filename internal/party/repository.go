package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"partywatch/internal/observability/metrics"
	"partywatch/internal/store"
)

// ErrNotFound reports that no party record exists for the requested id.
var ErrNotFound = errors.New("party not found")

const (
	// keyPrefix namespaces both the persisted record key and the pub/sub
	// channel for a party.
	keyPrefix = "watchparty:"

	// RecordTTL bounds how long an unused party survives in the shared
	// store.
	RecordTTL = 24 * time.Hour
)

// Repository loads and saves party records in the shared store and publishes
// the events that keep other instances in sync.
type Repository struct {
	store   store.Store
	rules   Rules
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRepository wires a repository over the given store. A nil logger falls
// back to slog.Default and a nil recorder to metrics.Default.
func NewRepository(st store.Store, rules Rules, logger *slog.Logger, recorder *metrics.Recorder) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Repository{store: st, rules: rules, logger: logger, metrics: recorder}
}

// Rules exposes the validation rules parties built by this repository use.
func (r *Repository) Rules() Rules {
	return r.rules
}

// Get loads the party with the given id. Absence is reported as ErrNotFound,
// store failures as wrapped errors.
func (r *Repository) Get(ctx context.Context, id string) (*Party, error) {
	raw, ok, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		r.metrics.ObserveStoreFailure("get")
		r.logger.Error("party load failed", "party", id, "error", err)
		return nil, fmt.Errorf("load party %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		r.metrics.ObserveStoreFailure("decode")
		r.logger.Error("party record corrupt", "party", id, "error", err)
		return nil, fmt.Errorf("decode party %s: %w", id, err)
	}
	return FromRecord(rec, r.rules), nil
}

// Save persists the full owner record with the bounded TTL, then publishes a
// status event on the party channel. A store failure surfaces to the caller;
// there is no silent retry because a retried write could reorder behind a
// newer one.
func (r *Repository) Save(ctx context.Context, p *Party) error {
	rec := p.Serialize()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal party %s: %w", p.ID, err)
	}
	if err := r.store.Set(ctx, keyPrefix+p.ID, string(raw), RecordTTL); err != nil {
		r.metrics.ObserveStoreFailure("set")
		r.logger.Error("party save failed", "party", p.ID, "error", err)
		return fmt.Errorf("save party %s: %w", p.ID, err)
	}
	ev, err := NewStatusEvent(rec)
	if err != nil {
		return err
	}
	if err := r.publish(ctx, p.ID, ev); err != nil {
		r.logger.Error("status publish failed", "party", p.ID, "error", err)
		return err
	}
	return nil
}

// PublishStats publishes one instance's viewer report on the party channel.
func (r *Repository) PublishStats(ctx context.Context, id string, s Stats) error {
	ev, err := NewStatsEvent(s)
	if err != nil {
		return err
	}
	return r.publish(ctx, id, ev)
}

// SubscribeParty opens a bus subscription for the party's channel.
func (r *Repository) SubscribeParty(ctx context.Context, id string) (store.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, keyPrefix+id)
	if err != nil {
		r.metrics.ObserveStoreFailure("subscribe")
		r.logger.Error("party subscribe failed", "party", id, "error", err)
		return nil, fmt.Errorf("subscribe party %s: %w", id, err)
	}
	return sub, nil
}

func (r *Repository) publish(ctx context.Context, id string, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := r.store.Publish(ctx, keyPrefix+id, string(payload)); err != nil {
		r.metrics.ObserveStoreFailure("publish")
		return fmt.Errorf("publish %s event for party %s: %w", ev.Type, id, err)
	}
	return nil
}
