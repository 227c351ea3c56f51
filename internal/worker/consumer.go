// Package worker runs the consumer loop: poll the stream, match each event
// against nearby users, claim dedup markers, write notification records and
// acknowledge.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/you/surplus-alerts/internal/dedup"
	"github.com/you/surplus-alerts/internal/event"
	"github.com/you/surplus-alerts/internal/matching"
	"github.com/you/surplus-alerts/internal/model"
	"github.com/you/surplus-alerts/internal/records"
	"github.com/you/surplus-alerts/internal/stream"
)

// Options tune the consumer loop.
type Options struct {
	DedupTTL     time.Duration // cooldown per (user, store, item)
	BatchSize    int
	Block        time.Duration // poll block timeout
	OpTimeout    time.Duration // bound on every store round trip
	ErrorBackoff time.Duration // pause after a failed poll
}

func (o *Options) applyDefaults() {
	if o.DedupTTL <= 0 {
		o.DedupTTL = 900 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
}

// Consumer is one logical worker. Scale out by running more processes with
// the same group and distinct consumer identities.
type Consumer struct {
	transport stream.Transport
	records   records.Store
	dedup     dedup.Store
	opts      Options
	log       zerolog.Logger
	metrics   *Metrics

	now   func() time.Time
	ready atomic.Bool
}

// NewConsumer wires the loop to its collaborators. A nil metrics gets
// unregistered collectors.
func NewConsumer(t stream.Transport, rs records.Store, ds dedup.Store, opts Options, log zerolog.Logger, m *Metrics) *Consumer {
	opts.applyDefaults()
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Consumer{
		transport: t,
		records:   rs,
		dedup:     ds,
		opts:      opts,
		log:       log.With().Str("component", "consumer").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

// Ready reports whether the last poll succeeded.
func (c *Consumer) Ready() bool {
	return c.ready.Load()
}

// Run polls until ctx is cancelled. A batch that was already pulled is
// finished even if ctx is cancelled meanwhile; only completed entries are acked.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Int("batch", c.opts.BatchSize).Dur("block", c.opts.Block).Msg("consumer loop starting")
	for {
		if ctx.Err() != nil {
			c.ready.Store(false)
			c.log.Info().Msg("consumer loop stopped")
			return nil
		}

		entries, err := c.transport.Read(ctx, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.ready.Store(false)
			c.metrics.PollErrors.Inc()
			c.log.Error().Err(err).Msg("poll failed")
			// back off, but stay responsive to shutdown
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.ErrorBackoff):
			}
			continue
		}
		c.ready.Store(true)
		if len(entries) == 0 {
			continue
		}
		c.ProcessBatch(context.WithoutCancel(ctx), entries)
	}
}

// BatchStats summarises one ProcessBatch call.
type BatchStats struct {
	Acked         int
	Discarded     int
	Retry         int
	Notifications int
}

// ProcessBatch handles entries in order. Each entry is acked on its own once
// all of its candidates were resolved; a failing entry stays pending and does
// not hold back the others.
func (c *Consumer) ProcessBatch(ctx context.Context, entries []stream.Entry) BatchStats {
	start := time.Now()
	defer func() { c.metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	var stats BatchStats
	for _, e := range entries {
		res := c.handle(ctx, e)
		c.metrics.Entries.WithLabelValues(res.outcome).Inc()
		stats.Notifications += res.created

		log := c.log.With().Str("entry_id", e.ID).Str("outcome", res.outcome).Logger()
		if res.outcome == outcomeRetry {
			stats.Retry++
			log.Error().Err(res.err).Int("created", res.created).Msg("entry left pending for redelivery")
			continue
		}
		if res.err != nil {
			stats.Discarded++
			log.Warn().Err(res.err).Msg("event discarded")
		}

		if err := c.ack(ctx, e.ID); err != nil {
			c.metrics.AckErrors.Inc()
			log.Error().Err(err).Msg("ack failed")
			continue
		}
		stats.Acked++
		log.Debug().Int("created", res.created).Msg("entry acknowledged")
	}
	return stats
}

type result struct {
	outcome string
	created int
	err     error
}

func (c *Consumer) handle(ctx context.Context, e stream.Entry) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{outcome: outcomeRetry, created: res.created, err: fmt.Errorf("panic while processing: %v", r)}
		}
	}()

	ev, err := event.Parse(e.ID, e.Fields, c.now())
	if err != nil {
		return result{outcome: outcomeMalformed, err: err}
	}

	store, err := c.getStore(ctx, ev.StoreID)
	if errors.Is(err, records.ErrStoreNotFound) {
		return result{outcome: outcomeUnknownStore, err: err}
	}
	if err != nil {
		return result{outcome: outcomeRetry, err: err}
	}

	users, err := c.eligibleUsers(ctx)
	if err != nil {
		return result{outcome: outcomeRetry, err: err}
	}

	candidates, err := matching.Match(ev, store, users)
	if err != nil {
		return result{outcome: outcomeUnlocatedStore, err: fmt.Errorf("store %s: %w", store.ID, err)}
	}

	// occurrences of (user, item) so far; a repeated item gets its own id
	seen := make(map[[2]string]int)
	for cand := range candidates {
		pair := [2]string{cand.UserID, cand.Item}
		ordinal := seen[pair]
		seen[pair]++
		created, err := c.notify(ctx, ev, cand, ordinal)
		if err != nil {
			return result{outcome: outcomeRetry, created: res.created, err: err}
		}
		if created {
			res.created++
		}
	}
	res.outcome = outcomeProcessed
	return res
}

// notificationNamespace scopes the name-based record ids.
var notificationNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("surplus-worker.notification"))

// NotificationID is stable for one candidate of one stream entry, so every
// retry of that candidate writes the same record id.
func NotificationID(entryID, userID, storeID, item string, ordinal int) string {
	name := strings.Join([]string{entryID, userID, storeID, item, strconv.Itoa(ordinal)}, "\x00")
	return uuid.NewSHA1(notificationNamespace, []byte(name)).String()
}

// notify claims the dedup marker and, only when the claim is ours, inserts the
// record. The marker is held by the record id: a retry after a failed or
// unconfirmed insert claims it again and the store rejects a second copy.
func (c *Consumer) notify(ctx context.Context, ev model.Event, cand model.Candidate, ordinal int) (bool, error) {
	key := dedup.Key{UserID: cand.UserID, StoreID: ev.StoreID, Item: cand.Item}
	log := c.log.With().Str("entry_id", ev.ID).Str("store_id", ev.StoreID).
		Str("user_id", cand.UserID).Str("item", cand.Item).Logger()

	n := model.Notification{
		ID:         NotificationID(ev.ID, cand.UserID, ev.StoreID, cand.Item, ordinal),
		UserID:     cand.UserID,
		StoreID:    ev.StoreID,
		Item:       cand.Item,
		EventID:    ev.ID,
		Timestamp:  ev.Timestamp,
		DistanceKm: cand.DistanceKm,
		CreatedAt:  c.now().UTC(),
	}

	claimed, err := c.claim(ctx, key, n.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		c.metrics.DedupHits.Inc()
		log.Debug().Msg("dedup hit")
		return false, nil
	}

	err = c.insert(ctx, n)
	if errors.Is(err, records.ErrDuplicateNotification) {
		c.metrics.DedupHits.Inc()
		log.Debug().Str("notification_id", n.ID).Msg("notification already recorded")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.metrics.Notifications.Inc()
	log.Info().Str("notification_id", n.ID).Float64("distance_km", n.DistanceKm).Msg("notification created")
	return true, nil
}

func (c *Consumer) getStore(ctx context.Context, id string) (model.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.records.GetStore(ctx, id)
}

func (c *Consumer) eligibleUsers(ctx context.Context) ([]model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.records.EligibleUsers(ctx)
}

func (c *Consumer) claim(ctx context.Context, key dedup.Key, owner string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.dedup.Claim(ctx, key, owner, c.opts.DedupTTL)
}

func (c *Consumer) insert(ctx context.Context, n model.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.records.InsertNotification(ctx, n)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.transport.Ack(ctx, id)
}

// Preview runs the matching engine for storeID and items without claiming
// markers or writing records.
func (c *Consumer) Preview(ctx context.Context, storeID string, items []string) ([]model.Candidate, error) {
	store, err := c.getStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	users, err := c.eligibleUsers(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := matching.Match(model.Event{StoreID: storeID, Items: items}, store, users)
	if err != nil {
		return nil, err
	}
	out := []model.Candidate{}
	for cand := range seq {
		out = append(out, cand)
	}
	return out, nil
}
