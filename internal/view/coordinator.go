package view

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/appointment"
	"github.com/clinicsync/appointment-engine/internal/store"
)

// Update is one delivery to a view consumer: the complete ordered result set
// for the view's query. SyncLost marks a degraded view whose backing
// subscription dropped; Appointments then holds the last known snapshot
// while the coordinator reconnects in the background.
type Update struct {
	Appointments []appointment.Appointment
	SyncLost     bool
}

// Handle is one consumer's attachment to a live view. Consumers read
// Updates until they call CloseView; they hold no mutable copy of truth
// beyond the latest delivered snapshot.
type Handle struct {
	key     viewKey
	updates chan Update
	closed  bool
}

func (h *Handle) Updates() <-chan Update {
	return h.updates
}

type viewKey struct {
	viewerID uuid.UUID
	field    store.QueryField
	value    uuid.UUID
}

// sharedView is one underlying store subscription shared by every consumer
// with the same (viewer, query) pair.
type sharedView struct {
	query       store.Query
	sub         store.Subscription
	consumers   map[*Handle]struct{}
	last        []appointment.Appointment
	hasSnapshot bool
	degraded    bool
	retrying    bool
	gen         uint64
}

type Config struct {
	// Reconnect backoff after a subscription failure.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// Per-consumer update buffer. Delivery is latest-wins: when a consumer
	// lags, stale snapshots are dropped in favor of the newest.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
	if c.Buffer <= 0 {
		c.Buffer = 4
	}
	return c
}

// Coordinator bridges store change notifications to per-viewer snapshot
// channels. It owns every view subscription: reference-counted per
// (viewer, query), released exactly once when the last consumer closes.
type Coordinator struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	views map[viewKey]*sharedView

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(st store.Store, cfg Config, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "view-coordinator").Logger(),
		views:  make(map[viewKey]*sharedView),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OpenView attaches a consumer to the live view for (viewerID, q), creating
// the underlying store subscription if this is the first consumer. A failed
// initial subscribe does not fail the open: the view starts degraded and the
// coordinator keeps reconnecting until CloseView.
func (c *Coordinator) OpenView(viewerID uuid.UUID, q store.Query) *Handle {
	key := viewKey{viewerID: viewerID, field: q.Field, value: q.Value}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := &Handle{key: key, updates: make(chan Update, c.cfg.Buffer)}

	v, ok := c.views[key]
	if !ok {
		v = &sharedView{query: q, consumers: make(map[*Handle]struct{})}
		c.views[key] = v
		c.subscribeLocked(key, v)
	}

	v.consumers[h] = struct{}{}
	if v.hasSnapshot || v.degraded {
		c.sendLocked(h, Update{Appointments: v.last, SyncLost: v.degraded})
	}
	return h
}

// CloseView detaches a consumer. Idempotent, and safe while a delivery is in
// flight: an update racing with close is dropped, never an error. The store
// subscription is released when the last consumer leaves.
func (c *Coordinator) CloseView(h *Handle) {
	if h == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.updates)

	v, ok := c.views[h.key]
	if !ok {
		return
	}
	delete(v.consumers, h)
	if len(v.consumers) == 0 {
		if v.sub != nil {
			v.sub.Unsubscribe()
			v.sub = nil
		}
		v.gen++ // invalidates any in-flight retry loop
		delete(c.views, h.key)
	}
}

// Close tears down every view. Used on shutdown.
func (c *Coordinator) Close() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, v := range c.views {
		if v.sub != nil {
			v.sub.Unsubscribe()
			v.sub = nil
		}
		v.gen++
		for h := range v.consumers {
			h.closed = true
			close(h.updates)
		}
		delete(c.views, key)
	}
}

// subscribeLocked starts the store subscription for a view. Caller holds mu.
func (c *Coordinator) subscribeLocked(key viewKey, v *sharedView) {
	q := v.query
	gen := v.gen
	sub, err := c.store.Subscribe(c.ctx, q,
		func(snapshot []appointment.Appointment) { c.onSnapshot(key, gen, snapshot) },
		func(err error) { c.onSubscriptionError(key, gen, err) },
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", q.Channel()).Msg("view subscription failed, retrying")
		c.degradeLocked(key, v)
		return
	}
	v.sub = sub
}

func (c *Coordinator) onSnapshot(key viewKey, gen uint64, snapshot []appointment.Appointment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.views[key]
	if !ok || v.gen != gen {
		return
	}
	v.last = snapshot
	v.hasSnapshot = true
	v.degraded = false
	for h := range v.consumers {
		c.sendLocked(h, Update{Appointments: snapshot})
	}
}

func (c *Coordinator) onSubscriptionError(key viewKey, gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.views[key]
	if !ok || v.gen != gen {
		return
	}
	c.logger.Warn().Err(err).Str("channel", v.query.Channel()).Msg("view subscription lost")
	if v.sub != nil {
		v.sub.Unsubscribe()
		v.sub = nil
	}
	c.degradeLocked(key, v)
}

// degradeLocked marks the view degraded, tells every consumer, and kicks off
// the reconnect loop. Caller holds mu.
func (c *Coordinator) degradeLocked(key viewKey, v *sharedView) {
	if !v.degraded {
		v.degraded = true
		for h := range v.consumers {
			c.sendLocked(h, Update{Appointments: v.last, SyncLost: true})
		}
	}
	if v.retrying {
		return
	}
	v.retrying = true
	go c.retryLoop(key, v.gen)
}

func (c *Coordinator) retryLoop(key viewKey, gen uint64) {
	backoff := c.cfg.BackoffBase
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(jitter(backoff, c.cfg.BackoffJitter)):
		}

		c.mu.Lock()
		v, ok := c.views[key]
		if !ok || v.gen != gen {
			c.mu.Unlock()
			return
		}

		q := v.query
		sub, err := c.store.Subscribe(c.ctx, q,
			func(snapshot []appointment.Appointment) { c.onSnapshot(key, gen, snapshot) },
			func(err error) { c.onSubscriptionError(key, gen, err) },
		)
		if err == nil {
			v.sub = sub
			v.retrying = false
			c.mu.Unlock()
			c.logger.Info().Str("channel", q.Channel()).Msg("view subscription restored")
			return
		}
		c.mu.Unlock()

		c.logger.Warn().Err(err).Str("channel", q.Channel()).Dur("backoff", backoff).Msg("view resubscribe failed")
		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}
}

// sendLocked delivers latest-wins: if the consumer's buffer is full, the
// oldest queued snapshot is discarded. Full snapshots are idempotent, so a
// dropped intermediate delivery costs nothing. Caller holds mu.
func (c *Coordinator) sendLocked(h *Handle, u Update) {
	if h.closed {
		return
	}
	for {
		select {
		case h.updates <- u:
			return
		default:
		}
		select {
		case <-h.updates:
		default:
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}
