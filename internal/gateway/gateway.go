// Package gateway hosts the websocket transport, the per-process subscription
// registry, and the message protocol that drives party state. Each attached
// party owns exactly one event-bus subscription per process; bus events are
// applied to a local replica and fanned out to every subscribed connection.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"partywatch/internal/observability/metrics"
	"partywatch/internal/party"
	"partywatch/internal/store"
)

// DefaultHeartbeatInterval controls how often each attached party's local
// viewer report is republished. Peers drop an instance from their aggregates
// when no report arrives within party.StalenessWindow.
const DefaultHeartbeatInterval = 10 * time.Second

// Config configures a Gateway.
type Config struct {
	Repository *party.Repository
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// InstanceID identifies this process in viewer reports. Required.
	InstanceID string
	// HeartbeatInterval overrides the stats republish cadence. A zero
	// value selects DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// SendBuffer bounds each connection's outbound queue.
	SendBuffer int
}

// Gateway coordinates local subscriptions, bus fan-in, and client fan-out.
type Gateway struct {
	repo              *party.Repository
	logger            *slog.Logger
	metrics           *metrics.Recorder
	instanceID        string
	heartbeatInterval time.Duration
	sendBuffer        int
	upgrader          websocket.Upgrader
	handlers          []messageHandler

	mu     sync.RWMutex
	subs   map[string]*subscription
	attach singleflight.Group
}

// subscription tracks the local connections attached to one party together
// with the single bus subscription this process holds for it. The party
// replica is guarded by its own mutex because the bus drain goroutine and
// request handlers both touch it.
type subscription struct {
	mu    sync.Mutex
	party *party.Party
	conns map[*client]struct{}
	bus   store.Subscription
}

// New initialises a gateway using the provided configuration.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	g := &Gateway{
		repo:              cfg.Repository,
		logger:            logger,
		metrics:           recorder,
		instanceID:        cfg.InstanceID,
		heartbeatInterval: interval,
		sendBuffer:        buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The endpoint is a public API reached from arbitrary
			// page origins; message-level secrets authorize writes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]*subscription),
	}
	g.handlers = []messageHandler{
		&createHandler{gateway: g},
		&pingHandler{},
		&subscribeHandler{gateway: g},
		&unsubscribeHandler{gateway: g},
		&updateHandler{gateway: g},
		&infoHandler{gateway: g},
	}
	return g
}

// HandleConnection upgrades the HTTP request to a websocket connection and
// starts its read/write loops.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(g, conn)
	go c.writeLoop()
	go c.readLoop()
}

// Subscribe attaches conn to the party's local subscription, creating the
// subscription and its bus attachment when conn is the first local
// subscriber. Returns false when the party does not exist or the store is
// unavailable.
func (g *Gateway) Subscribe(ctx context.Context, c *client, id string) bool {
	for {
		g.mu.Lock()
		if sub := g.subs[id]; sub != nil {
			sub.conns[c] = struct{}{}
			c.parties[id] = struct{}{}
			viewers := len(sub.conns)
			g.updateGaugesLocked()
			g.mu.Unlock()
			g.logger.Info("client subscribed", "party", id)
			g.publishStats(ctx, id, viewers)
			return true
		}
		g.mu.Unlock()

		// Collapse concurrent first subscribers into one repository
		// lookup plus one bus subscription. Waiters loop to pick the
		// winner's subscription out of the registry.
		if _, err, _ := g.attach.Do(id, func() (interface{}, error) {
			return nil, g.attachParty(ctx, id)
		}); err != nil {
			return false
		}
	}
}

// attachParty transitions a party to the attached state: load the record,
// open the bus subscription, insert the subscription into the registry, and
// start the drain goroutine. Runs inside the singleflight section.
func (g *Gateway) attachParty(ctx context.Context, id string) error {
	g.mu.RLock()
	existing := g.subs[id]
	g.mu.RUnlock()
	if existing != nil {
		return nil
	}
	p, err := g.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	bus, err := g.repo.SubscribeParty(ctx, id)
	if err != nil {
		return err
	}
	sub := &subscription{
		party: p,
		conns: make(map[*client]struct{}),
		bus:   bus,
	}
	g.mu.Lock()
	g.subs[id] = sub
	g.updateGaugesLocked()
	g.mu.Unlock()
	go g.drain(id, sub)
	g.logger.Info("party attached", "party", id)
	return nil
}

// Unsubscribe removes conn from the party's subscription. The last local
// subscriber detaches the bus subscription after a final zero-viewer report.
// Returns false when no local subscription exists for the id.
func (g *Gateway) Unsubscribe(ctx context.Context, c *client, id string) bool {
	g.mu.Lock()
	sub := g.subs[id]
	if sub == nil {
		g.mu.Unlock()
		return false
	}
	delete(sub.conns, c)
	delete(c.parties, id)
	viewers := len(sub.conns)
	if viewers == 0 {
		delete(g.subs, id)
	}
	g.updateGaugesLocked()
	g.mu.Unlock()

	g.logger.Info("client unsubscribed", "party", id)
	g.publishStats(ctx, id, viewers)
	if viewers == 0 {
		sub.bus.Close()
		g.logger.Info("party detached", "party", id)
	}
	return true
}

// DropConnection sweeps the registry for every party the connection belongs
// to and unsubscribes it from each.
func (g *Gateway) DropConnection(ctx context.Context, c *client) {
	g.mu.RLock()
	ids := make([]string, 0, len(c.parties))
	for id := range c.parties {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	if len(ids) > 0 {
		g.logger.Info("client disconnected", "parties", len(ids))
	}
	for _, id := range ids {
		g.Unsubscribe(ctx, c, id)
	}
}

// RunHeartbeat republishes every attached party's local viewer report on a
// fixed cadence until the context is cancelled. This is the sole mechanism by
// which remote processes learn this instance still has viewers.
func (g *Gateway) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.mu.RLock()
			counts := make(map[string]int, len(g.subs))
			for id, sub := range g.subs {
				counts[id] = len(sub.conns)
			}
			g.mu.RUnlock()
			for id, viewers := range counts {
				g.publishStats(ctx, id, viewers)
			}
		}
	}
}

// drain applies bus events for one attached party until its subscription
// closes. Status events overwrite the local replica last-write-wins and fan
// out to every local connection; stats events feed the collector. Handlers
// tolerate duplicates and reordering.
func (g *Gateway) drain(id string, sub *subscription) {
	for payload := range sub.bus.Messages() {
		ev, err := party.DecodeEvent([]byte(payload))
		if err != nil {
			g.logger.Warn("bus event decode failed", "party", id, "error", err)
			continue
		}
		switch ev.Type {
		case party.EventTypeStats:
			report, err := ev.Stats()
			if err != nil {
				g.logger.Warn("stats payload decode failed", "party", id, "error", err)
				continue
			}
			sub.party.Stats().Update(report)
			g.metrics.ObserveBusEvent(string(party.EventTypeStats))
		case party.EventTypeStatus:
			rec, err := ev.Status()
			if err != nil {
				g.logger.Warn("status payload decode failed", "party", id, "error", err)
				continue
			}
			sub.mu.Lock()
			sub.party.ApplyStatus(rec)
			status := sub.party.SerializeStatus()
			sub.mu.Unlock()
			g.fanout(sub, status)
			g.metrics.ObserveBusEvent(string(party.EventTypeStatus))
		}
	}
}

// fanout pushes a status snapshot to every local connection of the
// subscription. Slow consumers drop the frame rather than stall the drain
// goroutine.
func (g *Gateway) fanout(sub *subscription, status party.Record) {
	payload, err := encodeResponse(response{Type: "status", Data: status})
	if err != nil {
		g.logger.Error("status fanout encode failed", "party", status.ID, "error", err)
		return
	}
	g.mu.RLock()
	recipients := make([]*client, 0, len(sub.conns))
	for c := range sub.conns {
		recipients = append(recipients, c)
	}
	g.mu.RUnlock()
	for _, c := range recipients {
		c.enqueue(payload)
	}
}

// partyStatus returns the local replica's public snapshot when the party is
// attached on this process.
func (g *Gateway) partyStatus(id string) (party.Record, bool) {
	g.mu.RLock()
	sub := g.subs[id]
	g.mu.RUnlock()
	if sub == nil {
		return party.Record{}, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.party.SerializeStatus(), true
}

func (g *Gateway) publishStats(ctx context.Context, id string, viewers int) {
	report := party.NewStats(g.instanceID, viewers)
	if err := g.repo.PublishStats(ctx, id, report); err != nil {
		g.logger.Error("stats publish failed", "party", id, "error", err)
	}
}

func (g *Gateway) updateGaugesLocked() {
	total := 0
	for _, sub := range g.subs {
		total += len(sub.conns)
	}
	g.metrics.SetAttachedParties(int64(len(g.subs)))
	g.metrics.SetLocalViewers(int64(total))
}
