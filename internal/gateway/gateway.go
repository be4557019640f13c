// Package gateway multiplexes the live trace of each run to any number of
// stream clients, replaying stored events to clients that reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
)

// Reasons carried by stream_end frames.
const (
	ReasonCompleted    = "run_completed"
	ReasonFailed       = "run_failed"
	ReasonCancelled    = "run_cancelled"
	ReasonHistory      = "history_complete"
	ReasonTimeout      = "timeout"
	ReasonSlowClient   = "slow_client"
	ReasonUnregistered = "run_closed"
	ReasonClosed       = "stream_closed"
)

type (
	// Bus is the part of a trace bus the gateway listens to.
	Bus interface {
		Subscribe(tracebus.Listener) (*tracebus.Subscription, error)
		Heartbeat() error
	}

	// EventLog persists published events and serves replays.
	EventLog interface {
		Append(runID string, events []domain.TraceEvent) error
		GetEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.TraceEvent, error)
	}

	// FrameWriter delivers frames to one client. It is only ever used from
	// the goroutine serving that client.
	FrameWriter interface {
		WriteFrame(f domain.Frame) error
	}

	// Config tunes the gateway.
	Config struct {
		// HeartbeatInterval is the heartbeat period of runs with clients.
		HeartbeatInterval time.Duration
		// ClientTimeout disconnects a client that received nothing for
		// that long.
		ClientTimeout time.Duration
		// ReplayInterval is the pause between replayed events.
		ReplayInterval time.Duration
		// ReplayBurst events may be replayed without pause.
		ReplayBurst int
		// ReplayPageSize is the number of stored events read per query.
		ReplayPageSize int
		// SendBuffer is the per-client queue of live events. A client whose
		// queue is full is disconnected.
		SendBuffer int
	}

	// Metrics is a snapshot of gateway counters.
	Metrics struct {
		RegisteredRuns  int   `json:"registered_runs"`
		ActiveClients   int64 `json:"active_clients"`
		Connections     int64 `json:"connections_total"`
		Disconnects     int64 `json:"disconnects"`
		SlowClients     int64 `json:"slow_client_disconnects"`
		Timeouts        int64 `json:"timeouts"`
		FramesSent      int64 `json:"frames_sent"`
		EventsReplayed  int64 `json:"events_replayed"`
		PersistFailures int64 `json:"persist_failures"`
	}

	// Gateway fans out run traces to stream clients.
	Gateway struct {
		log    EventLog
		cfg    Config
		logCtx context.Context

		mu   sync.RWMutex
		runs map[string]*runEntry

		activeClients   atomic.Int64
		connections     atomic.Int64
		disconnects     atomic.Int64
		slowClients     atomic.Int64
		timeouts        atomic.Int64
		framesSent      atomic.Int64
		eventsReplayed  atomic.Int64
		persistFailures atomic.Int64
	}

	runEntry struct {
		runID string
		bus   Bus
		sub   *tracebus.Subscription

		// guarded by Gateway.mu
		clients  map[string]*client
		hbStop   chan struct{}
		terminal *domain.TraceEvent
	}

	client struct {
		id        string
		runID     string
		createdAt time.Time
		send      chan domain.TraceEvent
		done      chan struct{}
		once      sync.Once
		reason    atomic.Value // string
	}
)

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		ClientTimeout:     5 * time.Minute,
		ReplayInterval:    5 * time.Millisecond,
		ReplayBurst:       50,
		ReplayPageSize:    500,
		SendBuffer:        256,
	}
}

// New creates a gateway mirroring published events into eventLog.
func New(logCtx context.Context, eventLog EventLog, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = def.ClientTimeout
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = def.ReplayInterval
	}
	if cfg.ReplayBurst <= 0 {
		cfg.ReplayBurst = def.ReplayBurst
	}
	if cfg.ReplayPageSize <= 0 {
		cfg.ReplayPageSize = def.ReplayPageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Gateway{
		log:    eventLog,
		cfg:    cfg,
		logCtx: logCtx,
		runs:   make(map[string]*runEntry),
	}
}

// RegisterRun subscribes to bus. Every published batch is appended to the
// event log first and then broadcast to the clients of runID.
func (g *Gateway) RegisterRun(runID string, bus Bus) error {
	entry := &runEntry{runID: runID, bus: bus, clients: make(map[string]*client)}

	g.mu.Lock()
	if _, ok := g.runs[runID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("run %s already registered", runID)
	}
	g.runs[runID] = entry
	g.mu.Unlock()

	sub, err := bus.Subscribe(func(events []domain.TraceEvent) {
		g.publish(entry, events)
	})
	if err != nil {
		g.mu.Lock()
		delete(g.runs, runID)
		g.mu.Unlock()
		return fmt.Errorf("failed to subscribe to run %s: %w", runID, err)
	}
	g.mu.Lock()
	entry.sub = sub
	g.mu.Unlock()
	return nil
}

// UnregisterRun closes the subscription and heartbeat of runID and
// disconnects its clients. It is a no-op for unknown runs.
func (g *Gateway) UnregisterRun(runID string) {
	g.mu.Lock()
	entry, ok := g.runs[runID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.runs, runID)
	clients := make([]*client, 0, len(entry.clients))
	for _, c := range entry.clients {
		clients = append(clients, c)
	}
	entry.clients = make(map[string]*client)
	g.stopHeartbeatLocked(entry)
	sub := entry.sub
	g.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	for _, c := range clients {
		g.disconnect(c, ReasonUnregistered)
	}
}

// Registered reports whether runID is registered.
func (g *Gateway) Registered(runID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.runs[runID]
	return ok
}

// ClientCount returns the number of clients attached to runID.
func (g *Gateway) ClientCount(runID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if entry, ok := g.runs[runID]; ok {
		return len(entry.clients)
	}
	return 0
}

// Shutdown unregisters every run.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	ids := make([]string, 0, len(g.runs))
	for id := range g.runs {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	for _, id := range ids {
		g.UnregisterRun(id)
	}
}

func (g *Gateway) publish(entry *runEntry, events []domain.TraceEvent) {
	if err := g.log.Append(entry.runID, events); err != nil {
		g.persistFailures.Add(1)
		log.Error(g.logCtx, err, log.KV{K: "msg", V: "failed to persist trace events"}, log.KV{K: "run_id", V: entry.runID})
	}

	g.mu.Lock()
	for i := range events {
		if events[i].EventType.IsTerminal() && entry.terminal == nil {
			ev := events[i]
			entry.terminal = &ev
		}
	}
	clients := make([]*client, 0, len(entry.clients))
	for _, c := range entry.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		for _, ev := range events {
			if !c.enqueue(ev) {
				g.slowClients.Add(1)
				log.Warn(g.logCtx,
					log.KV{K: "msg", V: "stream client too slow, disconnecting"},
					log.KV{K: "run_id", V: entry.runID},
					log.KV{K: "client_id", V: c.id},
				)
				g.disconnect(c, ReasonSlowClient)
				break
			}
		}
	}
}

// enqueue queues ev without blocking. It reports false when the queue is
// full; events for disconnected clients are dropped silently.
func (c *client) enqueue(ev domain.TraceEvent) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (g *Gateway) attach(runID string) (*client, *domain.TraceEvent, bool) {
	c := &client{
		id:        "client_" + uuid.New().String()[:8],
		runID:     runID,
		createdAt: time.Now(),
		send:      make(chan domain.TraceEvent, g.cfg.SendBuffer),
		done:      make(chan struct{}),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.runs[runID]
	if !ok {
		return c, nil, false
	}
	entry.clients[c.id] = c
	if len(entry.clients) == 1 {
		g.startHeartbeatLocked(entry)
	}
	g.activeClients.Add(1)
	return c, entry.terminal, true
}

// disconnect detaches c from its run. It is safe to call more than once;
// the first reason wins.
func (g *Gateway) disconnect(c *client, reason string) {
	c.once.Do(func() {
		c.reason.Store(reason)
		close(c.done)

		g.mu.Lock()
		if entry, ok := g.runs[c.runID]; ok {
			if _, attached := entry.clients[c.id]; attached {
				delete(entry.clients, c.id)
				if len(entry.clients) == 0 {
					g.stopHeartbeatLocked(entry)
				}
			}
		}
		g.mu.Unlock()

		g.activeClients.Add(-1)
		g.disconnects.Add(1)
		log.Info(g.logCtx,
			log.KV{K: "msg", V: "stream client disconnected"},
			log.KV{K: "run_id", V: c.runID},
			log.KV{K: "client_id", V: c.id},
			log.KV{K: "reason", V: reason},
			log.KV{K: "duration_ms", V: time.Since(c.createdAt).Milliseconds()},
		)
	})
}

func (c *client) disconnectReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (g *Gateway) startHeartbeatLocked(entry *runEntry) {
	if entry.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	entry.hbStop = stop
	bus := entry.bus
	go func() {
		ticker := time.NewTicker(g.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := bus.Heartbeat(); err != nil && !errors.Is(err, tracebus.ErrBusClosed) {
					log.Error(g.logCtx, err, log.KV{K: "msg", V: "heartbeat failed"}, log.KV{K: "run_id", V: entry.runID})
				}
			}
		}
	}()
}

func (g *Gateway) stopHeartbeatLocked(entry *runEntry) {
	if entry.hbStop != nil {
		close(entry.hbStop)
		entry.hbStop = nil
	}
}

// heartbeatActive reports whether the heartbeat timer of runID runs.
func (g *Gateway) heartbeatActive(runID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.runs[runID]
	return ok && entry.hbStop != nil
}

// Connect serves one stream client until the run ends, the client is
// disconnected or ctx is done. The client first receives a connected
// heartbeat, then the stored events after lastSeq when lastSeq > 0, then
// live events. Runs that are not registered, or already finished, get a
// one-shot dump of their history. Every stream ends with a stream_end frame
// unless the transport itself failed.
func (g *Gateway) Connect(ctx context.Context, w FrameWriter, runID string, lastSeq int64) error {
	g.connections.Add(1)
	c, terminal, live := g.attach(runID)
	if live {
		defer g.disconnect(c, ReasonClosed)
	}
	s := &stream{g: g, w: w, c: c, runID: runID, lastSent: lastSeq}

	if err := s.writeConnected(lastSeq); err != nil {
		return err
	}

	if !live || terminal != nil {
		if err := s.replay(ctx, lastSeq); err != nil {
			return err
		}
		reason := ReasonHistory
		if s.terminalSeen != "" {
			reason = s.terminalSeen
		}
		return s.end(reason)
	}

	if lastSeq > 0 {
		if err := s.replay(ctx, lastSeq); err != nil {
			return err
		}
		if s.terminalSeen != "" {
			return s.end(s.terminalSeen)
		}
	}
	return s.forward(ctx)
}

type stream struct {
	g            *Gateway
	w            FrameWriter
	c            *client
	runID        string
	lastSent     int64
	terminalSeen string
}

func (s *stream) write(f domain.Frame) error {
	if err := s.w.WriteFrame(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.g.framesSent.Add(1)
	return nil
}

func (s *stream) writeConnected(lastSeq int64) error {
	data, err := json.Marshal(domain.ConnectedData{
		Type:     domain.FrameEventConnected,
		RunID:    s.runID,
		ClientID: s.c.id,
		LastSeq:  lastSeq,
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.write(domain.Frame{ID: lastSeq, Event: string(domain.EventTypeHeartbeat), Data: data})
}

// writeEvent sends ev unless it was already sent.
func (s *stream) writeEvent(ev domain.TraceEvent) error {
	if ev.Seq <= s.lastSent {
		return nil
	}
	f, err := domain.FrameFromEvent(ev)
	if err != nil {
		return err
	}
	if err := s.write(f); err != nil {
		return err
	}
	s.lastSent = ev.Seq
	if ev.EventType.IsTerminal() {
		s.terminalSeen = terminalReason(ev.EventType)
	}
	return nil
}

func (s *stream) end(reason string) error {
	data, err := json.Marshal(domain.StreamEndData{RunID: s.runID, Reason: reason, LastSeq: s.lastSent})
	if err != nil {
		return err
	}
	return s.write(domain.Frame{ID: s.lastSent, Event: domain.FrameEventStreamEnd, Data: data})
}

// replay sends stored events after fromSeq, paced by a rate limiter.
func (s *stream) replay(ctx context.Context, fromSeq int64) error {
	limiter := rate.NewLimiter(rate.Every(s.g.cfg.ReplayInterval), s.g.cfg.ReplayBurst)
	cursor := fromSeq
	for {
		events, err := s.g.log.GetEvents(ctx, s.runID, cursor, s.g.cfg.ReplayPageSize)
		if err != nil {
			return fmt.Errorf("failed to load replay: %w", err)
		}
		for _, ev := range events {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			select {
			case <-s.c.done:
				return nil
			default:
			}
			if err := s.writeEvent(ev); err != nil {
				return err
			}
			s.g.eventsReplayed.Add(1)
			cursor = ev.Seq
		}
		if len(events) < s.g.cfg.ReplayPageSize {
			return nil
		}
	}
}

// forward sends live events until the run ends or the client goes away.
func (s *stream) forward(ctx context.Context) error {
	timeout := time.NewTimer(s.g.cfg.ClientTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.c.done:
			s.drain()
			if s.terminalSeen != "" {
				return s.end(s.terminalSeen)
			}
			return s.end(s.c.disconnectReason())
		case <-timeout.C:
			s.g.timeouts.Add(1)
			s.g.disconnect(s.c, ReasonTimeout)
			return s.end(ReasonTimeout)
		case ev := <-s.c.send:
			if err := s.writeEvent(ev); err != nil {
				return err
			}
			timeout.Reset(s.g.cfg.ClientTimeout)
			if s.terminalSeen != "" {
				return s.end(s.terminalSeen)
			}
		}
	}
}

// drain writes events that were queued before the client was detached.
func (s *stream) drain() {
	for {
		select {
		case ev := <-s.c.send:
			if err := s.writeEvent(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func terminalReason(t domain.EventType) string {
	switch t {
	case domain.EventTypeRunCompleted:
		return ReasonCompleted
	case domain.EventTypeRunFailed:
		return ReasonFailed
	case domain.EventTypeRunCancelled:
		return ReasonCancelled
	}
	return ""
}

// Metrics returns a snapshot of the gateway counters.
func (g *Gateway) Metrics() Metrics {
	g.mu.RLock()
	runs := len(g.runs)
	g.mu.RUnlock()
	return Metrics{
		RegisteredRuns:  runs,
		ActiveClients:   g.activeClients.Load(),
		Connections:     g.connections.Load(),
		Disconnects:     g.disconnects.Load(),
		SlowClients:     g.slowClients.Load(),
		Timeouts:        g.timeouts.Load(),
		FramesSent:      g.framesSent.Load(),
		EventsReplayed:  g.eventsReplayed.Load(),
		PersistFailures: g.persistFailures.Load(),
	}
}
