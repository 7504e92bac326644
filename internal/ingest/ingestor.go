package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/metrics"
	"github.com/stphnsmpsn/unifi-protect-backup/internal/protect"
)

const (
	// reconnectOverlap widens the recovery pull past the observed
	// disconnect so events racing the drop are not lost.
	reconnectOverlap = 60 * time.Second

	// seenCacheSize bounds the emitted-event dedup cache.
	seenCacheSize = 4096
)

type Config struct {
	PollInterval   time.Duration
	MaxEventLength time.Duration
	QueueSize      int
}

// Ingestor merges the controller's push stream with a periodic history
// pull into one gap-free stream of events ready to back up. Events flow
// through a small per-event state machine keyed by event id:
//
//	OPEN -(end known)-> CLOSED -> READY
//	OPEN -(max event length elapsed)-> TIMED_OUT -> READY
//
// Every READY event is upserted into the catalog and emitted on Out.
type Ingestor struct {
	client protect.Client
	cat    *catalog.Catalog
	boot   *protect.Bootstrap
	filter Filter
	cfg    Config
	met    *metrics.Metrics

	out  chan catalog.Event
	seen *lru.Cache[string, struct{}]

	mu      sync.Mutex
	pending map[string]*pendingEvent

	lastDisconnectDur time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

type pendingEvent struct {
	ev         protect.Event
	observedAt time.Time
}

func New(client protect.Client, cat *catalog.Catalog, boot *protect.Bootstrap, filter Filter, cfg Config, met *metrics.Metrics) *Ingestor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Ingestor{
		client:  client,
		cat:     cat,
		boot:    boot,
		filter:  filter,
		cfg:     cfg,
		met:     met,
		out:     make(chan catalog.Event, cfg.QueueSize),
		seen:    seen,
		pending: map[string]*pendingEvent{},
		quit:    make(chan struct{}),
		now:     time.Now,
	}
}

// Out is the bounded queue of events ready to back up. It closes on Stop.
func (i *Ingestor) Out() <-chan catalog.Event { return i.out }

func (i *Ingestor) Start(ctx context.Context) {
	i.wg.Add(3)
	go i.pushLoop(ctx)
	go i.pullLoop(ctx)
	go i.timeoutLoop(ctx)
}

func (i *Ingestor) Stop() {
	close(i.quit)
	i.wg.Wait()
	close(i.out)
}

// pushLoop owns the WebSocket: connect, drain, reconnect. On reconnect it
// pulls over the disconnect gap so nothing recorded while down is lost.
func (i *Ingestor) pushLoop(ctx context.Context) {
	defer i.wg.Done()

	backoff := time.Second
	var disconnectedAt time.Time
	for {
		select {
		case <-i.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		sub, err := i.client.Subscribe(ctx)
		if err != nil {
			log.Printf("[ERROR] ingest: websocket connect: %v", err)
			if !i.sleep(backoff) {
				return
			}
			backoff = minDur(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second
		log.Printf("[INFO] ingest: event stream connected")

		if !disconnectedAt.IsZero() {
			// Immediate recovery pull over the gap.
			now := i.now()
			i.mu.Lock()
			i.lastDisconnectDur = now.Sub(disconnectedAt)
			i.mu.Unlock()
			i.pull(ctx, disconnectedAt.Add(-reconnectOverlap), now)
		}

	drain:
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					break drain
				}
				i.met.EventsReceived.WithLabelValues("push").Inc()
				i.handleMessage(ctx, msg)
			case <-i.quit:
				sub.Close()
				return
			case <-ctx.Done():
				sub.Close()
				return
			}
		}

		disconnectedAt = sub.DisconnectedAt()
		if disconnectedAt.IsZero() {
			disconnectedAt = i.now()
		}
		log.Printf("[WARN] ingest: event stream dropped: %v", sub.Err())
	}
}

func (i *Ingestor) pullLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := i.now()
			i.pull(ctx, now.Add(-i.recoveryWindow()), now)
		case <-i.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// recoveryWindow sizes the sliding pull window: at least twice the poll
// interval and at least the last observed disconnect duration.
func (i *Ingestor) recoveryWindow() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	w := 2 * i.cfg.PollInterval
	if i.lastDisconnectDur > w {
		w = i.lastDisconnectDur
	}
	return w
}

func (i *Ingestor) pull(ctx context.Context, from, to time.Time) {
	events, err := i.client.ListEvents(ctx, from, to)
	if err != nil {
		log.Printf("[ERROR] ingest: event history pull: %v", err)
		return
	}
	for _, ev := range events {
		i.met.EventsReceived.WithLabelValues("pull").Inc()
		action := protect.ActionUpdate
		if ev.End != nil {
			action = protect.ActionClose
		}
		i.handleMessage(ctx, protect.EventMessage{Action: action, Event: ev})
	}
}

// timeoutLoop moves events that never close to TIMED_OUT once
// max-event-length elapses, synthesizing their end time.
func (i *Ingestor) timeoutLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.expireStale(ctx)
		case <-i.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (i *Ingestor) expireStale(ctx context.Context) {
	now := i.now()

	i.mu.Lock()
	var expired []*pendingEvent
	for id, p := range i.pending {
		if now.Sub(p.observedAt) >= i.cfg.MaxEventLength {
			expired = append(expired, p)
			delete(i.pending, id)
		}
	}
	i.mu.Unlock()

	for _, p := range expired {
		end := p.ev.Start + int64(i.cfg.MaxEventLength.Seconds())
		p.ev.End = &end
		log.Printf("[WARN] ingest: event %s never closed, forcing end after %s", p.ev.ID, i.cfg.MaxEventLength)
		i.ready(ctx, p.ev, p.observedAt)
	}
}

// handleMessage runs one message through the state machine. Transitions
// are idempotent: re-adding an OPEN event is a no-op, closing an unknown
// event creates it directly in CLOSED.
func (i *Ingestor) handleMessage(ctx context.Context, msg protect.EventMessage) {
	ev := msg.Event
	if ev.ID == "" {
		return
	}
	if _, done := i.seen.Get(ev.ID); done {
		return
	}

	closed := msg.Action == protect.ActionClose || ev.End != nil
	if !closed {
		i.mu.Lock()
		if p, ok := i.pending[ev.ID]; ok {
			p.ev = ev // refresh attributes, keep first-observed time
		} else {
			i.pending[ev.ID] = &pendingEvent{ev: ev, observedAt: i.now()}
		}
		i.mu.Unlock()
		return
	}

	observedAt := i.now()
	i.mu.Lock()
	if p, ok := i.pending[ev.ID]; ok {
		observedAt = p.observedAt
		delete(i.pending, ev.ID)
	}
	i.mu.Unlock()

	i.ready(ctx, ev, observedAt)
}

// ready filters, persists, and emits one closed event.
func (i *Ingestor) ready(ctx context.Context, ev protect.Event, observedAt time.Time) {
	detection := ev.DetectionType()
	if !i.filter.Allow(detection, ev.CameraID) {
		i.met.EventsFiltered.Inc()
		i.seen.Add(ev.ID, struct{}{})
		return
	}

	ce := catalog.Event{
		ID:            ev.ID,
		DetectionType: detection,
		CameraID:      ev.CameraID,
		CameraName:    i.boot.CameraName(ev.CameraID),
		StartTime:     ev.Start,
		EndTime:       ev.End,
		ObservedAt:    observedAt.Unix(),
	}

	created, err := i.cat.UpsertEvent(ctx, ce)
	if err != nil {
		log.Printf("[ERROR] ingest: persisting event %s: %v", ev.ID, err)
		return
	}
	i.seen.Add(ev.ID, struct{}{})
	if created {
		log.Printf("[DEBUG] ingest: event %s camera=%s type=%s", ev.ID, ce.CameraName, detection)
	}

	select {
	case i.out <- ce:
	case <-i.quit:
	case <-ctx.Done():
	}
}

func (i *Ingestor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-i.quit:
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
