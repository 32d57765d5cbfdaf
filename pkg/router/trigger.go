package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrThrottled reports a trigger dropped because the same
// (capability, event) pair fired within its throttle window.
var ErrThrottled = errors.New("trigger throttled")

// TriggerDef declares an event a capability can fire and how the
// resulting intent is built and routed.
type TriggerDef struct {
	CapabilityID string        `json:"capability_id"`
	Event        string        `json:"event"`
	Template     string        `json:"template"`   // intent text, {key} filled from payload
	RouteHint    string        `json:"route_hint"` // "capability:<id>" or a type glob like "agent/*"
	Priority     int           `json:"priority"`   // higher dispatches first
	Throttle     time.Duration `json:"throttle"`
}

// Intent is one rendered trigger delivery.
type Intent struct {
	Text     string
	Event    string
	Source   string // firing capability ID
	Priority int
	Payload  map[string]any
	Handler  string // resolved handler ID
}

// HandlerFunc processes a dispatched intent. Handlers must be
// idempotent: an intent can reach the same handler through more than
// one resolution stage.
type HandlerFunc func(ctx context.Context, intent *Intent)

// Handler subscribes to trigger intents.
type Handler struct {
	ID           string      // unique registration key
	Type         string      // matched by type globs, e.g. "agent/coder"
	CapabilityID string      // binds the handler to a local capability
	Patterns     []string    // event name globs
	Global       bool        // receives every non-throttled trigger
	Fn           HandlerFunc //
}

type queuedIntent struct {
	intent  *Intent
	handler *Handler
}

// Dispatcher resolves fired triggers to handlers and drains them from a
// per-priority queue. Resolution is strictly ordered: exact capability
// hint, then type glob, then the semantic router; pattern and global
// subscribers are added on top.
type Dispatcher struct {
	router *CapabilityRouter // optional, enables the semantic stage

	mu        sync.Mutex
	handlers  map[string]*Handler
	order     []string
	lastFired map[string]time.Time
	queue     map[int][]*queuedIntent
	notify    chan struct{}

	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher. The router may be nil, which
// disables semantic resolution.
func NewDispatcher(router *CapabilityRouter) *Dispatcher {
	return &Dispatcher{
		router:    router,
		handlers:  make(map[string]*Handler),
		lastFired: make(map[string]time.Time),
		queue:     make(map[int][]*queuedIntent),
		notify:    make(chan struct{}, 1),
	}
}

// RegisterHandler adds or replaces a handler.
func (d *Dispatcher) RegisterHandler(h *Handler) error {
	if h.ID == "" {
		return fmt.Errorf("handler ID must not be empty")
	}
	if h.Fn == nil {
		return fmt.Errorf("handler %s has no function", h.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[h.ID]; !exists {
		d.order = append(d.order, h.ID)
	}
	d.handlers[h.ID] = h
	return nil
}

// UnregisterHandler removes a handler by ID.
func (d *Dispatcher) UnregisterHandler(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return false
	}
	delete(d.handlers, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Start launches the queue worker.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.worker(ctx)
	log.Printf("[Trigger] dispatcher started")
	return nil
}

// Stop halts the worker. Queued intents that have not been picked up
// are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	log.Printf("[Trigger] dispatcher stopped")
}

// Fire renders the trigger template, resolves handlers, and enqueues
// one delivery per handler. It returns the number of deliveries, or
// ErrThrottled when the (capability, event) pair is inside its throttle
// window.
func (d *Dispatcher) Fire(ctx context.Context, def TriggerDef, payload map[string]any) (int, error) {
	if def.Event == "" {
		return 0, fmt.Errorf("trigger event must not be empty")
	}

	key := def.CapabilityID + "|" + def.Event
	d.mu.Lock()
	if def.Throttle > 0 {
		if last, ok := d.lastFired[key]; ok && time.Since(last) < def.Throttle {
			d.mu.Unlock()
			metricTriggersDrop.Add(bgCtx, 1)
			return 0, ErrThrottled
		}
	}
	d.lastFired[key] = time.Now()
	d.mu.Unlock()

	intent := &Intent{
		Text:     renderTemplate(def.Template, payload),
		Event:    def.Event,
		Source:   def.CapabilityID,
		Priority: def.Priority,
		Payload:  payload,
	}

	targets := d.resolve(ctx, def, intent.Text)
	if len(targets) == 0 {
		log.Printf("[Trigger] no handlers for event %s from %s", def.Event, def.CapabilityID)
		return 0, nil
	}

	d.mu.Lock()
	for _, h := range targets {
		copied := *intent
		copied.Handler = h.ID
		d.queue[def.Priority] = append(d.queue[def.Priority], &queuedIntent{intent: &copied, handler: h})
	}
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	metricTriggersFired.Add(bgCtx, int64(len(targets)))
	return len(targets), nil
}

// resolve walks the resolution stages in order and returns the matched
// handlers, deduplicated, in registration order per stage.
func (d *Dispatcher) resolve(ctx context.Context, def TriggerDef, text string) []*Handler {
	d.mu.Lock()
	ordered := make([]*Handler, 0, len(d.order))
	for _, id := range d.order {
		ordered = append(ordered, d.handlers[id])
	}
	d.mu.Unlock()

	var out []*Handler
	seen := make(map[string]bool)
	add := func(h *Handler) {
		if h != nil && !seen[h.ID] {
			seen[h.ID] = true
			out = append(out, h)
		}
	}

	// Stage 1: exact capability hint.
	if capID, ok := strings.CutPrefix(def.RouteHint, "capability:"); ok && capID != "" {
		for _, h := range ordered {
			if h.CapabilityID == capID {
				add(h)
			}
		}
	} else if def.RouteHint != "" {
		// Stage 2: type glob hint.
		for _, h := range ordered {
			if h.Type != "" {
				if matched, err := path.Match(def.RouteHint, h.Type); err == nil && matched {
					add(h)
				}
			}
		}
	}

	// Stage 3: semantic fallback when the hint matched nothing.
	if len(out) == 0 && d.router != nil && text != "" {
		if res, err := d.router.Route(ctx, text); err == nil && res.Action == ActionProcessLocal {
			for _, h := range ordered {
				if h.CapabilityID == res.CapabilityID {
					add(h)
				}
			}
		}
	}

	// Pattern subscribers and globals always receive the trigger.
	for _, h := range ordered {
		for _, pat := range h.Patterns {
			if matched, err := path.Match(pat, def.Event); err == nil && matched {
				add(h)
				break
			}
		}
	}
	for _, h := range ordered {
		if h.Global {
			add(h)
		}
	}
	return out
}

// worker drains the queue, highest priority first, FIFO within a
// priority.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.notify:
		}
		for {
			qi := d.pop()
			if qi == nil {
				break
			}
			qi.handler.Fn(ctx, qi.intent)
		}
	}
}

func (d *Dispatcher) pop() *queuedIntent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	prios := make([]int, 0, len(d.queue))
	for p := range d.queue {
		prios = append(prios, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(prios)))
	for _, p := range prios {
		items := d.queue[p]
		if len(items) == 0 {
			delete(d.queue, p)
			continue
		}
		qi := items[0]
		if len(items) == 1 {
			delete(d.queue, p)
		} else {
			d.queue[p] = items[1:]
		}
		return qi
	}
	return nil
}

// QueueDepth reports the number of undelivered intents.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, items := range d.queue {
		n += len(items)
	}
	return n
}

// renderTemplate substitutes {key} placeholders from the payload.
// Unknown placeholders are left verbatim.
func renderTemplate(tpl string, payload map[string]any) string {
	out := tpl
	for k, v := range payload {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}
