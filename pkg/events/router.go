// Copyright 2025 Squadron Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events routes raw GitHub webhook deliveries to the rest of
// the engine: dedup by delivery id, conversion to typed internal
// events, command/mention enrichment, and ordered dispatch to handlers
// and the pipeline engine.
package events

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/nbaertsch/squadron/pkg/commands"
	"github.com/nbaertsch/squadron/pkg/metrics"
	"github.com/nbaertsch/squadron/pkg/models"
)

// Handler processes one internal event. Handlers run in registration
// order; an error or panic in one handler never stops the others.
type Handler func(ctx context.Context, event *models.Event) error

// PipelineSink receives events after all handlers ran: EvaluateEvent
// checks pipeline triggers, OnEvent drives reactive subscriptions.
type PipelineSink interface {
	EvaluateEvent(ctx context.Context, event *models.Event)
	OnEvent(ctx context.Context, event *models.Event)
}

// conversionTable maps "<event_type>.<action>" (or a bare event type)
// to the internal event kind. Unknown pairs are dropped.
var conversionTable = map[string]models.EventType{
	"issues.opened":                       models.EventIssueOpened,
	"issues.reopened":                     models.EventIssueReopened,
	"issues.closed":                       models.EventIssueClosed,
	"issues.assigned":                     models.EventIssueAssigned,
	"issues.labeled":                      models.EventIssueLabeled,
	"issue_comment.created":               models.EventIssueComment,
	"pull_request.opened":                 models.EventPROpened,
	"pull_request.reopened":               models.EventPROpened,
	"pull_request.closed":                 models.EventPRClosed,
	"pull_request.synchronize":            models.EventPRSynchronized,
	"pull_request.labeled":                models.EventPRLabeled,
	"pull_request_review.submitted":       models.EventPRReviewSubmitted,
	"pull_request_review.dismissed":       models.EventPRReviewDismissed,
	"pull_request_review_comment.created": models.EventPRReviewComment,
	"push":                                models.EventPush,
}

var prURLNumberRe = regexp.MustCompile(`/pulls?/(\d+)$`)

// Lookup converts a raw "<event>.<action>" pair (or bare event type)
// to its internal kind. Used by the agent manager to register trigger
// handlers declared in GitHub terms.
func Lookup(full string) (models.EventType, bool) {
	kind, ok := conversionTable[full]
	return kind, ok
}

// Router consumes the bounded webhook queue and dispatches internal
// events one at a time, in arrival order. Bot-authored events pass
// through: loop protection belongs to the singleton and duplicate-agent
// guards downstream, never to the router.
type Router struct {
	queue  chan models.GitHubEvent
	parser *commands.Parser
	dedup  *dedupSet
	mx     *metrics.Metrics

	mu       sync.RWMutex
	handlers map[models.EventType][]Handler
	sink     PipelineSink

	lastEventAt time.Time

	done chan struct{}
	stop context.CancelFunc
}

// Options configures a Router.
type Options struct {
	// Queue is the inbound webhook channel; the webhook endpoint is
	// the producer.
	Queue chan models.GitHubEvent
	// Parser extracts commands and mentions from comment bodies.
	Parser *commands.Parser
	// DedupCapacity bounds the delivery-id LRU set. Default 1024.
	DedupCapacity int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// NewRouter builds a Router.
func NewRouter(opts Options) *Router {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 1024
	}
	return &Router{
		queue:    opts.Queue,
		parser:   opts.Parser,
		dedup:    newDedupSet(opts.DedupCapacity),
		mx:       opts.Metrics,
		handlers: make(map[models.EventType][]Handler),
		done:     make(chan struct{}),
	}
}

// On registers a handler for an internal event kind.
func (r *Router) On(eventType models.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// ResetHandlers drops every registered handler (config hot-reload).
func (r *Router) ResetHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[models.EventType][]Handler)
}

// SetPipelineSink wires the pipeline engine.
func (r *Router) SetPipelineSink(sink PipelineSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// LastEventTime returns when the router last processed an event.
func (r *Router) LastEventTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastEventAt
}

// Start launches the consumer loop.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	go r.consume(ctx)
}

// Stop cancels the consumer and waits for it to drain.
func (r *Router) Stop() {
	if r.stop != nil {
		r.stop()
	}
	<-r.done
}

func (r *Router) consume(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.queue:
			if r.mx != nil {
				r.mx.QueueDepth.Set(float64(len(r.queue)))
			}
			r.Process(ctx, &raw)
		}
	}
}

// Process handles a single raw event synchronously: dedup, convert,
// enrich, dispatch. Exported so tests and the recovery path can inject
// events without the queue.
func (r *Router) Process(ctx context.Context, raw *models.GitHubEvent) {
	if raw.DeliveryID != "" && !r.dedup.Add(raw.DeliveryID) {
		slog.Debug("Dropping duplicate delivery", "delivery_id", raw.DeliveryID)
		if r.mx != nil {
			r.mx.EventsDeduped.Inc()
		}
		return
	}

	kind, ok := convert(raw)
	if !ok {
		slog.Debug("Dropping unknown event", "type", raw.FullType())
		if r.mx != nil {
			r.mx.EventsDropped.Inc()
		}
		return
	}

	event := r.enrich(raw, kind)
	r.Dispatch(ctx, event)
}

// Dispatch delivers an internal event to all registered handlers and
// then to the pipeline engine. Also used for framework-internal events
// (wake.agent, blocker.resolved) that never came off the wire.
func (r *Router) Dispatch(ctx context.Context, event *models.Event) {
	r.mu.Lock()
	r.lastEventAt = time.Now()
	r.mu.Unlock()

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[event.Type]...)
	sink := r.sink
	r.mu.RUnlock()

	for _, handler := range handlers {
		r.callHandler(ctx, handler, event)
	}

	if sink != nil {
		sink.EvaluateEvent(ctx, event)
		sink.OnEvent(ctx, event)
	}

	if r.mx != nil {
		r.mx.EventsProcessed.Inc()
	}
}

// callHandler isolates one handler invocation: errors are logged,
// panics are recovered, and the next handler still runs.
func (r *Router) callHandler(ctx context.Context, handler Handler, event *models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Event handler panicked", "event", event.Type, "panic", rec)
		}
	}()
	if err := handler(ctx, event); err != nil {
		slog.Error("Event handler failed", "event", event.Type, "error", err)
	}
}

func convert(raw *models.GitHubEvent) (models.EventType, bool) {
	kind, ok := conversionTable[raw.FullType()]
	if ok {
		return kind, true
	}
	kind, ok = conversionTable[raw.EventType]
	return kind, ok
}

func (r *Router) enrich(raw *models.GitHubEvent, kind models.EventType) *models.Event {
	event := &models.Event{
		Type:             kind,
		GitHubType:       raw.FullType(),
		SourceDeliveryID: raw.DeliveryID,
		Sender:           raw.Sender(),
		SenderIsBot:      raw.IsBot(),
		Payload:          raw.Payload,
		Timestamp:        time.Now().UTC(),
	}

	event.IssueNumber = int(gjsonInt(raw.Payload, "issue.number"))
	event.PRNumber = int(gjsonInt(raw.Payload, "pull_request.number"))

	// Comments on PRs arrive as issue_comment events with a
	// pull_request marker on the issue object.
	if event.PRNumber == 0 && event.IssueNumber != 0 &&
		gjsonExists(raw.Payload, "issue.pull_request") {
		event.PRNumber = event.IssueNumber
	}

	// Review comment events may only carry the PR URL.
	if event.PRNumber == 0 {
		if url := gjsonString(raw.Payload, "comment.pull_request_url"); url != "" {
			if m := prURLNumberRe.FindStringSubmatch(url); m != nil {
				event.PRNumber, _ = strconv.Atoi(m[1])
			}
		}
	}

	if r.parser != nil {
		if body := gjsonString(raw.Payload, "comment.body"); body != "" {
			event.Command = r.parser.Parse(body)
			event.MentionedRoles = r.parser.MentionedRoles(body)
		}
	}
	return event
}

// dedupSet is a fixed-capacity LRU set of delivery ids: a map for
// membership plus a ring for oldest-first eviction.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	members  map[string]bool
	ring     []string
	next     int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		members:  make(map[string]bool, capacity),
		ring:     make([]string, capacity),
	}
}

// Add inserts the id, evicting the oldest entry when full. Returns
// false when the id was already present.
func (d *dedupSet) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.members[id] {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.members, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % d.capacity
	d.members[id] = true
	return true
}
