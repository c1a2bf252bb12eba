// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package event

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/leyline-rpg/leyline/internal/observability"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// Handler processes one event. Errors are contained by the bus: they are
// logged and announced as system.error, never returned to the publisher.
type Handler func(ctx context.Context, evt Event) error

// Config bounds the bus's log, queue, and deduplication behavior.
// Empty QueueFile/LogFile paths disable persistence for that file.
type Config struct {
	MaxQueueSize  int
	MaxLogSize    int
	Retention     time.Duration
	DedupWindow   time.Duration
	DedupeEnabled bool
	FlushEvery    int
	QueueFile     string
	LogFile       string
}

func (c *Config) normalize() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxLogSize <= 0 {
		c.MaxLogSize = 1000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10
	}
}

// HandlerInfo describes one registration, for introspection.
type HandlerInfo struct {
	ID       ulid.ULID
	Pattern  string
	Priority int
	Once     bool
}

type registration struct {
	id       ulid.ULID
	pattern  string
	matcher  glob.Glob // nil for exact-type registrations
	priority int
	once     bool
	seq      uint64
	fn       Handler
}

// Bus is the core event bus. All dispatch is synchronous: when Publish
// returns, every matching handler has already run.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	buckets map[string][]*registration
	byID    map[ulid.ULID]string
	log     []Event
	queue   []Event
	seq     uint64
	appends int

	ioMu sync.Mutex

	now func() time.Time
}

// NewBus creates a bus and restores any persisted event log and queue.
// Log entries older than cfg.Retention are pruned on load.
func NewBus(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Bus, error) {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		cfg:     cfg,
		logger:  logger.With("module", "events"),
		metrics: metrics,
		buckets: make(map[string][]*registration),
		byID:    make(map[ulid.ULID]string),
		now:     time.Now,
	}

	if cfg.LogFile != "" {
		events, err := readEventFile(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		b.log = pruneLog(events, b.now(), cfg.Retention, cfg.MaxLogSize)
	}
	if cfg.QueueFile != "" {
		queued, err := readEventFile(cfg.QueueFile)
		if err != nil {
			return nil, err
		}
		if len(queued) > cfg.MaxQueueSize {
			queued = queued[len(queued)-cfg.MaxQueueSize:]
		}
		b.queue = queued
	}

	b.logger.Debug("event bus ready",
		"log_entries", len(b.log),
		"queued", len(b.queue))
	return b, nil
}

// pruneLog drops entries older than retention and trims to the size bound,
// keeping the newest entries.
func pruneLog(events []Event, now time.Time, retention time.Duration, maxSize int) []Event {
	if retention > 0 {
		cutoff := now.Add(-retention)
		kept := events[:0]
		for _, e := range events {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if len(events) > maxSize {
		events = events[len(events)-maxSize:]
	}
	return events
}

// IsWildcard reports whether pattern is a trailing-wildcard pattern.
// Only a single '*' as the final dot-segment is supported.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, ".*") && strings.Count(pattern, "*") == 1
}

// compileWildcard compiles a trailing-wildcard pattern. The prefix must be
// literal text: glob metacharacters are rejected so a pattern like
// "sys?em.*" cannot silently match as a glob.
func compileWildcard(pattern string) (glob.Glob, error) {
	if !IsWildcard(pattern) {
		return nil, oops.In("events").Code("INVALID_PATTERN").With("pattern", pattern).
			New("'*' is only supported as a trailing segment")
	}
	if strings.ContainsAny(strings.TrimSuffix(pattern, "*"), `?[]{}\!`) {
		return nil, oops.In("events").Code("INVALID_PATTERN").With("pattern", pattern).
			New("pattern prefix must be literal")
	}
	// No separator: "system.*" matches every type sharing the prefix,
	// including deeper segments like "system.save.error".
	return glob.Compile(pattern)
}

// Subscribe registers a handler for an exact event type or a trailing
// wildcard pattern such as "system.*". Handlers in one bucket run in
// priority-descending order; ties preserve registration order.
func (b *Bus) Subscribe(pattern string, h Handler, opts ...SubscribeOption) (ulid.ULID, error) {
	if pattern == "" {
		return ulid.ULID{}, oops.In("events").Code("INVALID_PATTERN").New("pattern cannot be empty")
	}
	if h == nil {
		return ulid.ULID{}, oops.In("events").Code("VALIDATION_FAILED").With("pattern", pattern).New("handler cannot be nil")
	}

	reg := &registration{
		id:      NewID(),
		pattern: pattern,
		fn:      h,
	}
	for _, opt := range opts {
		opt(reg)
	}

	if strings.Contains(pattern, "*") {
		g, err := compileWildcard(pattern)
		if err != nil {
			return ulid.ULID{}, err
		}
		reg.matcher = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	reg.seq = b.seq
	bucket := append(b.buckets[pattern], reg)
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].priority != bucket[j].priority {
			return bucket[i].priority > bucket[j].priority
		}
		return bucket[i].seq < bucket[j].seq
	})
	b.buckets[pattern] = bucket
	b.byID[reg.id] = pattern

	b.logger.Debug("handler subscribed",
		"handler_id", reg.id.String(),
		"pattern", pattern,
		"priority", reg.priority,
		"once", reg.once)
	return reg.id, nil
}

// Unsubscribe removes a handler by ID. Returns false if the ID is unknown.
func (b *Bus) Unsubscribe(id ulid.ULID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Bus) removeLocked(id ulid.ULID) bool {
	pattern, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	bucket := b.buckets[pattern]
	for i, reg := range bucket {
		if reg.id == id {
			b.buckets[pattern] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(b.buckets[pattern]) == 0 {
		delete(b.buckets, pattern)
	}
	return true
}

// Handlers returns registrations whose pattern would receive eventType,
// in the order they would be invoked.
func (b *Bus) Handlers(eventType string) []HandlerInfo {
	b.mu.Lock()
	regs := b.matchingLocked(eventType)
	b.mu.Unlock()

	infos := make([]HandlerInfo, 0, len(regs))
	for _, r := range regs {
		infos = append(infos, HandlerInfo{ID: r.id, Pattern: r.pattern, Priority: r.priority, Once: r.once})
	}
	return infos
}

// History returns up to limit most recent log entries, oldest first.
// limit <= 0 returns the whole retained log.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.log
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return slices.Clone(entries)
}

// Queue returns a snapshot of the outbound queue, oldest first.
func (b *Bus) Queue() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.queue)
}

// Publish builds an event, appends it to the bounded log and the persisted
// outbound queue, then synchronously invokes all matching handlers in
// priority order. Enqueueing happens before dispatch so an event a handler
// publishes (such as system.error) lands behind its trigger in the queue.
//
// A nil *Event with nil error means the event was suppressed by
// deduplication. Handler failures never surface here; an I/O failure
// persisting the queue or log is returned and is fatal only to this call.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any, opts ...PublishOption) (*Event, error) {
	if eventType == "" {
		return nil, oops.In("events").Code("VALIDATION_FAILED").New("event type cannot be empty")
	}

	po := publishOptions{source: "core", priority: PriorityNormal}
	for _, opt := range opts {
		opt(&po)
	}

	b.mu.Lock()
	now := b.now()
	if po.dedupe && b.cfg.DedupeEnabled && b.isDuplicateLocked(eventType, po.source, data, now) {
		b.mu.Unlock()
		b.metrics.RecordEventDeduplicated()
		b.logger.Debug("event deduplicated", "event_type", eventType, "source", po.source)
		return nil, nil
	}

	evt := Event{
		ID:        NewID(),
		Type:      eventType,
		Data:      data,
		Timestamp: now,
		Source:    po.source,
		Priority:  po.priority,
	}

	b.log = append(b.log, evt)
	if len(b.log) > b.cfg.MaxLogSize {
		b.log = b.log[len(b.log)-b.cfg.MaxLogSize:]
	}
	b.appends++
	flushLog := b.appends >= b.cfg.FlushEvery
	if flushLog {
		b.appends = 0
	}

	b.queue = append(b.queue, evt)
	if len(b.queue) > b.cfg.MaxQueueSize {
		b.queue = b.queue[len(b.queue)-b.cfg.MaxQueueSize:]
	}

	matching := b.matchingLocked(eventType)
	b.mu.Unlock()

	b.dispatch(ctx, matching, evt)

	// Re-snapshot after dispatch so the persisted queue also carries events
	// handlers published.
	b.mu.Lock()
	queueSnap := slices.Clone(b.queue)
	var logSnap []Event
	if flushLog {
		logSnap = slices.Clone(b.log)
	}
	b.mu.Unlock()

	if b.cfg.QueueFile != "" {
		if err := b.writeEventFile(ctx, b.cfg.QueueFile, queueSnap); err != nil {
			return nil, oops.In("events").Code("IO_FAILED").With("path", b.cfg.QueueFile).Wrap(err)
		}
	}
	if flushLog && b.cfg.LogFile != "" {
		if err := b.writeEventFile(ctx, b.cfg.LogFile, logSnap); err != nil {
			return nil, oops.In("events").Code("IO_FAILED").With("path", b.cfg.LogFile).Wrap(err)
		}
	}

	b.metrics.RecordEventPublished(po.source)
	b.logger.Debug("event published",
		"event_id", evt.ID.String(),
		"event_type", evt.Type,
		"source", evt.Source,
		"handlers", len(matching))
	return &evt, nil
}

// Flush forces the event log to disk regardless of the flush cadence.
func (b *Bus) Flush(ctx context.Context) error {
	if b.cfg.LogFile == "" {
		return nil
	}
	b.mu.Lock()
	snap := slices.Clone(b.log)
	b.appends = 0
	b.mu.Unlock()

	if err := b.writeEventFile(ctx, b.cfg.LogFile, snap); err != nil {
		return oops.In("events").Code("IO_FAILED").With("path", b.cfg.LogFile).Wrap(err)
	}
	return nil
}

// Close flushes the log and queue. The bus remains usable afterwards; Close
// exists so shutdown can guarantee both files reflect the final state.
func (b *Bus) Close(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	if b.cfg.QueueFile == "" {
		return nil
	}
	b.mu.Lock()
	snap := slices.Clone(b.queue)
	b.mu.Unlock()
	if err := b.writeEventFile(ctx, b.cfg.QueueFile, snap); err != nil {
		return oops.In("events").Code("IO_FAILED").With("path", b.cfg.QueueFile).Wrap(err)
	}
	return nil
}

// matchingLocked merges the exact bucket with every wildcard bucket whose
// pattern matches eventType, ordered by priority then registration.
func (b *Bus) matchingLocked(eventType string) []*registration {
	var regs []*registration
	for pattern, bucket := range b.buckets {
		if pattern == eventType {
			regs = append(regs, bucket...)
			continue
		}
		if len(bucket) > 0 && bucket[0].matcher != nil && bucket[0].matcher.Match(eventType) {
			regs = append(regs, bucket...)
		}
	}
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	return regs
}

// dispatch invokes handlers with per-handler isolation. A once handler is
// removed after its invocation whether it succeeded or failed.
func (b *Bus) dispatch(ctx context.Context, regs []*registration, evt Event) {
	var spent []ulid.ULID

	for _, reg := range regs {
		err := safeCall(ctx, reg.fn, evt)
		if reg.once {
			spent = append(spent, reg.id)
		}
		if err == nil {
			continue
		}

		b.metrics.RecordHandlerFailure()
		errutil.LogError(
			b.logger.With("handler_id", reg.id.String(), "event_type", evt.Type),
			"event handler failed", err)

		// A failure while handling system.error is swallowed here; publishing
		// another system.error would storm forever.
		if evt.Type == TypeSystemError {
			continue
		}
		if _, pubErr := b.Publish(ctx, TypeSystemError, map[string]any{
			"handler_id": reg.id.String(),
			"event_type": evt.Type,
			"error":      err.Error(),
		}, FromSource("events"), AtPriority(PriorityHigh)); pubErr != nil {
			errutil.LogError(b.logger, "failed to announce handler error", pubErr)
		}
	}

	if len(spent) > 0 {
		b.mu.Lock()
		for _, id := range spent {
			b.removeLocked(id)
		}
		b.mu.Unlock()
	}
}

// safeCall contains panics at the handler boundary.
func safeCall(ctx context.Context, fn Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.In("events").Code("HANDLER_PANIC").With("event_type", evt.Type).Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, evt)
}

// isDuplicateLocked scans the retained log newest-first for an identical
// (type, source, data) entry inside the dedup window. Data is compared by
// canonical JSON so entries reloaded from disk compare equal.
func (b *Bus) isDuplicateLocked(eventType, source string, data map[string]any, now time.Time) bool {
	cutoff := now.Add(-b.cfg.DedupWindow)
	want, ok := canonicalJSON(data)
	if !ok {
		return false
	}
	for i := len(b.log) - 1; i >= 0; i-- {
		e := b.log[i]
		if e.Timestamp.Before(cutoff) {
			return false
		}
		if e.Type != eventType || e.Source != source {
			continue
		}
		if got, ok := canonicalJSON(e.Data); ok && got == want {
			return true
		}
	}
	return false
}

// SubscribeOption configures a registration.
type SubscribeOption func(*registration)

// WithPriority sets the handler priority. Higher runs first; default 0.
func WithPriority(p int) SubscribeOption {
	return func(r *registration) { r.priority = p }
}

// Once marks the handler for removal after its first invocation.
func Once() SubscribeOption {
	return func(r *registration) { r.once = true }
}

type publishOptions struct {
	source   string
	priority Priority
	dedupe   bool
}

// PublishOption configures one Publish call.
type PublishOption func(*publishOptions)

// FromSource overrides the event source (default "core").
func FromSource(s string) PublishOption {
	return func(o *publishOptions) { o.source = s }
}

// AtPriority sets the event priority (default PriorityNormal).
func AtPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithDedupe suppresses the event if an identical one was published within
// the dedup window. Only effective when deduplication is enabled in config.
func WithDedupe() PublishOption {
	return func(o *publishOptions) { o.dedupe = true }
}
