package event

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/Mai-with-u/amaidesu/pkg/core/errors"
	"github.com/Mai-with-u/amaidesu/pkg/core/observability"
)

// DefaultGracePeriod bounds the shutdown wait for in-flight publishes when
// the caller supplies no deadline. Work still outstanding after the grace
// period is logged as abandoned and left to finish in the background; it is
// not force-cancelled, because handler goroutines hold no bus state.
const DefaultGracePeriod = 5 * time.Second

// BusConfig configures bus behavior.
type BusConfig struct {
	// Registry validates payloads at the publish boundary. Required.
	Registry *SchemaRegistry

	// Logger for dispatch diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// GracePeriod bounds Shutdown when its context has no deadline.
	// Default: DefaultGracePeriod.
	GracePeriod time.Duration

	// OnError is called for every isolated handler failure, after the
	// failure has been logged. Used to wire journaling and metrics.
	OnError func(evt Event, subscriberID string, err error)

	// Metrics recorder. Default: observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Spans manager for tracing. Default: observability.NoopSpanManager{}.
	Spans observability.SpanManager
}

// Bus delivers published events to every subscriber of the event name, in
// (priority, registration order), without letting one subscriber's failure
// block delivery to the others.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string][]*Subscription
	nextSeq uint64

	// In-flight emission table. emMu also guards closing, so that a
	// publish cannot slip in between the closing flip and the snapshot
	// of outstanding emissions.
	emMu      sync.Mutex
	emissions map[string]chan struct{}
	closing   bool
}

// NewBus creates a new event bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Registry == nil {
		cfg.Registry = NewSchemaRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Bus{
		cfg:       cfg,
		logger:    cfg.Logger,
		subs:      make(map[string][]*Subscription),
		emissions: make(map[string]chan struct{}),
	}
}

// Registry returns the schema registry the bus validates against.
func (b *Bus) Registry() *SchemaRegistry { return b.cfg.Registry }

// Subscription is one registered handler for one event name.
type Subscription struct {
	eventName    string
	subscriberID string
	priority     int
	seq          uint64
	timeout      time.Duration
	handler      Handler

	bus *Bus
}

// SubscriberID returns the human-readable subscriber identity.
func (s *Subscription) SubscriberID() string { return s.subscriberID }

// Priority returns the dispatch priority (lower runs earlier).
func (s *Subscription) Priority() int { return s.priority }

// Unsubscribe removes the subscription. No-op if already removed.
func (s *Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	list := s.bus.subs[s.eventName]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.eventName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the dispatch priority. Lower values are dispatched
// earlier; ties break on registration order. Default: 100.
func WithPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.priority = p }
}

// WithSubscriberID sets the human-readable subscriber identity used in
// error attribution and diagnostics. Default: "anonymous".
func WithSubscriberID(id string) SubscribeOption {
	return func(s *Subscription) { s.subscriberID = id }
}

// WithHandlerTimeout bounds one handler invocation. There is no default:
// a slow handler delays its own publish call, not its siblings.
func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(s *Subscription) { s.timeout = d }
}

// Subscribe registers a handler for an event name. Many handlers may share
// one name. Subscribing to a closed bus returns an inert subscription.
func (b *Bus) Subscribe(eventName string, handler Handler, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		eventName:    eventName,
		subscriberID: "anonymous",
		priority:     100,
		handler:      handler,
		bus:          b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Checked under mu so a concurrent Shutdown either sees this
	// subscription when it clears the map, or is observed as closing here.
	b.emMu.Lock()
	closed := b.closing
	b.emMu.Unlock()
	if closed {
		sub.bus = nil
		return sub
	}

	b.nextSeq++
	sub.seq = b.nextSeq
	b.subs[eventName] = append(b.subs[eventName], sub)
	return sub
}

// SubscribeTyped registers a handler that receives the payload already
// reconstructed into its concrete type T, so individual handlers never
// re-validate or re-parse. A payload that cannot be converted is reported
// as that subscriber's failure, not a contract violation: the publish-site
// type check already passed.
func SubscribeTyped[T any](
	b *Bus,
	eventName string,
	fn func(ctx context.Context, payload T, meta Metadata) error,
	opts ...SubscribeOption,
) *Subscription {
	return b.Subscribe(eventName, func(ctx context.Context, evt Event) error {
		payload, err := decodePayload[T](evt)
		if err != nil {
			return err
		}
		return fn(ctx, payload, metadataOf(evt))
	}, opts...)
}

// SubscriberInfo describes one subscription for diagnostics and
// architectural checks.
type SubscriberInfo struct {
	SubscriberID string
	Priority     int
}

// Subscribers returns the current dispatch order for an event name:
// priority ascending, ties broken by registration order.
func (b *Bus) Subscribers(eventName string) []SubscriberInfo {
	subs := b.snapshot(eventName)
	out := make([]SubscriberInfo, len(subs))
	for i, s := range subs {
		out[i] = SubscriberInfo{SubscriberID: s.subscriberID, Priority: s.priority}
	}
	return out
}

// snapshot returns the subscriber list for an event name sorted by
// (priority, registration order). The sort is stable by construction:
// seq increases monotonically with registration.
func (b *Bus) snapshot(eventName string) []*Subscription {
	b.mu.RLock()
	list := b.subs[eventName]
	subs := make([]*Subscription, len(list))
	copy(subs, list)
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	return subs
}

// PublishOption configures one publish call.
type PublishOption func(*publishConfig)

type publishConfig struct {
	isolate bool
}

// WithoutIsolation makes the first handler error abort dispatch to the
// remaining handlers and propagate to the publish caller.
func WithoutIsolation() PublishOption {
	return func(cfg *publishConfig) { cfg.isolate = false }
}

// Publish validates the event against its registered schema and delivers
// it to all subscribers of the event name.
//
// Publish returns once every handler has completed or failed. Handlers run
// as independent goroutines awaited collectively, so publish latency is
// bounded by the slowest handler, not the sum. With isolation (the
// default) a failing handler is recorded and attributed but does not stop
// its siblings; Publish returns nil. Without isolation the first failure
// cancels the rest and is returned.
//
// A payload that does not match the schema bound to the event name is a
// programmer error: Publish rejects it with a *ContractError before any
// handler runs.
func (b *Bus) Publish(ctx context.Context, evt Event, opts ...PublishOption) error {
	cfg := publishConfig{isolate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := b.cfg.Registry.Validate(evt); err != nil {
		return err
	}

	end, err := b.beginEmission()
	if err != nil {
		b.logger.Warn("publish rejected: bus is shutting down",
			slog.String("event", evt.Name()),
			slog.String("source", evt.Source()),
		)
		return err
	}
	defer end()

	subs := b.snapshot(evt.Name())
	if len(subs) == 0 {
		return nil
	}

	ctx, span := b.cfg.Spans.StartPublishSpan(ctx, evt.Name(), evt.ID())
	start := time.Now()
	dispatchErr := b.dispatch(ctx, evt, subs, cfg.isolate)
	b.cfg.Metrics.RecordPublish(ctx, evt.Name(), len(subs), time.Since(start), dispatchErr)
	b.cfg.Spans.EndSpanWithError(span, dispatchErr)
	return dispatchErr
}

// dispatch fans the event out to the subscriber snapshot and waits for
// every handler to finish.
func (b *Bus) dispatch(ctx context.Context, evt Event, subs []*Subscription, isolate bool) error {
	if isolate {
		var wg sync.WaitGroup
		for _, sub := range subs {
			wg.Add(1)
			go func(sub *Subscription) {
				defer wg.Done()
				if herr := b.invoke(ctx, sub, evt); herr != nil {
					b.reportHandlerError(evt, sub, herr)
				}
			}(sub)
		}
		wg.Wait()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return b.invoke(gctx, sub, evt)
		})
	}
	return g.Wait()
}

// invoke runs one handler, converting panics and timeouts into attributed
// handler errors.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				EventID:      evt.ID(),
				EventName:    evt.Name(),
				SubscriberID: sub.subscriberID,
				Err:          &coreerrors.PanicError{Operation: "event handler", Value: r},
			}
		}
	}()

	if sub.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sub.timeout)
		defer cancel()
	}

	if herr := sub.handler(ctx, evt); herr != nil {
		return &HandlerError{
			EventID:      evt.ID(),
			EventName:    evt.Name(),
			SubscriberID: sub.subscriberID,
			Err:          herr,
		}
	}
	return nil
}

// reportHandlerError logs an isolated handler failure with the subscriber
// identity attached and forwards it to the OnError hook.
func (b *Bus) reportHandlerError(evt Event, sub *Subscription, err error) {
	b.logger.Error("event handler failed",
		slog.String("event", evt.Name()),
		slog.String("event_id", evt.ID()),
		slog.String("subscriber", sub.subscriberID),
		slog.String("error", err.Error()),
	)
	b.cfg.Metrics.RecordHandlerError(context.Background(), evt.Name(), sub.subscriberID)
	if b.cfg.OnError != nil {
		b.cfg.OnError(evt, sub.subscriberID, err)
	}
}

// beginEmission registers a completion signal for one publish call in the
// in-flight table. The returned cleanup is guaranteed-run by the caller's
// defer; removing the record and closing the channel is what shutdown
// observes instead of sleeping a fixed duration.
func (b *Bus) beginEmission() (func(), error) {
	b.emMu.Lock()
	defer b.emMu.Unlock()

	if b.closing {
		return nil, ErrBusClosed
	}

	id := uuid.New().String()
	done := make(chan struct{})
	b.emissions[id] = done

	return func() {
		b.emMu.Lock()
		delete(b.emissions, id)
		b.emMu.Unlock()
		close(done)
	}, nil
}

// InFlight returns the number of outstanding publish calls.
func (b *Bus) InFlight() int {
	b.emMu.Lock()
	defer b.emMu.Unlock()
	return len(b.emissions)
}

// Shutdown marks the bus as closing, waits for in-flight publishes to
// finish naturally up to the grace period, then clears all subscriptions.
//
// New publishes after Shutdown begins are rejected with ErrBusClosed.
// Publishes still outstanding when the grace period elapses are logged as
// abandoned; Shutdown proceeds rather than hanging. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.emMu.Lock()
	if b.closing {
		b.emMu.Unlock()
		return nil
	}
	b.closing = true
	pending := make([]chan struct{}, 0, len(b.emissions))
	for _, ch := range b.emissions {
		pending = append(pending, ch)
	}
	b.emMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.GracePeriod)
		defer cancel()
	}

	if len(pending) > 0 {
		all := make(chan struct{})
		go func() {
			for _, ch := range pending {
				<-ch
			}
			close(all)
		}()

		select {
		case <-all:
		case <-ctx.Done():
			b.emMu.Lock()
			abandoned := len(b.emissions)
			b.emMu.Unlock()
			b.logger.Warn("shutdown grace period elapsed, abandoning in-flight publishes",
				slog.Int("abandoned", abandoned),
			)
		}
	}

	b.mu.Lock()
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	return nil
}
