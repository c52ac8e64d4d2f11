/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimit/ratelimit"
	"github.com/acronis/go-ratelimit/ruleconfig"
	"github.com/acronis/go-ratelimit/storage"
)

// Default pipeline parameters.
const (
	DefaultStorageTimeout    = 500 * time.Millisecond
	DefaultEventQueueSize    = 1024
	DefaultLastKnownCacheLen = 4096
)

// Result is the outcome of a pipeline check.
type Result struct {
	Decision   ratelimit.Decision
	Rule       ratelimit.Rule
	Layer      ruleconfig.Layer
	RuleKey    string
	Identifier string

	// Degraded is true when a storage failure was handled by the failure
	// policy instead of the algorithm.
	Degraded bool
}

// SetHeaders writes the standard rate-limiting headers to h.
// X-RateLimit-Reset is a Unix timestamp in seconds; Retry-After is written
// only on deny, rounded up to whole seconds.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Decision.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Decision.Remaining))
	if !r.Decision.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(r.Decision.ResetAt.Unix(), 10))
	}
	if !r.Decision.Allow {
		secs := int64(math.Ceil(r.Decision.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// DecisionEvent is an asynchronous record of one decision, consumed by the
// metrics forwarder.
type DecisionEvent struct {
	Identifier string
	Algorithm  ratelimit.AlgorithmKind
	Layer      ruleconfig.Layer
	Allow      bool
	Time       time.Time
}

// Counters is a snapshot of the pipeline's realtime totals.
type Counters struct {
	Allowed   uint64
	Denied    uint64
	Errors    uint64
	LayerHits map[ruleconfig.Layer]uint64
}

// Opts represents an options for the pipeline.
type Opts struct {
	// Strategy extracts the subject identifier. Defaults to IPStrategy.
	Strategy IdentifierStrategy

	// FailurePolicy is applied on storage failures. Defaults to FailOpen.
	FailurePolicy FailurePolicy

	// StorageTimeout bounds every storage call on the request path.
	StorageTimeout time.Duration

	// EventQueueSize is the capacity of the decision-event channel.
	EventQueueSize int

	// NamespaceByTenant prefixes storage keys with the tenant id, so the same
	// identifier is limited independently per tenant.
	NamespaceByTenant bool

	// TimeNow is for tests. Defaults to time.Now.
	TimeNow func() time.Time
}

// Pipeline makes rate-limiting decisions. It is safe for concurrent use.
type Pipeline struct {
	resolver *ruleconfig.Resolver
	store    storage.Backend
	strategy IdentifierStrategy
	policy   FailurePolicy

	storageTimeout    time.Duration
	namespaceByTenant bool
	timeNow           func() time.Time

	lastKnown *lrucache.LRUCache[string, ratelimit.Decision]
	logger    log.FieldLogger
	metrics   *MetricsCollector

	events chan DecisionEvent

	allowed   atomic.Uint64
	denied    atomic.Uint64
	errs      atomic.Uint64
	layerHits map[ruleconfig.Layer]*atomic.Uint64
}

// New creates a new pipeline with default options.
func New(resolver *ruleconfig.Resolver, store storage.Backend, logger log.FieldLogger, mc *MetricsCollector) (*Pipeline, error) {
	return NewWithOpts(resolver, store, logger, mc, Opts{})
}

// NewWithOpts creates a new pipeline with the passed options.
func NewWithOpts(
	resolver *ruleconfig.Resolver, store storage.Backend, logger log.FieldLogger, mc *MetricsCollector, opts Opts,
) (*Pipeline, error) {
	if opts.Strategy == nil {
		opts.Strategy = IPStrategy{}
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailOpen
	}
	if err := opts.FailurePolicy.validate(); err != nil {
		return nil, err
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	lastKnown, err := lrucache.New[string, ratelimit.Decision](DefaultLastKnownCacheLen, nil)
	if err != nil {
		return nil, fmt.Errorf("create last-known decisions cache: %w", err)
	}
	layerHits := make(map[ruleconfig.Layer]*atomic.Uint64, len(ruleconfig.Layers()))
	for _, layer := range ruleconfig.Layers() {
		layerHits[layer] = atomic.NewUint64(0)
	}
	return &Pipeline{
		resolver:          resolver,
		store:             store,
		strategy:          opts.Strategy,
		policy:            opts.FailurePolicy,
		storageTimeout:    opts.StorageTimeout,
		namespaceByTenant: opts.NamespaceByTenant,
		timeNow:           opts.TimeNow,
		lastKnown:         lastKnown,
		logger:            logger,
		metrics:           mc,
		events:            make(chan DecisionEvent, opts.EventQueueSize),
		layerHits:         layerHits,
	}, nil
}

// Check makes a rate-limiting decision for the request.
//
// Requests without a usable identifier and requests no hierarchy layer matches
// are denied. Storage failures and timeouts never surface as errors: they are
// mapped to the configured failure policy, and the returned Result carries
// Degraded=true.
func (p *Pipeline) Check(ctx context.Context, req Request) Result {
	started := p.timeNow()
	res := p.check(ctx, req)
	if p.metrics != nil {
		p.metrics.DecisionTimeMs.Observe(float64(p.timeNow().Sub(started).Microseconds()) / 1000)
	}
	if res.Decision.Allow {
		p.allowed.Inc()
	} else {
		p.denied.Inc()
	}
	if hits, ok := p.layerHits[res.Layer]; ok {
		hits.Inc()
	}
	p.emit(DecisionEvent{
		Identifier: res.Identifier,
		Algorithm:  res.Rule.Algorithm,
		Layer:      res.Layer,
		Allow:      res.Decision.Allow,
		Time:       started,
	})
	return res
}

func (p *Pipeline) check(ctx context.Context, req Request) Result {
	resolved, ok := p.resolver.Resolve(ruleconfig.Request{
		IP:       req.IP,
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Method:   req.Method,
		Path:     req.Path,
	})
	if !ok {
		return Result{Decision: ratelimit.Decision{Allow: false}}
	}

	var ids []string
	if c, isComposite := p.strategy.(Composite); isComposite && c.Mode == StrictestLimit {
		ids = c.Identifiers(req)
	} else if id, found := p.strategy.Identifier(req); found {
		ids = []string{id}
	}
	if len(ids) == 0 {
		return Result{
			Decision: ratelimit.Decision{Allow: false, Limit: resolved.Rule.MaxRequests},
			Rule:     resolved.Rule,
			Layer:    resolved.Layer,
			RuleKey:  resolved.Key,
		}
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, p.decideOne(ctx, req, resolved, id))
	}
	strictest := results[0]
	for _, r := range results[1:] {
		strictest = pickStricter(strictest, r)
	}
	return strictest
}

func (p *Pipeline) decideOne(ctx context.Context, req Request, resolved ruleconfig.ResolvedRule, id string) Result {
	key := p.storageKey(req, resolved, id)
	dec, err := p.decide(ctx, key, resolved.Rule)
	if err != nil {
		return p.applyFailurePolicy(resolved, id, key, err)
	}
	p.lastKnown.Add(key, dec)
	return Result{Decision: dec, Rule: resolved.Rule, Layer: resolved.Layer, RuleKey: resolved.Key, Identifier: id}
}

func (p *Pipeline) storageKey(req Request, resolved ruleconfig.ResolvedRule, id string) string {
	key := string(resolved.Layer) + ":" + resolved.Key + ":" + id
	if p.namespaceByTenant && req.TenantID != "" {
		key = "tenant:" + req.TenantID + ":" + key
	}
	return key
}

func (p *Pipeline) decide(ctx context.Context, key string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	now := p.timeNow()
	ctx, cancel := context.WithTimeout(ctx, p.storageTimeout)
	defer cancel()

	if d, ok := p.store.(storage.Decider); ok && supportsServerSideDecide(rule.Algorithm) {
		dec, err := d.Decide(ctx, key, rule, now)
		return dec, p.mapTimeout(err)
	}

	st, found, err := p.store.GetState(ctx, key)
	if err != nil {
		return ratelimit.Decision{}, p.mapTimeout(err)
	}
	if !found {
		st = ratelimit.NewState(rule.Algorithm, now)
	}
	alg, err := ratelimit.NewAlgorithm(rule.Algorithm)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	dec, err := alg.Decide(st, now, rule)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	if err := p.store.SetState(ctx, key, st, stateTTL(rule)); err != nil {
		return ratelimit.Decision{}, p.mapTimeout(err)
	}
	return dec, nil
}

// supportsServerSideDecide reports whether the algorithm's whole decision can
// run as one atomic backend-side operation on Decider backends.
func supportsServerSideDecide(kind ratelimit.AlgorithmKind) bool {
	return kind == ratelimit.AlgTokenBucket || kind == ratelimit.AlgLeakyBucket
}

func (p *Pipeline) mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DecisionTimeoutError{Elapsed: p.storageTimeout}
	}
	return err
}

func (p *Pipeline) applyFailurePolicy(resolved ruleconfig.ResolvedRule, id, key string, err error) Result {
	p.errs.Inc()
	if p.metrics != nil {
		p.metrics.StorageErrors.With(map[string]string{metricsLabelPolicy: string(p.policy)}).Inc()
	}

	var algErr *ratelimit.AlgorithmError
	if errors.As(err, &algErr) {
		// A state variant mismatch is a construction bug: it aborts only this
		// decision and must not be masked by the failure policy.
		p.logger.Error("rate limit state variant mismatch",
			log.String("identifier", id),
			log.String("layer", string(resolved.Layer)),
			log.String("rule_key", resolved.Key),
			log.Error(err))
		return Result{
			Decision: ratelimit.Decision{Allow: false, Limit: resolved.Rule.MaxRequests},
			Rule:     resolved.Rule, Layer: resolved.Layer, RuleKey: resolved.Key,
			Identifier: id, Degraded: true,
		}
	}

	p.logger.Error("rate limit storage failure, applying failure policy",
		log.String("identifier", id),
		log.String("failure_policy", string(p.policy)),
		log.Error(err))

	dec := ratelimit.Decision{Limit: resolved.Rule.MaxRequests}
	switch p.policy {
	case FailClosed:
		dec.Allow = false
		dec.RetryAfter = resolved.Rule.Window
	case FailWithLastKnown:
		if last, found := p.lastKnown.Get(key); found {
			dec = last
		} else {
			dec.Allow = true
			dec.Remaining = resolved.Rule.MaxRequests
		}
	default: // FailOpen
		dec.Allow = true
		dec.Remaining = resolved.Rule.MaxRequests
	}
	return Result{
		Decision: dec, Rule: resolved.Rule, Layer: resolved.Layer, RuleKey: resolved.Key,
		Identifier: id, Degraded: true,
	}
}

// pickStricter returns the stricter of two results: a deny wins over an
// allow; between two allows the smaller remaining quota wins; between two
// denies the longer retry-after wins.
func pickStricter(a, b Result) Result {
	switch {
	case a.Decision.Allow != b.Decision.Allow:
		if !a.Decision.Allow {
			return a
		}
		return b
	case a.Decision.Allow:
		if b.Decision.Remaining < a.Decision.Remaining {
			return b
		}
		return a
	default:
		if b.Decision.RetryAfter > a.Decision.RetryAfter {
			return b
		}
		return a
	}
}

// stateTTL returns the storage TTL for a rule's state: twice the longest
// horizon the algorithm looks back at, so a live identifier is never evicted
// mid-window.
func stateTTL(rule ratelimit.Rule) time.Duration {
	horizon := rule.Window
	if rule.LogRetention > horizon {
		horizon = rule.LogRetention
	}
	if rule.Adaptive.LearningWindow > horizon {
		horizon = rule.Adaptive.LearningWindow
	}
	return 2 * horizon
}

func (p *Pipeline) emit(ev DecisionEvent) {
	select {
	case p.events <- ev:
	default:
		if p.metrics != nil {
			p.metrics.EventDrops.Inc()
		}
	}
}

// Run consumes decision events and forwards them to Prometheus metrics. It
// implements service.Worker and returns when the context is canceled. Without
// a running forwarder the event queue fills up and new events are dropped;
// decisions themselves are unaffected.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			if p.metrics != nil {
				p.metrics.Decisions.With(map[string]string{
					metricsLabelAlgorithm: string(ev.Algorithm),
					metricsLabelLayer:     string(ev.Layer),
					metricsLabelAllowed:   allowedLabelVal(ev.Allow),
				}).Inc()
			}
		}
	}
}

// QueuedEvents returns the number of decision events waiting for the forwarder.
func (p *Pipeline) QueuedEvents() int {
	return len(p.events)
}

// Counters returns a snapshot of the realtime totals.
func (p *Pipeline) Counters() Counters {
	hits := make(map[ruleconfig.Layer]uint64, len(p.layerHits))
	for layer, v := range p.layerHits {
		hits[layer] = v.Load()
	}
	return Counters{
		Allowed:   p.allowed.Load(),
		Denied:    p.denied.Load(),
		Errors:    p.errs.Load(),
		LayerHits: hits,
	}
}

// Store returns the pipeline's storage backend.
func (p *Pipeline) Store() storage.Backend {
	return p.store
}
