package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

// ProgramFunc emits the program identifier of the enrollment a cache is
// bound to, once on subscription and again whenever the enrollment changes.
type ProgramFunc func(ctx context.Context) <-chan stream.Item[string]

// Cache builds the evaluation context of an enrollment's program on first
// observation and replays the latest one to every later subscriber. It
// rebuilds only when the program identifier changes.
//
// A build failure is delivered to all subscribers and ends their sequences;
// the next Observe starts over with a fresh lookup.
type Cache struct {
	source    Source
	evaluator ExpressionEvaluator
	programs  ProgramFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	builds atomic.Int64

	mu      sync.Mutex
	running bool
	closed  bool
	stop    context.CancelFunc
	done    chan struct{}
	latest  *EvaluationContext
	subs    map[int]*subscriber
	nextID  int
}

type subscriber struct {
	ch   chan stream.Item[*EvaluationContext]
	done chan struct{}
}

// deliver keeps only the newest undelivered item for slow subscribers.
func (s *subscriber) deliver(item stream.Item[*EvaluationContext]) {
	select {
	case s.ch <- item:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- item:
	default:
	}
}

func (s *subscriber) close() {
	close(s.done)
	close(s.ch)
}

type buildResult struct {
	generation int
	context    *EvaluationContext
	err        error
}

// NewCache creates a cache. Nothing is loaded until the first Observe.
func NewCache(source Source, evaluator ExpressionEvaluator, programs ProgramFunc, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:    source,
		evaluator: evaluator,
		programs:  programs,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("rule-context-cache"),
		subs:      make(map[int]*subscriber),
	}
}

// Observe subscribes to the evaluation context. The latest context, if any,
// is delivered immediately. The sequence ends when ctx is done, the cache
// is closed, or a build fails.
func (c *Cache) Observe(ctx context.Context) <-chan stream.Item[*EvaluationContext] {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &subscriber{
		ch:   make(chan stream.Item[*EvaluationContext], 1),
		done: make(chan struct{}),
	}
	if c.closed {
		sub.close()
		return sub.ch
	}

	c.nextID++
	id := c.nextID
	c.subs[id] = sub

	if c.latest != nil {
		sub.deliver(stream.Item[*EvaluationContext]{Value: c.latest})
	}
	if !c.running {
		c.start()
	}

	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(id)
		case <-sub.done:
		}
	}()

	return sub.ch
}

// Get waits for the current evaluation context.
func (c *Cache) Get(ctx context.Context) (*EvaluationContext, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return stream.First(ctx, c.Observe(ctx))
}

// Builds reports how many context builds have been started
func (c *Cache) Builds() int64 { return c.builds.Load() }

// Close stops watching the program and ends every subscription.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	done := c.done
	if c.stop != nil {
		c.stop()
	}
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.close()
	}
	c.latest = nil
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// start must be called with mu held.
func (c *Cache) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(ctx, c.done)
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	programs := c.programs(ctx)
	results := make(chan buildResult)

	var (
		current     string
		have        bool
		generation  int
		cancelBuild context.CancelFunc = func() {}
	)
	defer func() { cancelBuild() }()

	for {
		select {
		case <-ctx.Done():
			return

		case item, ok := <-programs:
			if !ok {
				return
			}
			if item.Err != nil {
				c.fail(fmt.Errorf("observe enrollment program: %w", item.Err))
				return
			}
			if have && item.Value == current {
				continue
			}
			current, have = item.Value, true

			// A newer program supersedes any build still in flight.
			cancelBuild()
			var buildCtx context.Context
			buildCtx, cancelBuild = context.WithCancel(ctx)
			generation++
			go c.build(buildCtx, generation, current, results)

		case res := <-results:
			if res.generation != generation {
				continue
			}
			if res.err != nil {
				c.fail(res.err)
				return
			}
			c.publish(res.context)
		}
	}
}

// build fetches rules and variables concurrently and combines them.
func (c *Cache) build(ctx context.Context, generation int, program string, results chan<- buildResult) {
	c.builds.Add(1)

	ctx, span := c.tracer.Start(ctx, "build_rule_context",
		trace.WithAttributes(attribute.String("program", program)))
	defer span.End()

	var (
		rules     []Rule
		variables []Variable
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.source.Rules(gctx, program)
		if err != nil {
			return fmt.Errorf("load rules of program %s: %w", program, err)
		}
		rules = r
		return nil
	})
	g.Go(func() error {
		v, err := c.source.Variables(gctx, program)
		if err != nil {
			return fmt.Errorf("load rule variables of program %s: %w", program, err)
		}
		variables = v
		return nil
	})

	err := g.Wait()
	var ec *EvaluationContext
	if err == nil {
		ec, err = NewEvaluationContext(c.evaluator, program, rules, variables)
	}
	if ctx.Err() != nil {
		return
	}

	c.metrics.RuleContextBuilt(err)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(
			attribute.Int("rules", len(rules)),
			attribute.Int("variables", len(variables)))
	}

	select {
	case results <- buildResult{generation: generation, context: ec, err: err}:
	case <-ctx.Done():
	}
}

func (c *Cache) publish(ec *EvaluationContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = ec
	for _, sub := range c.subs {
		sub.deliver(stream.Item[*EvaluationContext]{Value: ec})
	}
	c.logger.Debug("rule context built",
		zap.String("program", ec.Program()),
		zap.Int("subscribers", len(c.subs)))
}

// fail ends every subscription with err and resets the cache so the next
// Observe rebuilds from scratch.
func (c *Cache) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Error("rule context build failed", zap.Error(err))

	c.latest = nil
	c.running = false
	if c.stop != nil {
		c.stop()
	}
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.deliver(stream.Item[*EvaluationContext]{Err: err})
		sub.close()
	}
}

func (c *Cache) unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		sub.close()
	}
}
