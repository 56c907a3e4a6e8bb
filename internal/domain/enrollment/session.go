package enrollment

import (
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/internal/rules"
	"github.com/drfirst/go-enrollment/pkg/idgen"
)

// Session bundles everything a form needs for one enrollment: field reads,
// field writes, visit generation, first-stage resolution and the cached
// rule context. Sessions are independent; two sessions for the same
// enrollment share only the store.
type Session struct {
	UID string

	Reader     *Reader
	Writer     *Writer
	Generator  *Generator
	FirstStage *FirstStageResolver
	Rules      *rules.Cache
}

type sessionOptions struct {
	logger  *zap.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// SessionOption configures a Session
type SessionOption func(*sessionOptions)

// WithLogger sets the session logger
func WithLogger(logger *zap.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

// WithClock sets the clock used for event dates and anchor fallbacks
func WithClock(now func() time.Time) SessionOption {
	return func(o *sessionOptions) { o.now = now }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// NewSession wires the components of one enrollment session. The rule
// context is not loaded until it is first observed.
func NewSession(store RecordStore, source rules.Source, evaluator rules.ExpressionEvaluator,
	ids idgen.Generator, enrollmentUID string, opts ...SessionOption) *Session {
	o := sessionOptions{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("enrollment", enrollmentUID))

	reader := NewReader(store, enrollmentUID)
	return &Session{
		UID:        enrollmentUID,
		Reader:     reader,
		Writer:     NewWriter(store, enrollmentUID, logger, o.metrics),
		Generator:  NewGenerator(store, ids, o.now, logger, o.metrics),
		FirstStage: NewFirstStageResolver(store, ids, o.now, logger, o.metrics),
		Rules:      rules.NewCache(source, evaluator, reader.ProgramUID, logger, o.metrics),
	}
}

// Close releases the rule context cache and ends its subscriptions.
func (s *Session) Close() {
	s.Rules.Close()
}
