// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment injects faults into the delivery of distributor events and
// checks that the pool counters hold up.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Observe metrics are sampled like SteadyState but carry no threshold;
	// Validation reads them.
	Observe    []Metric
	Method     []Action
	Rollback   []Action
	Validation []Assertion
}

// Metric is a measurable property of the system under test.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action is one fault injection or cleanup step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Failures         []string               `json:"failures"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
}

type Violation struct {
	Metric    string    `json:"metric"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Store is the pool storage experiments provision into and measure.
type Store interface {
	ListPools(ctx context.Context) ([]*licensing.LicensePool, error)
	GetPool(ctx context.Context, id int64) (*licensing.LicensePool, error)
	CreatePool(ctx context.Context, p licensing.LicensePool) (*licensing.LicensePool, error)
	DeletePool(ctx context.Context, id int64) error
	CreateLicense(ctx context.Context, l licensing.License) (*licensing.License, error)
}

// Engine runs experiments against one collection.
type Engine struct {
	tracer       trace.Tracer
	logger       *slog.Logger
	service      circulation.Service
	store        Store
	collectionID int64

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(service circulation.Service, store Store, collectionID int64, logger *slog.Logger) *Engine {
	return &Engine{
		tracer:       otel.Tracer("libracirc/chaos"),
		logger:       logger,
		service:      service,
		store:        store,
		collectionID: collectionID,
	}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment: check the steady state, run the method while
// sampling after every step, roll back, then validate.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
		e.sample(ctx, exp, result)
	}

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			e.logger.WarnContext(ctx, "rollback step failed", "experiment", exp.Name, "action", action.Type, "error", err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.Failures = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Violations) == 0 && len(result.Failures) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) sample(ctx context.Context, exp Experiment, result *Result) {
	now := time.Now()
	record := func(m Metric, enforce bool) {
		value, err := m.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			return
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		if enforce && !m.Threshold.holds(value) {
			result.Violations = append(result.Violations, Violation{
				Metric:    m.Name,
				Expected:  m.Threshold.Value,
				Actual:    value,
				Timestamp: now,
			})
		}
	}
	for _, m := range exp.SteadyState {
		record(m, true)
	}
	for _, m := range exp.Observe {
		record(m, false)
	}
}

func (e *Engine) checkSteadyState(ctx context.Context, metrics []Metric) []Violation {
	var violations []Violation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.holds(value) {
			violations = append(violations, Violation{
				Metric:    m.Name,
				Expected:  m.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
		}
	}
	return violations
}

func validate(assertions []Assertion, result *Result) []string {
	var failures []string
	for _, a := range assertions {
		points := result.Observations[a.Metric]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failures = append(failures, a.Message)
		}
	}
	return failures
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario in order and logs the outcome of each.
// It returns an error when any hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)))
	defer span.End()

	e.logger.InfoContext(ctx, "game day started", "name", day.Name, "date", day.Date, "scenarios", len(day.Scenarios))

	failed := 0
	for i, scenario := range day.Scenarios {
		if i > 0 && day.Pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(day.Pause):
			}
		}

		result, err := e.Run(ctx, scenario)
		if err != nil {
			failed++
			e.logger.ErrorContext(ctx, "experiment aborted", "experiment", scenario.Name, "error", err)
			continue
		}
		e.report(ctx, scenario, result)
		if !result.HypothesisHeld {
			failed++
		}
	}

	if failed > 0 {
		return errors.New("game day: hypotheses violated")
	}
	return nil
}

func (e *Engine) report(ctx context.Context, exp Experiment, result *Result) {
	level := slog.LevelInfo
	if !result.HypothesisHeld {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "experiment finished",
		"experiment", exp.Name,
		"hypothesis", exp.Hypothesis,
		"held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"errors", len(result.ErrorEvents),
		"duration", result.Duration.String(),
	)
	for _, v := range result.Violations {
		e.logger.WarnContext(ctx, "steady state violated", "metric", v.Metric, "expected", v.Expected, "actual", v.Actual)
	}
	for _, f := range result.Failures {
		e.logger.WarnContext(ctx, "assertion failed", "experiment", exp.Name, "message", f)
	}
}
