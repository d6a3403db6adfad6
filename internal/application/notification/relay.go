package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
)

// Route sends events matching Condition to Gateway. An empty condition
// matches everything.
type Route struct {
	Gateway   notification.Gateway
	Condition string

	expr *govaluate.EvaluableExpression
}

// Options tunes the relay.
type Options struct {
	NotifyTimeout time.Duration
	Lease         time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

func (o Options) withDefaults() Options {
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 5 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
	return o
}

// Relay drains the outbox to the configured gateways. Delivery is at least
// once: a failed event is retried on every routed gateway, so consumers
// dedupe by event id.
type Relay struct {
	outbox notification.Outbox
	routes []Route
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// NewRelay compiles every route condition up front so a bad rule fails at
// startup instead of on the first event.
func NewRelay(outbox notification.Outbox, routes []Route, opts Options, logger zerolog.Logger) (*Relay, error) {
	compiled := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Gateway == nil {
			return nil, errors.New("route without gateway")
		}
		cond := strings.TrimSpace(r.Condition)
		if cond != "" && !strings.EqualFold(cond, "true") {
			expr, err := govaluate.NewEvaluableExpression(cond)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Gateway.Name(), err)
			}
			r.expr = expr
		}
		compiled = append(compiled, r)
	}
	return &Relay{
		outbox: outbox,
		routes: compiled,
		opts:   opts.withDefaults(),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		logger: logger.With().Str("service", "relay").Logger(),
	}, nil
}

// ProcessDue claims up to limit due events and tries to deliver each one.
// It returns how many were delivered.
func (r *Relay) ProcessDue(ctx context.Context, limit int) (int, error) {
	now := r.now()
	events, err := r.outbox.ClaimDue(ctx, now, r.opts.Lease, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim events: %w", err)
	}

	delivered := 0
	for _, ev := range events {
		if r.process(ctx, ev) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) process(ctx context.Context, ev *notification.Event) bool {
	log := r.logger.With().
		Str("event_id", ev.EventID.String()).
		Str("dispute_id", ev.DisputeID.String()).
		Str("kind", string(ev.Kind)).
		Logger()
	now := r.now()

	if ev.IsExpired(now) {
		if err := ev.MarkExpired(); err == nil {
			log.Warn().Int("attempts", ev.Attempts).Msg("event expired before delivery")
			r.save(ctx, ev, log)
		}
		return false
	}
	if ev.Status == notification.StatusFailed {
		if err := ev.ResetForRetry(now); err != nil {
			log.Warn().Err(err).Msg("event cannot be retried")
			return false
		}
	}

	sendErr := r.fanOut(ctx, ev, log)
	now = r.now()
	if sendErr == nil {
		_ = ev.MarkDelivered(now)
		log.Debug().Msg("event delivered")
		r.save(ctx, ev, log)
		return true
	}

	if err := ev.MarkFailed(sendErr.Error(), now, r.backoff(ev.Attempts+1)); err != nil {
		log.Warn().Err(sendErr).Msg("event expired after failed delivery")
	} else if ev.Attempts < ev.MaxAttempts {
		log.Warn().Err(sendErr).
			Int("attempts", ev.Attempts).
			Time("next_attempt_at", ev.NextAttemptAt).
			Msg("event delivery failed")
	} else {
		log.Error().Err(sendErr).Int("attempts", ev.Attempts).Msg("event delivery exhausted")
	}
	r.save(ctx, ev, log)
	return false
}

// fanOut calls every matching gateway in parallel, each under its own
// timeout, and joins their errors.
func (r *Relay) fanOut(ctx context.Context, ev *notification.Event, log zerolog.Logger) error {
	params := eventParams(ev)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, route := range r.routes {
		ok, err := route.matches(params)
		if err != nil {
			log.Warn().Err(err).Str("gateway", route.Gateway.Name()).Msg("route condition failed, skipping")
			continue
		}
		if !ok {
			continue
		}
		gw := route.Gateway
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, r.opts.NotifyTimeout)
			defer cancel()
			if err := gw.Notify(nctx, ev); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", gw.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Relay) save(ctx context.Context, ev *notification.Event, log zerolog.Logger) {
	if err := r.outbox.Save(ctx, ev); err != nil {
		log.Error().Err(err).Str("status", string(ev.Status)).Msg("failed to persist event state")
	}
}

// backoff is base * 2^(attempt-1), capped.
func (r *Relay) backoff(attempt int) time.Duration {
	d := r.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.opts.BackoffCap {
			return r.opts.BackoffCap
		}
	}
	if d > r.opts.BackoffCap {
		return r.opts.BackoffCap
	}
	return d
}

// Run processes the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.ProcessDue(ctx, batch)
				if err != nil {
					r.logger.Warn().Err(err).Msg("relay pass failed")
					break
				}
				if n < batch {
					break
				}
			}
		}
	}
}

func (rt Route) matches(params map[string]interface{}) (bool, error) {
	if rt.expr == nil {
		if strings.EqualFold(strings.TrimSpace(rt.Condition), "false") {
			return false, nil
		}
		return true, nil
	}
	result, err := rt.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("condition did not evaluate to boolean")
	}
	return v, nil
}

// eventParams exposes the event header and its payload fields to route
// conditions. Nested payload keys are flattened with dots.
func eventParams(ev *notification.Event) map[string]interface{} {
	params := map[string]interface{}{}
	var payload map[string]interface{}
	if err := json.Unmarshal(ev.Payload, &payload); err == nil {
		flatten("", payload, params)
	}
	params["kind"] = string(ev.Kind)
	params["dispute_id"] = ev.DisputeID.String()
	params["actor_id"] = ev.ActorID
	params["recipients_count"] = float64(len(ev.Recipients))
	params["attempts"] = float64(ev.Attempts)
	return params
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// ParseRoutes reads "gateway[:condition];..." against the named gateways.
// An empty string routes every event to every gateway.
func ParseRoutes(spec string, gateways map[string]notification.Gateway) ([]Route, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		routes := make([]Route, 0, len(gateways))
		for _, gw := range gateways {
			routes = append(routes, Route{Gateway: gw})
		}
		return routes, nil
	}
	var routes []Route
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, cond, _ := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		gw, ok := gateways[name]
		if !ok {
			return nil, fmt.Errorf("unknown gateway %q", name)
		}
		routes = append(routes, Route{Gateway: gw, Condition: strings.TrimSpace(cond)})
	}
	return routes, nil
}

// LogGateway writes every event to the log.
type LogGateway struct {
	logger zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("gateway", "log").Logger()}
}

func (g *LogGateway) Name() string { return "log" }

func (g *LogGateway) Notify(_ context.Context, ev *notification.Event) error {
	g.logger.Info().
		Str("event_id", ev.EventID.String()).
		Str("dispute_id", ev.DisputeID.String()).
		Str("kind", string(ev.Kind)).
		Str("actor_id", ev.ActorID).
		Strs("recipients", ev.Recipients).
		RawJSON("payload", ev.Payload).
		Msg("dispute event")
	return nil
}
