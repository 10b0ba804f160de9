package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/errs"
	"execution-core/pkg/exchanges/common"
)

// DefaultCooldown is the rate-limit wait before the single retry.
const DefaultCooldown = time.Second

// Clock resynchronizes the local/venue clock offset.
type Clock interface {
	Sync(ctx context.Context) error
}

// Outcome is the result of handling one error.
type Outcome struct {
	Recovered       bool   `json:"recovered"`
	Retried         bool   `json:"retried"`
	RecoveryFailed  bool   `json:"recoveryFailed,omitempty"`
	NeedsUserAction bool   `json:"needsUserAction,omitempty"`
	UIAction        string `json:"uiAction,omitempty"`
	Code            int64  `json:"code,omitempty"`
	Message         string `json:"message"`
	Action          Action `json:"action,omitempty"`
	// Err is the error the caller should surface; nil when Recovered.
	Err error `json:"-"`
}

// Result converts a failed outcome into the caller-facing shape.
func (o Outcome) Result() errs.Result {
	if o.Recovered {
		return errs.Result{Success: true}
	}
	r := errs.Fail(o.Err)
	r.Message = o.Message
	r.NeedsUserAction = r.NeedsUserAction || o.NeedsUserAction
	return r
}

// Handler applies the recovery policy. Recoverable errors are retried at most once.
type Handler struct {
	clock    Clock
	limiter  *common.RateLimiter
	cooldown time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Handler)

func WithCooldown(d time.Duration) Option {
	return func(h *Handler) { h.cooldown = d }
}

// WithLimiter gates every attempt made through Run.
func WithLimiter(l *common.RateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func NewHandler(clock Clock, opts ...Option) *Handler {
	h := &Handler{clock: clock, cooldown: DefaultCooldown, sleep: sleepCtx}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle classifies err and, for recoverable codes, performs the recovery step and calls retry
// once. retry may be nil.
func (h *Handler) Handle(ctx context.Context, err error, retry func(ctx context.Context) error) Outcome {
	c := Classify(err)
	out := Outcome{Code: c.Code, Action: c.Action, Message: UserMessage(c), Err: err}

	log.Warn().Err(err).Int64("code", c.Code).Str("action", string(c.Action)).Msg("venue error")

	switch c.Action {
	case ActionValidateOrder:
		out.NeedsUserAction = true
		return out
	case ActionInsufficientMargin:
		out.NeedsUserAction = true
		out.UIAction = "highlightNotional"
		return out
	}
	if !c.Recoverable {
		return out
	}

	switch c.Action {
	case ActionSyncTime:
		if h.clock == nil {
			out.RecoveryFailed = true
			return out
		}
		if serr := h.clock.Sync(ctx); serr != nil {
			log.Error().Err(serr).Msg("clock resync failed")
			out.RecoveryFailed = true
			return out
		}
	case ActionRateLimit:
		if serr := h.sleep(ctx, h.cooldown); serr != nil {
			out.RecoveryFailed = true
			out.Err = serr
			return out
		}
	}

	if retry == nil {
		out.Recovered = true
		out.Err = nil
		return out
	}

	out.Retried = true
	rerr := retry(ctx)
	if rerr == nil {
		out.Recovered = true
		out.Err = nil
		log.Info().Str("action", string(c.Action)).Msg("recovered after retry")
		return out
	}
	// The retry's own error is surfaced as-is; no second retry.
	rc := Classify(rerr)
	out.Err = rerr
	out.Code = rc.Code
	out.Message = UserMessage(rc)
	if rc.Action == ActionRateLimit {
		out.NeedsUserAction = true
		out.UIAction = "showCooldown"
	}
	return out
}

// Run executes fn through the limiter and applies Handle on failure.
func Run[T any](ctx context.Context, h *Handler, fn func(ctx context.Context) (T, error)) (T, Outcome) {
	var result T
	attempt := func(ctx context.Context) error {
		if h.limiter != nil {
			if err := h.limiter.WaitUntilAllowed(ctx); err != nil {
				return err
			}
		}
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	err := attempt(ctx)
	if err == nil {
		return result, Outcome{Recovered: true}
	}
	if IsTimeout(err) {
		// Unknown venue state: never retried automatically.
		return result, Outcome{Err: err, Message: "Request timed out; the order state is unknown. Check open orders before retrying."}
	}
	out := h.Handle(ctx, err, attempt)
	return result, out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
