package cognition

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/polzovatel/browser-brain/internal/config"
	"github.com/polzovatel/browser-brain/internal/llm"
	"github.com/polzovatel/browser-brain/internal/snapshot"
)

// Options are the engine's tunables. The confidence gate lives in the
// step loop, not here.
type Options struct {
	MaxSteps          int
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	RateLimitBackoff  time.Duration
	RequestsPerMinute int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxSteps:          cfg.Agent.MaxSteps,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RateLimitBackoff:  cfg.LLM.RateLimitBackoff,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}
}

// Observer receives decision and endpoint-error events.
type Observer interface {
	ObserveDecision(action, source string)
	ObserveLLMError(kind string)
}

type Engine struct {
	client   llm.Client
	mem      Memory
	opts     Options
	logger   zerolog.Logger
	observer Observer
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

type EngineOption func(*Engine)

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// NewEngine wires the engine. client may be nil, in which case every
// decision comes from the heuristic fallback.
func NewEngine(client llm.Client, mem Memory, opts Options, eopts ...EngineOption) *Engine {
	e := &Engine{
		client: client,
		mem:    mem,
		opts:   opts,
		logger: zerolog.Nop(),
		sleep:  sleepCtx,
	}
	for _, o := range eopts {
		o(e)
	}
	e.logger = e.logger.With().Str("comp", "cognition").Logger()
	if opts.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return e
}

// Decide produces the next action for sess. It never fails: endpoint and
// memory problems degrade to low-confidence or heuristic decisions. The
// caller advances sess.Step before each call.
func (e *Engine) Decide(ctx context.Context, sess *Session, p snapshot.Perception) Decision {
	log := e.logger.With().Str("session", sess.ID).Int("step", sess.Step).Logger()

	if (e.opts.MaxSteps > 0 && sess.Step > e.opts.MaxSteps) || ctx.Err() != nil {
		d := Decision{Action: ActionDone, Confidence: 0, Reasoning: "step limit reached", Source: SourceGuard}
		log.Info().Msg("abort before dispatch")
		e.observe(d)
		return d
	}

	st := analyzeState(sess.Task, p, sess.Window)
	log.Info().Str("state", st.Summary).Str("domain", st.Domain).Msg("state analyzed")

	insights := fetchInsights(ctx, e.mem, st.Domain)
	if insights != nil {
		log.Debug().Str("memory", insights.Summary).Msg("insights")
	}

	problems := detectProblems(st, p.Analysis)
	if len(problems) > 0 {
		log.Info().Str("problems", problemList(problems)).Msg("issues detected")
	}

	candidates := generateCandidates(st, p.Elements, problems)
	log.Debug().Int("candidates", len(candidates)).Msg("options generated")

	d := e.consult(ctx, log, sess, st, p, candidates, insights, problems)
	d = validate(d, problems)
	sess.Window.Push(string(d.Action))

	log.Info().
		Str("action", string(d.Action)).
		Str("details", truncateRunes(d.Details, 80)).
		Int("confidence", d.Confidence).
		Str("source", string(d.Source)).
		Strs("overrides", d.Overrides).
		Msg("decision")
	e.observe(d)
	return d
}

func (e *Engine) consult(
	ctx context.Context,
	log zerolog.Logger,
	sess *Session,
	st State,
	p snapshot.Perception,
	candidates []Candidate,
	insights *Insights,
	problems []Problem,
) Decision {
	if e.client == nil {
		return fallback(candidates)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("rate limiter wait aborted")
			return fallback(candidates)
		}
	}

	prompt := buildPrompt(st, p, candidates, insights, problems)
	msgs := append(sess.Transcript(), llm.Message{Role: "user", Text: prompt, ImagePNG: p.Screenshot})

	callCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	resp, err := e.client.Generate(callCtx, llm.Request{
		System:      systemPrompt,
		Messages:    msgs,
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
	})
	if err != nil {
		kind := llm.KindOf(err)
		log.Error().Err(err).Str("kind", string(kind)).Msg("reasoning endpoint error")
		if e.observer != nil {
			e.observer.ObserveLLMError(string(kind))
		}
		return e.onError(ctx, kind, candidates)
	}

	sess.remember("Task: "+sess.Task+"\nState: "+st.Summary, resp.Text)
	d := parseReply(resp.Text)
	if !d.Action.Known() {
		log.Warn().Str("action", string(d.Action)).Msg("model returned unknown action")
	}
	return d
}

func (e *Engine) onError(ctx context.Context, kind llm.Kind, candidates []Candidate) Decision {
	switch kind {
	case llm.KindRateLimit:
		if e.opts.RateLimitBackoff > 0 {
			_ = e.sleep(ctx, e.opts.RateLimitBackoff)
		}
		return Decision{Action: ActionWait, Confidence: 1, Reasoning: "Rate limited, backing off", Source: SourceError}
	case llm.KindAuth:
		return Decision{Action: ActionWait, Confidence: 1, Reasoning: "Reasoning endpoint rejected credentials", Source: SourceError}
	case llm.KindNotFound:
		return Decision{Action: ActionWait, Confidence: 1, Reasoning: "Reasoning model not found", Source: SourceError}
	default:
		return fallback(candidates)
	}
}

func (e *Engine) observe(d Decision) {
	if e.observer != nil {
		e.observer.ObserveDecision(string(d.Action), string(d.Source))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
