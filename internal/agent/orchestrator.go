package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/browser-brain/internal/cognition"
	"github.com/polzovatel/browser-brain/internal/config"
	"github.com/polzovatel/browser-brain/internal/memory"
	"github.com/polzovatel/browser-brain/internal/metrics"
	"github.com/polzovatel/browser-brain/internal/snapshot"
)

const defaultSnapshotTimeout = 10 * time.Second

type Config struct {
	MaxSteps        int
	MinConfidence   int
	MaxRejections   int
	SnapshotTimeout time.Duration
}

func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		MaxSteps:      cfg.Agent.MaxSteps,
		MinConfidence: cfg.Agent.MinConfidenceToAct,
		MaxRejections: cfg.Agent.MaxConsecutiveRejections,
	}
}

// Learner is the part of the pattern store the loop writes to.
type Learner interface {
	RecordFailure(ctx context.Context, domain, actionType, reason, selector, pageURL string)
	UpdateDomainInsight(ctx context.Context, domain string, steps int, success, hasBotDetection bool)
	SaveTask(ctx context.Context, rec memory.TaskRecord)
}

// Result summarizes one task run.
type Result struct {
	SessionID string
	Task      string
	Success   bool
	Steps     int
	Duration  time.Duration
	FinalURL  string
	Data      []string
	Err       error
}

type Orchestrator struct {
	cfg     Config
	decider Decider
	learner Learner
	metrics *metrics.Provider
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *metrics.Provider) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(cfg Config, decider Decider, learner Learner, opts ...Option) *Orchestrator {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.MaxRejections < 1 {
		cfg.MaxRejections = 1
	}
	o := &Orchestrator{
		cfg:     cfg,
		decider: decider,
		learner: learner,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("comp", "orch").Logger()
	return o
}

// Run drives one task until the engine says done, the step limit is hit
// or ctx is cancelled. The returned error is only ever a context error;
// everything else degrades inside the loop.
func (o *Orchestrator) Run(ctx context.Context, task string, ws Workspace) (Result, error) {
	sess := cognition.NewSession(uuid.NewString(), task)
	log := o.logger.With().Str("session", sess.ID).Logger()
	start := o.now()
	res := Result{SessionID: sess.ID, Task: task}
	log.Info().Str("task", task).Int("max_steps", o.cfg.MaxSteps).Msg("task started")

	var lastURL string
	for sess.Step < o.cfg.MaxSteps {
		if ctx.Err() != nil {
			break
		}
		sess.Step++

		ctxSnap, cancel := snapshot.WithDeadline(ctx, o.cfg.SnapshotTimeout)
		p, err := ws.Perceiver.Perceive(ctxSnap)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn().Err(err).Int("step", sess.Step).Msg("perception degraded")
			p = snapshot.Perception{URL: lastURL, Domain: memory.ExtractDomain(lastURL)}
		}
		if p.URL != "" {
			lastURL = p.URL
		}
		log.Info().
			Int("step", sess.Step).
			Str("url", p.URL).
			Str("page_type", p.Analysis.PageType).
			Int("elements", len(p.Elements)).
			Str("preview", elementPreview(p.Elements, 10)).
			Msg("snapshot")

		stuck, _ := sess.Window.IsStuck()
		dec := o.decider.Decide(ctx, sess, p)
		if dec.Source == cognition.SourceGuard {
			log.Info().Str("reason", dec.Reasoning).Msg("stopping")
			break
		}
		if dec.Reasoning != "" {
			log.Debug().Str("reasoning", dec.Reasoning).Msg("agent reasoning")
		}

		if dec.Action == cognition.ActionDone {
			log.Info().Int("confidence", dec.Confidence).Msg("task complete")
			res.Success = true
			sess.Done = true
			break
		}

		if dec.Confidence < o.cfg.MinConfidence {
			sess.Rejections++
			o.metrics.ObserveRejection()
			if sess.Rejections < o.cfg.MaxRejections {
				log.Info().
					Str("action", string(dec.Action)).
					Int("confidence", dec.Confidence).
					Int("rejections", sess.Rejections).
					Msg("decision rejected")
				if err := ws.Actor.Pause(ctx); err != nil {
					break
				}
				continue
			}
			log.Warn().Str("action", string(dec.Action)).Int("rejections", sess.Rejections).Msg("rejection limit reached, acting anyway")
		}
		sess.Rejections = 0

		out, err := ws.Actor.Apply(ctx, dec, p)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			log.Warn().Err(err).Str("action", string(dec.Action)).Str("details", dec.Details).Msg("action failed")
			o.learner.RecordFailure(ctx, p.Domain, string(dec.Action), truncateText(err.Error(), 200), out.Selector, p.URL)
		} else {
			log.Info().Str("action", string(dec.Action)).Msg(out.Observation)
		}
		if out.Data != "" {
			res.Data = append(res.Data, out.Data)
		}
		if out.Done {
			res.Success = true
			sess.Done = true
			break
		}

		// one stuck-aware decision, then a fresh window
		if stuck {
			sess.Window.Reset()
			log.Debug().Msg("action window reset")
		}

		if err := ws.Actor.Pause(ctx); err != nil {
			break
		}
	}

	res.Steps = sess.Step
	res.Duration = o.now().Sub(start)
	res.FinalURL = lastURL
	o.finish(context.WithoutCancel(ctx), res)

	log.Info().
		Bool("success", res.Success).
		Int("steps", res.Steps).
		Dur("duration", res.Duration).
		Str("final_url", res.FinalURL).
		Msg("task finished")
	return res, ctx.Err()
}

func (o *Orchestrator) finish(ctx context.Context, res Result) {
	var data any
	if len(res.Data) > 0 {
		data = res.Data
	}
	o.learner.SaveTask(ctx, memory.TaskRecord{
		SessionID:     res.SessionID,
		Task:          res.Task,
		Success:       res.Success,
		Steps:         res.Steps,
		Duration:      res.Duration,
		FinalURL:      res.FinalURL,
		CollectedData: data,
		Timestamp:     o.now(),
	})
	if domain := memory.ExtractDomain(res.FinalURL); domain != "" {
		o.learner.UpdateDomainInsight(ctx, domain, res.Steps, res.Success, false)
	}
	o.metrics.ObserveTask(res.Success, res.Steps)
}

// RunMany runs tasks as independent sessions, at most parallel at a time.
// Each task gets its own workspace from open. A workspace that fails to
// open is reported in that task's Result.
func (o *Orchestrator) RunMany(ctx context.Context, tasks []string, parallel int, open OpenFunc) ([]Result, error) {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Task: task, Err: err}
				return nil
			}
			ws, err := open(gctx)
			if err != nil {
				o.logger.Error().Err(err).Str("task", task).Msg("open workspace")
				results[i] = Result{Task: task, Err: fmt.Errorf("open workspace: %w", err)}
				return nil
			}
			if ws.Close != nil {
				defer func() {
					if err := ws.Close(context.WithoutCancel(gctx)); err != nil {
						o.logger.Debug().Err(err).Msg("close workspace")
					}
				}()
			}
			res, err := o.Run(gctx, task, ws)
			res.Err = err
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func elementPreview(elements []snapshot.Element, n int) string {
	if len(elements) == 0 {
		return "EMPTY - no elements found!"
	}
	var b strings.Builder
	for _, el := range elements[:min(n, len(elements))] {
		fmt.Fprintf(&b, " [%d]%s:%q", el.ID, el.Tag, truncateText(el.Text, 40))
	}
	return b.String()
}

func truncateText(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
