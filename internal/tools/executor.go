package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-brain/internal/browser"
	"github.com/polzovatel/browser-brain/internal/cognition"
	"github.com/polzovatel/browser-brain/internal/humanoid"
	"github.com/polzovatel/browser-brain/internal/memory"
	"github.com/polzovatel/browser-brain/internal/snapshot"
)

const (
	defaultScrollAmount = 600
	extractLimit        = 2000
	waitDuration        = 2 * time.Second
	maxHover            = 2 * time.Second
	settleTimeout       = 3 * time.Second
	scrollTopMargin     = 50
	scrollBottomEdge    = 900
	scrollAnchor        = 300
)

var botIndicators = []string{
	"captcha",
	"robot",
	"unusual traffic",
	"verify you are human",
	"press & hold",
	"security check",
	"automated",
}

var (
	numberRe      = regexp.MustCompile(`\d+`)
	fieldPrefixRe = regexp.MustCompile(`^\[(\d+)\]\s*(.*)$`)
)

// Recorder is the write side of the pattern store.
type Recorder interface {
	RecordSuccess(ctx context.Context, domain, actionType, selector, contextLabel string, confidence float64)
	RecordFailure(ctx context.Context, domain, actionType, reason, selector, pageURL string)
	UpdateDomainInsight(ctx context.Context, domain string, steps int, success, hasBotDetection bool)
}

// Outcome describes what one applied decision did.
type Outcome struct {
	Observation string
	// Selector is the element the action targeted, when there was one.
	Selector    string
	Data        string
	Done        bool
	BotDetected bool
}

// Executor applies decisions to the browser with human-looking input.
type Executor struct {
	ctrl     browser.Controller
	motion   *humanoid.Model
	rec      Recorder
	logger   zerolog.Logger
	cursor   humanoid.Point
	delayMin time.Duration
	delayMax time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithActionDelay sets the pause range between consecutive actions.
func WithActionDelay(lo, hi time.Duration) Option {
	return func(e *Executor) { e.delayMin, e.delayMax = lo, hi }
}

func New(ctrl browser.Controller, motion *humanoid.Model, rec Recorder, opts ...Option) *Executor {
	e := &Executor{
		ctrl:     ctrl,
		motion:   motion,
		rec:      rec,
		logger:   zerolog.Nop(),
		delayMin: 800 * time.Millisecond,
		delayMax: 2500 * time.Millisecond,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With().Str("comp", "executor").Logger()
	return e
}

// Apply executes d against the current page. Errors are returned for the
// caller to record; successes of click and type are recorded here.
func (e *Executor) Apply(ctx context.Context, d cognition.Decision, p snapshot.Perception) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	log := e.logger.With().Str("action", string(d.Action)).Str("details", d.Details).Logger()
	log.Debug().Msg("executing")

	switch d.Action {
	case cognition.ActionGoto:
		return e.navigate(ctx, d.Details)
	case cognition.ActionType:
		return e.typeInto(ctx, d, p)
	case cognition.ActionClick:
		return e.click(ctx, d, p)
	case cognition.ActionScroll:
		dy := scrollAmount(d.Details)
		if err := e.ctrl.ScrollBy(ctx, dy); err != nil {
			return Outcome{}, err
		}
		return Outcome{Observation: fmt.Sprintf("scrolled %dpx", dy)}, nil
	case cognition.ActionExtract:
		text, err := e.ctrl.BodyText(ctx)
		if err != nil {
			return Outcome{}, err
		}
		text = truncate(strings.TrimSpace(text), extractLimit)
		return Outcome{Observation: fmt.Sprintf("extracted %d chars", len(text)), Data: text}, nil
	case cognition.ActionWait:
		if err := e.sleep(ctx, waitDuration); err != nil {
			return Outcome{}, err
		}
		return Outcome{Observation: "waited"}, nil
	case cognition.ActionDone:
		return Outcome{Observation: "task complete", Done: true}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown action %q", d.Action)
	}
}

// Pause sleeps a random inter-action delay.
func (e *Executor) Pause(ctx context.Context) error {
	return e.sleep(ctx, e.motion.Between(e.delayMin, e.delayMax))
}

func (e *Executor) navigate(ctx context.Context, target string) (Outcome, error) {
	url := normalizeURL(target)
	if url == "" {
		return Outcome{}, fmt.Errorf("goto without url")
	}
	if err := e.ctrl.Navigate(ctx, url); err != nil {
		return Outcome{}, err
	}
	if err := e.ctrl.WaitForStableDOM(ctx, settleTimeout); err != nil {
		e.logger.Debug().Err(err).Msg("page did not settle")
	}

	out := Outcome{Observation: "opened " + url}
	body, err := e.ctrl.BodyText(ctx)
	if err != nil {
		return out, nil
	}
	if indicator := botIndicator(body); indicator != "" {
		domain := memory.ExtractDomain(url)
		e.logger.Warn().Str("domain", domain).Str("indicator", indicator).Msg("bot detection")
		e.rec.RecordFailure(ctx, domain, string(cognition.ActionGoto), "Bot detection", "", url)
		e.rec.UpdateDomainInsight(ctx, domain, 1, false, true)
		out.BotDetected = true
		out.Observation += " (bot detection: " + indicator + ")"
	}
	return out, nil
}

func (e *Executor) typeInto(ctx context.Context, d cognition.Decision, p snapshot.Perception) (Outcome, error) {
	el, text, ok := typeTarget(p, d.Details)
	if text == "" {
		return Outcome{}, fmt.Errorf("type without text")
	}
	if !ok {
		return Outcome{}, fmt.Errorf("no input field found")
	}
	sel := selectorFor(el)
	out := Outcome{Selector: sel}

	if err := e.moveTo(ctx, humanoid.Point{X: el.X, Y: el.Y}); err != nil {
		return out, err
	}
	if err := e.press(ctx); err != nil {
		return out, err
	}
	if err := e.ctrl.Press(ctx, "Control+A"); err != nil {
		return out, err
	}
	if err := e.ctrl.Press(ctx, "Backspace"); err != nil {
		return out, err
	}

	delays := e.motion.TypingDelays(text)
	for i, r := range []rune(text) {
		if unicode.IsLetter(r) && e.motion.ShouldTypo() {
			if wrong := e.motion.NearbyKey(r); wrong != r {
				if err := e.ctrl.TypeText(ctx, string(wrong)); err != nil {
					return out, err
				}
				if err := e.sleep(ctx, delays[i]); err != nil {
					return out, err
				}
				if err := e.ctrl.Press(ctx, "Backspace"); err != nil {
					return out, err
				}
			}
		}
		if err := e.ctrl.TypeText(ctx, string(r)); err != nil {
			return out, err
		}
		if err := e.sleep(ctx, delays[i]); err != nil {
			return out, err
		}
	}
	if err := e.ctrl.Press(ctx, "Enter"); err != nil {
		return out, err
	}
	if err := e.ctrl.WaitForStableDOM(ctx, settleTimeout); err != nil {
		e.logger.Debug().Err(err).Msg("page did not settle")
	}

	e.rec.RecordSuccess(ctx, p.Domain, string(cognition.ActionType), sel, truncate(text, 30), float64(d.Confidence))
	out.Observation = fmt.Sprintf("typed %q into %s", text, sel)
	return out, nil
}

func (e *Executor) click(ctx context.Context, d cognition.Decision, p snapshot.Perception) (Outcome, error) {
	el, ok := findTarget(p, d.Details)
	if !ok {
		return Outcome{}, fmt.Errorf("element %q not found", d.Details)
	}
	sel := selectorFor(el)
	out := Outcome{Selector: sel}

	target := humanoid.Point{X: el.X, Y: el.Y}
	if el.Top < scrollTopMargin || el.Top > scrollBottomEdge {
		dy := int(el.Top) - scrollAnchor
		if err := e.ctrl.ScrollBy(ctx, dy); err != nil {
			return out, err
		}
		target.Y -= float64(dy)
		if err := e.sleep(ctx, e.motion.Between(200*time.Millisecond, 500*time.Millisecond)); err != nil {
			return out, err
		}
	}

	if err := e.moveTo(ctx, target); err != nil {
		return out, err
	}
	if err := e.sleep(ctx, min(e.motion.ReadingTime(el.Text), maxHover)); err != nil {
		return out, err
	}
	if err := e.press(ctx); err != nil {
		return out, err
	}
	if err := e.ctrl.WaitForStableDOM(ctx, settleTimeout); err != nil {
		e.logger.Debug().Err(err).Msg("page did not settle")
	}

	e.rec.RecordSuccess(ctx, p.Domain, string(cognition.ActionClick), sel, truncate(el.Text, 30), float64(d.Confidence))
	out.Observation = fmt.Sprintf("clicked [%d] %s", el.ID, sel)
	return out, nil
}

// moveTo walks the cursor along a curved path to target.
func (e *Executor) moveTo(ctx context.Context, target humanoid.Point) error {
	path := e.motion.MousePath(e.cursor, target, 0)
	for _, pt := range path {
		if err := e.ctrl.MouseMove(ctx, pt.X, pt.Y); err != nil {
			return err
		}
		if err := e.sleep(ctx, e.motion.Between(5*time.Millisecond, 15*time.Millisecond)); err != nil {
			return err
		}
	}
	e.cursor = target
	return nil
}

func (e *Executor) press(ctx context.Context) error {
	if err := e.ctrl.MouseDown(ctx); err != nil {
		return err
	}
	if err := e.sleep(ctx, e.motion.Between(50*time.Millisecond, 150*time.Millisecond)); err != nil {
		return err
	}
	return e.ctrl.MouseUp(ctx)
}

// typeTarget splits details into an optional "[id]" field prefix and the
// text to type. An id naming a typeable field wins; otherwise the first
// visible one is used.
func typeTarget(p snapshot.Perception, details string) (snapshot.Element, string, bool) {
	details = strings.TrimSpace(details)
	if m := fieldPrefixRe.FindStringSubmatch(details); m != nil {
		text := strings.Trim(strings.TrimSpace(m[2]), "\"'")
		id, _ := strconv.Atoi(m[1])
		if el, ok := p.ElementByID(id); ok && typeable(el) {
			return el, text, true
		}
		el, ok := findInput(p)
		return el, text, ok
	}
	el, ok := findInput(p)
	return el, strings.Trim(details, "\"'"), ok
}

func findInput(p snapshot.Perception) (snapshot.Element, bool) {
	for _, el := range p.Elements {
		if typeable(el) {
			return el, true
		}
	}
	return snapshot.Element{}, false
}

func typeable(el snapshot.Element) bool {
	if !el.Visible || (el.Tag != "input" && el.Tag != "textarea") {
		return false
	}
	switch el.Type {
	case "", "text", "search", "email", "textarea":
		return true
	}
	return false
}

// findTarget resolves details as a numeric element id, falling back to a
// case-insensitive text match over visible elements.
func findTarget(p snapshot.Perception, details string) (snapshot.Element, bool) {
	details = strings.TrimSpace(details)
	if id, err := strconv.Atoi(strings.Trim(details, "[]# ")); err == nil {
		return p.ElementByID(id)
	}
	needle := strings.ToLower(strings.Trim(details, "\"'"))
	if needle == "" {
		return snapshot.Element{}, false
	}
	for _, el := range p.Elements {
		if el.Visible && strings.Contains(strings.ToLower(el.Text), needle) {
			return el, true
		}
	}
	return snapshot.Element{}, false
}

// selectorFor renders tag[.firstClass].
func selectorFor(el snapshot.Element) string {
	sel := el.Tag
	if fields := strings.Fields(el.Class); len(fields) > 0 {
		sel += "." + fields[0]
	}
	return sel
}

func scrollAmount(details string) int {
	d := strings.ToLower(details)
	amount := defaultScrollAmount
	if m := numberRe.FindString(d); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n > 0 {
			amount = n
		}
	}
	if strings.HasPrefix(strings.TrimSpace(d), "up") {
		return -amount
	}
	return amount
}

func normalizeURL(target string) string {
	u := strings.Trim(strings.TrimSpace(target), "\"'")
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}

func botIndicator(body string) string {
	lower := strings.ToLower(body)
	for _, ind := range botIndicators {
		if strings.Contains(lower, ind) {
			return ind
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
