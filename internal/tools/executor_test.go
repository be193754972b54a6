package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-brain/internal/cognition"
	"github.com/polzovatel/browser-brain/internal/humanoid"
	"github.com/polzovatel/browser-brain/internal/snapshot"
)

type fakeController struct {
	calls   []string
	body    string
	url     string
	failNav error
}

func (f *fakeController) Close(context.Context) error { return nil }

func (f *fakeController) Navigate(_ context.Context, url string) error {
	f.calls = append(f.calls, "navigate "+url)
	if f.failNav != nil {
		return f.failNav
	}
	f.url = url
	return nil
}

func (f *fakeController) URL() string { return f.url }

func (f *fakeController) BodyText(context.Context) (string, error) { return f.body, nil }

func (f *fakeController) MouseMove(context.Context, float64, float64) error {
	if n := len(f.calls); n == 0 || f.calls[n-1] != "move" {
		f.calls = append(f.calls, "move")
	}
	return nil
}

func (f *fakeController) MouseDown(context.Context) error {
	f.calls = append(f.calls, "down")
	return nil
}

func (f *fakeController) MouseUp(context.Context) error {
	f.calls = append(f.calls, "up")
	return nil
}

func (f *fakeController) TypeText(_ context.Context, text string) error {
	f.calls = append(f.calls, "type "+text)
	return nil
}

func (f *fakeController) Press(_ context.Context, key string) error {
	f.calls = append(f.calls, "press "+key)
	return nil
}

func (f *fakeController) ScrollBy(_ context.Context, dy int) error {
	f.calls = append(f.calls, fmt.Sprintf("scroll %d", dy))
	return nil
}

func (f *fakeController) WaitForStableDOM(context.Context, time.Duration) error { return nil }

func (f *fakeController) SaveState(context.Context, string) error { return nil }

func (f *fakeController) Page() playwright.Page { return nil }

type fakeRecorder struct {
	successes []string
	failures  []string
	insights  []string
}

func (r *fakeRecorder) RecordSuccess(_ context.Context, domain, actionType, selector, contextLabel string, _ float64) {
	r.successes = append(r.successes, strings.Join([]string{domain, actionType, selector, contextLabel}, "|"))
}

func (r *fakeRecorder) RecordFailure(_ context.Context, domain, actionType, reason, _, _ string) {
	r.failures = append(r.failures, strings.Join([]string{domain, actionType, reason}, "|"))
}

func (r *fakeRecorder) UpdateDomainInsight(_ context.Context, domain string, steps int, success, bot bool) {
	r.insights = append(r.insights, fmt.Sprintf("%s|%d|%t|%t", domain, steps, success, bot))
}

// steadySource never triggers a typo and always picks the first neighbour.
type steadySource struct{ f float64 }

func (s steadySource) Float64() float64 { return s.f }
func (s steadySource) Intn(int) int     { return 0 }

func newTestExecutor(ctrl *fakeController, rec *fakeRecorder, src humanoid.Source) (*Executor, *time.Duration) {
	e := New(ctrl, humanoid.New(src), rec)
	var slept time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	return e, &slept
}

func shopPage() snapshot.Perception {
	return snapshot.Perception{
		URL:    "https://shop.example/",
		Domain: "shop.example",
		Elements: []snapshot.Element{
			{ID: 1, Tag: "a", Text: "Home", X: 40, Y: 20, Top: 10, Visible: true},
			{ID: 2, Tag: "input", Type: "search", Class: "nav-search wide", X: 600, Y: 40, Top: 30, Visible: true},
			{ID: 3, Tag: "button", Text: "Add to cart", Class: "buy primary", X: 800, Y: 1200, Top: 1180, Visible: true},
			{ID: 4, Tag: "input", Type: "hidden", Visible: true},
		},
	}
}

func TestApply_Goto(t *testing.T) {
	ctrl := &fakeController{body: "Welcome to the shop"}
	rec := &fakeRecorder{}
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	out, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionGoto, Details: "shop.example"}, snapshot.Perception{})
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate https://shop.example"}, ctrl.calls)
	assert.False(t, out.BotDetected)
	assert.Empty(t, rec.failures)

	_, err = e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionGoto, Details: "http://plain.example"}, snapshot.Perception{})
	require.NoError(t, err)
	assert.Equal(t, "navigate http://plain.example", ctrl.calls[1])

	_, err = e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionGoto}, snapshot.Perception{})
	assert.Error(t, err)
}

func TestApply_GotoRecordsBotDetection(t *testing.T) {
	ctrl := &fakeController{body: "Please verify you are human to continue"}
	rec := &fakeRecorder{}
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	out, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionGoto, Details: "https://www.guarded.example/path"}, snapshot.Perception{})
	require.NoError(t, err)
	assert.True(t, out.BotDetected)
	assert.Equal(t, []string{"guarded.example|goto|Bot detection"}, rec.failures)
	assert.Equal(t, []string{"guarded.example|1|false|true"}, rec.insights)
}

func TestApply_GotoPropagatesNavigationError(t *testing.T) {
	ctrl := &fakeController{failNav: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	rec := &fakeRecorder{}
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	_, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionGoto, Details: "nope.example"}, snapshot.Perception{})
	require.Error(t, err)
	assert.Empty(t, rec.failures, "caller records executor errors")
}

func TestApply_TypeClearsThenTypesEachRune(t *testing.T) {
	ctrl := &fakeController{}
	rec := &fakeRecorder{}
	e, slept := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	d := cognition.Decision{Action: cognition.ActionType, Details: `"tea"`, Confidence: 8}
	out, err := e.Apply(context.Background(), d, shopPage())
	require.NoError(t, err)
	assert.Equal(t, "input.nav-search", out.Selector)
	assert.Equal(t, []string{
		"move", "down", "up",
		"press Control+A", "press Backspace",
		"type t", "type e", "type a",
		"press Enter",
	}, ctrl.calls)
	assert.Equal(t, []string{"shop.example|type|input.nav-search|tea"}, rec.successes)
	assert.Positive(t, *slept)
}

func TestApply_TypeWithTypoCorrects(t *testing.T) {
	ctrl := &fakeController{}
	rec := &fakeRecorder{}
	// 0.01 is below the typo threshold on every draw.
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.01})

	_, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionType, Details: "a1"}, shopPage())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"move", "down", "up",
		"press Control+A", "press Backspace",
		"type s", "press Backspace", "type a",
		"type 1",
		"press Enter",
	}, ctrl.calls)
}

func TestApply_TypeHonorsFieldID(t *testing.T) {
	page := shopPage()
	page.Elements = append(page.Elements, snapshot.Element{ID: 5, Tag: "input", Type: "email", Class: "newsletter", X: 300, Y: 700, Top: 690, Visible: true})

	tests := []struct {
		details string
		want    string
	}{
		{details: "[5] tea", want: "input.newsletter"},
		{details: `[5] "tea"`, want: "input.newsletter"},
		{details: "[3] tea", want: "input.nav-search"},
		{details: "[99] tea", want: "input.nav-search"},
		{details: "tea", want: "input.nav-search"},
	}
	for _, tt := range tests {
		t.Run(tt.details, func(t *testing.T) {
			rec := &fakeRecorder{}
			e, _ := newTestExecutor(&fakeController{}, rec, steadySource{f: 0.5})

			out, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionType, Details: tt.details}, page)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Selector)
			assert.Equal(t, []string{"shop.example|type|" + tt.want + "|tea"}, rec.successes)
		})
	}

	e, _ := newTestExecutor(&fakeController{}, &fakeRecorder{}, steadySource{f: 0.5})
	_, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionType, Details: "[5]"}, page)
	assert.ErrorContains(t, err, "without text")
}

func TestApply_TypeNeedsInput(t *testing.T) {
	e, _ := newTestExecutor(&fakeController{}, &fakeRecorder{}, steadySource{f: 0.5})
	p := snapshot.Perception{Elements: []snapshot.Element{{ID: 1, Tag: "a", Visible: true}}}

	_, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionType, Details: "tea"}, p)
	assert.Error(t, err)
	_, err = e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionType}, shopPage())
	assert.Error(t, err)
}

func TestApply_ClickScrollsOffscreenTargetIntoView(t *testing.T) {
	ctrl := &fakeController{}
	rec := &fakeRecorder{}
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	out, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionClick, Details: "3", Confidence: 9}, shopPage())
	require.NoError(t, err)
	assert.Equal(t, "button.buy", out.Selector)
	assert.Equal(t, []string{"scroll 880", "move", "down", "up"}, ctrl.calls)
	assert.Equal(t, []string{"shop.example|click|button.buy|Add to cart"}, rec.successes)
	assert.Equal(t, humanoid.Point{X: 800, Y: 320}, e.cursor)
}

func TestApply_ClickByText(t *testing.T) {
	ctrl := &fakeController{}
	rec := &fakeRecorder{}
	e, _ := newTestExecutor(ctrl, rec, steadySource{f: 0.5})

	_, err := e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionClick, Details: "home"}, shopPage())
	require.NoError(t, err)
	assert.Equal(t, []string{"scroll -290", "move", "down", "up"}, ctrl.calls)

	_, err = e.Apply(context.Background(), cognition.Decision{Action: cognition.ActionClick, Details: "99"}, shopPage())
	assert.Error(t, err)
	assert.Len(t, rec.successes, 1)
}

func TestApply_ScrollExtractWaitDone(t *testing.T) {
	ctrl := &fakeController{body: "  " + strings.Repeat("x", 2500) + "  "}
	e, slept := newTestExecutor(ctrl, &fakeRecorder{}, steadySource{f: 0.5})
	ctx := context.Background()

	_, err := e.Apply(ctx, cognition.Decision{Action: cognition.ActionScroll}, snapshot.Perception{})
	require.NoError(t, err)
	_, err = e.Apply(ctx, cognition.Decision{Action: cognition.ActionScroll, Details: "up 300"}, snapshot.Perception{})
	require.NoError(t, err)
	assert.Equal(t, []string{"scroll 600", "scroll -300"}, ctrl.calls)

	out, err := e.Apply(ctx, cognition.Decision{Action: cognition.ActionExtract}, snapshot.Perception{})
	require.NoError(t, err)
	assert.Len(t, out.Data, extractLimit)

	_, err = e.Apply(ctx, cognition.Decision{Action: cognition.ActionWait}, snapshot.Perception{})
	require.NoError(t, err)
	assert.Equal(t, waitDuration, *slept)

	out, err = e.Apply(ctx, cognition.Decision{Action: cognition.ActionDone}, snapshot.Perception{})
	require.NoError(t, err)
	assert.True(t, out.Done)

	_, err = e.Apply(ctx, cognition.Decision{Action: "hover"}, snapshot.Perception{})
	assert.Error(t, err)
}

func TestApply_CancelledContext(t *testing.T) {
	ctrl := &fakeController{}
	e, _ := newTestExecutor(ctrl, &fakeRecorder{}, steadySource{f: 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Apply(ctx, cognition.Decision{Action: cognition.ActionScroll}, snapshot.Perception{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ctrl.calls)
}

func TestPauseStaysInRange(t *testing.T) {
	e, slept := newTestExecutor(&fakeController{}, &fakeRecorder{}, steadySource{f: 0.5})
	e.delayMin, e.delayMax = time.Second, 3*time.Second
	require.NoError(t, e.Pause(context.Background()))
	assert.Equal(t, 2*time.Second, *slept)
}

func TestScrollAmount(t *testing.T) {
	assert.Equal(t, 600, scrollAmount(""))
	assert.Equal(t, 600, scrollAmount("down"))
	assert.Equal(t, -600, scrollAmount("Up"))
	assert.Equal(t, 1200, scrollAmount("down 1200px"))
}
