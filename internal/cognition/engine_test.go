package cognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-brain/internal/llm"
	"github.com/polzovatel/browser-brain/internal/memory"
	"github.com/polzovatel/browser-brain/internal/snapshot"
)

type fakeClient struct {
	mu      sync.Mutex
	replies []string
	err     error
	reqs    []llm.Request
}

func (f *fakeClient) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	i := min(len(f.reqs)-1, len(f.replies)-1)
	return llm.Response{Text: f.replies[i]}, nil
}

func (f *fakeClient) Name() string { return "fake" }

type fakeMemory struct {
	insight  memory.DomainInsight
	known    bool
	failures []memory.Failure
	clicks   []memory.Pattern
}

func (m *fakeMemory) DomainInsight(context.Context, string) (memory.DomainInsight, bool) {
	return m.insight, m.known
}

func (m *fakeMemory) RecentFailures(context.Context, string, string, int) []memory.Failure {
	return m.failures
}

func (m *fakeMemory) BestSelectors(_ context.Context, _, actionType, _ string, _ int) []memory.Pattern {
	if actionType == "click" {
		return m.clicks
	}
	return nil
}

type recordingObserver struct {
	decisions []string
	errs      []string
}

func (o *recordingObserver) ObserveDecision(action, source string) {
	o.decisions = append(o.decisions, action+"/"+source)
}

func (o *recordingObserver) ObserveLLMError(kind string) { o.errs = append(o.errs, kind) }

func testOptions() Options {
	return Options{MaxSteps: 50, MaxTokens: 3000, Temperature: 0.2, RateLimitBackoff: 10 * time.Second}
}

func TestDecide_ParsesReplyAndRecordsAction(t *testing.T) {
	client := &fakeClient{replies: []string{"ANALYSIS: search box\nACTION: type\nDETAILS: kettle\nCONFIDENCE: 8"}}
	obs := &recordingObserver{}
	e := NewEngine(client, &fakeMemory{}, testOptions(), WithObserver(obs))

	sess := NewSession("s1", "find a kettle")
	sess.Step = 1
	p := kettlePage()
	p.Screenshot = []byte("png")

	d := e.Decide(context.Background(), sess, p)
	assert.Equal(t, ActionType, d.Action)
	assert.Equal(t, "kettle", d.Details)
	assert.Equal(t, 8, d.Confidence)
	assert.Equal(t, SourceLLM, d.Source)
	assert.Equal(t, []string{"type"}, sess.Window.Labels())
	assert.Equal(t, []string{"type/llm"}, obs.decisions)

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.Equal(t, systemPrompt, req.System)
	assert.Equal(t, 3000, req.MaxTokens)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, []byte("png"), req.Messages[0].ImagePNG)
	assert.Contains(t, req.Messages[0].Text, "TASK: find a kettle")
	assert.Contains(t, req.Messages[0].Text, "• TYPE: Search for: kettle (priority: 9)")
	assert.Contains(t, req.Messages[0].Text, "[2] input type=search")
	assert.Contains(t, req.Messages[0].Text, "No prior experience with this domain")

	transcript := sess.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "Task: find a kettle\nState: Search page", transcript[0].Text)
	assert.Empty(t, transcript[0].ImagePNG)
	assert.Equal(t, "assistant", transcript[1].Role)
}

func TestDecide_TranscriptIsCapped(t *testing.T) {
	client := &fakeClient{replies: []string{"ACTION: scroll\nCONFIDENCE: 7"}}
	e := NewEngine(client, nil, testOptions())
	sess := NewSession("s1", "read the news")

	for i := 1; i <= 5; i++ {
		sess.Step = i
		e.Decide(context.Background(), sess, kettlePage())
	}
	require.Len(t, client.reqs, 5)
	assert.Len(t, client.reqs[0].Messages, 1)
	assert.Len(t, client.reqs[1].Messages, 3)
	assert.Len(t, client.reqs[4].Messages, transcriptCap+1)
	assert.Len(t, sess.Transcript(), transcriptCap)
}

func TestDecide_AbortBeforeDispatch(t *testing.T) {
	client := &fakeClient{replies: []string{"ACTION: click\nDETAILS: 1\nCONFIDENCE: 9"}}
	e := NewEngine(client, nil, testOptions())

	sess := NewSession("s1", "find a kettle")
	sess.Step = 51
	d := e.Decide(context.Background(), sess, kettlePage())
	assert.Equal(t, ActionDone, d.Action)
	assert.Equal(t, 0, d.Confidence)
	assert.Equal(t, "step limit reached", d.Reasoning)
	assert.Equal(t, SourceGuard, d.Source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess.Step = 1
	d = e.Decide(ctx, sess, kettlePage())
	assert.Equal(t, ActionDone, d.Action)

	assert.Empty(t, client.reqs)
}

func TestDecide_EndpointErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		page      snapshot.Perception
		want      Action
		wantConf  int
		wantSleep time.Duration
		source    Source
	}{
		{
			name:     "auth",
			err:      &llm.APIError{Kind: llm.KindAuth, Status: 401, Err: errors.New("bad key")},
			page:     kettlePage(),
			want:     ActionWait,
			wantConf: 1,
			source:   SourceError,
		},
		{
			name:     "not found",
			err:      &llm.APIError{Kind: llm.KindNotFound, Status: 404, Err: errors.New("no model")},
			page:     kettlePage(),
			want:     ActionWait,
			wantConf: 1,
			source:   SourceError,
		},
		{
			name:      "rate limit sleeps",
			err:       &llm.APIError{Kind: llm.KindRateLimit, Status: 429, Err: errors.New("slow down")},
			page:      kettlePage(),
			want:      ActionWait,
			wantConf:  1,
			wantSleep: 10 * time.Second,
			source:    SourceError,
		},
		{
			name:     "timeout falls back to top candidate",
			err:      context.DeadlineExceeded,
			page:     kettlePage(),
			want:     ActionType,
			wantConf: 9,
			source:   SourceFallback,
		},
		{
			name:     "other with no candidates waits",
			err:      errors.New("connection reset"),
			page:     snapshot.Perception{URL: "https://a.example", Domain: "a.example", Analysis: snapshot.PageAnalysis{PageType: "content"}},
			want:     ActionWait,
			wantConf: 2,
			source:   SourceFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			e := NewEngine(&fakeClient{err: tt.err}, nil, testOptions(), WithObserver(obs))
			var slept time.Duration
			e.sleep = func(_ context.Context, d time.Duration) error {
				slept += d
				return nil
			}

			sess := NewSession("s1", "find a kettle")
			sess.Step = 1
			d := e.Decide(context.Background(), sess, tt.page)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, tt.wantConf, d.Confidence)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.wantSleep, slept)
			assert.Len(t, obs.errs, 1)
			assert.Empty(t, sess.Transcript())
		})
	}
}

func TestDecide_CaptchaOverridesModel(t *testing.T) {
	client := &fakeClient{replies: []string{"ACTION: click\nDETAILS: 2\nCONFIDENCE: 9"}}
	e := NewEngine(client, nil, testOptions())

	p := kettlePage()
	p.Analysis.HasCaptcha = true
	sess := NewSession("s1", "find a kettle")
	sess.Step = 1

	d := e.Decide(context.Background(), sess, p)
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, 0, d.Confidence)
	assert.Contains(t, d.Overrides, overrideCaptcha)
	assert.Equal(t, []string{"wait"}, sess.Window.Labels())
}

func TestDecide_NilClientUsesFallback(t *testing.T) {
	e := NewEngine(nil, nil, testOptions())
	sess := NewSession("s1", "find a kettle")
	sess.Step = 1
	d := e.Decide(context.Background(), sess, kettlePage())
	assert.Equal(t, ActionType, d.Action)
	assert.Equal(t, "kettle", d.Details)
	assert.Equal(t, SourceFallback, d.Source)
}

func TestDecide_PromptCarriesMemory(t *testing.T) {
	client := &fakeClient{replies: []string{"ACTION: wait"}}
	mem := &fakeMemory{
		insight:  memory.DomainInsight{Domain: "shop.example", TotalVisits: 4, SuccessRate: 0.75, HasBotDetection: true},
		known:    true,
		failures: []memory.Failure{{ActionType: "goto", Reason: "Bot detection"}},
		clicks:   []memory.Pattern{{Selector: "button.buy", Context: "Add to cart", SuccessCount: 3}},
	}
	e := NewEngine(client, mem, testOptions())
	sess := NewSession("s1", "find a kettle")
	sess.Step = 1
	e.Decide(context.Background(), sess, kettlePage())

	require.Len(t, client.reqs, 1)
	text := client.reqs[0].Messages[0].Text
	assert.Contains(t, text, "Domain visited 4 times")
	assert.Contains(t, text, "Success rate: 75%")
	assert.Contains(t, text, "Known to have bot detection")
	assert.Contains(t, text, "goto: Bot detection")
	assert.Contains(t, text, "button.buy")

	in := fetchInsights(context.Background(), mem, "shop.example")
	require.NotNil(t, in)
	assert.Equal(t, "Has bot detection, 75% success rate, 1 recent failures, Known good selectors available", in.Summary)
	assert.Nil(t, fetchInsights(context.Background(), &fakeMemory{}, "shop.example"))
}

func TestDecide_StuckFeedsBackIntoState(t *testing.T) {
	client := &fakeClient{replies: []string{"ACTION: click\nDETAILS: 3\nCONFIDENCE: 9"}}
	e := NewEngine(client, nil, testOptions())
	sess := NewSession("s1", "find a kettle")

	var last Decision
	for i := 1; i <= 6; i++ {
		sess.Step = i
		last = e.Decide(context.Background(), sess, kettlePage())
	}
	assert.Equal(t, ActionClick, last.Action)
	assert.Equal(t, 6, last.Confidence)
	assert.Contains(t, last.Overrides, overrideStuckCap)
	assert.Contains(t, client.reqs[5].Messages[len(client.reqs[5].Messages)-1].Text, "STUCK: Repeating only 1 actions: click")
}
