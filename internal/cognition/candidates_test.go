package cognition

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-brain/internal/snapshot"
)

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"kettle"}, Keywords("find a kettle"))
	assert.Equal(t, []string{"wireless", "headphones", "amazon.com"}, Keywords("Search for wireless headphones on amazon.com"))
	assert.Empty(t, Keywords("go to it"))

	long := Keywords("one two three four five six seven eight nine ten eleven twelve")
	assert.Equal(t, []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten"}, long)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		st   State
		want string
	}{
		{State{PageType: "captcha"}, "CAPTCHA page"},
		{State{PageType: "product_listing", Products: 12}, "12 products visible"},
		{State{PageType: "search"}, "Search page"},
		{State{PageType: "login"}, "Login/Auth page"},
		{State{PageType: "content", Visible: 7}, "7 interactive elements"},
		{State{PageType: "search", Stuck: true, StuckReason: "Same action 3x: click"}, "STUCK: Same action 3x: click, Search page"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, summarize(tt.st))
	}
}

func kettlePage() snapshot.Perception {
	return snapshot.Perception{
		URL:    "https://shop.example/",
		Domain: "shop.example",
		Elements: []snapshot.Element{
			{ID: 1, Tag: "a", Text: "Home", Visible: true},
			{ID: 2, Tag: "input", Type: "search", Visible: true},
			{ID: 3, Tag: "button", Text: "Go", Visible: true},
		},
		Analysis: snapshot.PageAnalysis{PageType: "search", HasSearch: true},
	}
}

func TestCandidates_SearchForKettle(t *testing.T) {
	p := kettlePage()
	st := analyzeState("find a kettle", p, NewActionWindow())
	problems := detectProblems(st, p.Analysis)
	assert.Empty(t, problems)

	got := generateCandidates(st, p.Elements, problems)
	require.NotEmpty(t, got)
	assert.Equal(t, Candidate{Action: ActionType, Target: "kettle", Reason: "Search for: kettle", Priority: 9}, got[0])

	types := 0
	for _, c := range got {
		if c.Action == ActionType {
			types++
		}
	}
	assert.Equal(t, 1, types)
}

func TestCandidates_GotoWhenNoURL(t *testing.T) {
	p := snapshot.Perception{URL: "about:blank", Analysis: snapshot.PageAnalysis{PageType: "unknown"}}
	st := analyzeState("search amazon.com for a kettle", p, nil)
	got := generateCandidates(st, nil, detectProblems(st, p.Analysis))
	require.NotEmpty(t, got)
	assert.Equal(t, ActionGoto, got[0].Action)
	assert.Equal(t, "amazon.com", got[0].Target)
	assert.Equal(t, 10, got[0].Priority)
}

func TestCandidates_NoGotoOnLoadedPage(t *testing.T) {
	p := kettlePage()
	st := analyzeState("open shop.example", p, nil)
	for _, c := range generateCandidates(st, p.Elements, nil) {
		assert.NotEqual(t, ActionGoto, c.Action)
	}
}

func TestCandidates_ModalAndCaptcha(t *testing.T) {
	p := snapshot.Perception{
		URL:    "https://news.example/",
		Domain: "news.example",
		Elements: []snapshot.Element{
			{ID: 4, Tag: "button", Text: "No thanks", Visible: true},
			{ID: 5, Tag: "button", Text: "×", Visible: true},
			{ID: 6, Tag: "a", Text: "Next page", Visible: true},
			{ID: 7, Tag: "button", Text: "Close", Visible: false},
		},
		Analysis: snapshot.PageAnalysis{PageType: "content", HasModals: true, HasCaptcha: true},
	}
	st := analyzeState("read headlines", p, nil)
	problems := detectProblems(st, p.Analysis)
	assert.Contains(t, problems, ProblemModal)
	assert.Contains(t, problems, ProblemCaptcha)

	got := generateCandidates(st, p.Elements, problems)
	want := []Candidate{
		{Action: ActionClick, Target: "4", Reason: "Close modal: 'No thanks'", Priority: 8},
		{Action: ActionClick, Target: "5", Reason: "Close modal: '×'", Priority: 8},
		{Action: ActionWait, Reason: "CAPTCHA detected, need to wait or manual intervention", Priority: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestCandidates_StuckPrefersScrollWhenMoreContent(t *testing.T) {
	w := NewActionWindow()
	pushAll(w, "click", "click", "click", "click", "click")

	p := snapshot.Perception{URL: "https://a.example", Domain: "a.example", Analysis: snapshot.PageAnalysis{PageType: "content", NeedsScroll: true}}
	st := analyzeState("read", p, w)
	got := generateCandidates(st, nil, detectProblems(st, p.Analysis))
	require.NotEmpty(t, got)
	assert.Equal(t, ActionScroll, got[0].Action)
	assert.Equal(t, 7, got[0].Priority)

	p.Analysis.NeedsScroll = false
	st = analyzeState("read", p, w)
	got = generateCandidates(st, nil, detectProblems(st, p.Analysis))
	require.NotEmpty(t, got)
	assert.Equal(t, ActionExtract, got[0].Action)
	assert.Equal(t, 6, got[0].Priority)
}

func TestCandidates_KeywordClicksAndCap(t *testing.T) {
	var elements []snapshot.Element
	for i := 1; i <= 40; i++ {
		text := "red kettle"
		if i%2 == 0 {
			text = "kettle"
		}
		elements = append(elements, snapshot.Element{ID: i, Tag: "a", Text: text, Visible: true})
	}
	p := snapshot.Perception{
		URL:      "https://shop.example/c",
		Domain:   "shop.example",
		Elements: elements,
		Analysis: snapshot.PageAnalysis{PageType: "product_listing", HasProducts: true},
		Data:     snapshot.PageData{Products: 8},
	}
	st := analyzeState("show red kettle products", p, nil)
	got := generateCandidates(st, p.Elements, detectProblems(st, p.Analysis))
	require.Len(t, got, maxCandidates)

	// extract ranks first; done and the two-keyword clicks tie at 7 and
	// keep rule order
	assert.Equal(t, ActionExtract, got[0].Action)
	assert.Equal(t, 8, got[0].Priority)
	assert.Equal(t, ActionDone, got[1].Action)
	for _, c := range got[2:] {
		assert.Equal(t, ActionClick, c.Action)
		assert.Equal(t, 7, c.Priority)
		assert.True(t, strings.HasPrefix(c.Reason, "Element matches 2 keywords"))
	}
	assert.Equal(t, "1", got[2].Target)
	assert.Equal(t, "3", got[3].Target)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Priority, got[i].Priority)
	}
}

func TestDetectProblems(t *testing.T) {
	st := State{Task: "find product deals", PageType: "product_listing", Visible: 2}
	got := detectProblems(st, snapshot.PageAnalysis{})
	assert.Equal(t, []Problem{ProblemFewElements, ProblemNoProducts}, got)

	st = State{PageType: "unknown", Visible: 4}
	assert.Equal(t, []Problem{ProblemPageLoad}, detectProblems(st, snapshot.PageAnalysis{}))
}
