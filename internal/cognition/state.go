package cognition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polzovatel/browser-brain/internal/snapshot"
)

const maxKeywords = 10

var (
	// dotted tokens stay whole so "amazon.com" survives as one keyword
	wordRe = regexp.MustCompile(`\w+(?:\.\w+)*`)

	stopwords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {},
		"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "as": {},
		"is": {}, "was": {}, "are": {}, "been": {}, "be": {},
		"find": {}, "search": {}, "look": {}, "get": {}, "go": {}, "navigate": {},
	}
)

// Keywords lowercases task, drops stopwords and tokens of two characters
// or fewer, and keeps the first ten in order.
func Keywords(task string) []string {
	words := wordRe.FindAllString(strings.ToLower(task), -1)
	out := make([]string, 0, maxKeywords)
	for _, w := range words {
		if _, stop := stopwords[w]; stop || len(w) <= 2 {
			continue
		}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// State is the compact view of one step handed to every later stage.
type State struct {
	URL         string
	Domain      string
	Task        string
	Keywords    []string
	PageType    string
	Visible     int
	Total       int
	HasSearch   bool
	HasProducts bool
	NeedsScroll bool
	Products    int
	Articles    int
	Tables      int
	Stuck       bool
	StuckReason string
	Summary     string
}

func analyzeState(task string, p snapshot.Perception, w *ActionWindow) State {
	pageType := p.Analysis.PageType
	if pageType == "" {
		pageType = "unknown"
	}
	st := State{
		URL:         p.URL,
		Domain:      p.Domain,
		Task:        task,
		Keywords:    Keywords(task),
		PageType:    pageType,
		Visible:     len(p.Visible()),
		Total:       len(p.Elements),
		HasSearch:   p.Analysis.HasSearch,
		HasProducts: p.Analysis.HasProducts,
		NeedsScroll: p.Analysis.NeedsScroll,
		Products:    p.Data.Products,
		Articles:    p.Data.Articles,
		Tables:      p.Data.Tables,
	}
	if w != nil {
		st.Stuck, st.StuckReason = w.IsStuck()
	}
	st.Summary = summarize(st)
	return st
}

func summarize(st State) string {
	parts := make([]string, 0, 2)
	if st.Stuck {
		parts = append(parts, "STUCK: "+st.StuckReason)
	}
	switch st.PageType {
	case "captcha":
		parts = append(parts, "CAPTCHA page")
	case "product_listing":
		parts = append(parts, fmt.Sprintf("%d products visible", st.Products))
	case "search":
		parts = append(parts, "Search page")
	case "login":
		parts = append(parts, "Login/Auth page")
	default:
		parts = append(parts, fmt.Sprintf("%d interactive elements", st.Visible))
	}
	return strings.Join(parts, ", ")
}
