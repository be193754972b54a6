package cognition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/polzovatel/browser-brain/internal/snapshot"
)

const (
	maxCandidates   = 10
	keywordScanSpan = 30
)

var closeWords = []string{"close", "dismiss", "no thanks", "×"}

func detectProblems(st State, a snapshot.PageAnalysis) []Problem {
	var out []Problem
	if a.HasCaptcha {
		out = append(out, ProblemCaptcha)
	}
	if st.Stuck {
		out = append(out, ProblemStuck)
	}
	if st.Visible < 3 {
		out = append(out, ProblemFewElements)
	}
	if a.HasModals {
		out = append(out, ProblemModal)
	}
	if st.PageType == "unknown" && st.Visible < 5 {
		out = append(out, ProblemPageLoad)
	}
	if strings.Contains(strings.ToLower(st.Task), "product") && st.Products == 0 && st.PageType == "product_listing" {
		out = append(out, ProblemNoProducts)
	}
	return out
}

// generateCandidates runs the fixed rule set and returns at most ten
// suggestions, highest priority first. Ties keep rule order.
func generateCandidates(st State, elements []snapshot.Element, problems []Problem) []Candidate {
	var out []Candidate
	task := strings.ToLower(st.Task)

	if !strings.Contains(strings.ToLower(st.URL), "http") || st.Domain == "" || st.Domain == "unknown" {
		for _, kw := range st.Keywords {
			if strings.Contains(kw, ".") || strings.Contains(kw, "www") {
				out = append(out, Candidate{
					Action:   ActionGoto,
					Target:   kw,
					Reason:   fmt.Sprintf("Task mentions %s, should navigate there", kw),
					Priority: 10,
				})
			}
		}
	}

	if hasProblem(problems, ProblemCaptcha) {
		out = append(out, Candidate{Action: ActionWait, Reason: "CAPTCHA detected, need to wait or manual intervention", Priority: 1})
	}

	if hasProblem(problems, ProblemStuck) {
		if st.NeedsScroll {
			out = append(out, Candidate{Action: ActionScroll, Reason: "Stuck in loop, try scrolling to see new content", Priority: 7})
		} else {
			out = append(out, Candidate{Action: ActionExtract, Reason: "Stuck in loop, try extracting current data", Priority: 6})
		}
	}

	if hasProblem(problems, ProblemModal) {
		for _, el := range elements {
			if !el.Visible || el.Text == "" || !closeLike(el.Text) {
				continue
			}
			out = append(out, Candidate{
				Action:   ActionClick,
				Target:   strconv.Itoa(el.ID),
				Reason:   fmt.Sprintf("Close modal: '%s'", truncateRunes(el.Text, 30)),
				Priority: 8,
			})
		}
	}

	if st.HasSearch && containsAny(task, "find", "search", "look") {
		for _, el := range elements {
			if el.Visible && el.Tag == "input" && (el.Type == "search" || el.Type == "text" || el.Type == "") {
				query := strings.Join(firstN(st.Keywords, 3), " ")
				out = append(out, Candidate{
					Action:   ActionType,
					Target:   query,
					Reason:   "Search for: " + query,
					Priority: 9,
				})
				break
			}
		}
	}

	if st.HasProducts && st.Products > 0 && containsAny(task, "find", "compare", "show", "list") {
		out = append(out, Candidate{Action: ActionExtract, Reason: fmt.Sprintf("Extract %d products found", st.Products), Priority: 8})
	}
	if st.Articles > 0 {
		out = append(out, Candidate{Action: ActionExtract, Reason: fmt.Sprintf("Extract %d articles found", st.Articles), Priority: 7})
	}
	if st.Tables > 0 {
		out = append(out, Candidate{Action: ActionExtract, Reason: fmt.Sprintf("Extract %d tables found", st.Tables), Priority: 7})
	}

	if st.NeedsScroll && st.Visible < 20 {
		out = append(out, Candidate{Action: ActionScroll, Reason: "Page has more content below, scroll to load", Priority: 5})
	}

	if looksComplete(st, task) {
		out = append(out, Candidate{Action: ActionDone, Reason: "Task appears complete based on current state", Priority: 7})
	}

	for _, el := range elements[:min(len(elements), keywordScanSpan)] {
		if !el.Visible {
			continue
		}
		text := strings.ToLower(el.Text)
		matches := 0
		for _, kw := range st.Keywords {
			if strings.Contains(text, kw) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		out = append(out, Candidate{
			Action:   ActionClick,
			Target:   strconv.Itoa(el.ID),
			Reason:   fmt.Sprintf("Element matches %d keywords: '%s'", matches, truncateRunes(el.Text, 40)),
			Priority: 5 + matches,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

func looksComplete(st State, task string) bool {
	switch {
	case strings.Contains(task, "find") && strings.Contains(task, "product") && st.Products > 0:
		return true
	case strings.Contains(task, "search") && st.PageType == "product_listing" && st.Products > 0:
		return true
	default:
		return st.Products > 5
	}
}

// closeLike matches dismiss-style labels. A bare "x" counts, an "x"
// inside a word does not.
func closeLike(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "x" {
		return true
	}
	return containsAny(t, closeWords...)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
