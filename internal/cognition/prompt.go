package cognition

import (
	"fmt"
	"strings"

	"github.com/polzovatel/browser-brain/internal/snapshot"
)

const (
	promptElements = 25
	promptOptions  = 5
)

const systemPrompt = `You are the cognitive engine of an autonomous web agent. Your role is to:

1. Analyze screenshots with numbered element labels [1], [2], [3], etc.
2. Think deeply about the task and current state
3. Validate options before deciding
4. Make intelligent, cautious decisions
5. Provide clear reasoning for your choices

You must be:
- Thorough in analysis
- Conservative in confidence (only 8+ when very sure)
- Aware of past failures (learn from memory)
- Strategic in planning (multi-step thinking)
- Honest about uncertainty (low confidence when unsure)`

const responseFormat = `RESPONSE FORMAT:

ANALYSIS:
[What you see and the situation, 2-3 sentences]

VALIDATION:
[What could go wrong and which path is best, 2-3 sentences]

REASONING:
[Why this specific action, 2-3 sentences]

ACTION: [goto/type/click/scroll/extract/done/wait]

DETAILS: [Specific details for the action]
- For goto: provide URL (e.g., "amazon.com")
- For type: provide exact text to type (e.g., "wireless headphones"), optionally prefixed with the field ID (e.g., "[5] wireless headphones")
- For click: ONLY element ID number from the screenshot (e.g., "23")
- For scroll: "scroll" or a pixel amount
- For extract, done, wait: just the action name

CONFIDENCE: [0-10]

ALTERNATIVE: [What you would do if this fails, 1 sentence]`

func buildPrompt(st State, p snapshot.Perception, candidates []Candidate, in *Insights, problems []Problem) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TASK: %s\n\n", st.Task)

	b.WriteString("CURRENT STATE:\n")
	fmt.Fprintf(&b, "  - URL: %s\n", st.URL)
	fmt.Fprintf(&b, "  - Domain: %s\n", st.Domain)
	fmt.Fprintf(&b, "  - Page Type: %s\n", st.PageType)
	fmt.Fprintf(&b, "  - Visible Elements: %d\n", st.Visible)
	fmt.Fprintf(&b, "  - Products Found: %d\n", st.Products)
	fmt.Fprintf(&b, "  - Task Keywords: %s\n", strings.Join(st.Keywords, ", "))
	fmt.Fprintf(&b, "  - Summary: %s\n\n", st.Summary)

	b.WriteString("VISIBLE ELEMENTS (numbered boxes on screenshot):\n")
	visible := p.Visible()
	for _, el := range visible[:min(len(visible), promptElements)] {
		fmt.Fprintf(&b, "[%d] %s", el.ID, el.Tag)
		if el.Type != "" {
			fmt.Fprintf(&b, " type=%s", el.Type)
		}
		if el.Text != "" {
			fmt.Fprintf(&b, " text=%q", truncateRunes(el.Text, 50))
		}
		b.WriteByte('\n')
	}
	if len(visible) == 0 {
		b.WriteString("  - none\n")
	}

	b.WriteString("\nMEMORY INSIGHTS:\n")
	if in == nil {
		b.WriteString("  - No prior experience with this domain\n")
	} else {
		if in.HasDomain {
			fmt.Fprintf(&b, "  - Domain visited %d times\n", in.Domain.TotalVisits)
			fmt.Fprintf(&b, "  - Success rate: %.0f%%\n", in.Domain.SuccessRate*100)
			if in.Domain.HasBotDetection {
				b.WriteString("  - Known to have bot detection\n")
			}
			if in.Domain.BestStrategy != "" {
				fmt.Fprintf(&b, "  - Best strategy so far: %s\n", in.Domain.BestStrategy)
			}
		}
		if len(in.RecentFailures) > 0 {
			fmt.Fprintf(&b, "  - Recent failures: %d\n", len(in.RecentFailures))
			for _, f := range in.RecentFailures[:min(len(in.RecentFailures), 2)] {
				fmt.Fprintf(&b, "    %s: %s\n", f.ActionType, f.Reason)
			}
		}
		for _, pat := range in.BestClicks {
			fmt.Fprintf(&b, "  - Worked before: click %s %q (x%d)\n", pat.Selector, pat.Context, pat.SuccessCount)
		}
		for _, pat := range in.BestTypes {
			fmt.Fprintf(&b, "  - Worked before: type into %s (x%d)\n", pat.Selector, pat.SuccessCount)
		}
	}

	b.WriteString("\nDETECTED PROBLEMS:\n")
	if len(problems) == 0 {
		b.WriteString("  - No problems detected\n")
	}
	for _, prob := range problems {
		switch prob {
		case ProblemCaptcha:
			b.WriteString("  - CAPTCHA detected, may need manual intervention\n")
		case ProblemStuck:
			fmt.Fprintf(&b, "  - Stuck in loop: %s\n", st.StuckReason)
		case ProblemModal:
			b.WriteString("  - Modal/overlay may be blocking interaction\n")
		default:
			fmt.Fprintf(&b, "  - %s\n", prob)
		}
	}

	b.WriteString("\nSUGGESTED OPTIONS (generated by rule engine):\n")
	if len(candidates) == 0 {
		b.WriteString("  - No specific suggestions\n")
	}
	for _, c := range candidates[:min(len(candidates), promptOptions)] {
		fmt.Fprintf(&b, "• %s: %s (priority: %d)\n", strings.ToUpper(string(c.Action)), c.Reason, c.Priority)
	}

	b.WriteString("\nPAGE DATA:\n")
	fmt.Fprintf(&b, "  - %d products, %d articles, %d tables detected\n", st.Products, st.Articles, st.Tables)
	fmt.Fprintf(&b, "  - Page has search: %t\n\n", st.HasSearch)

	b.WriteString(`CONFIDENCE SCALE (0-10):
  9-10 extremely confident, clear path
  7-8  confident, good option
  5-6  moderate confidence, some uncertainty
  3-4  low confidence, risky
  0-2  very uncertain, might fail

RULES:
- Look at the SCREENSHOT: numbered boxes show what you can interact with
- If stuck in a loop, try a DIFFERENT approach
- If CAPTCHA detected, you CANNOT proceed automatically
- Be conservative: only act when confident
- For clicking, use the element ID number from the screenshot

`)
	b.WriteString(responseFormat)
	b.WriteByte('\n')
	return b.String()
}
