package cognition

import "strings"

// Action is one of the executor verbs.
type Action string

const (
	ActionGoto    Action = "goto"
	ActionType    Action = "type"
	ActionClick   Action = "click"
	ActionScroll  Action = "scroll"
	ActionExtract Action = "extract"
	ActionWait    Action = "wait"
	ActionDone    Action = "done"
)

// Known reports whether a is one of the seven executor verbs.
func (a Action) Known() bool {
	switch a {
	case ActionGoto, ActionType, ActionClick, ActionScroll, ActionExtract, ActionWait, ActionDone:
		return true
	}
	return false
}

// Source tells where a decision came from.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
	SourceError    Source = "error"
	SourceGuard    Source = "guard"
)

// Confidence scale:
//
//	9-10 near-certain
//	7-8  confident
//	5-6  moderate
//	3-4  risky
//	0-2  very uncertain
const (
	MinConfidence     = 0
	MaxConfidence     = 10
	DefaultConfidence = 5
)

// Decision is the engine's output for one step.
type Decision struct {
	Action      Action
	Details     string
	Confidence  int
	Analysis    string
	Validation  string
	Reasoning   string
	Alternative string
	Source      Source
	// Overrides lists the validation rules that rewrote this decision.
	Overrides []string
	Raw       string
}

// Candidate is one heuristic suggestion fed to the model as context.
type Candidate struct {
	Action   Action
	Target   string
	Reason   string
	Priority int
}

// Problem is a flagged page or session condition.
type Problem string

const (
	ProblemCaptcha     Problem = "CAPTCHA_DETECTED"
	ProblemStuck       Problem = "STUCK_IN_LOOP"
	ProblemFewElements Problem = "FEW_ELEMENTS"
	ProblemModal       Problem = "MODAL_PRESENT"
	ProblemPageLoad    Problem = "PAGE_LOAD_ISSUE"
	ProblemNoProducts  Problem = "NO_PRODUCTS_FOUND"
)

func hasProblem(problems []Problem, p Problem) bool {
	for _, q := range problems {
		if q == p {
			return true
		}
	}
	return false
}

func problemList(problems []Problem) string {
	parts := make([]string, len(problems))
	for i, p := range problems {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

func clamp(c int) int {
	switch {
	case c < MinConfidence:
		return MinConfidence
	case c > MaxConfidence:
		return MaxConfidence
	default:
		return c
	}
}
