package cognition

import "fmt"

const (
	overrideStuckCap    = "stuck_confidence_cap"
	overrideGotoToWait  = "low_confidence_goto"
	overrideClickScroll = "low_confidence_click"
	overrideCaptcha     = "captcha_hold"
)

// validate applies the safety rules in order. The CAPTCHA hold runs last
// so it wins over everything except done.
func validate(d Decision, problems []Problem) Decision {
	if hasProblem(problems, ProblemStuck) && d.Action == ActionClick && d.Confidence > 6 {
		d.Confidence = 6
		d = override(d, overrideStuckCap, "[Confidence reduced: stuck in loop]")
	}

	if d.Action == ActionGoto && d.Confidence < 6 {
		d.Action = ActionWait
		d.Details = "Low confidence for navigation"
		d = override(d, overrideGotoToWait, "[Switched to wait: low confidence for goto]")
	}

	if d.Action == ActionClick && d.Confidence < 4 {
		d.Action = ActionScroll
		d.Details = "scroll"
		d = override(d, overrideClickScroll, "[Switched to scroll: too risky to click]")
	}

	if hasProblem(problems, ProblemCaptcha) && d.Action != ActionDone {
		d.Action = ActionWait
		d.Details = ""
		d.Confidence = 0
		d.Reasoning = "CAPTCHA detected - cannot proceed automatically"
		d.Overrides = append(d.Overrides, overrideCaptcha)
	}
	return d
}

func override(d Decision, rule, note string) Decision {
	d.Overrides = append(d.Overrides, rule)
	if d.Reasoning == "" {
		d.Reasoning = note
	} else {
		d.Reasoning += " " + note
	}
	return d
}

// fallback picks the top heuristic when the endpoint is unavailable.
func fallback(candidates []Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{
			Action:      ActionWait,
			Confidence:  2,
			Analysis:    "Fallback mode",
			Validation:  "Using rule-based decision",
			Reasoning:   "No options available, waiting",
			Alternative: "Manual intervention",
			Source:      SourceFallback,
		}
	}
	best := candidates[0]
	alt := "None"
	if len(candidates) > 1 {
		alt = candidates[1].Reason
	}
	return Decision{
		Action:      best.Action,
		Details:     best.Target,
		Confidence:  clamp(max(3, best.Priority)),
		Analysis:    "Fallback to rule-based decision",
		Validation:  fmt.Sprintf("Selected based on priority: %d", best.Priority),
		Reasoning:   best.Reason,
		Alternative: alt,
		Source:      SourceFallback,
	}
}
