package cognition

import (
	"regexp"
	"strconv"
	"strings"
)

type section int

const (
	secNone section = iota
	secAnalysis
	secValidation
	secReasoning
	secAction
	secDetails
	secConfidence
	secAlternative
)

var markers = []struct {
	prefix string
	sec    section
}{
	{"ANALYSIS:", secAnalysis},
	{"VALIDATION:", secValidation},
	{"REASONING:", secReasoning},
	{"ACTION:", secAction},
	{"DETAILS:", secDetails},
	{"CONFIDENCE:", secConfidence},
	{"ALTERNATIVE:", secAlternative},
}

var (
	digitsRe  = regexp.MustCompile(`-?\d+`)
	elementRe = regexp.MustCompile(`\b(\d+)\b`)
)

// parseReply scans the reply line by line. A line starting with a known
// marker (case-insensitive) opens that section; other non-empty lines
// extend the open free-text section. Missing sections keep defaults:
// action wait, confidence 5.
func parseReply(reply string) Decision {
	d := Decision{
		Action:     ActionWait,
		Confidence: DefaultConfidence,
		Source:     SourceLLM,
		Raw:        reply,
	}
	text := map[section]*strings.Builder{
		secAnalysis:    {},
		secValidation:  {},
		secReasoning:   {},
		secDetails:     {},
		secAlternative: {},
	}

	cur := secNone
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		matched := false
		for _, m := range markers {
			if !strings.HasPrefix(upper, m.prefix) {
				continue
			}
			matched = true
			cur = m.sec
			rest := strings.TrimSpace(trimmed[len(m.prefix):])
			switch m.sec {
			case secAction:
				d.Action = parseAction(rest)
			case secConfidence:
				d.Confidence = parseConfidence(rest)
			default:
				text[m.sec].Reset()
				text[m.sec].WriteString(rest)
			}
			break
		}
		if matched || trimmed == "" {
			continue
		}
		if b, ok := text[cur]; ok {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(trimmed)
		}
	}

	d.Analysis = text[secAnalysis].String()
	d.Validation = text[secValidation].String()
	d.Reasoning = text[secReasoning].String()
	d.Details = text[secDetails].String()
	d.Alternative = text[secAlternative].String()

	if d.Action == ActionClick {
		d.Details = elementID(d.Details)
	}
	d.Confidence = clamp(d.Confidence)
	return d
}

// parseAction takes the first token, lowercased, without brackets or
// quotes. An empty value keeps the wait default.
func parseAction(s string) Action {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ActionWait
	}
	a := strings.Trim(fields[0], "[]()\"'`*.,:")
	if a == "" {
		return ActionWait
	}
	return Action(a)
}

func parseConfidence(s string) int {
	m := digitsRe.FindString(s)
	if m == "" {
		return DefaultConfidence
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		if strings.HasPrefix(m, "-") {
			return 0
		}
		return MaxConfidence
	}
	return n
}

// elementID reduces click details to the first standalone integer. With
// no integer present the details are returned trimmed.
func elementID(details string) string {
	if m := elementRe.FindStringSubmatch(details); m != nil {
		return m[1]
	}
	return strings.TrimSpace(details)
}
