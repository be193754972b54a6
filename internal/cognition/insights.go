package cognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/polzovatel/browser-brain/internal/memory"
)

// Memory is the read side of the pattern store the engine consults.
type Memory interface {
	DomainInsight(ctx context.Context, domain string) (memory.DomainInsight, bool)
	RecentFailures(ctx context.Context, domain, actionType string, limit int) []memory.Failure
	BestSelectors(ctx context.Context, domain, actionType, contextSubstr string, limit int) []memory.Pattern
}

const insightLimit = 3

// Insights is what memory knows about the current domain.
type Insights struct {
	Domain         memory.DomainInsight
	HasDomain      bool
	RecentFailures []memory.Failure
	BestClicks     []memory.Pattern
	BestTypes      []memory.Pattern
	Summary        string
}

// fetchInsights returns nil when memory has nothing worth mentioning.
func fetchInsights(ctx context.Context, mem Memory, domain string) *Insights {
	if mem == nil || domain == "" {
		return nil
	}
	in := &Insights{
		RecentFailures: mem.RecentFailures(ctx, domain, "", insightLimit),
		BestClicks:     mem.BestSelectors(ctx, domain, "click", "", insightLimit),
		BestTypes:      mem.BestSelectors(ctx, domain, "type", "", insightLimit),
	}
	in.Domain, in.HasDomain = mem.DomainInsight(ctx, domain)

	var parts []string
	if in.HasDomain {
		if in.Domain.HasBotDetection {
			parts = append(parts, "Has bot detection")
		}
		if in.Domain.SuccessRate > 0.7 {
			parts = append(parts, fmt.Sprintf("%.0f%% success rate", in.Domain.SuccessRate*100))
		}
	}
	if len(in.RecentFailures) > 0 {
		parts = append(parts, fmt.Sprintf("%d recent failures", len(in.RecentFailures)))
	}
	if len(in.BestClicks) > 0 {
		parts = append(parts, "Known good selectors available")
	}
	if len(parts) == 0 {
		return nil
	}
	in.Summary = strings.Join(parts, ", ")
	return in
}
