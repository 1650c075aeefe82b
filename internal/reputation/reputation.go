// Package reputation scores sending domains from their lifetime delivery
// counters and derives the sending limits and standing checks the dispatch
// workers consult before releasing mail.
package reputation

import (
	"math"

	"github.com/outflowhq/outflow/internal/store"
)

// Counts are the lifetime delivery counters for one domain.
type Counts struct {
	Sent       int64
	Bounced    int64
	Complaints int64
	Opened     int64
	Clicked    int64
}

// BounceRate is the percentage of sent messages that bounced. A domain that
// has never sent has a rate of zero.
func (c Counts) BounceRate() float64 {
	if c.Sent == 0 {
		return 0
	}
	return float64(c.Bounced) / float64(c.Sent) * 100
}

// ComplaintRate is the percentage of sent messages that drew a complaint.
func (c Counts) ComplaintRate() float64 {
	if c.Sent == 0 {
		return 0
	}
	return float64(c.Complaints) / float64(c.Sent) * 100
}

// OpenRate is the percentage of sent messages that were opened.
func (c Counts) OpenRate() float64 {
	if c.Sent == 0 {
		return 0
	}
	return float64(c.Opened) / float64(c.Sent) * 100
}

// ClickRate is the percentage of sent messages that were clicked.
func (c Counts) ClickRate() float64 {
	if c.Sent == 0 {
		return 0
	}
	return float64(c.Clicked) / float64(c.Sent) * 100
}

// CountsOf extracts the counters from a stored reputation row.
func CountsOf(rec *store.DomainReputation) Counts {
	if rec == nil {
		return Counts{}
	}
	return Counts{
		Sent:       rec.TotalSent,
		Bounced:    rec.TotalBounced,
		Complaints: rec.TotalComplaints,
		Opened:     rec.TotalOpened,
		Clicked:    rec.TotalClicked,
	}
}

// Score computes the 0..100 reputation score for a set of counters.
//
// The score starts at 100. The worst matching bounce-rate band and the worst
// matching complaint-rate band each subtract once (bands do not stack within
// a category). The running score is clamped at zero before engagement
// bonuses are added, and at 100 after.
func Score(c Counts) int {
	score := 100

	switch bounceRate := c.BounceRate(); {
	case bounceRate > 5:
		score -= 50
	case bounceRate > 2:
		score -= 25
	case bounceRate > 1:
		score -= 10
	}

	switch complaintRate := c.ComplaintRate(); {
	case complaintRate > 0.5:
		score -= 40
	case complaintRate > 0.1:
		score -= 20
	case complaintRate > 0.05:
		score -= 10
	}

	if score < 0 {
		score = 0
	}

	if c.OpenRate() > 30 {
		score += 5
	}
	if c.ClickRate() > 5 {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}

// SendingLimits are the per-domain throughput ceilings a dispatch loop must
// respect.
type SendingLimits struct {
	Daily    int  `json:"daily_limit"`
	Hourly   int  `json:"hourly_limit"`
	InWarmup bool `json:"is_in_warmup"`
}

// LimitsFor derives the sending limits from a domain's reputation row. A
// domain with no row yet gets the most conservative warm-up defaults. A
// warming domain grows 50% per warm-up day until it reaches the mature
// ceiling; a mature domain is tiered by score.
func LimitsFor(rec *store.DomainReputation) SendingLimits {
	if rec == nil {
		return SendingLimits{Daily: 50, Hourly: 5, InWarmup: true}
	}

	if !rec.WarmupComplete {
		daily := int(math.Min(10000, 50*math.Pow(1.5, float64(rec.WarmupDays))))
		return SendingLimits{Daily: daily, Hourly: daily / 24, InWarmup: true}
	}

	var daily int
	switch {
	case rec.Score < 50:
		daily = 100
	case rec.Score < 75:
		daily = 1000
	case rec.Score < 90:
		daily = 5000
	default:
		daily = 10000
	}
	return SendingLimits{Daily: daily, Hourly: daily / 24}
}

// GoodStanding reports whether a domain may keep sending. A domain with no
// reputation row is in good standing; an existing domain loses standing on a
// bounce rate above 5%, a complaint rate above 0.5%, or a score below 50.
// Dispatch loops pause the campaign instead of sending when this is false.
func GoodStanding(rec *store.DomainReputation) bool {
	if rec == nil {
		return true
	}

	c := CountsOf(rec)
	if c.BounceRate() > 5 || c.ComplaintRate() > 0.5 {
		return false
	}
	return rec.Score >= 50
}
