package fraud

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ClickContext is everything the per-click scorer needs, assembled by the
// caller from the click row and its recent history. Scoring itself touches
// no I/O.
type ClickContext struct {
	IPAddress  string
	UserAgent  string
	Referrer   string
	SameIPHour int64       // clicks from the same IP in the last hour
	Recent     []time.Time // last clicks for this participant+campaign, any order
}

// ValidationScore starts at 1.0 and applies the policy's penalties, clamped
// to [0,1]. Monotone decreasing in same-IP density and in bot match.
func ValidationScore(p Policy, c ClickContext) float64 {
	score := 1.0

	if c.SameIPHour > p.SameIPThreshold {
		score -= math.Min(p.SameIPPenaltyCap, float64(c.SameIPHour)*p.SameIPPenaltyPerHit)
	}

	if DetectBot(c.UserAgent) {
		score -= p.BotPenalty
	}

	switch {
	case c.Referrer == "" || strings.EqualFold(c.Referrer, "direct"):
		score -= p.MissingRefPenalty
	default:
		u, err := url.Parse(c.Referrer)
		if err != nil || u.Host == "" {
			score -= p.MalformedRefPenalty
		} else if isSocialHost(u.Host) {
			score += p.SocialRefBonus
		}
	}

	if cv, ok := intervalCV(c.Recent, p.RegularitySampleSize); ok && cv < p.RegularityCVCutoff {
		score -= p.RegularityPenalty
	}

	return clamp01(score)
}

// Factors are the binary-ish signals feeding the weighted fraud score.
type Factors struct {
	IPReputation      float64
	ClickPattern      float64
	DeviceFingerprint float64
	TimePattern       float64
	GeoConsistency    float64
}

// FraudScore is the fixed weighted sum over the policy's weights, in [0,1]
// as long as each factor is.
func FraudScore(p Policy, f Factors) float64 {
	s := f.IPReputation*p.WeightIPReputation +
		f.ClickPattern*p.WeightClickPattern +
		f.DeviceFingerprint*p.WeightDeviceFingerprint +
		f.TimePattern*p.WeightTimePattern +
		f.GeoConsistency*p.WeightGeoConsistency
	return clamp01(s)
}

// ComputeFactors derives the fraud factors from click context. Each signal
// collapses to a low or high constant rather than a continuous value.
func ComputeFactors(p Policy, c ClickContext) Factors {
	f := Factors{
		IPReputation:      0.2,
		ClickPattern:      0.2,
		DeviceFingerprint: 0.2,
		TimePattern:       0.2,
		GeoConsistency:    0.2,
	}

	if c.SameIPHour > 10 {
		f.IPReputation = 0.8
	}

	if cv, ok := intervalCV(c.Recent, p.RegularitySampleSize); ok && cv < p.RegularityCVCutoff {
		f.ClickPattern = 0.9
	} else if len(c.Recent) > 20 {
		f.ClickPattern = 0.6
	}

	if DetectBot(c.UserAgent) {
		f.DeviceFingerprint = 0.9
	}

	if burst(c.Recent, time.Minute) >= 10 {
		f.TimePattern = 0.7
	}

	return f
}

// Accept applies the two-threshold acceptance rule.
func Accept(p Policy, validationScore, fraudScore float64) bool {
	return validationScore >= p.ValidationThreshold && fraudScore < p.FraudThreshold
}

// intervalCV computes the coefficient of variation over inter-click
// intervals of the newest sampleSize timestamps. A CV near zero means
// metronome-regular clicking. Needs at least 3 timestamps.
func intervalCV(ts []time.Time, sampleSize int) (float64, bool) {
	if len(ts) < 3 {
		return 0, false
	}

	sorted := make([]time.Time, len(ts))
	copy(sorted, ts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].After(sorted[j]) })
	if len(sorted) > sampleSize {
		sorted = sorted[:sampleSize]
	}

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 0; i < len(sorted)-1; i++ {
		intervals = append(intervals, sorted[i].Sub(sorted[i+1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean == 0 {
		return 0, true
	}

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance) / mean, true
}

// burst returns the max number of clicks inside any sliding window.
func burst(ts []time.Time, window time.Duration) int {
	if len(ts) == 0 {
		return 0
	}
	sorted := make([]time.Time, len(ts))
	copy(sorted, ts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	max, lo := 0, 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) > window {
			lo++
		}
		if n := hi - lo + 1; n > max {
			max = n
		}
	}
	return max
}

func isSocialHost(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, d := range socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
