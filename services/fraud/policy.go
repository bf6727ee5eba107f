package fraud

import "regexp"

// Policy names every constant the scoring functions use: factor weights,
// acceptance thresholds, penalty sizes. Versioned so a tuning change is
// visible in fraud logs and testable in isolation.
type Policy struct {
	Version string

	// fraudScore weights, must sum to 1.0
	WeightIPReputation      float64
	WeightClickPattern      float64
	WeightDeviceFingerprint float64
	WeightTimePattern       float64
	WeightGeoConsistency    float64

	// acceptance: validationScore >= ValidationThreshold AND
	// fraudScore < FraudThreshold
	ValidationThreshold float64
	FraudThreshold      float64

	// validationScore penalties
	SameIPThreshold      int64
	SameIPPenaltyPerHit  float64
	SameIPPenaltyCap     float64
	BotPenalty           float64
	MissingRefPenalty    float64
	SocialRefBonus       float64
	MalformedRefPenalty  float64
	RegularityPenalty    float64
	RegularityCVCutoff   float64
	RegularitySampleSize int

	// audit
	AutoSuspendThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{
		Version: "2024.1",

		WeightIPReputation:      0.25,
		WeightClickPattern:      0.30,
		WeightDeviceFingerprint: 0.20,
		WeightTimePattern:       0.15,
		WeightGeoConsistency:    0.10,

		ValidationThreshold: 0.7,
		FraudThreshold:      0.6,

		SameIPThreshold:      5,
		SameIPPenaltyPerHit:  0.05,
		SameIPPenaltyCap:     0.4,
		BotPenalty:           0.6,
		MissingRefPenalty:    0.1,
		SocialRefBonus:       0.1,
		MalformedRefPenalty:  0.05,
		RegularityPenalty:    0.3,
		RegularityCVCutoff:   0.1,
		RegularitySampleSize: 10,

		AutoSuspendThreshold: 0.9,
	}
}

var botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|headless|phantomjs|selenium`)

// social platforms whose traffic is considered organic
var socialDomains = []string{
	"instagram.com",
	"facebook.com",
	"twitter.com",
	"tiktok.com",
	"youtube.com",
	"linkedin.com",
	"telegram.org",
}

// DetectBot reports whether a user agent matches a known automation
// pattern. An empty user agent counts as a bot.
func DetectBot(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	return botPattern.MatchString(userAgent)
}
