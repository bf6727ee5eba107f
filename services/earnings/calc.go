package earnings

// MaxLevel caps both level curves.
const MaxLevel = 100

// LevelBonus is floor(base * (level-1) * 0.01).
func LevelBonus(base int64, level int) int64 {
	if level < 1 {
		level = 1
	}
	return base * int64(level-1) / 100
}

// TotalCommission is the base CPC rate plus the level bonus.
func TotalCommission(base int64, level int) int64 {
	return base + LevelBonus(base, level)
}

// XPGain is floor(base / 10).
func XPGain(base int64) int64 {
	return base / 10
}

// LevelForXP is the per-click curve: level N requires N*100 cumulative XP.
// Monotone non-decreasing in xp, never below 1, capped.
func LevelForXP(xp int64) int {
	if xp < 0 {
		xp = 0
	}
	level := int(xp / 100)
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return level
}

// AccountLevel is the account-summary curve: each level costs level*100 more
// XP than the previous one (100, 300, 600, 1000, ...). Monotone and capped
// like LevelForXP; the two curves disagree on absolute values, never on
// direction.
func AccountLevel(xp int64) int {
	level := 1
	required := int64(100)
	for xp >= required && level < MaxLevel {
		level++
		required += int64(level) * 100
	}
	return level
}

// StreakMultiplier is the step function over consecutive-day counts.
func StreakMultiplier(days int) float64 {
	switch {
	case days >= 30:
		return 2.0
	case days >= 14:
		return 1.5
	case days >= 7:
		return 1.0
	case days >= 3:
		return 0.5
	default:
		return 0
	}
}

// StreakBonus is floor(base * multiplier).
func StreakBonus(base int64, days int) int64 {
	return int64(float64(base) * StreakMultiplier(days))
}

// DailyBonusBase grows 10% per level over a 100-point base.
func DailyBonusBase(level int) int64 {
	if level < 1 {
		level = 1
	}
	return 100 + int64(level-1)*10
}
