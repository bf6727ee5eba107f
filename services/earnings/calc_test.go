package earnings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommissionExample(t *testing.T) {
	// base CPC 1000 at level 5
	require.EqualValues(t, 40, LevelBonus(1000, 5))
	require.EqualValues(t, 1040, TotalCommission(1000, 5))
	require.EqualValues(t, 100, XPGain(1000))
}

func TestLevelBonusFloorsAndLevelOne(t *testing.T) {
	require.EqualValues(t, 0, LevelBonus(1000, 1))
	require.EqualValues(t, 0, LevelBonus(99, 2))  // floor(99*0.01) = 0
	require.EqualValues(t, 1, LevelBonus(150, 2)) // floor(150*0.01) = 1
	require.EqualValues(t, 0, LevelBonus(1000, 0))
}

func TestLevelForXPMonotoneAndCapped(t *testing.T) {
	require.Equal(t, 1, LevelForXP(0))
	require.Equal(t, 1, LevelForXP(99))
	require.Equal(t, 1, LevelForXP(100))
	require.Equal(t, 2, LevelForXP(200))
	require.Equal(t, MaxLevel, LevelForXP(1_000_000))

	prev := 0
	for xp := int64(0); xp <= 20_000; xp += 37 {
		lvl := LevelForXP(xp)
		require.GreaterOrEqual(t, lvl, prev)
		require.LessOrEqual(t, lvl, MaxLevel)
		prev = lvl
	}
}

func TestAccountLevelMonotoneAndCapped(t *testing.T) {
	require.Equal(t, 1, AccountLevel(0))
	require.Equal(t, 1, AccountLevel(99))
	require.Equal(t, 2, AccountLevel(100))
	require.Equal(t, 2, AccountLevel(299))
	require.Equal(t, 3, AccountLevel(300))
	require.Equal(t, 4, AccountLevel(600))
	require.Equal(t, MaxLevel, AccountLevel(1<<50))

	prev := 0
	for xp := int64(0); xp <= 100_000; xp += 113 {
		lvl := AccountLevel(xp)
		require.GreaterOrEqual(t, lvl, prev)
		require.LessOrEqual(t, lvl, MaxLevel)
		prev = lvl
	}
}

func TestStreakMultiplierSteps(t *testing.T) {
	cases := map[int]float64{
		0: 0, 1: 0, 2: 0,
		3: 0.5, 6: 0.5,
		7: 1.0, 13: 1.0,
		14: 1.5, 29: 1.5,
		30: 2.0, 365: 2.0,
	}
	for days, want := range cases {
		require.Equal(t, want, StreakMultiplier(days), "days=%d", days)
	}
}

func TestStreakBonusFloors(t *testing.T) {
	require.EqualValues(t, 0, StreakBonus(100, 1))
	require.EqualValues(t, 50, StreakBonus(100, 3))
	require.EqualValues(t, 100, StreakBonus(100, 7))
	require.EqualValues(t, 55, StreakBonus(110, 4))
	require.EqualValues(t, 220, StreakBonus(110, 30))
}

func TestDailyBonusBase(t *testing.T) {
	require.EqualValues(t, 100, DailyBonusBase(1))
	require.EqualValues(t, 140, DailyBonusBase(5))
	require.EqualValues(t, 100, DailyBonusBase(0))
}
