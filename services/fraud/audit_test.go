package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"treit-clickplane/services/click"
	"treit-clickplane/services/participant"
	"treit-clickplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAuditor(t *testing.T) (*Auditor, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&click.ClickEvent{},
		&participant.Participant{},
		&participant.FraudLog{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	participants := participant.NewService(participant.ServiceParams{DB: db, Node: node})
	a := NewAuditor(AuditorParams{
		DB:           db,
		Policy:       DefaultPolicy(),
		Participants: participants,
	})
	return a, db, node
}

func seedAccount(t *testing.T, db *gorm.DB, node *snowflake.Node, createdAt time.Time, logins int) *participant.Participant {
	t.Helper()
	p := participant.Participant{
		UserID:     node.Generate().String(),
		APIToken:   node.Generate().String(),
		Status:     participant.StatusActive,
		Level:      1,
		LoginCount: logins,
	}
	require.NoError(t, db.Create(&p).Error)
	// autoCreateTime wins on insert, so pin created_at explicitly
	require.NoError(t, db.Model(&participant.Participant{}).
		Where("user_id = ?", p.UserID).
		Update("created_at", createdAt).Error)
	p.CreatedAt = createdAt
	return &p
}

func seedClicks(t *testing.T, db *gorm.DB, node *snowflake.Node, userID string, n int, ip func(i int) string, at func(i int) time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := click.ClickEvent{
			ClickID:    node.Generate().String(),
			UserID:     userID,
			CampaignID: "camp-1",
			IPAddress:  ip(i),
			UserAgent:  "Mozilla/5.0",
			ClickedAt:  at(i),
		}
		require.NoError(t, db.Create(&ev).Error)
	}
}

func TestAuditCleanAccount(t *testing.T) {
	a, db, node := newAuditor(t)
	ctx := context.Background()

	p := seedAccount(t, db, node, time.Now().UTC().AddDate(0, -3, 0), 40)
	base := time.Now().UTC().Add(-72 * time.Hour)
	seedClicks(t, db, node, p.UserID, 10,
		func(i int) string { return fmt.Sprintf("203.0.113.%d", i) },
		func(i int) time.Time { return base.Add(time.Duration(i*i+i*7) * time.Minute) },
	)

	res, err := a.Audit(ctx, AuditRequest{UserID: p.UserID, CheckType: "account_audit"})
	require.NoError(t, err)
	require.False(t, res.IsSuspicious)
	require.Equal(t, ActionNone, res.RecommendedAction)
	require.False(t, res.AutoActionTaken)

	var logs int64
	require.NoError(t, db.Model(&participant.FraudLog{}).
		Where("user_id = ?", p.UserID).Count(&logs).Error)
	require.EqualValues(t, 1, logs)
}

func TestAuditFlagsClickFarm(t *testing.T) {
	a, db, node := newAuditor(t)
	ctx := context.Background()

	// brand-new account, one login, 60 metronome clicks from one IP
	p := seedAccount(t, db, node, time.Now().UTC().Add(-2*time.Hour), 1)
	base := time.Now().UTC().Add(-time.Hour)
	seedClicks(t, db, node, p.UserID, 60,
		func(i int) string { return "198.51.100.9" },
		func(i int) time.Time { return base.Add(time.Duration(i) * 3 * time.Second) },
	)

	res, err := a.Audit(ctx, AuditRequest{UserID: p.UserID, CheckType: "account_audit"})
	require.NoError(t, err)
	require.True(t, res.IsSuspicious)
	require.NotEmpty(t, res.DetectionReasons)
	require.NotEqual(t, ActionNone, res.RecommendedAction)
}

func TestAuditAutoSuspendRequiresAuthorization(t *testing.T) {
	a, db, node := newAuditor(t)
	ctx := context.Background()

	suspicious := func() *participant.Participant {
		p := seedAccount(t, db, node, time.Now().UTC().Add(-2*time.Hour), 1)
		base := time.Now().UTC().Add(-30 * time.Minute)
		seedClicks(t, db, node, p.UserID, 80,
			func(i int) string { return "10.0.0.5" },
			func(i int) time.Time { return base.Add(time.Duration(i) * 2 * time.Second) },
		)
		return p
	}

	// without auto_action the recommendation stands but nothing changes
	p1 := suspicious()
	res, err := a.Audit(ctx, AuditRequest{UserID: p1.UserID, CheckType: "account_audit"})
	require.NoError(t, err)
	require.Equal(t, ActionSuspendAccount, res.RecommendedAction)
	require.False(t, res.AutoActionTaken)

	var got participant.Participant
	require.NoError(t, db.Where("user_id = ?", p1.UserID).First(&got).Error)
	require.Equal(t, participant.StatusActive, got.Status)

	// with auto_action the account is suspended
	p2 := suspicious()
	res, err = a.Audit(ctx, AuditRequest{UserID: p2.UserID, CheckType: "account_audit", AutoAction: true})
	require.NoError(t, err)
	require.True(t, res.AutoActionTaken)

	require.NoError(t, db.Where("user_id = ?", p2.UserID).First(&got).Error)
	require.Equal(t, participant.StatusSuspended, got.Status)
}
