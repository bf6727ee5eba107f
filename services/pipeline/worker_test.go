package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"treit-clickplane/pkg/cache"
	"treit-clickplane/pkg/queue"
	"treit-clickplane/services/campaign"
	"treit-clickplane/services/click"
	"treit-clickplane/services/fraud"
	"treit-clickplane/services/participant"
	"treit-clickplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type workerFixture struct {
	db     *gorm.DB
	q      *queue.Queue
	worker *Worker
	node   *snowflake.Node
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&click.ClickEvent{},
		&campaign.Campaign{},
		&campaign.Enrollment{},
		&participant.Participant{},
		&participant.FraudLog{},
		&participant.Notification{},
		&participant.DailyBonus{},
		&queue.Message{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	q := queue.New(db, nil, node, queue.Config{SweepInterval: time.Hour})
	t.Cleanup(q.Stop)

	mem := cache.NewMemory()
	participants := participant.NewService(participant.ServiceParams{DB: db, Node: node})
	campaigns := campaign.NewService(campaign.ServiceParams{DB: db, Node: node, Cache: mem})

	w := NewWorker(WorkerParams{
		DB:           db,
		Queue:        q,
		Cache:        mem,
		Node:         node,
		Policy:       fraud.DefaultPolicy(),
		Campaigns:    campaigns,
		Participants: participants,
	})

	return &workerFixture{db: db, q: q, worker: w, node: node}
}

func (f *workerFixture) seedCampaign(t *testing.T, cpc, budget int64) *campaign.Campaign {
	t.Helper()
	c := campaign.Campaign{
		CampaignID:     f.node.Generate().String(),
		AdvertiserID:   f.node.Generate().String(),
		Title:          "Summer launch",
		DestinationURL: "https://shop.example.com",
		CPCRate:        cpc,
		Budget:         budget,
		Status:         campaign.CampaignStatusActive,
	}
	require.NoError(t, f.db.Create(&c).Error)
	return &c
}

func (f *workerFixture) seedParticipant(t *testing.T, level int) *participant.Participant {
	t.Helper()
	p := participant.Participant{
		UserID:   f.node.Generate().String(),
		APIToken: f.node.Generate().String(),
		Status:   participant.StatusActive,
		Level:    level,
	}
	require.NoError(t, f.db.Create(&p).Error)
	return &p
}

func (f *workerFixture) seedClick(t *testing.T, userID, campaignID string, isValid *bool) *click.ClickEvent {
	t.Helper()
	ev := click.ClickEvent{
		ClickID:      f.node.Generate().String(),
		EnrollmentID: f.node.Generate().String(),
		UserID:       userID,
		CampaignID:   campaignID,
		IPAddress:    "203.0.113.7",
		UserAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
		Referrer:     "https://www.instagram.com/p/x",
		IsValid:      isValid,
		ClickedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&ev).Error)
	return &ev
}

func fraudMsg(t *testing.T, ev *click.ClickEvent) *queue.Message {
	t.Helper()
	raw, err := json.Marshal(FraudCheckPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Referrer:   ev.Referrer,
	})
	require.NoError(t, err)
	return &queue.Message{Type: KindFraudCheck, Payload: raw}
}

func earningsMsg(t *testing.T, ev *click.ClickEvent) *queue.Message {
	t.Helper()
	raw, err := json.Marshal(CalculateEarningsPayload{
		ClickID:    ev.ClickID,
		UserID:     ev.UserID,
		CampaignID: ev.CampaignID,
	})
	require.NoError(t, err)
	return &queue.Message{Type: KindCalculateEarnings, Payload: raw}
}

func boolPtr(b bool) *bool { return &b }

func TestFraudHandlerAcceptsCleanClick(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)
	ev := f.seedClick(t, p.UserID, c.CampaignID, nil)

	require.NoError(t, f.worker.HandleFraud(ctx, fraudMsg(t, ev)))

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", ev.ClickID).First(&got).Error)
	require.NotNil(t, got.IsValid)
	require.True(t, *got.IsValid)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Contains(t, meta, "validation_score")
	require.Contains(t, meta, "fraud_score")
}

func TestFraudHandlerRejectsHeadlessIPFlood(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)

	// 12 prior clicks from the same IP inside the hour
	for i := 0; i < 12; i++ {
		f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true))
	}

	ev := f.seedClick(t, p.UserID, c.CampaignID, nil)
	ev.UserAgent = "Mozilla/5.0 headless"
	require.NoError(t, f.db.Model(&click.ClickEvent{}).
		Where("click_id = ?", ev.ClickID).
		Update("user_agent", ev.UserAgent).Error)

	require.NoError(t, f.worker.HandleFraud(ctx, fraudMsg(t, ev)))

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", ev.ClickID).First(&got).Error)
	require.NotNil(t, got.IsValid)
	require.False(t, *got.IsValid)
	require.Zero(t, got.CommissionAmount)

	var logs int64
	require.NoError(t, f.db.Model(&participant.FraudLog{}).
		Where("click_id = ?", ev.ClickID).
		Count(&logs).Error)
	require.EqualValues(t, 1, logs)
}

func TestFraudHandlerIdempotentOnRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)
	ev := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(false))

	require.NoError(t, f.worker.HandleFraud(ctx, fraudMsg(t, ev)))

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", ev.ClickID).First(&got).Error)
	require.False(t, *got.IsValid)
	require.Empty(t, got.Metadata) // verdict already recorded, nothing rescored
}

func TestEarningsHandlerCreditsValidClick(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 5)
	ev := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true))

	require.NoError(t, f.worker.HandleEarnings(ctx, earningsMsg(t, ev)))

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", ev.ClickID).First(&got).Error)
	require.EqualValues(t, 1040, got.CommissionAmount)
	require.EqualValues(t, 1000, got.BaseAmount)

	var actor participant.Participant
	require.NoError(t, f.db.Where("user_id = ?", p.UserID).First(&actor).Error)
	require.EqualValues(t, 1040, actor.TotalEarnings)
	require.EqualValues(t, 100, actor.XP)

	var camp campaign.Campaign
	require.NoError(t, f.db.Where("campaign_id = ?", c.CampaignID).First(&camp).Error)
	require.EqualValues(t, 1040, camp.SpentAmount)
}

func TestEarningsHandlerIdempotentOnRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 5)
	ev := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true))

	msg := earningsMsg(t, ev)
	require.NoError(t, f.worker.HandleEarnings(ctx, msg))
	require.NoError(t, f.worker.HandleEarnings(ctx, msg))
	require.NoError(t, f.worker.HandleEarnings(ctx, msg))

	var actor participant.Participant
	require.NoError(t, f.db.Where("user_id = ?", p.UserID).First(&actor).Error)
	require.EqualValues(t, 1040, actor.TotalEarnings)

	var camp campaign.Campaign
	require.NoError(t, f.db.Where("campaign_id = ?", c.CampaignID).First(&camp).Error)
	require.EqualValues(t, 1040, camp.SpentAmount)
}

func TestEarningsHandlerSkipsInvalidClick(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)
	ev := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(false))

	require.NoError(t, f.worker.HandleEarnings(ctx, earningsMsg(t, ev)))

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", ev.ClickID).First(&got).Error)
	require.Zero(t, got.CommissionAmount)

	var actor participant.Participant
	require.NoError(t, f.db.Where("user_id = ?", p.UserID).First(&actor).Error)
	require.Zero(t, actor.TotalEarnings)
}

func TestEarningsHandlerRetriesPendingVerdict(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)
	ev := f.seedClick(t, p.UserID, c.CampaignID, nil)

	err := f.worker.HandleEarnings(ctx, earningsMsg(t, ev))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fraud verdict pending")
}

func TestEarningsHandlerRespectsBudget(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1500) // room for one click, not two
	p := f.seedParticipant(t, 1)
	first := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true))
	second := f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true))

	require.NoError(t, f.worker.HandleEarnings(ctx, earningsMsg(t, first)))
	require.NoError(t, f.worker.HandleEarnings(ctx, earningsMsg(t, second)))

	var camp campaign.Campaign
	require.NoError(t, f.db.Where("campaign_id = ?", c.CampaignID).First(&camp).Error)
	require.LessOrEqual(t, camp.SpentAmount, camp.Budget)
	require.EqualValues(t, 1000, camp.SpentAmount)

	var got click.ClickEvent
	require.NoError(t, f.db.Where("click_id = ?", second.ClickID).First(&got).Error)
	require.Zero(t, got.CommissionAmount)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, true, meta["budget_exhausted"])
}

func TestCommissionImpliesValidInvariant(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	c := f.seedCampaign(t, 1000, 1_000_000)
	p := f.seedParticipant(t, 1)

	clicks := []*click.ClickEvent{
		f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true)),
		f.seedClick(t, p.UserID, c.CampaignID, boolPtr(false)),
		f.seedClick(t, p.UserID, c.CampaignID, boolPtr(true)),
	}
	for _, ev := range clicks {
		require.NoError(t, f.worker.HandleEarnings(ctx, earningsMsg(t, ev)))
	}

	var rows []click.ClickEvent
	require.NoError(t, f.db.Find(&rows).Error)
	for _, r := range rows {
		if r.CommissionAmount > 0 {
			require.NotNil(t, r.IsValid)
			require.True(t, *r.IsValid)
		}
	}
}

func TestNotificationHandlerDedupesRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	raw, err := json.Marshal(ClickProcessedPayload{
		ClickID:    "click-1",
		UserID:     "user-1",
		CampaignID: "camp-1",
		Amount:     1040,
	})
	require.NoError(t, err)
	msg := &queue.Message{Type: KindClickProcessed, Payload: raw}

	require.NoError(t, f.worker.HandleNotification(ctx, msg))
	require.NoError(t, f.worker.HandleNotification(ctx, msg))

	var n int64
	require.NoError(t, f.db.Model(&participant.Notification{}).
		Where("user_id = ?", "user-1").
		Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestHandlersRejectUnknownMessageType(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	msg := &queue.Message{Type: "something.else", Payload: []byte(`{}`)}
	require.Error(t, f.worker.HandleFraud(ctx, msg))
	require.Error(t, f.worker.HandleEarnings(ctx, msg))
	require.Error(t, f.worker.HandleAnalytics(ctx, msg))
	require.Error(t, f.worker.HandleNotification(ctx, msg))
}
