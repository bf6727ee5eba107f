package pipeline

// Queue channels fanned out from one ingested click.
const (
	ChannelFraud        = "fraud_detection"
	ChannelEarnings     = "earnings_calculation"
	ChannelAnalytics    = "analytics_update"
	ChannelNotification = "notification"
)

// Message kinds. Each kind has exactly one payload struct; the worker
// dispatches on kind and rejects anything it does not know.
const (
	KindFraudCheck        = "fraud.check_request"
	KindCalculateEarnings = "earnings.calculate"
	KindAnalyticsRefresh  = "analytics.refresh"
	KindClickProcessed    = "notify.click_processed"
)

type FraudCheckPayload struct {
	ClickID    string `json:"click_id"`
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	Referrer   string `json:"referrer"`
	SessionID  string `json:"session_id"`
}

type CalculateEarningsPayload struct {
	ClickID    string `json:"click_id"`
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
}

type AnalyticsRefreshPayload struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
}

type ClickProcessedPayload struct {
	ClickID    string `json:"click_id"`
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Amount     int64  `json:"amount"`
}
