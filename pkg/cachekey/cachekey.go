package cachekey

import "fmt"

// Key scheme: "entity:purpose:id[:qualifier]". The relational store is always
// authoritative; every key here is reconstructable from it.
const (
	EnrollmentTrackingPrefix = "enrollment:tracking"
	RecentClickPrefix        = "click:recent"
	ClickDedupPrefix         = "click:dedup"
	BatchSyncPrefix          = "batch:sync"
	UserEarningsPrefix       = "user:earnings"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// EnrollmentTracking returns "enrollment:tracking:{code}"
func EnrollmentTracking(code string) string {
	return NamespaceKey(EnrollmentTrackingPrefix, code)
}

// RecentClick returns "click:recent:{userID}:{campaignID}"
func RecentClick(userID, campaignID string) string {
	return fmt.Sprintf("%s:%s:%s", RecentClickPrefix, userID, campaignID)
}

// ClickDedup returns "click:dedup:{deviceID}:{localID}"
func ClickDedup(deviceID, localID string) string {
	return fmt.Sprintf("%s:%s:%s", ClickDedupPrefix, deviceID, localID)
}

// BatchSync returns "batch:sync:{token}"
func BatchSync(token string) string {
	return NamespaceKey(BatchSyncPrefix, token)
}

// UserEarnings returns "user:earnings:{userID}:{period}"
func UserEarnings(userID, period string) string {
	return fmt.Sprintf("%s:%s:%s", UserEarningsPrefix, userID, period)
}

// UserPattern matches every cache entry scoped to a participant.
func UserPattern(userID string) string {
	return fmt.Sprintf("user:*:%s*", userID)
}

// CampaignPattern matches every cache entry scoped to a campaign.
func CampaignPattern(campaignID string) string {
	return fmt.Sprintf("campaign:*:%s*", campaignID)
}
