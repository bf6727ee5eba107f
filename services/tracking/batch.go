package tracking

import (
	"fmt"
	"net/http"
	"time"

	"treit-clickplane/pkg/cachekey"
	"treit-clickplane/pkg/errutil"
	"treit-clickplane/pkg/middleware"
	"treit-clickplane/services/click"

	"github.com/gin-gonic/gin"
)

const (
	batchReplayTTL   = 24 * time.Hour
	dedupTTL         = 24 * time.Hour
	maxClickAge      = 24 * time.Hour
	storeDedupWindow = time.Minute
)

type batchItem struct {
	TrackingCode string    `json:"tracking_code" binding:"required"`
	ClickedAt    time.Time `json:"clicked_at" binding:"required"`
	Referrer     string    `json:"referrer"`
	SessionID    string    `json:"session_id"`
	LocalID      string    `json:"local_id"`
}

type batchRequest struct {
	Clicks    []batchItem `json:"clicks" binding:"required"`
	DeviceID  string      `json:"device_id"`
	SyncToken string      `json:"sync_token"`
}

type batchError struct {
	LocalID string `json:"local_id"`
	Error   string `json:"error"`
}

type batchResponse struct {
	Accepted   int          `json:"accepted"`
	Rejected   int          `json:"rejected"`
	Duplicates int          `json:"duplicates"`
	Errors     []batchError `json:"errors"`
}

// TrackBatch reconciles offline-collected clicks. A repeated sync_token
// replays the stored result without reprocessing; items fail individually
// without failing the batch.
func (s *Service) TrackBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	if len(req.Clicks) == 0 {
		c.Error(errutil.BadRequest("empty batch"))
		return
	}
	if len(req.Clicks) > s.batchMaxSize {
		c.Error(errutil.BadRequest(fmt.Sprintf("batch exceeds %d clicks", s.batchMaxSize)))
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	var tokenKey string
	if req.SyncToken != "" {
		tokenKey = cachekey.BatchSync(req.SyncToken)
		var prior batchResponse
		if s.cache.Get(ctx, tokenKey, &prior) {
			c.JSON(http.StatusOK, prior)
			return
		}
	}

	resp := batchResponse{Errors: make([]batchError, 0)}
	now := s.now().UTC()

	for _, item := range req.Clicks {
		clickedAt := item.ClickedAt.UTC()

		switch {
		case clickedAt.After(now):
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "future timestamp"})
			continue
		case now.Sub(clickedAt) > maxClickAge:
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "timestamp older than 24 hours"})
			continue
		}

		e, err := s.campaigns.ResolveTrackingCode(ctx, item.TrackingCode)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "invalid tracking code"})
			continue
		}
		if e.UserID != userID {
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "tracking code belongs to another account"})
			continue
		}

		camp, err := s.campaigns.Get(ctx, e.CampaignID)
		if err != nil || !camp.WasActiveAt(clickedAt) {
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "campaign inactive at click time"})
			continue
		}

		if req.DeviceID != "" && item.LocalID != "" {
			dedupKey := cachekey.ClickDedup(req.DeviceID, item.LocalID)
			var seen bool
			if s.cache.Get(ctx, dedupKey, &seen) {
				resp.Duplicates++
				continue
			}
			s.cache.Set(ctx, dedupKey, true, dedupTTL)
		}

		// Store-side guard: a click for the same enrollment within a minute
		// of the claimed time is a resend, even when the cache entry is gone.
		var near int64
		if err := s.db.WithContext(ctx).
			Model(&click.ClickEvent{}).
			Where("enrollment_id = ? AND clicked_at BETWEEN ? AND ?",
				e.EnrollmentID, clickedAt.Add(-storeDedupWindow), clickedAt.Add(storeDedupWindow)).
			Count(&near).Error; err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "failed to persist click"})
			continue
		}
		if near > 0 {
			resp.Duplicates++
			continue
		}

		ev, err := s.persistClick(ctx, e, clickInput{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Referrer:  item.Referrer,
			SessionID: item.SessionID,
			ClickedAt: clickedAt,
			Source:    "batch",
		})
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, batchError{LocalID: item.LocalID, Error: "failed to persist click"})
			continue
		}

		s.fanOut(ctx, ev)
		resp.Accepted++
	}

	if tokenKey != "" {
		s.cache.Set(ctx, tokenKey, resp, batchReplayTTL)
	}

	c.JSON(http.StatusOK, resp)
}
