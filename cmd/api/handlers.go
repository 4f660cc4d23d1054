package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/lifecycle"
	"github.com/creatorbackoffice/splittest/internal/middleware"
	"github.com/creatorbackoffice/splittest/internal/storage"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// statusCacheTTL bounds how stale a cached status payload can get
const statusCacheTTL = 30 * time.Second

type createTestRequest struct {
	VideoID              string               `json:"video_id" binding:"required"`
	VideoTitle           string               `json:"video_title"`
	ContentKind          string               `json:"content_kind" binding:"required"`
	DurationHours        int                  `json:"duration_hours" binding:"required"`
	RotationHours        int                  `json:"rotation_hours" binding:"required"`
	PerformanceThreshold float64              `json:"performance_threshold"`
	AutoSelectWinner     *bool                `json:"auto_select_winner"`
	Variants             []createVariantInput `json:"variants" binding:"required"`
}

type createVariantInput struct {
	Name         string `json:"name"`
	ThumbnailURL string `json:"thumbnail_url"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

type selectWinnerRequest struct {
	VariantID string `json:"variant_id"`
}

func (api *API) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	if err := api.cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "redis": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (api *API) createTest(c *gin.Context) {
	var req createTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := lifecycle.CreateInput{
		VideoID:              req.VideoID,
		VideoTitle:           req.VideoTitle,
		ContentKind:          models.ContentKind(req.ContentKind),
		DurationHours:        req.DurationHours,
		RotationHours:        req.RotationHours,
		PerformanceThreshold: req.PerformanceThreshold,
		AutoSelectWinner:     req.AutoSelectWinner,
	}
	for _, v := range req.Variants {
		input.Variants = append(input.Variants, lifecycle.VariantInput{
			Name:         v.Name,
			ThumbnailURL: v.ThumbnailURL,
			Title:        v.Title,
			Description:  v.Description,
		})
	}

	test, err := api.lifecycle.Create(c.Request.Context(), input, actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, test)
}

func (api *API) listTests(c *gin.Context) {
	ctx := c.Request.Context()

	if state := c.Query("state"); state != "" {
		if !models.TestState(state).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state '" + state + "'"})
			return
		}
		tests, err := api.repo.ListTestsByState(ctx, models.TestState(state))
		if err != nil {
			api.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tests": tests, "count": len(tests)})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	tests, err := api.repo.ListTests(ctx, limit, offset)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tests": tests, "count": len(tests), "limit": limit, "offset": offset})
}

func (api *API) testStatus(c *gin.Context) {
	ctx := c.Request.Context()
	testID := c.Param("id")

	if cached, err := api.cache.GetTestStatus(ctx, testID); err != nil {
		api.logger.WithTestID(testID).ErrorWithErr("Failed to read cached test status", err)
	} else if cached != nil {
		pct, remaining := cached.Progress(time.Now().UTC())
		c.JSON(http.StatusOK, &lifecycle.Status{
			Test:               cached,
			ProgressPercentage: pct,
			TimeRemainingSecs:  int64(remaining.Seconds()),
		})
		return
	}

	status, err := api.lifecycle.Status(ctx, testID)
	if err != nil {
		api.respondError(c, err)
		return
	}

	if err := api.cache.SetTestStatus(ctx, status.Test, statusCacheTTL); err != nil {
		api.logger.WithTestID(testID).ErrorWithErr("Failed to cache test status", err)
	}

	c.JSON(http.StatusOK, status)
}

func (api *API) deleteTest(c *gin.Context) {
	ctx := c.Request.Context()
	testID := c.Param("id")

	if err := api.repo.DeleteTest(ctx, testID); err != nil {
		api.respondError(c, err)
		return
	}
	if err := api.cache.DeleteTestStatus(ctx, testID); err != nil {
		api.logger.WithTestID(testID).ErrorWithErr("Failed to drop cached test status", err)
	}

	c.Status(http.StatusNoContent)
}

func (api *API) startTest(c *gin.Context) {
	testID := c.Param("id")

	result, err := api.lifecycle.Start(c.Request.Context(), testID, actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	api.invalidateStatus(c, testID)

	resp := gin.H{"test": result.Test}
	if result.ApplyWarning != nil {
		resp["apply_warning"] = result.ApplyWarning.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (api *API) pauseTest(c *gin.Context) {
	api.transition(c, api.lifecycle.Pause)
}

func (api *API) resumeTest(c *gin.Context) {
	api.transition(c, api.lifecycle.Resume)
}

func (api *API) stopTest(c *gin.Context) {
	api.transition(c, api.lifecycle.Stop)
}

func (api *API) transition(c *gin.Context, op func(ctx context.Context, testID, actor string) (*models.Test, error)) {
	testID := c.Param("id")

	test, err := op(c.Request.Context(), testID, actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	api.invalidateStatus(c, testID)

	c.JSON(http.StatusOK, test)
}

func (api *API) currentVariant(c *gin.Context) {
	variant, err := api.rotator.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, variant)
}

func (api *API) rotateVariant(c *gin.Context) {
	variant, err := api.rotator.Rotate(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, variant)
}

func (api *API) applyVariant(c *gin.Context) {
	variant, err := api.rotator.Apply(c.Request.Context(), c.Param("id"), c.Param("variant"), actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, variant)
}

func (api *API) collectMetrics(c *gin.Context) {
	collection, err := api.collector.Collect(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

func (api *API) variantSnapshots(c *gin.Context) {
	ctx := c.Request.Context()
	variantID := c.Param("variant")

	variant, err := api.repo.GetVariant(ctx, variantID)
	if err != nil {
		api.respondError(c, err)
		return
	}
	if variant.TestID != c.Param("id") {
		api.respondError(c, abtest.NewVariantNotFound(variantID))
		return
	}

	snapshots, err := api.repo.ListSnapshots(ctx, variantID)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"variant_id": variantID, "snapshots": snapshots, "count": len(snapshots)})
}

func (api *API) checkWinner(c *gin.Context) {
	has, variant, err := api.selector.HasWinner(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}

	resp := gin.H{"has_winner": has}
	if has {
		resp["variant"] = variant
	}
	c.JSON(http.StatusOK, resp)
}

func (api *API) selectWinner(c *gin.Context) {
	var req selectWinnerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	testID := c.Param("id")
	winner, err := api.selector.SelectWinner(c.Request.Context(), testID, req.VariantID, actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	api.invalidateStatus(c, testID)

	c.JSON(http.StatusOK, winner)
}

func (api *API) applyWinner(c *gin.Context) {
	winner, err := api.selector.ApplyWinner(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, winner)
}

func (api *API) testLogs(c *gin.Context) {
	ctx := c.Request.Context()
	testID := c.Param("id")

	// Ensure the test exists so an unknown id is a 404, not an empty list
	if _, err := api.repo.GetTest(ctx, testID); err != nil {
		api.respondError(c, err)
		return
	}

	var entries []*models.AuditLogEntry
	var err error
	if action := c.Query("action"); action != "" {
		entries, err = api.repo.ListAuditEntriesByAction(ctx, testID, models.AuditAction(action))
	} else {
		entries, err = api.repo.ListAuditEntries(ctx, testID)
	}
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"test_id": testID, "entries": entries, "count": len(entries)})
}

func (api *API) uploadThumbnail(c *gin.Context) {
	ctx := c.Request.Context()
	testID := c.Param("id")

	variantID := c.PostForm("variant_id")
	if variantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "variant_id is required"})
		return
	}

	variant, err := api.repo.GetVariant(ctx, variantID)
	if err != nil {
		api.respondError(c, err)
		return
	}
	if variant.TestID != testID {
		api.respondError(c, abtest.NewVariantNotFound(variantID))
		return
	}

	file, header, err := c.Request.FormFile("thumbnail")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thumbnail file is required"})
		return
	}
	defer file.Close()

	key := storage.ThumbnailKey(testID, variantID, header.Filename)
	if err := api.storage.UploadThumbnail(ctx, key, file, header.Size); err != nil {
		api.respondError(c, err)
		return
	}

	url, err := api.storage.GetURL(ctx, key)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"object": key, "url": url})
}

// invalidateStatus drops the cached status payload after a state change
func (api *API) invalidateStatus(c *gin.Context, testID string) {
	if err := api.cache.DeleteTestStatus(c.Request.Context(), testID); err != nil {
		api.logger.WithTestID(testID).ErrorWithErr("Failed to drop cached test status", err)
	}
}

// respondError maps engine errors onto HTTP status codes
func (api *API) respondError(c *gin.Context, err error) {
	switch {
	case abtest.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case abtest.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case abtest.IsInvalidState(err) || abtest.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, abtest.ErrNoWinner) ||
		errors.Is(err, abtest.ErrNoVariants) ||
		errors.Is(err, abtest.ErrNotStarted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		api.logger.ErrorWithErr("Request failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func actor(c *gin.Context) string {
	if userID, ok := middleware.GetUserID(c); ok {
		return userID
	}
	return "api"
}
