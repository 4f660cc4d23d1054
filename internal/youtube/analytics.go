package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yta "google.golang.org/api/youtubeanalytics/v2"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
	maxBackoff     = 16 * time.Second
)

// DailyViews is one day of view counts for a video
type DailyViews struct {
	Date  time.Time `json:"date"`
	Views int64     `json:"views"`
}

// AnalyticsClient pulls daily per-video view series from the YouTube
// Analytics API. Transient failures (429, 5xx) are retried with exponential
// backoff; an expired token is refreshed once; quota exhaustion fails
// immediately.
type AnalyticsClient struct {
	service *yta.Service
	tokens  *refreshableSource
	logger  *logging.Logger

	// sleep is swapped out by tests
	sleep func(context.Context, time.Duration) error
}

// NewAnalyticsClient creates an Analytics API client authenticated by the
// given token source
func NewAnalyticsClient(ctx context.Context, ts oauth2.TokenSource, logger *logging.Logger) (*AnalyticsClient, error) {
	tokens := &refreshableSource{base: ts}

	service, err := yta.NewService(ctx, option.WithTokenSource(tokens))
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics service: %w", err)
	}

	return &AnalyticsClient{
		service: service,
		tokens:  tokens,
		logger:  logger,
		sleep:   sleepCtx,
	}, nil
}

// DailyViewSeries returns the video's views per day over [start, end],
// inclusive, at date granularity
func (c *AnalyticsClient) DailyViewSeries(ctx context.Context, videoID string, start, end time.Time) ([]DailyViews, error) {
	var resp *yta.QueryResponse

	err := c.doWithRetry(ctx, "query analytics", func() error {
		var err error
		resp, err = c.service.Reports.Query().
			Ids("channel==MINE").
			StartDate(start.Format("2006-01-02")).
			EndDate(end.Format("2006-01-02")).
			Metrics("views").
			Dimensions("day").
			Filters("video==" + videoID).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	series := make([]DailyViews, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if len(row) < 2 {
			continue
		}

		day, ok := row[0].(string)
		if !ok {
			continue
		}
		date, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}

		views, ok := row[1].(float64)
		if !ok {
			continue
		}

		series = append(series, DailyViews{Date: date, Views: int64(views)})
	}

	return series, nil
}

// doWithRetry runs call under the upstream retry policy: up to maxAttempts
// for rate limits and server errors with doubling backoff, one token refresh
// for auth expiry, immediate failure for quota exhaustion and anything else.
func (c *AnalyticsClient) doWithRetry(ctx context.Context, op string, call func() error) error {
	backoff := initialBackoff
	refreshed := false

	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}

		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) {
			return abtest.NewUpstreamError(abtest.UpstreamGeneric, op, err)
		}

		switch {
		case apiErr.Code == http.StatusUnauthorized:
			if refreshed {
				return classify(err, op)
			}
			refreshed = true
			c.tokens.Invalidate()
			c.logger.WithField("op", op).Warn("Access token expired, refreshing")

		case apiErr.Code == http.StatusForbidden:
			return classify(err, op)

		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			if attempt >= maxAttempts {
				return classify(err, op)
			}

			c.logger.WithField("op", op).WithField("attempt", attempt).
				Warnf("Transient analytics error (%d), retrying in %s", apiErr.Code, backoff)

			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

		default:
			return classify(err, op)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// refreshableSource caches the current access token and can be invalidated,
// forcing the next Token call back to the underlying source for a fresh one
type refreshableSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	tok  *oauth2.Token
}

func (s *refreshableSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok != nil && s.tok.Valid() {
		return s.tok, nil
	}

	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.tok = tok
	return tok, nil
}

// Invalidate drops the cached token
func (s *refreshableSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = nil
}
