// Package youtube implements the video-platform boundary: pushing variant
// content to a live video and pulling daily analytics back.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/config"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
)

// Client applies variant content to a live YouTube video via the Data API
type Client struct {
	service    *yt.Service
	downloader *http.Client
	logger     *logging.Logger
}

// NewClient creates a Data API client authenticated by the given token source
func NewClient(ctx context.Context, cfg config.YouTubeConfig, ts oauth2.TokenSource, logger *logging.Logger) (*Client, error) {
	service, err := yt.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}

	return &Client{
		service:    service,
		downloader: &http.Client{Timeout: cfg.DownloadTimeout},
		logger:     logger,
	}, nil
}

// TokenSource builds an auto-refreshing token source from the configured
// OAuth client and refresh token
func TokenSource(ctx context.Context, cfg config.YouTubeConfig) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{yt.YoutubeScope, yt.YoutubeUploadScope},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// ApplyThumbnail downloads the thumbnail image and sets it on the video
func (c *Client) ApplyThumbnail(ctx context.Context, videoID, thumbnailURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbnailURL, nil)
	if err != nil {
		return abtest.NewUpstreamError(abtest.UpstreamGeneric, "download thumbnail", err)
	}

	resp, err := c.downloader.Do(req)
	if err != nil {
		return abtest.NewUpstreamError(abtest.UpstreamGeneric, "download thumbnail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return abtest.NewUpstreamError(abtest.UpstreamGeneric, "download thumbnail",
			fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, thumbnailURL))
	}

	_, err = c.service.Thumbnails.Set(videoID).Media(resp.Body).Context(ctx).Do()
	if err != nil {
		return classify(err, "set thumbnail")
	}

	return nil
}

// ApplyTitle replaces the video's title, preserving the rest of the snippet
func (c *Client) ApplyTitle(ctx context.Context, videoID, title string) error {
	return c.updateSnippet(ctx, videoID, "update title", func(snippet *yt.VideoSnippet) {
		snippet.Title = title
	})
}

// ApplyDescription replaces the video's description, preserving the rest of
// the snippet
func (c *Client) ApplyDescription(ctx context.Context, videoID, description string) error {
	return c.updateSnippet(ctx, videoID, "update description", func(snippet *yt.VideoSnippet) {
		snippet.Description = description
	})
}

// updateSnippet fetches the video's current snippet, mutates it, and pushes
// it back. The Data API replaces the whole snippet on update, so the fetch is
// required to avoid clobbering fields the mutation does not touch.
func (c *Client) updateSnippet(ctx context.Context, videoID, op string, mutate func(*yt.VideoSnippet)) error {
	list, err := c.service.Videos.List([]string{"snippet"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return classify(err, op)
	}

	if len(list.Items) == 0 {
		return abtest.NewUpstreamError(abtest.UpstreamNotFound, op,
			fmt.Errorf("video %s not found", videoID))
	}

	video := list.Items[0]
	mutate(video.Snippet)

	_, err = c.service.Videos.Update([]string{"snippet"}, &yt.Video{
		Id:      videoID,
		Snippet: video.Snippet,
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, op)
	}

	return nil
}

// classify maps a Data/Analytics API error to the shared upstream taxonomy
func classify(err error, op string) error {
	kind := abtest.UpstreamGeneric

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			kind = abtest.UpstreamNotFound
		case http.StatusTooManyRequests:
			kind = abtest.UpstreamRateLimited
		case http.StatusUnauthorized:
			kind = abtest.UpstreamAuthExpired
		case http.StatusForbidden:
			kind = abtest.UpstreamQuotaExceeded
		}
	}

	metrics.UpstreamErrorsTotal.WithLabelValues(string(kind)).Inc()
	return abtest.NewUpstreamError(kind, op, err)
}
