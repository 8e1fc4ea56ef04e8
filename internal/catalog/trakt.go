package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/treepeck/showchat/pkg/types"
)

// DefaultTraktURL is the public Trakt API.
const DefaultTraktURL = "https://api.trakt.tv"

// TraktClient reads trending shows from the Trakt API.
type TraktClient struct {
	http *resty.Client
}

var _ Trending = (*TraktClient)(nil)

func NewTraktClient(baseURL, apiKey string) *TraktClient {
	if baseURL == "" {
		baseURL = DefaultTraktURL
	}

	return &TraktClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("trakt-api-version", "2").
			SetHeader("trakt-api-key", apiKey),
	}
}

type traktIds struct {
	Trakt int    `json:"trakt"`
	Slug  string `json:"slug"`
	Tvdb  int    `json:"tvdb"`
	Imdb  string `json:"imdb"`
}

type traktShow struct {
	Title    string   `json:"title"`
	Overview string   `json:"overview"`
	Year     int      `json:"year"`
	Ids      traktIds `json:"ids"`
}

type traktTrending struct {
	Watchers int       `json:"watchers"`
	Show     traktShow `json:"show"`
}

// Trending returns up to limit trending shows in Trakt order.
func (c *TraktClient) Trending(ctx context.Context, limit int) ([]types.Show, error) {
	var result []traktTrending
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("extended", "full").
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/shows/trending")
	if err != nil {
		return nil, fmt.Errorf("query trakt trending: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trakt trending error (status %d): %s", resp.StatusCode(), resp.String())
	}

	shows := make([]types.Show, 0, len(result))
	for _, t := range result {
		if t.Show.Ids.Slug == "" {
			continue
		}
		shows = append(shows, types.Show{
			Slug:     t.Show.Ids.Slug,
			Title:    t.Show.Title,
			Overview: t.Show.Overview,
			Year:     t.Show.Year,
			TraktId:  t.Show.Ids.Trakt,
			TvdbId:   t.Show.Ids.Tvdb,
			ImdbId:   t.Show.Ids.Imdb,
		})
	}
	return shows, nil
}
