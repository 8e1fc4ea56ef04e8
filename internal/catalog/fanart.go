package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/treepeck/showchat/pkg/types"
)

// DefaultFanartURL is the public Fanart.tv API.
const DefaultFanartURL = "https://webservice.fanart.tv"

var errNoTvdbId = errors.New("show has no tvdb id")

// FanartClient reads show artwork from the Fanart.tv API.
type FanartClient struct {
	http   *resty.Client
	apiKey string
}

var _ Artwork = (*FanartClient)(nil)

func NewFanartClient(baseURL, apiKey string) *FanartClient {
	if baseURL == "" {
		baseURL = DefaultFanartURL
	}

	return &FanartClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second),
		apiKey: apiKey,
	}
}

type fanartImage struct {
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

type fanartShow struct {
	Posters     []fanartImage `json:"tvposter"`
	Backgrounds []fanartImage `json:"showbackground"`
	Logos       []fanartImage `json:"hdtvlogo"`
}

// ShowImages returns the first poster, background and logo of the show.
func (c *FanartClient) ShowImages(ctx context.Context, s types.Show) (types.Images, error) {
	if s.TvdbId == 0 {
		return types.Images{}, errNoTvdbId
	}

	var result fanartShow
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("tvdb", strconv.Itoa(s.TvdbId)).
		SetQueryParam("api_key", c.apiKey).
		SetResult(&result).
		Get("/v3/tv/{tvdb}")
	if err != nil {
		return types.Images{}, fmt.Errorf("query fanart images: %w", err)
	}
	if resp.IsError() {
		return types.Images{}, fmt.Errorf("fanart images error (status %d): %s", resp.StatusCode(), resp.String())
	}

	return types.Images{
		Poster:     first(result.Posters),
		Background: first(result.Backgrounds),
		Logo:       first(result.Logos),
	}, nil
}

func first(images []fanartImage) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
