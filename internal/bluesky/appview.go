package bluesky

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	// appViewRequestTimeout bounds every AppView call; identity resolution
	// gets a longer budget.
	appViewRequestTimeout  = 5 * time.Second
	identityRequestTimeout = 10 * time.Second

	// GetPostsChunkSize is the AppView limit on app.bsky.feed.getPosts.
	GetPostsChunkSize = 25
)

// AppView reads public data (follows, likers, hydrated posts) from the
// Bluesky AppView. GetPostLikers degrades to an empty result on failure; the
// other methods return the error to the caller.
type AppView struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewAppView creates an AppView client against baseURL.
func NewAppView(baseURL string, logger *slog.Logger) *AppView {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "appview",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &AppView{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: appViewRequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(8), 16),
		breaker:    breaker,
		logger:     logger,
	}
}

// Profile is a minimal actor view.
type Profile struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	FollowersCount int    `json:"followersCount"`
	FollowsCount   int    `json:"followsCount"`
}

// FollowsPage is one page of app.bsky.graph.getFollows.
type FollowsPage struct {
	Follows []Profile `json:"follows"`
	Cursor  string    `json:"cursor"`
}

// GetFollows returns one page of accounts the actor follows.
func (a *AppView) GetFollows(ctx context.Context, actor, cursor string, limit int) (*FollowsPage, error) {
	params := url.Values{"actor": {actor}, "limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var page FollowsPage
	if err := a.get(ctx, "/xrpc/app.bsky.graph.getFollows", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetAllFollows pages through getFollows until exhausted or maxPages is hit.
func (a *AppView) GetAllFollows(ctx context.Context, actor string, maxPages int) ([]Profile, error) {
	var all []Profile
	cursor := ""
	for page := 0; page < maxPages; page++ {
		p, err := a.GetFollows(ctx, actor, cursor, 100)
		if err != nil {
			return all, err
		}
		all = append(all, p.Follows...)
		if p.Cursor == "" || len(p.Follows) == 0 {
			break
		}
		cursor = p.Cursor
	}
	return all, nil
}

// GetProfile returns the actor's profile, including follower counts.
func (a *AppView) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	var profile Profile
	if err := a.get(ctx, "/xrpc/app.bsky.actor.getProfile", url.Values{"actor": {actor}}, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetPostLikers returns the DIDs of actors who liked the post. Failures are
// tolerated: the caller gets an empty slice.
func (a *AppView) GetPostLikers(ctx context.Context, postURI string, limit int) []string {
	params := url.Values{"uri": {postURI}, "limit": {strconv.Itoa(limit)}}
	var resp struct {
		Likes []struct {
			Actor Profile `json:"actor"`
		} `json:"likes"`
	}
	if err := a.get(ctx, "/xrpc/app.bsky.feed.getLikes", params, &resp); err != nil {
		a.logger.Warn("getLikes failed", "uri", postURI, "error", err)
		return nil
	}
	dids := make([]string, 0, len(resp.Likes))
	for _, like := range resp.Likes {
		dids = append(dids, like.Actor.DID)
	}
	return dids
}

// PostView is the subset of a hydrated post view the semantic pipeline needs.
type PostView struct {
	URI       string
	Text      string
	ImageURLs []string
	AltTexts  []string
}

// GetPosts hydrates up to GetPostsChunkSize posts, extracting image URLs and
// alt texts from the embed views.
func (a *AppView) GetPosts(ctx context.Context, uris []string) ([]PostView, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	if len(uris) > GetPostsChunkSize {
		uris = uris[:GetPostsChunkSize]
	}
	params := url.Values{}
	for _, uri := range uris {
		params.Add("uris", uri)
	}
	var resp struct {
		Posts []struct {
			URI    string `json:"uri"`
			Record struct {
				Text string `json:"text"`
			} `json:"record"`
			Embed struct {
				Type   string `json:"$type"`
				Images []struct {
					Fullsize string `json:"fullsize"`
					Alt      string `json:"alt"`
				} `json:"images"`
				Media struct {
					Images []struct {
						Fullsize string `json:"fullsize"`
						Alt      string `json:"alt"`
					} `json:"images"`
				} `json:"media"`
			} `json:"embed"`
		} `json:"posts"`
	}
	if err := a.get(ctx, "/xrpc/app.bsky.feed.getPosts", params, &resp); err != nil {
		return nil, err
	}
	views := make([]PostView, 0, len(resp.Posts))
	for _, p := range resp.Posts {
		view := PostView{URI: p.URI, Text: p.Record.Text}
		images := p.Embed.Images
		if len(images) == 0 {
			images = p.Embed.Media.Images
		}
		for _, img := range images {
			view.ImageURLs = append(view.ImageURLs, img.Fullsize)
			view.AltTexts = append(view.AltTexts, img.Alt)
		}
		views = append(views, view)
	}
	return views, nil
}

// ResolveHandle resolves a handle to a DID with the identity timeout.
func (a *AppView) ResolveHandle(ctx context.Context, handle string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, identityRequestTimeout)
	defer cancel()
	var resp struct {
		DID string `json:"did"`
	}
	if err := a.get(ctx, "/xrpc/com.atproto.identity.resolveHandle", url.Values{"handle": {handle}}, &resp); err != nil {
		return "", err
	}
	return resp.DID, nil
}

func (a *AppView) get(ctx context.Context, path string, params url.Values, result any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := a.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return respBody, nil
	})
	if err != nil {
		return err
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
