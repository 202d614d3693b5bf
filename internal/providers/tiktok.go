package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// IdempotencyHeader makes repeated uploads with the same id a no-op on TikTok's side.
const IdempotencyHeader = "X-Tt-Idempotency-Id"

type TikTokConfig struct {
	BaseURL      string
	ClientKey    string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// TikTok is a client for the content posting and display APIs.
type TikTok struct {
	base         string
	clientKey    string
	clientSecret string
	httpClient   *http.Client
}

func NewTikTok(cfg TikTokConfig) *TikTok {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://open.tiktokapis.com"
	}
	return &TikTok{
		base:         strings.TrimSuffix(cfg.BaseURL, "/"),
		clientKey:    cfg.ClientKey,
		clientSecret: cfg.ClientSecret,
		httpClient:   newHTTPClient(cfg.HTTPClient, cfg.Timeout),
	}
}

// PublishRequest uploads a video on behalf of a connected account.
type PublishRequest struct {
	AccessToken    string
	OpenID         string
	Video          []byte
	FileName       string
	Caption        string
	Inbox          bool
	IdempotencyKey string
}

type tiktokEnvelope[T any] struct {
	Data  T `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e tiktokEnvelope[T]) err() error {
	if e.Error.Code == "" || e.Error.Code == "ok" {
		return nil
	}
	return errors.Newf("tiktok error %s: %s", e.Error.Code, e.Error.Message)
}

// Publish uploads the video and returns the platform publish id.
func (c *TikTok) Publish(ctx context.Context, in PublishRequest) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fields := map[string]string{
		"access_token": in.AccessToken,
		"open_id":      in.OpenID,
		"text":         in.Caption,
		"is_aigc":      "true",
	}
	if in.Inbox {
		fields["post_mode"] = "inbox"
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", errors.Wrap(err, "write form field")
		}
	}
	name := in.FileName
	if name == "" {
		name = "video.mp4"
	}
	part, err := mw.CreateFormFile("video", name)
	if err != nil {
		return "", errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(in.Video); err != nil {
		return "", errors.Wrap(err, "write video")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "close multipart")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/video/upload/", body)
	if err != nil {
		return "", errors.Wrap(err, "create upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if in.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, in.IdempotencyKey)
	}

	var out tiktokEnvelope[struct {
		PublishID string `json:"publish_id"`
		VideoID   string `json:"video_id"`
	}]
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	id := out.Data.PublishID
	if id == "" {
		id = out.Data.VideoID
	}
	if id == "" {
		return "", errors.New("tiktok upload response without publish id")
	}
	return id, nil
}

// VideoStatus returns the platform status for a published video.
func (c *TikTok) VideoStatus(ctx context.Context, accessToken, openID, videoID string) (string, error) {
	q := url.Values{"access_token": {accessToken}, "open_id": {openID}, "video_id": {videoID}}
	var out tiktokEnvelope[struct {
		Status string `json:"status"`
	}]
	if err := c.get(ctx, "/video/query/", q, &out); err != nil {
		return "", err
	}
	if out.Data.Status == "" {
		return "unknown", nil
	}
	return out.Data.Status, nil
}

// VideoStats are the counters reported for one video.
type VideoStats struct {
	ID       string
	Views    int64
	Likes    int64
	Comments int64
	Shares   int64
}

// ListVideos returns the account's videos with statistics.
func (c *TikTok) ListVideos(ctx context.Context, accessToken, openID string) ([]VideoStats, error) {
	q := url.Values{"access_token": {accessToken}, "open_id": {openID}}
	var out tiktokEnvelope[struct {
		Videos []struct {
			ID         string `json:"id"`
			Statistics struct {
				ViewCount    int64 `json:"view_count"`
				LikeCount    int64 `json:"like_count"`
				CommentCount int64 `json:"comment_count"`
				ShareCount   int64 `json:"share_count"`
			} `json:"statistics"`
		} `json:"videos"`
	}]
	if err := c.get(ctx, "/video/list/", q, &out); err != nil {
		return nil, err
	}
	stats := make([]VideoStats, 0, len(out.Data.Videos))
	for _, v := range out.Data.Videos {
		stats = append(stats, VideoStats{
			ID:       v.ID,
			Views:    v.Statistics.ViewCount,
			Likes:    v.Statistics.LikeCount,
			Comments: v.Statistics.CommentCount,
			Shares:   v.Statistics.ShareCount,
		})
	}
	return stats, nil
}

// Token is a refreshed OAuth grant.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Refresh exchanges a refresh token for a new access token.
func (c *TikTok) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if c.clientKey == "" || c.clientSecret == "" {
		return Token{}, errors.Wrap(ErrNotConfigured, "tiktok client credentials")
	}
	form := url.Values{
		"client_key":    {c.clientKey},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/oauth/refresh_token/", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errors.Wrap(err, "create refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out tiktokEnvelope[struct {
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		ExpiresIn    json.Number `json:"expires_in"`
	}]
	if err := c.do(req, &out); err != nil {
		return Token{}, err
	}
	if out.Data.AccessToken == "" {
		return Token{}, errors.New("tiktok refresh response without access token")
	}
	secs, _ := out.Data.ExpiresIn.Int64()
	return Token{
		AccessToken:  out.Data.AccessToken,
		RefreshToken: out.Data.RefreshToken,
		ExpiresIn:    time.Duration(secs) * time.Second,
	}, nil
}

func (c *TikTok) get(ctx context.Context, path string, q url.Values, out interface{ err() error }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "create tiktok request")
	}
	return c.do(req, out)
}

func (c *TikTok) do(req *http.Request, out interface{ err() error }) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "tiktok transport")
	}
	if err := decodeJSON("tiktok", resp, out); err != nil {
		return err
	}
	return out.err()
}
