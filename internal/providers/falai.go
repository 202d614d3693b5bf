package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autopilot-orchestrator/internal/retry"
)

type FalAIConfig struct {
	APIKey       string
	BaseURL      string
	VideoModel   string
	ASRModel     string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
}

// FalAI renders videos and transcribes audio on fal.run.
type FalAI struct {
	apiKey       string
	baseURL      string
	videoModel   string
	asrModel     string
	pollInterval time.Duration
	maxPolls     int
	httpClient   *http.Client
}

func NewFalAI(cfg FalAIConfig) *FalAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fal.run"
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = "fal-ai/kling-video/v2.6/pro/text-to-video"
	}
	if cfg.ASRModel == "" {
		cfg.ASRModel = "fal-ai/whisper"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &FalAI{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		videoModel:   cfg.VideoModel,
		asrModel:     cfg.ASRModel,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
		httpClient:   newHTTPClient(cfg.HTTPClient, cfg.Timeout),
	}
}

func (c *FalAI) Available() bool {
	return c != nil && c.apiKey != ""
}

// RenderRequest describes a text-to-video render.
type RenderRequest struct {
	Prompt   string
	Model    string
	Duration int
}

// RenderResult points at the rendered files on fal's CDN.
type RenderResult struct {
	VideoURL     string
	ThumbnailURL string
}

type falFile struct {
	URL string `json:"url"`
}

type falRenderResponse struct {
	Video     *falFile `json:"video"`
	VideoURL  string   `json:"video_url"`
	URL       string   `json:"url"`
	Thumbnail *falFile `json:"thumbnail"`
	RequestID string   `json:"request_id"`
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Error     string   `json:"error"`
}

func (r falRenderResponse) videoURL() string {
	if r.Video != nil && r.Video.URL != "" {
		return r.Video.URL
	}
	if r.VideoURL != "" {
		return r.VideoURL
	}
	return r.URL
}

func (r falRenderResponse) result() RenderResult {
	out := RenderResult{VideoURL: r.videoURL()}
	if r.Thumbnail != nil {
		out.ThumbnailURL = r.Thumbnail.URL
	}
	return out
}

// RenderVideo starts a render and polls until a video URL is available.
func (c *FalAI) RenderVideo(ctx context.Context, in RenderRequest) (RenderResult, error) {
	if !c.Available() {
		return RenderResult{}, errors.Wrap(ErrNotConfigured, "fal.ai")
	}
	model := in.Model
	if model == "" {
		model = c.videoModel
	}
	duration := in.Duration
	if duration <= 0 || duration > 10 {
		duration = 10
	}
	var out falRenderResponse
	if err := c.postJSON(ctx, c.baseURL+"/"+model, map[string]any{
		"prompt":       in.Prompt,
		"duration":     duration,
		"aspect_ratio": "9:16",
	}, &out); err != nil {
		return RenderResult{}, err
	}
	if out.videoURL() != "" {
		return out.result(), nil
	}
	requestID := out.RequestID
	if requestID == "" {
		requestID = out.ID
	}
	if requestID == "" {
		return RenderResult{}, retry.Permanent(errors.New("fal.ai returned neither a video nor a request id"))
	}
	return c.pollRender(ctx, model, requestID)
}

func (c *FalAI) pollRender(ctx context.Context, model, requestID string) (RenderResult, error) {
	statusURL := c.baseURL + "/" + model + "/status/" + requestID
	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return RenderResult{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		var st falRenderResponse
		err := c.getJSON(ctx, statusURL, &st)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			continue
		}
		if err != nil {
			return RenderResult{}, err
		}
		switch st.Status {
		case "completed", "COMPLETED":
			if st.videoURL() != "" {
				return st.result(), nil
			}
		case "failed", "FAILED":
			return RenderResult{}, retry.Permanent(errors.Newf("fal.ai render failed: %s", st.Error))
		}
	}
	return RenderResult{}, errors.Wrapf(context.DeadlineExceeded, "fal.ai render %s still pending after %d polls", requestID, c.maxPolls)
}

// Transcript is the ASR output.
type Transcript struct {
	Text     string
	Duration time.Duration
}

// Minutes rounds the audio duration up to whole minutes, at least one.
func (t Transcript) Minutes() int64 {
	m := int64(math.Ceil(t.Duration.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

type falASRResponse struct {
	Text   string `json:"text"`
	Chunks []struct {
		Timestamp []float64 `json:"timestamp"`
	} `json:"chunks"`
}

// Transcribe runs speech recognition over a public media URL.
func (c *FalAI) Transcribe(ctx context.Context, mediaURL, language string) (Transcript, error) {
	if !c.Available() {
		return Transcript{}, errors.Wrap(ErrNotConfigured, "fal.ai")
	}
	body := map[string]any{"audio_url": mediaURL, "task": "transcribe"}
	if language != "" {
		body["language"] = language
	}
	var out falASRResponse
	if err := c.postJSON(ctx, c.baseURL+"/"+c.asrModel, body, &out); err != nil {
		return Transcript{}, err
	}
	var end float64
	for _, ch := range out.Chunks {
		if n := len(ch.Timestamp); n > 0 && ch.Timestamp[n-1] > end {
			end = ch.Timestamp[n-1]
		}
	}
	return Transcript{Text: strings.TrimSpace(out.Text), Duration: time.Duration(end * float64(time.Second))}, nil
}

// Download fetches a rendered file.
func (c *FalAI) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download render")
	}
	defer resp.Body.Close()
	if err := checkResponse("fal.ai", resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrap(err, "read render")
}

func (c *FalAI) postJSON(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal fal.ai payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "create fal.ai request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *FalAI) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "create fal.ai request")
	}
	return c.do(req, out)
}

func (c *FalAI) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Key "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "fal.ai transport")
	}
	return decodeJSON("fal.ai", resp, out)
}
