package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/providers"
	"autopilot-orchestrator/internal/retry"
	"autopilot-orchestrator/internal/store"
)

const (
	videoFile     = "final.mp4"
	thumbnailFile = "thumbnail.jpg"
	bytesPerMB    = 1024 * 1024
	renderSeconds = 10
)

// storageMB rounds up to whole megabytes, at least one.
func storageMB(n int) int64 {
	mb := int64(math.Ceil(float64(n) / bytesPerMB))
	if mb < 1 {
		return 1
	}
	return mb
}

// postSlug names a post's blob folder: the plan when there is one, otherwise a
// digest of the key the job's first attempt was admitted under, so every
// attempt of the same work shares a folder and different keys never do.
func postSlug(job models.Job, planID string) string {
	if planID != "" {
		return planID
	}
	base := job.BaseKey()
	if base == "" {
		base = job.ID
	}
	sum := sha256.Sum256([]byte(base))
	return "adhoc-" + hex.EncodeToString(sum[:16])
}

func (o *Orchestrator) generateAssets(ctx context.Context, job models.Job, p *models.GenerateAssetsPayload) (Result, error) {
	tenant := job.OrganizationID
	project := p.ProjectID
	if project == "" && job.ProjectID != nil {
		project = *job.ProjectID
	}
	prefix := TenantPrefix(tenant, project, postSlug(job, p.PlanID))
	videoKey := prefix + "/" + videoFile
	thumbKey := prefix + "/" + thumbnailFile

	var (
		asset    models.Asset
		script   Script
		render   providers.RenderResult
		videoURI string
		thumbURI string
		rendered bool
	)

	stages := []stage{
		{"reuse-existing-asset", func(ctx context.Context) error {
			if p.PlanID == "" {
				return nil
			}
			existing, err := o.deps.Store.FindAssetByPlan(ctx, tenant, p.PlanID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if existing.VideoURI == "" {
				return nil
			}
			asset = existing
			return errDone
		}},
		{"derive-script", func(ctx context.Context) error {
			s, err := o.deriveScript(ctx, tenant, p)
			script = s
			return err
		}},
		{"render-video", func(ctx context.Context) error {
			uri, ok, err := o.deps.Blobs.Exists(ctx, videoKey)
			if err != nil {
				return err
			}
			if ok {
				videoURI = uri
				o.log.Infow("reusing stored video", "job_id", job.ID, "key", videoKey)
				return nil
			}
			if o.deps.Media == nil || !o.deps.Media.Available() {
				return retry.Permanent(errors.Wrap(providers.ErrNotConfigured, "no video renderer"))
			}
			if err := o.throttle(ctx, tenant, OpFalAI); err != nil {
				return err
			}
			res, err := retry.Do(ctx, o.deps.Executors.FalAI, func(ctx context.Context) (providers.RenderResult, error) {
				return o.deps.Media.RenderVideo(ctx, providers.RenderRequest{
					Prompt:   visualPrompt(p.VisualPrompt, script),
					Model:    p.VideoModel,
					Duration: renderSeconds,
				})
			})
			render = res
			rendered = err == nil
			return err
		}},
		{"persist-to-storage", func(ctx context.Context) error {
			if rendered {
				video, err := retry.Do(ctx, o.deps.Executors.FalAI, func(ctx context.Context) ([]byte, error) {
					return o.deps.Media.Download(ctx, render.VideoURL)
				})
				if err != nil {
					return errors.Wrap(err, "download video")
				}
				videoURI, err = o.deps.Blobs.Put(ctx, videoKey, video, "video/mp4")
				if err != nil {
					return errors.Wrap(err, "store video")
				}
				o.logUsage(ctx, tenant, models.MetricStorageMB, storageMB(len(video)))
			}
			uri, ok, err := o.deps.Blobs.Exists(ctx, thumbKey)
			if err != nil {
				return err
			}
			if ok {
				thumbURI = uri
				return nil
			}
			thumb := o.thumbnail(ctx, job, render.ThumbnailURL)
			if thumb == nil {
				return nil
			}
			thumbURI, err = o.deps.Blobs.Put(ctx, thumbKey, thumb, "image/jpeg")
			return errors.Wrap(err, "store thumbnail")
		}},
		{"record-asset", func(ctx context.Context) error {
			saved, err := o.deps.Store.SaveAsset(ctx, models.Asset{
				OrganizationID: tenant,
				ProjectID:      models.StrPtr(project),
				PlanID:         models.StrPtr(p.PlanID),
				Status:         models.AssetGenerated,
				VideoURI:       videoURI,
				ThumbnailURI:   thumbURI,
			})
			asset = saved
			return err
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: asset.ID}, nil
}

// deriveScript prefers the plan's own script, then the model, then the rule-based one.
// Only generated scripts are policy checked.
func (o *Orchestrator) deriveScript(ctx context.Context, tenant string, p *models.GenerateAssetsPayload) (Script, error) {
	if strings.TrimSpace(p.Script) != "" {
		return Script{Title: p.Title, Script: p.Script, CTA: p.CTA, Confidence: 0.9, Rationale: "plan"}, nil
	}
	slot := "ad-hoc post"
	if p.PlanID != "" {
		slot = "plan " + p.PlanID
	}
	s := ruleBasedScript(p.Title, slot)
	if o.deps.LLM != nil && o.deps.LLM.Available() {
		if err := o.throttle(ctx, tenant, OpOpenRouter); err != nil {
			return Script{}, err
		}
		reply, err := retry.Do(ctx, o.deps.Executors.OpenRouter, func(ctx context.Context) (string, error) {
			return o.deps.LLM.Complete(ctx, scriptSystemPrompt, scriptPrompt(p.Title, slot))
		})
		switch {
		case err == nil:
			s = parseScript(reply)
		case ctx.Err() != nil:
			return Script{}, err
		default:
			o.log.Warnw("script model unavailable, using rule-based script", "tenant", tenant, "error", err)
		}
	}
	if p.CTA != "" {
		s.CTA = p.CTA
	}
	return s, o.policy.Check(s.Script, s.CTA)
}

// thumbnail normalizes the renderer's preview, falling back to a poster frame.
func (o *Orchestrator) thumbnail(ctx context.Context, job models.Job, url string) []byte {
	if url != "" && o.deps.Media != nil {
		raw, err := o.deps.Media.Download(ctx, url)
		if err == nil {
			var out []byte
			if out, err = providers.NormalizeThumbnail(raw, o.thumbW, o.thumbH); err == nil {
				return out
			}
		}
		o.log.Warnw("thumbnail unusable, writing poster frame", "job_id", job.ID, "error", err)
	}
	out, err := providers.PosterFrame(o.thumbW, o.thumbH)
	if err != nil {
		o.log.Warnw("poster frame failed", "job_id", job.ID, "error", err)
		return nil
	}
	return out
}

// PublishIdempotencyKey is sent with every upload of an asset.
func PublishIdempotencyKey(assetID string) string {
	return "pub-" + assetID
}

func (o *Orchestrator) publishNow(ctx context.Context, job models.Job, p *models.PublishNowPayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		asset models.Asset
		cred  models.Credential
		video []byte
	)
	stages := []stage{
		{"load-asset", func(ctx context.Context) error {
			a, err := o.loadAsset(ctx, tenant, p.AssetID)
			asset = a
			if err == nil && a.PublishID != nil {
				return errDone
			}
			return err
		}},
		{"credentials", func(ctx context.Context) error {
			c, err := o.credentials(ctx, tenant)
			cred = c
			return err
		}},
		{"read-video", func(ctx context.Context) error {
			data, err := o.deps.Blobs.Read(ctx, asset.VideoURI)
			video = data
			return err
		}},
		{"rate-limit", func(ctx context.Context) error {
			return o.throttle(ctx, tenant, OpTikTokPublish)
		}},
		{"publish", func(ctx context.Context) error {
			caption := p.Caption
			if caption == "" {
				caption = "Auto-post"
			}
			id, err := retry.Do(ctx, o.deps.Executors.TikTok, func(ctx context.Context) (string, error) {
				return o.deps.Platform.Publish(ctx, providers.PublishRequest{
					AccessToken:    cred.AccessToken,
					OpenID:         cred.OpenID,
					Video:          video,
					FileName:       videoFile,
					Caption:        caption,
					Inbox:          p.UseInbox,
					IdempotencyKey: PublishIdempotencyKey(asset.ID),
				})
			})
			if err != nil {
				return err
			}
			asset.PublishID = &id
			return nil
		}},
		{"record-publish", func(ctx context.Context) error {
			asset.Status = models.AssetPublished
			saved, err := o.deps.Store.SaveAsset(ctx, asset)
			asset = saved
			return err
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{
		Ref: *asset.PublishID,
		FollowUps: []FollowUp{{
			Type:           models.JobPollPublishStatus,
			IdempotencyKey: fmt.Sprintf("poll:%s:%s", asset.ID, *asset.PublishID),
			Payload:        &models.PollPublishStatusPayload{AssetID: asset.ID},
		}},
	}, nil
}

func (o *Orchestrator) pollPublishStatus(ctx context.Context, job models.Job, p *models.PollPublishStatusPayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		asset  models.Asset
		cred   models.Credential
		status string
	)
	stages := []stage{
		{"load-asset", func(ctx context.Context) error {
			a, err := o.loadAsset(ctx, tenant, p.AssetID)
			if err == nil && a.PublishID == nil {
				return retry.Permanent(errors.Newf("asset %s has not been published", a.ID))
			}
			asset = a
			return err
		}},
		{"credentials", func(ctx context.Context) error {
			c, err := o.credentials(ctx, tenant)
			cred = c
			return err
		}},
		{"rate-limit", func(ctx context.Context) error {
			return o.throttle(ctx, tenant, OpTikTokRead)
		}},
		{"query-status", func(ctx context.Context) error {
			s, err := retry.Do(ctx, o.deps.Executors.TikTok, func(ctx context.Context) (string, error) {
				return o.deps.Platform.VideoStatus(ctx, cred.AccessToken, cred.OpenID, *asset.PublishID)
			})
			status = s
			return err
		}},
		{"update-asset", func(ctx context.Context) error {
			asset.Status = strings.ToLower(status)
			_, err := o.deps.Store.SaveAsset(ctx, asset)
			return err
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: asset.Status}, nil
}

func (o *Orchestrator) fetchMetrics(ctx context.Context, job models.Job, p *models.FetchMetricsPayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		cred  models.Credential
		stats []providers.VideoStats
	)
	stages := []stage{
		{"credentials", func(ctx context.Context) error {
			c, err := o.credentials(ctx, tenant)
			cred = c
			return err
		}},
		{"rate-limit", func(ctx context.Context) error {
			return o.throttle(ctx, tenant, OpTikTokRead)
		}},
		{"list-videos", func(ctx context.Context) error {
			s, err := retry.Do(ctx, o.deps.Executors.TikTok, func(ctx context.Context) ([]providers.VideoStats, error) {
				return o.deps.Platform.ListVideos(ctx, cred.AccessToken, cred.OpenID)
			})
			stats = s
			return err
		}},
		{"record-metrics", func(ctx context.Context) error {
			now := o.now()
			ms := make([]models.VideoMetric, 0, len(stats))
			for _, s := range stats {
				ms = append(ms, models.VideoMetric{
					OrganizationID: tenant,
					ProjectID:      models.StrPtr(p.ProjectID),
					VideoID:        s.ID,
					Views:          s.Views,
					Likes:          s.Likes,
					Comments:       s.Comments,
					Shares:         s.Shares,
					RecordedAt:     now,
				})
			}
			return o.deps.Store.SaveVideoMetrics(ctx, ms)
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: fmt.Sprintf("%d videos", len(stats))}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, job models.Job, p *models.TranscribePayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		asset models.Asset
		tr    providers.Transcript
	)
	stages := []stage{
		{"load-asset", func(ctx context.Context) error {
			a, err := o.loadAsset(ctx, tenant, p.AssetID)
			asset = a
			return err
		}},
		{"transcribe", func(ctx context.Context) error {
			if o.deps.Media == nil || !o.deps.Media.Available() {
				return retry.Permanent(errors.Wrap(providers.ErrNotConfigured, "no speech recognizer"))
			}
			if err := o.throttle(ctx, tenant, OpFalAI); err != nil {
				return err
			}
			out, err := retry.Do(ctx, o.deps.Executors.FalAI, func(ctx context.Context) (providers.Transcript, error) {
				return o.deps.Media.Transcribe(ctx, asset.VideoURI, p.Language)
			})
			tr = out
			return err
		}},
		{"save-transcript", func(ctx context.Context) error {
			asset.Transcript = tr.Text
			_, err := o.deps.Store.SaveAsset(ctx, asset)
			if err == nil {
				o.logUsage(ctx, tenant, models.MetricASRMinutes, tr.Minutes())
			}
			return err
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: asset.ID}, nil
}

func translationPrompt(text, lang string) string {
	return "Translate the following transcript into " + lang + ". Reply with the translation only.\n\n" + text
}

func (o *Orchestrator) translate(ctx context.Context, job models.Job, p *models.TranslatePayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		asset      models.Asset
		translated string
	)
	stages := []stage{
		{"load-asset", func(ctx context.Context) error {
			a, err := o.loadAsset(ctx, tenant, p.AssetID)
			if err == nil && strings.TrimSpace(a.Transcript) == "" {
				return retry.Permanent(errors.Newf("asset %s has no transcript", a.ID))
			}
			asset = a
			return err
		}},
		{"translate", func(ctx context.Context) error {
			if o.deps.LLM == nil || !o.deps.LLM.Available() {
				return retry.Permanent(errors.Wrap(providers.ErrNotConfigured, "no translation model"))
			}
			if err := o.throttle(ctx, tenant, OpOpenRouter); err != nil {
				return err
			}
			out, err := retry.Do(ctx, o.deps.Executors.OpenRouter, func(ctx context.Context) (string, error) {
				return o.deps.LLM.Complete(ctx, "You are a professional subtitle translator.", translationPrompt(asset.Transcript, p.TargetLanguage))
			})
			translated = out
			return err
		}},
		{"save-translation", func(ctx context.Context) error {
			asset.TranslatedTranscript = translated
			asset.TranslatedLanguage = p.TargetLanguage
			_, err := o.deps.Store.SaveAsset(ctx, asset)
			return err
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: asset.ID}, nil
}

func (o *Orchestrator) refreshTokens(ctx context.Context, job models.Job, p *models.RefreshTokensPayload) (Result, error) {
	tenant := job.OrganizationID
	var (
		cred models.Credential
		ref  = "not expiring"
	)
	stages := []stage{
		{"credentials", func(ctx context.Context) error {
			c, err := o.credentials(ctx, tenant)
			cred = c
			if err == nil && p.ExpiringWithin > 0 && !c.ExpiresWithin(o.now(), p.ExpiringWithin) {
				return errDone
			}
			return err
		}},
		{"rate-limit", func(ctx context.Context) error {
			return o.throttle(ctx, tenant, OpTikTokAuth)
		}},
		{"refresh", func(ctx context.Context) error {
			tok, err := retry.Do(ctx, o.deps.Executors.TikTok, func(ctx context.Context) (providers.Token, error) {
				return o.deps.Platform.Refresh(ctx, cred.RefreshToken)
			})
			if err != nil {
				return err
			}
			cred.AccessToken = tok.AccessToken
			if tok.RefreshToken != "" {
				cred.RefreshToken = tok.RefreshToken
			}
			cred.ExpiresAt = o.now().Add(tok.ExpiresIn)
			return nil
		}},
		{"save-credentials", func(ctx context.Context) error {
			ref = "refreshed until " + cred.ExpiresAt.UTC().Format(time.RFC3339)
			return o.deps.Store.SaveCredential(ctx, cred)
		}},
	}
	if err := o.runStages(ctx, job, stages); err != nil {
		return Result{}, err
	}
	return Result{Ref: ref}, nil
}
