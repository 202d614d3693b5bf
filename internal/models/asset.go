package models

import (
	"strings"
	"time"
)

// Asset statuses set by the orchestrator; platform statuses are stored verbatim.
const (
	AssetGenerated = "generated"
	AssetPublished = "published"
)

// Asset is a rendered video and everything derived from it.
type Asset struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id"`
	ProjectID            *string   `json:"project_id,omitempty"`
	PlanID               *string   `json:"plan_id,omitempty"`
	Status               string    `json:"status"`
	VideoURI             string    `json:"video_uri"`
	ThumbnailURI         string    `json:"thumbnail_uri,omitempty"`
	Transcript           string    `json:"transcript,omitempty"`
	TranslatedTranscript string    `json:"translated_transcript,omitempty"`
	TranslatedLanguage   string    `json:"translated_language,omitempty"`
	PublishID            *string   `json:"publish_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AwaitingPublish reports whether the platform still has to settle the publish.
func (a Asset) AwaitingPublish() bool {
	if a.PublishID == nil {
		return false
	}
	switch strings.ToLower(a.Status) {
	case AssetPublished, "pending", "processing", "processing_upload", "processing_download", "send_to_user_inbox":
		return true
	}
	return false
}

// VideoMetric is one observation of a published video's counters.
type VideoMetric struct {
	OrganizationID string    `json:"organization_id"`
	ProjectID      *string   `json:"project_id,omitempty"`
	VideoID        string    `json:"video_id"`
	Views          int64     `json:"views"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Credential holds a tenant's platform tokens. Storage encryption is handled outside this module.
type Credential struct {
	OrganizationID string    `json:"organization_id"`
	OpenID         string    `json:"open_id"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires before now+window.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(window))
}
