package models

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload marks payloads that cannot be decoded or fail validation.
var ErrInvalidPayload = errors.New("invalid job payload")

var validate = validator.New()

// Payload is the typed body of a job; each variant belongs to exactly one JobType.
type Payload interface {
	JobType() JobType
}

type GenerateAssetsPayload struct {
	ProjectID    string `json:"project_id,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	Title        string `json:"title,omitempty" validate:"max=200"`
	Script       string `json:"script,omitempty"`
	CTA          string `json:"cta,omitempty" validate:"max=200"`
	VisualPrompt string `json:"visual_prompt,omitempty"`
	VideoModel   string `json:"video_model,omitempty"`
}

func (GenerateAssetsPayload) JobType() JobType { return JobGenerateAssets }

type PublishNowPayload struct {
	AssetID  string `json:"asset_id" validate:"required"`
	Caption  string `json:"caption,omitempty" validate:"max=2200"`
	UseInbox bool   `json:"use_inbox,omitempty"`
}

func (PublishNowPayload) JobType() JobType { return JobPublishNow }

type PollPublishStatusPayload struct {
	AssetID string `json:"asset_id" validate:"required"`
}

func (PollPublishStatusPayload) JobType() JobType { return JobPollPublishStatus }

type FetchMetricsPayload struct {
	ProjectID string `json:"project_id,omitempty"`
}

func (FetchMetricsPayload) JobType() JobType { return JobFetchMetrics }

type TranscribePayload struct {
	AssetID  string `json:"asset_id" validate:"required"`
	Language string `json:"language,omitempty" validate:"omitempty,min=2,max=10"`
}

func (TranscribePayload) JobType() JobType { return JobTranscribe }

type TranslatePayload struct {
	AssetID        string `json:"asset_id" validate:"required"`
	TargetLanguage string `json:"target_language" validate:"required,min=2,max=10"`
}

func (TranslatePayload) JobType() JobType { return JobTranslate }

// RefreshTokensPayload refreshes credentials expiring within the window.
// A zero window means "refresh unconditionally".
type RefreshTokensPayload struct {
	ExpiringWithin time.Duration `json:"expiring_within,omitempty" validate:"gte=0"`
}

func (RefreshTokensPayload) JobType() JobType { return JobRefreshTokens }

// NewPayload returns an empty variant for the job type.
func NewPayload(t JobType) (Payload, error) {
	switch t {
	case JobGenerateAssets:
		return &GenerateAssetsPayload{}, nil
	case JobPublishNow:
		return &PublishNowPayload{}, nil
	case JobPollPublishStatus:
		return &PollPublishStatusPayload{}, nil
	case JobFetchMetrics:
		return &FetchMetricsPayload{}, nil
	case JobTranscribe:
		return &TranscribePayload{}, nil
	case JobTranslate:
		return &TranslatePayload{}, nil
	case JobRefreshTokens:
		return &RefreshTokensPayload{}, nil
	}
	return nil, errors.Mark(errors.Newf("unknown job type %q", t), ErrInvalidPayload)
}

// ValidatePayload runs struct validation on a payload variant.
func ValidatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s payload", p.JobType()), ErrInvalidPayload)
	}
	return nil
}

// EncodePayload validates and serializes a payload variant.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return raw, nil
}

// DecodePayload parses and validates raw JSON as the variant for t.
// An empty body decodes to the zero variant before validation.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s payload", t), ErrInvalidPayload)
		}
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}
