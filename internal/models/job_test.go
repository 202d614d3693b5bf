package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{StatusPending, StatusInProgress}:   true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
	}
	all := []JobStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			err := CheckTransition(from, to)
			if allowed[[2]JobStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", from, to)
			}
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	_, err := ParseJobType("render_everything")
	require.Error(t, err)
	_, err = ParseJobStatus("queued")
	require.Error(t, err)

	jt, err := ParseJobType("publish_now")
	require.NoError(t, err)
	assert.Equal(t, JobPublishNow, jt)
}

func TestReuseExisting(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour
	cases := []struct {
		name   string
		status JobStatus
		age    time.Duration
		want   bool
	}{
		{"pending fresh", StatusPending, time.Minute, true},
		{"in progress beyond ttl", StatusInProgress, 3 * time.Hour, true},
		{"completed fresh", StatusCompleted, 30 * time.Minute, true},
		{"completed stale", StatusCompleted, 61 * time.Minute, false},
		{"failed fresh", StatusFailed, time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := Job{Status: tc.status, CreatedAt: now.Add(-tc.age)}
			assert.Equal(t, tc.want, ReuseExisting(job, now, ttl))
		})
	}
}

func TestAttemptKeys(t *testing.T) {
	assert.Equal(t, "k", AttemptKey("k", 1))
	assert.Equal(t, "k#4", AttemptKey("k", 4))

	key := func(s string) *string { return &s }
	cases := []struct {
		name string
		job  Job
		want string
	}{
		{"first attempt keeps key", Job{IdempotencyKey: key("a#2"), Attempt: 1}, "a#2"},
		{"own suffix removed", Job{IdempotencyKey: key("a#b#3"), Attempt: 3}, "a#b"},
		{"other suffix kept", Job{IdempotencyKey: key("a#2"), Attempt: 3}, "a#2"},
		{"no key", Job{Attempt: 2}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.job.BaseKey())
		})
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(JobPublishNow, json.RawMessage(`{"asset_id":"a-1","caption":"hi"}`))
	require.NoError(t, err)
	pub, ok := p.(*PublishNowPayload)
	require.True(t, ok)
	assert.Equal(t, "a-1", pub.AssetID)

	_, err = DecodePayload(JobPublishNow, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	_, err = DecodePayload(JobTranslate, json.RawMessage(`{"asset_id":"a","target_language":"x"}`))
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	_, err = DecodePayload(JobType("nope"), nil)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	p, err = DecodePayload(JobFetchMetrics, nil)
	require.NoError(t, err)
	assert.Equal(t, JobFetchMetrics, p.JobType())
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	got := MonthStart(time.Date(2026, 4, 30, 22, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), got)
}
