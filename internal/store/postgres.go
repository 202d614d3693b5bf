package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"autopilot-orchestrator/internal/models"
)

const uniqueViolation = "23505"

const jobColumns = `id, organization_id, project_id, type, status, idempotency_key, payload, attempt, retry_of, created_at, updated_at`

// Postgres wraps pgxpool for ledger persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Postgres{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Admit runs the idempotency decision and insert in a single transaction.
// A transaction-scoped advisory lock serializes callers sharing a key; the
// partial unique index on active rows catches anything that slips past it.
func (s *Postgres) Admit(ctx context.Context, p AdmitParams) (models.Job, bool, error) {
	if p.Now.IsZero() {
		p.Now = s.now()
	}
	if p.Attempt == 0 {
		p.Attempt = 1
	}
	payload := []byte(p.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			lockKey(p.OrganizationID, string(p.Type), p.IdempotencyKey)); err != nil {
			return models.Job{}, false, errors.Wrap(err, "acquire idempotency lock")
		}
		existing, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE organization_id = $1 AND type = $2 AND idempotency_key = $3
			ORDER BY created_at DESC LIMIT 1
		`, p.OrganizationID, p.Type, p.IdempotencyKey))
		switch {
		case err == nil:
			if models.ReuseExisting(existing, p.Now, p.TTL) {
				if err := tx.Commit(ctx); err != nil {
					return models.Job{}, false, errors.Wrap(err, "commit")
				}
				return existing, false, nil
			}
		case !errors.Is(err, ErrNotFound):
			return models.Job{}, false, err
		}
	}

	job := models.Job{
		ID:             uuid.New().String(),
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		Status:         models.StatusPending,
		IdempotencyKey: models.StrPtr(p.IdempotencyKey),
		Payload:        payload,
		Attempt:        p.Attempt,
		RetryOf:        p.RetryOf,
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.OrganizationID, job.ProjectID, job.Type, job.Status, job.IdempotencyKey, payload, job.Attempt, job.RetryOf, p.Now)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && p.IdempotencyKey != "" {
			// Lost a race the lock should have prevented; hand back the winner.
			_ = tx.Rollback(ctx)
			existing, findErr := s.findActive(ctx, p.OrganizationID, p.Type, p.IdempotencyKey)
			if findErr != nil {
				return models.Job{}, false, errors.Wrap(findErr, "idempotency conflict but no active job found")
			}
			return existing, false, nil
		}
		return models.Job{}, false, errors.Wrap(err, "insert job")
	}
	return job, true, nil
}

func (s *Postgres) findActive(ctx context.Context, org string, t models.JobType, key string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE organization_id = $1 AND type = $2 AND idempotency_key = $3 AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC LIMIT 1
	`, org, t, key))
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// Transition applies a legal status move and appends the matching run.
func (s *Postgres) Transition(ctx context.Context, id string, to models.JobStatus, message string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	var from models.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return models.Job{}, errors.Wrap(err, "lock job")
	}
	if err := models.CheckTransition(from, to); err != nil {
		return models.Job{}, err
	}

	now := s.now()
	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+jobColumns, id, to, now))
	if err != nil {
		return models.Job{}, errors.Wrap(err, "update job status")
	}
	if err := insertRun(ctx, tx, id, to, message, now); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, errors.Wrap(err, "commit")
	}
	return job, nil
}

// AppendRun adds a history row without touching the job status.
func (s *Postgres) AppendRun(ctx context.Context, id string, status models.JobStatus, message string) error {
	return insertRun(ctx, s.pool, id, status, message, s.now())
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRun(ctx context.Context, db execer, jobID string, status models.JobStatus, message string, at time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), jobID, status, message, at)
	if err != nil {
		return errors.Wrap(err, "insert job run")
	}
	return nil
}

// ListRuns returns a job's history oldest first.
func (s *Postgres) ListRuns(ctx context.Context, id string) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, status, message, created_at FROM job_runs
		WHERE job_id = $1 ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query job runs")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobRun, error) {
		var r models.JobRun
		err := row.Scan(&r.ID, &r.JobID, &r.Status, &r.Message, &r.CreatedAt)
		return r, err
	})
}

// CountActive counts a tenant's pending and in-progress jobs.
func (s *Postgres) CountActive(ctx context.Context, tenant string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE organization_id = $1 AND status IN ('pending', 'in_progress')
	`, tenant).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count active jobs")
	}
	return n, nil
}

// Touch stamps the heartbeat of an in-progress job.
func (s *Postgres) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $2 WHERE id = $1 AND status = 'in_progress'
	`, id, s.now())
	if err != nil {
		return errors.Wrap(err, "touch job")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return errors.Wrap(err, "touch job")
		}
		if !exists {
			return errors.Wrapf(ErrNotFound, "job %s", id)
		}
	}
	return nil
}

// ListStuck returns in-progress jobs whose latest run and heartbeat both
// predate the cutoff. GREATEST ignores a NULL heartbeat.
func (s *Postgres) ListStuck(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'in_progress'
		  AND GREATEST((SELECT MAX(r.created_at) FROM job_runs r WHERE r.job_id = j.id), j.updated_at, j.heartbeat_at) < $1
		ORDER BY j.updated_at LIMIT $2
	`, before, limit)
}

// ListPendingBefore returns pending jobs created before the cutoff.
func (s *Postgres) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, before, limit)
}

func (s *Postgres) queryJobs(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

// SumUsage totals a metric since the window start.
func (s *Postgres) SumUsage(ctx context.Context, tenant string, metric models.Metric, since time.Time) (int64, error) {
	return sumUsage(ctx, s.pool, tenant, metric, since)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumUsage(ctx context.Context, db queryRower, tenant string, metric models.Metric, since time.Time) (int64, error) {
	var total int64
	if err := db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM usage_logs
		WHERE organization_id = $1 AND metric = $2 AND created_at >= $3
	`, tenant, metric, since).Scan(&total); err != nil {
		return 0, errors.Wrap(err, "sum usage")
	}
	return total, nil
}

// LogUsage appends a usage entry.
func (s *Postgres) LogUsage(ctx context.Context, e models.UsageEntry) error {
	return insertUsage(ctx, s.pool, s.fillUsage(e))
}

// ReserveUsage checks and appends under a per-tenant-metric advisory lock.
func (s *Postgres) ReserveUsage(ctx context.Context, e models.UsageEntry, limit int64, since time.Time) (int64, bool, error) {
	e = s.fillUsage(e)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		lockKey("usage", e.OrganizationID, string(e.Metric))); err != nil {
		return 0, false, errors.Wrap(err, "acquire usage lock")
	}
	used, err := sumUsage(ctx, tx, e.OrganizationID, e.Metric, since)
	if err != nil {
		return 0, false, err
	}
	if used+e.Amount > limit {
		return used, false, nil
	}
	if err := insertUsage(ctx, tx, e); err != nil {
		return used, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return used, false, errors.Wrap(err, "commit")
	}
	return used + e.Amount, true, nil
}

func (s *Postgres) fillUsage(e models.UsageEntry) models.UsageEntry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	return e
}

func insertUsage(ctx context.Context, db execer, e models.UsageEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO usage_logs (id, organization_id, metric, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.OrganizationID, e.Metric, e.Amount, e.CreatedAt)
	return errors.Wrap(err, "insert usage")
}

const assetColumns = `id, organization_id, project_id, plan_id, status, video_uri, thumbnail_uri, transcript, translated_transcript, translated_language, publish_id, created_at, updated_at`

// GetAsset fetches an asset by id.
func (s *Postgres) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	return scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
}

// FindAssetByPlan returns the asset already rendered for a plan.
func (s *Postgres) FindAssetByPlan(ctx context.Context, tenant, planID string) (models.Asset, error) {
	return scanAsset(s.pool.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM assets WHERE organization_id = $1 AND plan_id = $2
	`, tenant, planID))
}

// SaveAsset inserts or updates an asset, assigning an id when missing.
func (s *Postgres) SaveAsset(ctx context.Context, a models.Asset) (models.Asset, error) {
	now := s.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			video_uri = EXCLUDED.video_uri,
			thumbnail_uri = EXCLUDED.thumbnail_uri,
			transcript = EXCLUDED.transcript,
			translated_transcript = EXCLUDED.translated_transcript,
			translated_language = EXCLUDED.translated_language,
			publish_id = EXCLUDED.publish_id,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.OrganizationID, a.ProjectID, a.PlanID, a.Status, a.VideoURI, a.ThumbnailURI,
		a.Transcript, a.TranslatedTranscript, a.TranslatedLanguage, a.PublishID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return models.Asset{}, errors.Wrap(err, "save asset")
	}
	return a, nil
}

// ListAssetsAwaitingPublish returns a tenant's assets whose publish has not settled.
func (s *Postgres) ListAssetsAwaitingPublish(ctx context.Context, tenant string) ([]models.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE organization_id = $1 AND publish_id IS NOT NULL
		ORDER BY updated_at
	`, tenant)
	if err != nil {
		return nil, errors.Wrap(err, "query assets")
	}
	defer rows.Close()
	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		if a.AwaitingPublish() {
			out = append(out, a)
		}
	}
	return out, errors.Wrap(rows.Err(), "iterate assets")
}

// GetCredential returns the tenant's platform credential.
func (s *Postgres) GetCredential(ctx context.Context, tenant string) (models.Credential, error) {
	var c models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT organization_id, open_id, access_token, refresh_token, expires_at
		FROM credentials WHERE organization_id = $1
	`, tenant).Scan(&c.OrganizationID, &c.OpenID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, errors.Wrapf(ErrNotFound, "credential for %s", tenant)
	}
	return c, errors.Wrap(err, "scan credential")
}

// SaveCredential upserts the tenant's credential.
func (s *Postgres) SaveCredential(ctx context.Context, c models.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (organization_id, open_id, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			open_id = EXCLUDED.open_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at
	`, c.OrganizationID, c.OpenID, c.AccessToken, c.RefreshToken, c.ExpiresAt)
	return errors.Wrap(err, "save credential")
}

// ListCredentials returns every connected tenant.
func (s *Postgres) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, open_id, access_token, refresh_token, expires_at
		FROM credentials ORDER BY organization_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query credentials")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Credential, error) {
		var c models.Credential
		err := row.Scan(&c.OrganizationID, &c.OpenID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt)
		return c, err
	})
}

// SaveVideoMetrics bulk-inserts metric observations.
func (s *Postgres) SaveVideoMetrics(ctx context.Context, ms []models.VideoMetric) error {
	if len(ms) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"video_metrics"},
		[]string{"organization_id", "project_id", "video_id", "views", "likes", "comments", "shares", "recorded_at"},
		pgx.CopyFromSlice(len(ms), func(i int) ([]any, error) {
			m := ms[i]
			return []any{m.OrganizationID, m.ProjectID, m.VideoID, m.Views, m.Likes, m.Comments, m.Shares, m.RecordedAt}, nil
		}),
	)
	return errors.Wrap(err, "copy video metrics")
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var project, idem, retryOf pgtype.Text
	var payload []byte
	err := row.Scan(&job.ID, &job.OrganizationID, &project, &job.Type, &job.Status, &idem, &payload,
		&job.Attempt, &retryOf, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errors.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return models.Job{}, errors.Wrap(err, "scan job")
	}
	job.ProjectID = textPtr(project)
	job.IdempotencyKey = textPtr(idem)
	job.RetryOf = textPtr(retryOf)
	job.Payload = payload
	return job, nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	var project, plan, publish pgtype.Text
	err := row.Scan(&a.ID, &a.OrganizationID, &project, &plan, &a.Status, &a.VideoURI, &a.ThumbnailURI,
		&a.Transcript, &a.TranslatedTranscript, &a.TranslatedLanguage, &publish, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, errors.Wrap(ErrNotFound, "asset")
	}
	if err != nil {
		return models.Asset{}, errors.Wrap(err, "scan asset")
	}
	a.ProjectID = textPtr(project)
	a.PlanID = textPtr(plan)
	a.PublishID = textPtr(publish)
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
