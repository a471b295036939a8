package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// JobStore keeps the durable history of job runs, one row per job,
// upserted on every state transition.
type JobStore struct {
	pool  dbPool
	table string
}

// NewJobStore constructs a store over an existing pool.
func NewJobStore(pool dbPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "jobs")
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveJob upserts the job snapshot keyed by id.
func (s *JobStore) SaveJob(ctx context.Context, job spider.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	spider,
	keyword,
	max_pages,
	state,
	pages_fetched,
	items_accepted,
	items_rejected,
	items_duplicate,
	errors,
	started_at,
	finished_at,
	error_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	pages_fetched = EXCLUDED.pages_fetched,
	items_accepted = EXCLUDED.items_accepted,
	items_rejected = EXCLUDED.items_rejected,
	items_duplicate = EXCLUDED.items_duplicate,
	errors = EXCLUDED.errors,
	finished_at = EXCLUDED.finished_at,
	error_text = EXCLUDED.error_text`, s.table)

	args := []any{
		job.ID,
		job.Spider,
		job.Keyword,
		job.MaxPages,
		string(job.State),
		job.Counters.PagesFetched,
		job.Counters.ItemsAccepted,
		job.Counters.ItemsRejected,
		job.Counters.ItemsDuplicate,
		job.Counters.Errors,
		job.StartedAt,
		job.FinishedAt,
		job.ErrorText,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (spider.Job, error) {
	query := fmt.Sprintf(`
SELECT
	id,
	spider,
	keyword,
	max_pages,
	state,
	pages_fetched,
	items_accepted,
	items_rejected,
	items_duplicate,
	errors,
	started_at,
	finished_at,
	error_text
FROM %s WHERE id = $1`, s.table)

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.Job{}, spider.ErrJobNotFound
	}
	if err != nil {
		return spider.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by spider.
func (s *JobStore) ListJobs(ctx context.Context, spiderName string, limit int) ([]spider.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		query string
		args  []any
	)
	if spiderName == "" {
		query = fmt.Sprintf(`
SELECT
	id,
	spider,
	keyword,
	max_pages,
	state,
	pages_fetched,
	items_accepted,
	items_rejected,
	items_duplicate,
	errors,
	started_at,
	finished_at,
	error_text
FROM %s ORDER BY started_at DESC LIMIT $1`, s.table)
		args = []any{limit}
	} else {
		query = fmt.Sprintf(`
SELECT
	id,
	spider,
	keyword,
	max_pages,
	state,
	pages_fetched,
	items_accepted,
	items_rejected,
	items_duplicate,
	errors,
	started_at,
	finished_at,
	error_text
FROM %s WHERE spider = $1 ORDER BY started_at DESC LIMIT $2`, s.table)
		args = []any{spiderName, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []spider.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (spider.Job, error) {
	var (
		job   spider.Job
		state string
	)
	err := row.Scan(
		&job.ID,
		&job.Spider,
		&job.Keyword,
		&job.MaxPages,
		&state,
		&job.Counters.PagesFetched,
		&job.Counters.ItemsAccepted,
		&job.Counters.ItemsRejected,
		&job.Counters.ItemsDuplicate,
		&job.Counters.Errors,
		&job.StartedAt,
		&job.FinishedAt,
		&job.ErrorText,
	)
	if err != nil {
		return spider.Job{}, err
	}
	job.State = spider.JobState(state)
	return job, nil
}
