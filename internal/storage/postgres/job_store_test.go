package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

var jobColumns = []string{
	"id", "spider", "keyword", "max_pages", "state",
	"pages_fetched", "items_accepted", "items_rejected", "items_duplicate", "errors",
	"started_at", "finished_at", "error_text",
}

func testJob() spider.Job {
	finished := time.Unix(1700003600, 0).UTC()
	return spider.Job{
		ID:       "job-1",
		Spider:   "xiaohongshu",
		Keyword:  "美妆",
		MaxPages: 10,
		State:    spider.JobStateCompleted,
		Counters: spider.JobCounters{
			PagesFetched:   10,
			ItemsAccepted:  180,
			ItemsRejected:  3,
			ItemsDuplicate: 17,
			Errors:         1,
		},
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		FinishedAt: &finished,
	}
}

func jobRow(job spider.Job) []any {
	return []any{
		job.ID, job.Spider, job.Keyword, job.MaxPages, string(job.State),
		job.Counters.PagesFetched, job.Counters.ItemsAccepted,
		job.Counters.ItemsRejected, job.Counters.ItemsDuplicate, job.Counters.Errors,
		job.StartedAt, job.FinishedAt, job.ErrorText,
	}
}

func TestSaveJobUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	job := testJob()
	mock.ExpectExec(`INSERT INTO jobs (.+) ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs(
			job.ID, job.Spider, job.Keyword, job.MaxPages, string(job.State),
			job.Counters.PagesFetched, job.Counters.ItemsAccepted,
			job.Counters.ItemsRejected, job.Counters.ItemsDuplicate, job.Counters.Errors,
			job.StartedAt, job.FinishedAt, job.ErrorText,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJobRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)

	require.ErrorContains(t, store.SaveJob(context.Background(), spider.Job{}), "job id is required")
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	want := testJob()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs(want.ID).
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow(want)...))

	got, err := store.GetJob(context.Background(), want.ID)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("job-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetJob(context.Background(), "job-missing")
	require.ErrorIs(t, err, spider.ErrJobNotFound)
}

func TestListJobsFiltersBySpider(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	newest := testJob()
	older := testJob()
	older.ID = "job-0"
	older.StartedAt = newest.StartedAt.Add(-time.Hour)

	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE spider = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("xiaohongshu", 50).
		WillReturnRows(pgxmock.NewRows(jobColumns).
			AddRow(jobRow(newest)...).
			AddRow(jobRow(older)...))

	jobs, err := store.ListJobs(context.Background(), "xiaohongshu", 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, newest.ID, jobs[0].ID)
	require.Equal(t, older.ID, jobs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsAcrossSpiders(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock, "jobs")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT (.+) FROM jobs ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow(testJob())...))

	jobs, err := store.ListJobs(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
