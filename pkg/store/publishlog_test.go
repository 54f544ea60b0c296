package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePublishAssignsID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO publish`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &Publish{
		Timestamp:       time.Now(),
		Codebase:        "dulwich",
		Campaign:        "lintian-fixes",
		BranchName:      "lintian-fixes",
		Revision:        "newrev",
		Role:            "main",
		Mode:            "propose",
		TargetBranchURL: "https://github.com/jelmer/dulwich",
		ResultCode:      "success",
		RunID:           "run-1",
	}
	err := s.StorePublish(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	expectationsMet(t, mock)
}

func TestGetPublishAttemptCount(t *testing.T) {
	s, mock := newMockStore(t)
	// Codes for transient infrastructure failures are excluded from the
	// count so they never push the backoff out.
	mock.ExpectQuery(`SELECT count\(\*\) FROM publish WHERE revision = \$1 AND result_code NOT IN \(\$2, \$3\)`).
		WithArgs("newrev", "differ-unreachable", "branch-busy").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.GetPublishAttemptCount(context.Background(), "newrev", []string{"differ-unreachable", "branch-busy"})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	expectationsMet(t, mock)
}

func TestGetPublishAttemptCountNoExcludes(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM publish WHERE revision = \$1`).
		WithArgs("newrev").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	count, err := s.GetPublishAttemptCount(context.Background(), "newrev", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	expectationsMet(t, mock)
}

func TestAlreadyPublished(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS \( SELECT FROM publish WHERE target_branch_url = \$1 AND branch_name = \$2 AND revision = \$3 AND mode IN \(\$4, \$5\) AND result_code = 'success' \)`).
		WithArgs("https://github.com/jelmer/dulwich", "lintian-fixes", "newrev", "push", "attempt-push").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := s.AlreadyPublished(context.Background(), "https://github.com/jelmer/dulwich", "lintian-fixes", "newrev", []string{"push", "attempt-push"})
	require.NoError(t, err)
	assert.True(t, done)
	expectationsMet(t, mock)
}

func TestLastPublishTimeNever(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT max\(timestamp\) FROM publish`).
		WithArgs("lintian-fixes", "dulwich").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, err := s.LastPublishTime(context.Background(), "lintian-fixes", "dulwich")
	assert.Equal(t, ErrNotFound, err)
	expectationsMet(t, mock)
}

func TestLastPublishTime(t *testing.T) {
	s, mock := newMockStore(t)
	last := time.Date(2024, 1, 20, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT max\(timestamp\) FROM publish`).
		WithArgs("lintian-fixes", "dulwich").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))

	got, err := s.LastPublishTime(context.Background(), "lintian-fixes", "dulwich")
	require.NoError(t, err)
	assert.Equal(t, last, got)
	expectationsMet(t, mock)
}
