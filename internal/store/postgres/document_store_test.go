package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

var docTestColumns = []string{
	"doc_id", "tender_id", "remote_location", "label", "requires_session",
	"status", "attempts", "next_attempt_at", "failure_reason", "content_type",
	"archive_uri", "extracted_text", "embedding", "created_at", "updated_at",
}

func TestDocumentStoreEnsureRefsSkipsExisting(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	refs := []portal.DocumentRef{
		{DocID: "d-1", TenderID: "t-1", RemoteLocation: "https://portal.example/doc/1.pdf", Label: "Notice"},
		{DocID: "d-2", TenderID: "t-1", RemoteLocation: "https://portal.example/doc/2.pdf", RequiresSession: true},
	}

	mock.ExpectExec(`INSERT INTO documents (.+) ON CONFLICT \(tender_id, remote_location\) DO NOTHING`).
		WithArgs(
			"d-1", "t-1", "https://portal.example/doc/1.pdf", "Notice", false, "pending", pgxmock.AnyArg(),
			"d-2", "t-1", "https://portal.example/doc/2.pdf", "", true, "pending", pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := st.EnsureRefs(context.Background(), refs)
	require.NoError(t, err)
	require.Equal(t, 1, inserted, "conflicting ref does not count as inserted")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreClaimDueHidesClaimed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	created := now.Add(-time.Hour)
	next := now.Add(claimTTL)

	mock.ExpectQuery(`(?s)WITH due AS.+FOR UPDATE SKIP LOCKED.+RETURNING`).
		WithArgs(now, 2, now.Add(claimTTL)).
		WillReturnRows(pgxmock.NewRows(docTestColumns).
			AddRow("d-1", "t-1", "https://portal.example/doc/1.pdf", "Notice", false,
				"pending", 0, timePtr(next), "", "", "", "", []float32(nil), created, created).
			AddRow("d-2", "t-2", "https://portal.example/doc/2.pdf", "", true,
				"retry-scheduled", 2, timePtr(next), "timeout", "", "", "", []float32(nil), created, created))

	docs, err := st.ClaimDue(context.Background(), now, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, portal.ExtractionPending, docs[0].Status)
	require.Equal(t, portal.ExtractionRetryScheduled, docs[1].Status)
	require.Equal(t, 2, docs[1].Attempts)
	require.True(t, docs[1].RequiresSession)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreClaimDueZeroLimit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	docs, err := st.ClaimDue(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, docs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreMarkSuccess(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	embedding := []float32{0.1, -0.4, 0.9}
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("d-1", "contract text", embedding, "gs://archive/d-1.pdf", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = st.MarkSuccess(context.Background(), "d-1", "contract text", embedding, "gs://archive/d-1.pdf")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreMarkSuccessRefusedWhenTerminal(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE documents`).
		WithArgs("d-1", "late text", []float32(nil), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM documents WHERE doc_id`).
		WithArgs("d-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("success"))

	err = st.MarkSuccess(context.Background(), "d-1", "late text", nil, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "illegal transition")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreMarkSuccessMissingDoc(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE documents`).
		WithArgs("d-404", "", []float32(nil), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM documents WHERE doc_id`).
		WithArgs("d-404").
		WillReturnError(pgx.ErrNoRows)

	err = st.MarkSuccess(context.Background(), "d-404", "", nil, "")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreMarkRetry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	next := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE documents`).
		WithArgs("d-1", 2, next, "download timeout", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.MarkRetry(context.Background(), "d-1", 2, next, "download timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreRequeueRefusesSuccess(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE documents`).
		WithArgs("d-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM documents WHERE doc_id`).
		WithArgs("d-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("success"))

	err = st.Requeue(context.Background(), "d-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "illegal transition")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStoreCountByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewDocumentStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM documents GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 5).
			AddRow("success", 2).
			AddRow("failed", 1))

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, counts[portal.ExtractionPending])
	require.Equal(t, 2, counts[portal.ExtractionSuccess])
	require.Equal(t, 1, counts[portal.ExtractionFailed])
	require.NoError(t, mock.ExpectationsWereMet())
}
