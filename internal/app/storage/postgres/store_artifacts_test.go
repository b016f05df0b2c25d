package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/preciousoreva/oiat/internal/app/domain/run"
	"github.com/preciousoreva/oiat/internal/app/storage"
)

func TestCreateArtifactSupersedesPrior(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE run_artifacts SET superseded = true")).
		WithArgs("cafe", "2025-12-27").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO run_artifacts")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	art, err := store.CreateArtifact(context.Background(), run.Artifact{
		JobID: "11111111-1111-1111-1111-111111111111",
		Tenant: "cafe", Date: "2025-12-27",
		DocsCreated: 2, Reconcile: run.ReconcileMatch,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if art.ID == "" || art.ProcessedAt.IsZero() {
		t.Fatalf("expected id and timestamp stamped: %+v", art)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM run_artifacts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetArtifact(context.Background(), "cafe", "2025-12-27")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
