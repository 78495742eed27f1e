package sqlitevec

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/arawn/arawn/pkg/models"
)

// newMockBackend wires a Backend directly to a sqlmock-controlled *sql.DB,
// bypassing New/init — these tests exercise SQL failure paths a real
// sqlite file won't produce on demand (a dropped connection mid-query, a
// prepare that fails server-side), so the driver itself is faked.
func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Backend{db: db, dimension: 1536}, mock
}

func TestBackend_Search_QueryError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT .*FROM memories").WillReturnError(errors.New("disk I/O error"))

	_, err := b.Search(context.Background(), []float32{0.1, 0.2}, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBackend_Index_BeginTxError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection is closed"))

	err := b.Index(context.Background(), []*models.Memory{{Content: "x"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBackend_Index_PrepareError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT OR REPLACE INTO memories").WillReturnError(errors.New("no such table: memories"))
	mock.ExpectRollback()

	err := b.Index(context.Background(), []*models.Memory{{Content: "x"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBackend_MarkSuperseded_PrepareError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectPrepare("UPDATE memories SET confidence_superseded").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := b.MarkSuperseded(context.Background(), []string{"id-1"}, "id-2")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBackend_Count_QueryError(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT COUNT.*FROM memories").WillReturnError(errors.New("disk I/O error"))

	if _, err := b.Count(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
