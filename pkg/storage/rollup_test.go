package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockGorm(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	return mock, db
}

func TestRollupWriterWrite(t *testing.T) {
	mock, db := setupMockGorm(t)
	writer := NewRollupWriter(db)
	runTime := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "screening_rollups"`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := writer.Write(context.Background(), []Rollup{
		{ID: "a", RunID: "run-1", Status: "Urgent: high predicted risk", Patients: 4, Stats: datatypes.JSONMap{"max_risk": 2.4}, RunTime: runTime},
		{ID: "b", RunID: "run-1", Status: "Routine", Patients: 90, RunTime: runTime},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupWriterWriteNothing(t *testing.T) {
	mock, db := setupMockGorm(t)

	require.NoError(t, NewRollupWriter(db).Write(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupWriterRecent(t *testing.T) {
	mock, db := setupMockGorm(t)
	rows := sqlmock.NewRows([]string{"id", "run_id", "status", "patients", "stats", "run_time", "created_at"}).
		AddRow("a", "run-1", "Routine", 90, `{"max_risk": 1.1}`, time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "screening_rollups" WHERE status = $1 ORDER BY run_time desc LIMIT`)).
		WillReturnRows(rows)

	got, err := NewRollupWriter(db).Recent(context.Background(), "Routine", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 90, got[0].Patients)
	assert.Contains(t, got[0].Stats, "max_risk")
	require.NoError(t, mock.ExpectationsWereMet())
}
