package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"smartpole-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPoleRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PoleRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPoleRepository(db, zap.NewNop())
	return db, mock, repo
}

var poleRows = []string{
	"pole_id", "status", "battery_level", "is_online", "last_ping_at",
	"patient_id", "assigned_at", "created_at", "updated_at",
}

func TestGetPole_NoRowsIsBenign(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)+FROM poles WHERE pole_id = \$1`).
		WithArgs("pole-unknown").
		WillReturnError(sql.ErrNoRows)

	// 未注册设备不是错误：ping 路径靠这个判断是否需要自动注册
	pole, err := repo.GetPole(context.Background(), "pole-unknown")
	require.NoError(t, err)
	assert.Nil(t, pole)
}

func TestGetPole_Found(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(poleRows).
		AddRow("pole-1", "active", 85, true, now, "patient-1", now, now, now)

	mock.ExpectQuery(`SELECT(.|\n)+FROM poles WHERE pole_id = \$1`).
		WithArgs("pole-1").
		WillReturnRows(rows)

	pole, err := repo.GetPole(context.Background(), "pole-1")
	require.NoError(t, err)
	require.NotNil(t, pole)

	assert.Equal(t, models.PoleActive, pole.Status)
	assert.Equal(t, 85, pole.BatteryLevel)
	assert.True(t, pole.IsOnline)
	require.NotNil(t, pole.PatientID)
	assert.Equal(t, "patient-1", *pole.PatientID)
}

func TestUpdatePing_KeepsBatteryWhenAbsent(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	pingAt := time.Now()
	mock.ExpectExec(`UPDATE poles(.|\n)+SET last_ping_at = \$1, is_online = TRUE`).
		WithArgs(pingAt, nil, "pole-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// battery_level 缺失时 COALESCE 保留旧值
	err := repo.UpdatePing(context.Background(), "pole-1", nil, pingAt)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePing_UnknownPole(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE poles`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdatePing(context.Background(), "pole-unknown", nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pole not found")
}

func TestMarkOffline_GuardedByLastPing(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	cutoff := time.Now().Add(-60 * time.Second)

	// 超窗设备被降级
	mock.ExpectExec(`UPDATE poles(.|\n)+SET is_online = FALSE`).
		WithArgs("pole-1", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.MarkOffline(context.Background(), "pole-1", cutoff)
	require.NoError(t, err)
	assert.True(t, changed)

	// 扫描期间来了新 ping：WHERE 守卫不命中，放弃降级
	mock.ExpectExec(`UPDATE poles(.|\n)+SET is_online = FALSE`).
		WithArgs("pole-2", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err = repo.MarkOffline(context.Background(), "pole-2", cutoff)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignPole_RejectsOccupiedPole(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE poles(.|\n)+SET patient_id = \$1`).
		WithArgs("patient-2", sqlmock.AnyArg(), "pole-1", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AssignPole(context.Background(), "pole-1", "patient-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be assigned")
}

func TestGetStats(t *testing.T) {
	db, mock, repo := setupPoleRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"count", "online", "offline", "low_battery", "assigned"}).
		AddRow(10, 7, 3, 2, 5)

	mock.ExpectQuery(`SELECT(.|\n)+FROM poles`).
		WithArgs(20).
		WillReturnRows(rows)

	stats, err := repo.GetStats(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 7, stats.Online)
	assert.Equal(t, 3, stats.Offline)
	assert.Equal(t, 2, stats.LowBattery)
	assert.Equal(t, 5, stats.Assigned)
}
