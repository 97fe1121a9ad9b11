package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"accident-alert/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockCrashEventsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CrashEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewCrashEventsRepository(db, logger)

	return db, mock, repo
}

var crashEventColumns = []string{
	"event_id", "event_type", "run_id", "g_force",
	"latitude", "longitude", "payload", "created_at",
}

func TestAppendEvent_KnownLocation(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	now := time.Now()
	event, err := models.NewCrashEvent(models.EventTypeEscalated, "run-1", 4.2,
		models.Coordinates{Latitude: 51.5, Longitude: -0.12, Known: true},
		map[string]bool{"auto_triggered": true}, now)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO crash_events`).
		WithArgs(event.EventID, "escalated", "run-1", 4.2, 51.5, -0.12, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendEvent(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_UnknownLocationStoredAsNull(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	now := time.Now()
	event, err := models.NewCrashEvent(models.EventTypeCrashCandidate, "run-2", 3.9,
		models.UnknownLocation(), nil, now)
	require.NoError(t, err)
	assert.Nil(t, event.Latitude)
	assert.JSONEq(t, `{}`, string(event.Payload))

	mock.ExpectExec(`INSERT INTO crash_events`).
		WithArgs(event.EventID, "crash_candidate", "run-2", 3.9, nil, nil, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendEvent(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_Validation(t *testing.T) {
	db, _, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	ctx := context.Background()
	assert.Error(t, repo.AppendEvent(ctx, nil))
	assert.Error(t, repo.AppendEvent(ctx, &models.CrashEvent{EventType: "escalated"}))
	assert.Error(t, repo.AppendEvent(ctx, &models.CrashEvent{EventID: uuid.New().String()}))
}

func TestAppendEvent_DatabaseError(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO crash_events`).WillReturnError(errors.New("connection reset"))

	event := &models.CrashEvent{EventID: uuid.New().String(), EventType: "cancelled", CreatedAt: time.Now()}
	err := repo.AppendEvent(context.Background(), event)
	assert.ErrorContains(t, err, "failed to append crash event")
}

func TestGetEvent_Success(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	createdAt := time.Now()
	rows := sqlmock.NewRows(crashEventColumns).AddRow(
		eventID, "escalated", "run-1", 4.2, 51.5, -0.12, []byte(`{"auto_triggered":true}`), createdAt,
	)
	mock.ExpectQuery(`SELECT`).WithArgs(eventID).WillReturnRows(rows)

	event, err := repo.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, "escalated", event.EventType)
	assert.Equal(t, "51.500000,-0.120000", event.Location().String())
	assert.JSONEq(t, `{"auto_triggered":true}`, string(event.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent_NullLocation(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	rows := sqlmock.NewRows(crashEventColumns).AddRow(
		eventID, "crash_candidate", "run-2", 3.9, nil, nil, nil, time.Now(),
	)
	mock.ExpectQuery(`SELECT`).WithArgs(eventID).WillReturnRows(rows)

	event, err := repo.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.False(t, event.Location().Known)
	assert.Equal(t, "{}", string(event.Payload))
}

func TestGetEvent_NotFound(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	mock.ExpectQuery(`SELECT`).WithArgs(eventID).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetEvent(context.Background(), eventID)
	assert.ErrorContains(t, err, "crash event not found")
}

func TestListRecentEvents_WithFilters(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	runID := "run-1"
	since := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows(crashEventColumns).
		AddRow(uuid.New().String(), "escalation_report", runID, 4.2, 51.5, -0.12, []byte(`{}`), time.Now()).
		AddRow(uuid.New().String(), "escalated", runID, 4.2, 51.5, -0.12, []byte(`{}`), time.Now().Add(-time.Minute))

	mock.ExpectQuery(`event_type IN \(\$1, \$2\) AND run_id = \$3 AND created_at >= \$4`).
		WithArgs("escalated", "escalation_report", runID, since, 10).
		WillReturnRows(rows)

	events, err := repo.ListRecentEvents(context.Background(), CrashEventFilters{
		EventTypes: []string{"escalated", "escalation_report"},
		RunID:      &runID,
		Since:      &since,
	}, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "escalation_report", events[0].EventType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentEvents_DefaultLimit(t *testing.T) {
	db, mock, repo := setupMockCrashEventsDB(t)
	defer db.Close()

	mock.ExpectQuery(`ORDER BY created_at DESC`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(crashEventColumns))

	events, err := repo.ListRecentEvents(context.Background(), CrashEventFilters{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}
