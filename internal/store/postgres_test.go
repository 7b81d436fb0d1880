package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Postgres{db: db, mem: NewMemory(), logger: zap.NewNop()}, mock
}

func TestPostgres_ReloadAppliesRowsIntoMemory(t *testing.T) {
	p, mock := newMockPostgres(t)

	stamp := hlc.Stamp{Wall: 1000, Logical: 0, NodeID: "pop-sa-1"}
	rows := sqlmock.NewRows([]string{
		"id", "app", "region", "country", "address_host", "port", "healthy",
		"weight", "soft_limit", "hard_limit", "deleted", "updated_at_hlc",
	}).AddRow("b1", "checkout", "sa", "BR", "10.0.0.1", 8080, true, 1, 100, 150, false, stamp.String())

	mock.ExpectQuery("SELECT id, app, region").WillReturnRows(rows)

	p.reload(context.Background())

	got, err := p.GetByID(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", got.Address)
	assert.Equal(t, RegionSA, got.Region)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReloadSkipsMalformedHLCRow(t *testing.T) {
	p, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{
		"id", "app", "region", "country", "address_host", "port", "healthy",
		"weight", "soft_limit", "hard_limit", "deleted", "updated_at_hlc",
	}).AddRow("b1", "checkout", "sa", "BR", "10.0.0.1", 8080, true, 1, 100, 150, false, "garbage")

	mock.ExpectQuery("SELECT id, app, region").WillReturnRows(rows)

	p.reload(context.Background())

	_, err := p.GetByID(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ReloadFailureKeepsLastSnapshot(t *testing.T) {
	p, mock := newMockPostgres(t)

	stamp := hlc.Stamp{Wall: 1000, NodeID: "pop-sa-1"}
	require.NoError(t, p.mem.Upsert(context.Background(), Backend{
		ID: "b1", App: "checkout", Region: RegionSA, Country: "BR",
		Address: "10.0.0.1:8080", Healthy: true, Weight: 1, SoftLimit: 100, HardLimit: 150,
	}, stamp))

	mock.ExpectQuery("SELECT id, app, region").WillReturnError(assertErr)

	p.reload(context.Background())

	got, err := p.GetByID(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", got.Address)
}

func TestPostgres_UpsertRejectsInvalidBackend(t *testing.T) {
	p, _ := newMockPostgres(t)
	err := p.Upsert(context.Background(), Backend{ID: ""}, hlc.Stamp{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPostgres_UpsertRejectsMalformedAddress(t *testing.T) {
	p, _ := newMockPostgres(t)
	err := p.Upsert(context.Background(), Backend{ID: "b1", Weight: 1, Address: "no-port"}, hlc.Stamp{Wall: 1, NodeID: "n"})
	assert.Error(t, err)
}

func TestPostgres_UpsertWritesThroughAndAppliesLocally(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO backends").WillReturnResult(sqlmock.NewResult(0, 1))

	stamp := hlc.Stamp{Wall: 1000, NodeID: "pop-sa-1"}
	err := p.Upsert(context.Background(), Backend{
		ID: "b1", App: "checkout", Region: RegionSA, Country: "BR",
		Address: "10.0.0.1:8080", Healthy: true, Weight: 1, SoftLimit: 100, HardLimit: 150,
	}, stamp)
	require.NoError(t, err)

	got, err := p.GetByID(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, stamp, got.UpdatedAtHLC)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetHealthIsLocalOnly(t *testing.T) {
	p, mock := newMockPostgres(t)

	stamp := hlc.Stamp{Wall: 1000, NodeID: "pop-sa-1"}
	require.NoError(t, p.mem.Upsert(context.Background(), Backend{
		ID: "b1", Weight: 1, SoftLimit: 1, HardLimit: 1,
	}, stamp))

	require.NoError(t, p.SetHealth(context.Background(), "b1", false))

	got, err := p.GetByID(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, got.Healthy)
	assert.NoError(t, mock.ExpectationsWereMet(), "SetHealth must not touch postgres")
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }
