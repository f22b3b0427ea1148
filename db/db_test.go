package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"coopcycle/db"
	"coopcycle/internal/coop"
	"coopcycle/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*db.Storage, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewStorage(sqlx.NewDb(conn, "postgres")), mock
}

func TestGetCycleNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM cycle WHERE id=\$1`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetCycle(context.Background(), 7)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxLocksCycleBeforeOfferLines(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM cycle WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "offer_start", "offer_end", "pickup_start", "pickup_end", "created_at", "updated_at"}).
			AddRow(3, "week 1", "composing", now, now, now, now, now, now))
	mock.ExpectQuery(`SELECT .+ FROM offer_line WHERE cycle_id=\$1 ORDER BY id FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "cycle_id", "supplier_id", "product_id", "quantity", "reference_price"}).
			AddRow(10, 1, 3, 101, 5, "2", "1.5").
			AddRow(11, 2, 3, 102, 5, "4", "1.2"))
	mock.ExpectCommit()

	var lines []models.OfferLine
	err := store.InTx(context.Background(), func(tx coop.Tx) error {
		c, err := tx.LockCycle(context.Background(), 3)
		if err != nil {
			return err
		}
		require.Equal(t, models.CycleComposing, c.Status)
		lines, err = tx.LockOfferLines(context.Background(), 3)
		return err
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.True(t, decimal.RequireFromString("4").Equal(lines[1].Quantity))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(coop.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSettlementsDuplicateIsAlreadySettled(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO settlement`).
		WithArgs(int64(4), nil, int64(101), "supplier_payable", "pending", "12.5", int64(1)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "settlement_active_uniq"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx coop.Tx) error {
		_, err := tx.InsertSettlements(context.Background(), []models.Settlement{{
			CycleID:    4,
			UserID:     101,
			Type:       models.SupplierPayable,
			Status:     models.SettlementPending,
			TotalValue: decimal.RequireFromString("12.5"),
			CreatedBy:  1,
		}})
		return err
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, coop.AlreadySettled))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCompositionLinesWithEmptyKeep(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM composition_line`).
		WithArgs(int64(9), "{}").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21).AddRow(22))
	mock.ExpectExec(`DELETE FROM allocation_binding WHERE origin_type=\$1 AND origin_id = ANY\(\$2\)`).
		WithArgs("basket", "{21,22}").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx coop.Tx) error {
		removed, err := tx.DeleteCompositionLines(context.Background(), 9, nil)
		if err != nil {
			return err
		}
		require.Equal(t, []int64{21, 22}, removed)
		return tx.DeleteBindingsByOrigin(context.Background(), models.OriginBasket, removed)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCompositionGroupsOptionLines(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM basket_composition WHERE id=\$1`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cycle_id", "cycle_market_id", "basket_id", "created_at", "updated_at"}).
			AddRow(2, 1, 3, 4, now, now))
	mock.ExpectQuery(`FROM composition_option WHERE composition_id = ANY\(\$1\)`).
		WithArgs("{2}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "composition_id", "name"}).
			AddRow(5, 2, "veggie").
			AddRow(6, 2, "fruit"))
	mock.ExpectQuery(`FROM composition_line WHERE composition_id = ANY\(\$1\)`).
		WithArgs("{2}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "composition_id", "option_id", "product_id", "quantity", "estimated_unit_value", "offer_line_id", "unit_value", "created_at"}).
			AddRow(7, 2, nil, 40, "1", "2", nil, nil, now).
			AddRow(8, 2, 6, 41, "2", "1", nil, nil, now).
			AddRow(9, 2, 5, 42, "1", "3", 77, "2.8", now))

	c, err := store.GetComposition(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	require.Equal(t, int64(40), c.Lines[0].ProductID)
	require.Len(t, c.Options, 2)
	require.Equal(t, "veggie", c.Options[0].Name)
	require.Len(t, c.Options[0].Lines, 1)
	require.Equal(t, int64(42), c.Options[0].Lines[0].ProductID)
	require.Equal(t, int64(77), *c.Options[0].Lines[0].OfferLineID)
	require.True(t, c.Options[0].Lines[0].UnitValue.Valid)
	require.Len(t, c.Options[1].Lines, 1)
	require.False(t, c.Options[1].Lines[0].UnitValue.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelSettlementsReportsCount(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE settlement SET status=\$1`).
		WithArgs("canceled", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	var n int
	err := store.InTx(context.Background(), func(tx coop.Tx) (err error) {
		n, err = tx.CancelSettlements(context.Background(), 4)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
