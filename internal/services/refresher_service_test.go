package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/emberboard/backend/internal/decay"
)

func testDecayParams() decay.Params {
	return decay.Params{
		Lambda:            0.0000001163, // ~1% per day
		GracePeriod:       24 * time.Hour,
		MaxLifespan:       365 * 24 * time.Hour,
		MinEffectiveValue: decimal.RequireFromString("0.01"),
	}
}

func TestRefresherService_Dispatch(t *testing.T) {
	t.Run("pushes the content id onto the refresh queue", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := &RefresherService{redis: redisClient, decay: testDecayParams()}

		redisMock.ExpectRPush(RefreshQueueKey, "content1").SetVal(1)

		service.Dispatch("content1")
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestRefresherService_RefreshContent(t *testing.T) {
	t.Run("recomputes the item and its replies", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := &RefresherService{db: db, decay: testDecayParams()}

		created := time.Now().Add(-time.Hour)
		mock.ExpectQuery("FROM content_items").
			WithArgs("post1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "principal_stake", "donated_value",
				"created_at", "last_donation_at", "archived_at"}).
				AddRow("post1", "15", "0", created, nil, nil).
				AddRow("reply1", "2", "1", created, nil, nil))
		mock.ExpectExec("UPDATE content_items").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "post1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE content_items").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "reply1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = service.RefreshContent(context.Background(), "post1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("archived items are left alone", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := &RefresherService{db: db, decay: testDecayParams()}

		archived := time.Now().Add(-time.Minute)
		mock.ExpectQuery("FROM content_items").
			WithArgs("post1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "principal_stake", "donated_value",
				"created_at", "last_donation_at", "archived_at"}).
				AddRow("post1", "15", "0", time.Now().Add(-time.Hour), nil, archived))

		err = service.RefreshContent(context.Background(), "post1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRefresherService_SweepExpired(t *testing.T) {
	t.Run("archives expired items and reports the count", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := &RefresherService{db: db, decay: testDecayParams()}

		mock.ExpectExec("UPDATE content_items").
			WillReturnResult(sqlmock.NewResult(0, 3))

		archived, err := service.SweepExpired(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, int64(3), archived)
	})

	t.Run("second sweep is a no-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		service := &RefresherService{db: db, decay: testDecayParams()}

		mock.ExpectExec("UPDATE content_items").
			WillReturnResult(sqlmock.NewResult(0, 0))

		archived, err := service.SweepExpired(context.Background())
		assert.NoError(t, err)
		assert.Zero(t, archived)
	})
}
