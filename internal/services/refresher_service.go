package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/emberboard/backend/internal/config"
	"github.com/emberboard/backend/internal/decay"
	"github.com/emberboard/backend/internal/models"
)

// RefreshQueueKey is the redis list foreground actions push content ids onto.
const RefreshQueueKey = "valuation_refresh"

// RefresherService recomputes effective value and expiration for content whose
// stake or donation state changed, and soft-archives decayed items. It runs
// strictly after the triggering unit of work; its failures never roll back or
// block the foreground action.
type RefresherService struct {
	db    *sql.DB
	redis *redis.Client
	decay decay.Params
}

func NewRefresherService(db *sql.DB, redisClient *redis.Client, economy *config.EconomyConfig) *RefresherService {
	return &RefresherService{
		db:    db,
		redis: redisClient,
		decay: DecayParams(economy),
	}
}

// Dispatch enqueues a content id for refresh. Without redis the refresh runs
// in a detached goroutine; either way the caller never sees an error.
func (s *RefresherService) Dispatch(contentID string) {
	if s.redis != nil {
		err := s.redis.RPush(context.Background(), RefreshQueueKey, contentID).Err()
		if err == nil {
			return
		}
		log.Printf("[REFRESH] Queue push failed for %s, refreshing inline: %v", contentID, err)
	}

	go func() {
		if err := s.RefreshContent(context.Background(), contentID); err != nil {
			log.Printf("[REFRESH] Background refresh failed for %s: %v", contentID, err)
		}
	}()
}

// Worker consumes the refresh queue until the context is cancelled.
func (s *RefresherService) Worker(ctx context.Context) {
	if s.redis == nil {
		return
	}
	log.Println("[REFRESH] Queue worker started")

	for {
		select {
		case <-ctx.Done():
			log.Println("[REFRESH] Queue worker stopped")
			return
		default:
		}

		result, err := s.redis.BLPop(ctx, 5*time.Second, RefreshQueueKey).Result()
		if err == redis.Nil || ctx.Err() != nil {
			continue
		}
		if err != nil {
			log.Printf("[REFRESH] Queue pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue
		}

		if err := s.RefreshContent(ctx, result[1]); err != nil {
			log.Printf("[REFRESH] Refresh failed for %s: %v", result[1], err)
		}
	}
}

// RefreshContent recomputes the decayed valuation for one content item and,
// when the item is a post, all of its replies. Idempotent: recomputing an
// unchanged or archived item writes the same values again.
func (s *RefresherService) RefreshContent(ctx context.Context, contentID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_stake, donated_value, created_at, last_donation_at, archived_at
		FROM content_items
		WHERE id = $1 OR parent_id = $1`, contentID)
	if err != nil {
		return classifyStorageError("load content for refresh", err)
	}
	defer rows.Close()

	now := time.Now()
	refreshed := 0

	for rows.Next() {
		var item models.ContentItem
		if err := rows.Scan(&item.ID, &item.PrincipalStake, &item.DonatedValue,
			&item.CreatedAt, &item.LastDonationAt, &item.ArchivedAt); err != nil {
			return classifyStorageError("scan content for refresh", err)
		}
		if item.ArchivedAt != nil {
			continue
		}

		effective := s.decay.EffectiveValue(item.PrincipalStake, item.DonatedValue, item.CreatedAt, item.LastDonationAt, now)
		expires := s.decay.ExpirationTime(item.PrincipalStake, item.DonatedValue, item.CreatedAt, now)

		if _, err := s.db.ExecContext(ctx, `
			UPDATE content_items
			SET effective_value = $1, expires_at = $2
			WHERE id = $3 AND archived_at IS NULL`,
			effective, expires, item.ID); err != nil {
			return classifyStorageError("persist refreshed valuation", err)
		}
		refreshed++
	}
	if err := rows.Err(); err != nil {
		return classifyStorageError("iterate refresh targets", err)
	}

	log.Printf("[REFRESH] Refreshed %d item(s) for content %s", refreshed, contentID)
	return nil
}

// SweepExpired soft-archives every item whose expiration has passed while it
// still carries effective value. Safe to run redundantly.
func (s *RefresherService) SweepExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET effective_value = 0, archived_at = $1
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		  AND effective_value > 0 AND archived_at IS NULL`,
		time.Now())
	if err != nil {
		return 0, classifyStorageError("sweep expired content", err)
	}

	archived, err := result.RowsAffected()
	if err != nil {
		return 0, classifyStorageError("sweep expired content", err)
	}
	if archived > 0 {
		log.Printf("[REFRESH] Soft-archived %d expired item(s)", archived)
	}
	return archived, nil
}

// StartSweeper runs SweepExpired on a fixed interval until ctx is cancelled.
func (s *RefresherService) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					log.Printf("[REFRESH] Sweep failed: %v", err)
				}
			}
		}
	}()
}
