package model

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/qrelay/qrelay/common"
	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/common/logger"
)

// CallLog is one relayed request attributed to an account, used for
// the per-account hourly rate limit window.
type CallLog struct {
	Id        int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountId string `json:"account_id" gorm:"type:varchar(64);index:idx_call_account_ts"`
	Model     string `json:"model" gorm:"type:varchar(128)"`
	Timestamp int64  `json:"timestamp" gorm:"bigint;index:idx_call_account_ts"`
}

// CallWindowStats is the per-account snapshot exposed by the stats API.
type CallWindowStats struct {
	LastHour int64 `json:"last_hour"`
	LastDay  int64 `json:"last_day"`
	Total    int64 `json:"total"`
}

func redisCallKey(accountId string) string {
	return fmt.Sprintf("qrelay:calls:%s", accountId)
}

// RecordCall appends a call-log row. When Redis is configured the call
// is mirrored into a per-account sorted set scored by timestamp so
// window counts avoid the SQL table.
func RecordCall(accountId, modelName string) error {
	now := helper.GetTimestamp()
	log := CallLog{AccountId: accountId, Model: modelName, Timestamp: now}
	if err := DB.Create(&log).Error; err != nil {
		return errors.Wrapf(err, "record call for account %s", accountId)
	}

	if common.IsRedisEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		member := fmt.Sprintf("%d:%d", now, log.Id)
		if err := common.RDB.ZAdd(ctx, redisCallKey(accountId), &redis.Z{
			Score:  float64(now),
			Member: member,
		}).Err(); err != nil {
			logger.Logger.Warn("failed to mirror call log to redis",
				zap.String("account", accountId), zap.Error(err))
		}
	}
	return nil
}

// callLogRetention bounds the redis mirror's history. Window queries
// longer than this go to SQL.
const callLogRetention = 7 * 24 * time.Hour

// CountCallsInWindow counts calls with timestamp >= now-window.
func CountCallsInWindow(accountId string, window time.Duration) (int64, error) {
	now := helper.GetTimestamp()
	cutoff := now - int64(window.Seconds())

	if common.IsRedisEnabled() && window <= callLogRetention {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := redisCallKey(accountId)
		// prune at the fixed retention horizon, never at the queried
		// window, so an hourly check cannot shrink the daily count
		horizon := now - int64(callLogRetention.Seconds())
		if err := common.RDB.ZRemRangeByScore(ctx, key, "-inf",
			strconv.FormatInt(horizon-1, 10)).Err(); err == nil {
			if n, err := common.RDB.ZCount(ctx, key,
				strconv.FormatInt(cutoff, 10), "+inf").Result(); err == nil {
				return n, nil
			}
		}
		// fall through to SQL on redis trouble
	}

	var count int64
	err := DB.Model(&CallLog{}).
		Where("account_id = ? AND timestamp >= ?", accountId, cutoff).
		Count(&count).Error
	return count, errors.Wrapf(err, "count calls for account %s", accountId)
}

// CallStats reports the 1h/24h/total call counts for an account.
func CallStats(accountId string) (CallWindowStats, error) {
	var stats CallWindowStats
	var err error
	if stats.LastHour, err = CountCallsInWindow(accountId, time.Hour); err != nil {
		return stats, err
	}
	if stats.LastDay, err = CountCallsInWindow(accountId, 24*time.Hour); err != nil {
		return stats, err
	}
	err = DB.Model(&CallLog{}).Where("account_id = ?", accountId).
		Count(&stats.Total).Error
	return stats, errors.Wrapf(err, "count total calls for account %s", accountId)
}

// PurgeCallLogsBefore drops rows older than t. Run out of band; the
// stats windows look at most callLogRetention back.
func PurgeCallLogsBefore(t time.Time) (int64, error) {
	result := DB.Where("timestamp < ?", t.Unix()).Delete(&CallLog{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "purge call logs")
	}
	return result.RowsAffected, nil
}
