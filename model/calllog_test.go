package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common/helper"
)

func setupCallLogDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CallLog{}))
	DB = db
}

func insertCall(t *testing.T, accountId string, age time.Duration) {
	t.Helper()
	row := CallLog{
		AccountId: accountId,
		Model:     "claude-sonnet-4",
		Timestamp: helper.GetTimestamp() - int64(age.Seconds()),
	}
	require.NoError(t, DB.Create(&row).Error)
}

func TestShortWindowQueryDoesNotShrinkLongerWindows(t *testing.T) {
	setupCallLogDB(t)

	insertCall(t, "acct", 30*time.Second)  // inside both windows
	insertCall(t, "acct", 2*time.Hour)     // last-day only
	insertCall(t, "acct", 30*time.Hour)    // outside both
	insertCall(t, "other", 30*time.Second) // another account

	// the hourly rate-limit check runs before every selection; it must
	// leave the older history intact for the daily count
	hour, err := CountCallsInWindow("acct", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hour)

	day, err := CountCallsInWindow("acct", 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, day)

	// and the order must not matter
	hour, err = CountCallsInWindow("acct", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hour)
}

func TestCallStatsWindows(t *testing.T) {
	setupCallLogDB(t)

	insertCall(t, "acct", time.Minute)
	insertCall(t, "acct", 3*time.Hour)
	insertCall(t, "acct", 48*time.Hour)

	stats, err := CallStats("acct")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.LastHour)
	assert.EqualValues(t, 2, stats.LastDay)
	assert.EqualValues(t, 3, stats.Total)
}

func TestRecordCallAppearsInWindow(t *testing.T) {
	setupCallLogDB(t)

	require.NoError(t, RecordCall("acct", "claude-sonnet-4"))
	count, err := CountCallsInWindow("acct", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPurgeCallLogsBefore(t *testing.T) {
	setupCallLogDB(t)

	insertCall(t, "acct", time.Minute)
	insertCall(t, "acct", 10*24*time.Hour)

	purged, err := PurgeCallLogsBefore(time.Now().Add(-callLogRetention))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	var remaining int64
	require.NoError(t, DB.Model(&CallLog{}).Count(&remaining).Error)
	assert.EqualValues(t, 1, remaining)
}
