package model

import (
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/qrelay/qrelay/common/helper"
)

// UsageRecord is one completed relay, appended when a stream finishes
// cleanly.
type UsageRecord struct {
	Id                  int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp           int64  `json:"timestamp" gorm:"bigint;index"`
	Model               string `json:"model" gorm:"type:varchar(128);index"`
	Channel             string `json:"channel" gorm:"type:varchar(32)"`
	AccountId           string `json:"account_id" gorm:"type:varchar(64);index"`
	InputTokens         int    `json:"input_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens"`
	CacheCreationTokens int    `json:"cache_creation_tokens"`
}

// UsageSummary aggregates usage rows over a period.
type UsageSummary struct {
	Period              string         `json:"period"`
	Requests            int64          `json:"requests"`
	InputTokens         int64          `json:"input_tokens"`
	OutputTokens        int64          `json:"output_tokens"`
	CacheReadTokens     int64          `json:"cache_read_tokens"`
	CacheCreationTokens int64          `json:"cache_creation_tokens"`
	ByModel             map[string]int64 `json:"by_model"`
}

func (record *UsageRecord) Insert() error {
	if record.Timestamp == 0 {
		record.Timestamp = helper.GetTimestamp()
	}
	return errors.Wrapf(DB.Create(record).Error,
		"record usage for account %s", record.AccountId)
}

func periodCutoff(period string) (int64, error) {
	now := time.Now()
	switch period {
	case "hour":
		return now.Add(-time.Hour).Unix(), nil
	case "day":
		return now.Add(-24 * time.Hour).Unix(), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour).Unix(), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour).Unix(), nil
	case "all", "":
		return 0, nil
	}
	return 0, errors.Errorf("unknown period %q", period)
}

// SummarizeUsage aggregates usage rows for period in
// {hour, day, week, month, all}.
func SummarizeUsage(period string) (*UsageSummary, error) {
	cutoff, err := periodCutoff(period)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "all"
	}

	summary := &UsageSummary{Period: period, ByModel: map[string]int64{}}

	row := DB.Model(&UsageRecord{}).
		Select("COUNT(*) as requests, " +
			"COALESCE(SUM(input_tokens),0) as input_tokens, " +
			"COALESCE(SUM(output_tokens),0) as output_tokens, " +
			"COALESCE(SUM(cache_read_tokens),0) as cache_read_tokens, " +
			"COALESCE(SUM(cache_creation_tokens),0) as cache_creation_tokens")
	if cutoff > 0 {
		row = row.Where("timestamp >= ?", cutoff)
	}
	var agg struct {
		Requests            int64
		InputTokens         int64
		OutputTokens        int64
		CacheReadTokens     int64
		CacheCreationTokens int64
	}
	if err := row.Scan(&agg).Error; err != nil {
		return nil, errors.Wrap(err, "aggregate usage")
	}
	summary.Requests = agg.Requests
	summary.InputTokens = agg.InputTokens
	summary.OutputTokens = agg.OutputTokens
	summary.CacheReadTokens = agg.CacheReadTokens
	summary.CacheCreationTokens = agg.CacheCreationTokens

	byModel := DB.Model(&UsageRecord{}).Select("model, COUNT(*) as requests")
	if cutoff > 0 {
		byModel = byModel.Where("timestamp >= ?", cutoff)
	}
	var rows []struct {
		Model    string
		Requests int64
	}
	if err := byModel.Group("model").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "aggregate usage by model")
	}
	for _, r := range rows {
		summary.ByModel[r.Model] = r.Requests
	}
	return summary, nil
}

// RecentUsageRecords returns the newest rows, capped at limit.
func RecentUsageRecords(limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []UsageRecord
	err := DB.Order("timestamp desc").Limit(limit).Find(&records).Error
	return records, errors.Wrap(err, "list recent usage records")
}
