package model

import (
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/common/logger"
)

// Channel type constants. Don't use empty string for a valid channel,
// it is the zero value.
const (
	ChannelAmazonQ   = "amazon_q"
	ChannelGemini    = "gemini"
	ChannelCustomAPI = "custom_api"
)

const (
	RefreshStatusSuccess = "success"
	RefreshStatusFailed  = "failed"
)

// Account is one pooled upstream credential. Extension and
// ModelMappings hold channel-specific JSON documents.
type Account struct {
	Id            string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Type          string `json:"type" gorm:"type:varchar(32);index"`
	Label         string `json:"label" gorm:"type:varchar(255)"`
	ClientId      string `json:"client_id" gorm:"type:text"`
	ClientSecret  string `json:"client_secret" gorm:"type:text"`
	RefreshToken  string `json:"refresh_token" gorm:"type:text"`
	AccessToken   string `json:"access_token" gorm:"type:text"`
	Extension     string `json:"extension" gorm:"type:text"`
	ModelMappings string `json:"model_mappings" gorm:"type:text"`

	Enabled          bool `json:"enabled" gorm:"default:true"`
	Weight           int  `json:"weight" gorm:"default:50"`
	RateLimitPerHour int  `json:"rate_limit_per_hour" gorm:"default:20"`

	CooldownUntil int64 `json:"cooldown_until" gorm:"bigint;default:0"`
	LastUsedAt    int64 `json:"last_used_at" gorm:"bigint;default:0"`

	RequestCount int64 `json:"request_count" gorm:"bigint;default:0"`
	SuccessCount int64 `json:"success_count" gorm:"bigint;default:0"`
	ErrorCount   int64 `json:"error_count" gorm:"bigint;default:0"`

	LastRefreshStatus string `json:"last_refresh_status" gorm:"type:varchar(16)"`
	LastRefreshTime   int64  `json:"last_refresh_time" gorm:"bigint;default:0"`
	TokenExpiresAt    int64  `json:"token_expires_at" gorm:"bigint;default:0"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime"`
}

// AmazonQExtension is the extension document for amazon_q accounts.
type AmazonQExtension struct {
	ProfileArn string `json:"profile_arn,omitempty"`
}

// GeminiModelQuota tracks per-model quota exhaustion learned from 429s.
type GeminiModelQuota struct {
	Remaining float64 `json:"remaining"`
	ResetAt   int64   `json:"reset_at,omitempty"`
}

type GeminiExtension struct {
	Project     string                      `json:"project,omitempty"`
	APIEndpoint string                      `json:"api_endpoint,omitempty"`
	Quota       map[string]GeminiModelQuota `json:"quota,omitempty"`
}

type CustomAPIExtension struct {
	APIBase  string `json:"api_base"`
	Model    string `json:"model,omitempty"`
	Format   string `json:"format,omitempty"`   // "openai" or "claude"
	Provider string `json:"provider,omitempty"` // e.g. "azure"
}

// ModelMapping rewrites a requested model to the upstream's model name.
// Mappings are ordered; the first matching entry wins.
type ModelMapping struct {
	RequestModel string `json:"request_model"`
	TargetModel  string `json:"target_model"`
}

func (account *Account) GetAmazonQExtension() (AmazonQExtension, error) {
	var ext AmazonQExtension
	if account.Extension == "" {
		return ext, nil
	}
	if err := json.Unmarshal([]byte(account.Extension), &ext); err != nil {
		return ext, errors.Wrapf(err, "parse extension for account %s", account.Id)
	}
	return ext, nil
}

func (account *Account) GetGeminiExtension() (GeminiExtension, error) {
	var ext GeminiExtension
	if account.Extension == "" {
		return ext, nil
	}
	if err := json.Unmarshal([]byte(account.Extension), &ext); err != nil {
		return ext, errors.Wrapf(err, "parse extension for account %s", account.Id)
	}
	return ext, nil
}

func (account *Account) GetCustomAPIExtension() (CustomAPIExtension, error) {
	var ext CustomAPIExtension
	if account.Extension == "" {
		return ext, nil
	}
	if err := json.Unmarshal([]byte(account.Extension), &ext); err != nil {
		return ext, errors.Wrapf(err, "parse extension for account %s", account.Id)
	}
	return ext, nil
}

func (account *Account) SetGeminiExtension(ext GeminiExtension) error {
	b, err := json.Marshal(ext)
	if err != nil {
		return errors.Wrap(err, "marshal gemini extension")
	}
	account.Extension = string(b)
	return errors.Wrapf(
		DB.Model(account).Update("extension", account.Extension).Error,
		"persist extension for account %s", account.Id)
}

func (account *Account) GetModelMappings() []ModelMapping {
	if account.ModelMappings == "" {
		return nil
	}
	var mappings []ModelMapping
	if err := json.Unmarshal([]byte(account.ModelMappings), &mappings); err != nil {
		logger.Logger.Warn("invalid model_mappings, ignoring",
			zap.String("account", account.Id), zap.Error(err))
		return nil
	}
	return mappings
}

// MapModel returns the upstream model name for the requested one. The
// first mapping whose request_model matches wins; no match returns the
// requested name unchanged.
func (account *Account) MapModel(requested string) string {
	for _, m := range account.GetModelMappings() {
		if m.RequestModel == requested {
			return m.TargetModel
		}
	}
	return requested
}

// InCooldown reports whether the account's cooldown window is active.
func (account *Account) InCooldown() bool {
	return account.CooldownUntil > helper.GetTimestamp()
}

func (account *Account) Insert() error {
	if account.Weight < 1 || account.Weight > 100 {
		account.Weight = 50
	}
	if account.RateLimitPerHour <= 0 {
		account.RateLimitPerHour = 20
	}
	err := DB.Create(account).Error
	return errors.Wrapf(err, "failed to insert account: id=%s, type=%s", account.Id, account.Type)
}

func GetAccountById(id string) (*Account, error) {
	if id == "" {
		return nil, errors.New("id is empty")
	}
	var account Account
	err := DB.First(&account, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get account: id=%s", id)
	}
	return &account, nil
}

func GetAllAccounts() ([]*Account, error) {
	var accounts []*Account
	err := DB.Order("id asc").Find(&accounts).Error
	return accounts, errors.Wrap(err, "failed to list accounts")
}

func GetEnabledAccounts(channelType string) ([]*Account, error) {
	var accounts []*Account
	query := DB.Where("enabled = ?", true)
	if channelType != "" {
		query = query.Where("type = ?", channelType)
	}
	err := query.Order("id asc").Find(&accounts).Error
	return accounts, errors.Wrap(err, "failed to list enabled accounts")
}

// UpdateFields applies an explicit column map, which unlike Updates
// can set zero values (enabled=false, weight=0 resets).
func (account *Account) UpdateFields(fields map[string]any) error {
	err := DB.Model(account).Updates(fields).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update account fields: id=%s", account.Id)
	}
	return errors.Wrapf(
		DB.First(account, "id = ?", account.Id).Error,
		"reload account %s", account.Id)
}

func (account *Account) Delete() error {
	return errors.Wrapf(DB.Delete(account).Error, "delete account %s", account.Id)
}

// BumpUsage atomically increments request_count and stamps
// last_used_at. Called at selection time so concurrent selectors see
// each other's picks.
func (account *Account) BumpUsage() error {
	now := helper.GetTimestamp()
	err := DB.Model(account).Updates(map[string]any{
		"request_count": gorm.Expr("request_count + 1"),
		"last_used_at":  now,
	}).Error
	if err != nil {
		return errors.Wrapf(err, "bump usage for account %s", account.Id)
	}
	account.RequestCount++
	account.LastUsedAt = now
	return nil
}

func (account *Account) MarkSuccess() {
	err := DB.Model(account).Update("success_count", gorm.Expr("success_count + 1")).Error
	if err != nil {
		logger.Logger.Error("failed to mark account success",
			zap.String("account", account.Id), zap.Error(err))
	}
}

func (account *Account) MarkError() {
	err := DB.Model(account).Update("error_count", gorm.Expr("error_count + 1")).Error
	if err != nil {
		logger.Logger.Error("failed to mark account error",
			zap.String("account", account.Id), zap.Error(err))
	}
}

// SetCooldown pushes cooldown_until forward. A shorter new deadline
// never shortens an already-set longer one.
func (account *Account) SetCooldown(until time.Time) error {
	deadline := until.Unix()
	if deadline <= account.CooldownUntil {
		return nil
	}
	err := DB.Model(account).Update("cooldown_until", deadline).Error
	if err != nil {
		return errors.Wrapf(err, "set cooldown for account %s", account.Id)
	}
	account.CooldownUntil = deadline
	return nil
}

func (account *Account) UpdateRefreshStatus(status string, expiresAt int64) {
	fields := map[string]any{
		"last_refresh_status": status,
		"last_refresh_time":   helper.GetTimestamp(),
	}
	if expiresAt > 0 {
		fields["token_expires_at"] = expiresAt
	}
	if err := DB.Model(account).Updates(fields).Error; err != nil {
		logger.Logger.Error("failed to update refresh status",
			zap.String("account", account.Id), zap.Error(err))
		return
	}
	account.LastRefreshStatus = status
	if expiresAt > 0 {
		account.TokenExpiresAt = expiresAt
	}
}

// UpdateTokens persists freshly refreshed credentials.
func (account *Account) UpdateTokens(accessToken, refreshToken string, expiresAt int64) error {
	fields := map[string]any{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
	}
	if refreshToken != "" {
		fields["refresh_token"] = refreshToken
	}
	err := DB.Model(account).Updates(fields).Error
	if err != nil {
		return errors.Wrapf(err, "persist tokens for account %s", account.Id)
	}
	account.AccessToken = accessToken
	account.TokenExpiresAt = expiresAt
	if refreshToken != "" {
		account.RefreshToken = refreshToken
	}
	return nil
}
