package gemini

import (
	"encoding/json"
	"time"

	"github.com/Laisky/zap"

	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/common/logger"
	"github.com/qrelay/qrelay/model"
)

// transientRemainingFraction separates a per-minute rate limit from an
// exhausted daily quota: above it some quota remains and a short
// cooldown suffices.
const transientRemainingFraction = 0.03

const transientCooldown = 300 * time.Second

// NoteRateLimit classifies a 429 body. A per-minute limit puts the
// account on a short cooldown; an exhausted quota marks the model in
// the account extension so eligibility skips it until the reset time.
func NoteRateLimit(account *model.Account, modelName string, body []byte) {
	fraction, resetAt := parseQuotaHints(body)

	if fraction > transientRemainingFraction {
		if err := account.SetCooldown(time.Now().Add(transientCooldown)); err != nil {
			logger.Logger.Error("failed to set rate-limit cooldown",
				zap.String("account", account.Id), zap.Error(err))
		}
		return
	}

	ext, err := account.GetGeminiExtension()
	if err != nil {
		logger.Logger.Warn("unparseable gemini extension on 429",
			zap.String("account", account.Id), zap.Error(err))
		ext = model.GeminiExtension{}
	}
	if ext.Quota == nil {
		ext.Quota = make(map[string]model.GeminiModelQuota)
	}
	if resetAt == 0 {
		resetAt = helper.GetTimestamp() + 24*3600
	}
	ext.Quota[modelName] = model.GeminiModelQuota{Remaining: 0, ResetAt: resetAt}
	if err := account.SetGeminiExtension(ext); err != nil {
		logger.Logger.Error("failed to persist exhausted quota",
			zap.String("account", account.Id),
			zap.String("model", modelName), zap.Error(err))
	}
}

// parseQuotaHints digs remainingFraction and resetTime out of the 429
// error payload, wherever the upstream nested them.
func parseQuotaHints(body []byte) (fraction float64, resetAt int64) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, 0
	}
	walkJSON(doc, func(key string, value any) {
		switch key {
		case "remainingFraction":
			if f, ok := value.(float64); ok && f > fraction {
				fraction = f
			}
		case "resetTime":
			if s, ok := value.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					resetAt = t.Unix()
				}
			}
		}
	})
	return fraction, resetAt
}

func walkJSON(node any, visit func(key string, value any)) {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			visit(key, value)
			walkJSON(value, visit)
		}
	case []any:
		for _, item := range v {
			walkJSON(item, visit)
		}
	}
}
