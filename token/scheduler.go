package token

import (
	"context"
	"time"

	"github.com/Laisky/zap"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/logger"
	"github.com/qrelay/qrelay/model"
)

// Scheduler periodically refreshes every enabled refreshable account so
// tokens stay warm between requests.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(manager *Manager) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: config.TokenRefreshInterval,
	}
}

// Start launches the refresh loop. No-op unless ENABLE_AUTO_REFRESH.
func (s *Scheduler) Start() {
	if !config.EnableAutoRefresh {
		logger.Logger.Info("auto token refresh disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		logger.Logger.Info("token refresh scheduler started",
			zap.Duration("interval", s.interval))
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshAll(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// refreshAll walks enabled amazon_q and gemini accounts; one account's
// failure never blocks the rest.
func (s *Scheduler) refreshAll(ctx context.Context) {
	accounts, err := model.GetEnabledAccounts("")
	if err != nil {
		logger.Logger.Error("scheduler failed to list accounts", zap.Error(err))
		return
	}
	for _, account := range accounts {
		if account.Type != model.ChannelAmazonQ && account.Type != model.ChannelGemini {
			continue
		}
		if err := s.manager.ForceRefresh(ctx, account); err != nil {
			logger.Logger.Warn("scheduled refresh failed",
				zap.String("account", account.Id), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}
