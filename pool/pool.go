package pool

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/common/logger"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/monitor"
)

// ErrNoEligibleAccount means every candidate was disabled, cooling
// down, rate limited, or breaker-open.
var ErrNoEligibleAccount = errors.New("no eligible account")

// Filter narrows selection to a channel type and, for gemini, to
// accounts whose per-model quota is not exhausted. Exclude removes
// accounts already tried during the current request.
type Filter struct {
	Type    string
	Model   string
	Exclude map[string]bool
}

// Pool selects accounts for relaying. Breaker streaks live in memory;
// open breakers persist through the shared cooldown_until column so
// every replica observes them.
type Pool struct {
	mu       sync.Mutex
	rrCursor uint64
	streaks  map[string]int
	rng      *rand.Rand

	countInWindow func(accountId string, window time.Duration) (int64, error)
}

var (
	instance *Pool
	initOnce sync.Once
)

// Init builds the process-wide pool.
func Init() {
	initOnce.Do(func() {
		instance = New()
	})
}

func Get() *Pool {
	return instance
}

// Shutdown drops the singleton state.
func Shutdown() {
	instance = nil
	initOnce = sync.Once{}
}

func New() *Pool {
	return &Pool{
		streaks:       make(map[string]int),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		countInWindow: model.CountCallsInWindow,
	}
}

// Eligible filters the account list down to selectable candidates.
func (p *Pool) Eligible(accounts []*model.Account, filter Filter) []*model.Account {
	now := helper.GetTimestamp()
	eligible := make([]*model.Account, 0, len(accounts))
	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		if account.CooldownUntil > now {
			continue
		}
		if filter.Type != "" && account.Type != filter.Type {
			continue
		}
		if filter.Exclude[account.Id] {
			continue
		}
		if filter.Model != "" && account.Type == model.ChannelGemini &&
			!geminiModelAvailable(account, filter.Model) {
			continue
		}
		count, err := p.countInWindow(account.Id, time.Hour)
		if err != nil {
			logger.Logger.Warn("failed to count call window, skipping account",
				zap.String("account", account.Id), zap.Error(err))
			continue
		}
		if count >= int64(account.RateLimitPerHour) {
			continue
		}
		eligible = append(eligible, account)
	}
	return eligible
}

func geminiModelAvailable(account *model.Account, modelName string) bool {
	ext, err := account.GetGeminiExtension()
	if err != nil {
		return true
	}
	quota, ok := ext.Quota[modelName]
	if !ok {
		return true
	}
	if quota.Remaining > 0 {
		return true
	}
	return quota.ResetAt > 0 && quota.ResetAt <= helper.GetTimestamp()
}

// Select picks one eligible account using the configured strategy and
// atomically bumps its usage counters.
func (p *Pool) Select(filter Filter) (*model.Account, error) {
	accounts, err := model.GetAllAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	eligible := p.Eligible(accounts, filter)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	chosen := p.pick(eligible, config.LoadBalanceStrategy)
	if err := chosen.BumpUsage(); err != nil {
		return nil, err
	}
	return chosen, nil
}

// SelectWeightedByType picks in two stages: first a channel type,
// weighting each type by its eligible-account count, then the
// configured strategy within that type. Pinned requests skip this and
// go straight to their account.
func (p *Pool) SelectWeightedByType(modelName string, exclude map[string]bool) (*model.Account, error) {
	accounts, err := model.GetAllAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	eligible := p.Eligible(accounts, Filter{Model: modelName, Exclude: exclude})
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	byType := make(map[string][]*model.Account)
	types := make([]string, 0, 3)
	for _, account := range eligible {
		if _, ok := byType[account.Type]; !ok {
			types = append(types, account.Type)
		}
		byType[account.Type] = append(byType[account.Type], account)
	}
	sort.Strings(types)

	p.mu.Lock()
	draw := p.rng.Intn(len(eligible))
	p.mu.Unlock()
	chosenType := types[len(types)-1]
	for _, t := range types {
		draw -= len(byType[t])
		if draw < 0 {
			chosenType = t
			break
		}
	}

	chosen := p.pick(byType[chosenType], config.LoadBalanceStrategy)
	if err := chosen.BumpUsage(); err != nil {
		return nil, err
	}
	return chosen, nil
}

func (p *Pool) pick(eligible []*model.Account, strategy string) *model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch strategy {
	case "round_robin":
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].Id < eligible[j].Id })
		chosen := eligible[p.rrCursor%uint64(len(eligible))]
		p.rrCursor++
		return chosen
	case "least_used":
		sort.Slice(eligible, func(i, j int) bool {
			a, b := eligible[i], eligible[j]
			if a.RequestCount != b.RequestCount {
				return a.RequestCount < b.RequestCount
			}
			if a.LastUsedAt != b.LastUsedAt {
				return a.LastUsedAt < b.LastUsedAt
			}
			return a.Id < b.Id
		})
		return eligible[0]
	case "random":
		return eligible[p.rng.Intn(len(eligible))]
	default: // weighted_round_robin
		return p.weightedPickLocked(eligible)
	}
}

func (p *Pool) weightedPickLocked(eligible []*model.Account) *model.Account {
	// stable id order so equal draws break ties deterministically
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Id < eligible[j].Id })
	total := 0
	for _, account := range eligible {
		total += weightOf(account)
	}
	draw := p.rng.Intn(total)
	for _, account := range eligible {
		draw -= weightOf(account)
		if draw < 0 {
			return account
		}
	}
	return eligible[len(eligible)-1]
}

func weightOf(account *model.Account) int {
	if account.Weight < 1 {
		return 50
	}
	return account.Weight
}

// ReportSuccess resets the account's error streak.
func (p *Pool) ReportSuccess(accountId string) {
	p.mu.Lock()
	delete(p.streaks, accountId)
	p.mu.Unlock()
}

// ReportError bumps the streak and opens the breaker when the streak
// reaches the threshold. rateLimited (a 429) force-opens regardless.
func (p *Pool) ReportError(account *model.Account, rateLimited bool) {
	monitor.ObserveAccountError(account.Id, rateLimited)
	if !config.CircuitBreakerEnabled {
		return
	}

	p.mu.Lock()
	p.streaks[account.Id]++
	streak := p.streaks[account.Id]
	open := rateLimited || streak >= config.CircuitBreakerErrorThreshold
	if open {
		delete(p.streaks, account.Id)
	}
	p.mu.Unlock()

	if !open {
		return
	}
	until := time.Now().Add(config.CircuitBreakerRecoveryTimeout)
	if err := account.SetCooldown(until); err != nil {
		logger.Logger.Error("failed to open circuit breaker",
			zap.String("account", account.Id), zap.Error(err))
		return
	}
	monitor.ObserveBreakerOpen(account.Id)
	logger.Logger.Warn("circuit breaker opened",
		zap.String("account", account.Id),
		zap.Bool("rate_limited", rateLimited),
		zap.Int("streak", streak))
}

// ErrorStreak exposes the in-memory streak, mainly for stats.
func (p *Pool) ErrorStreak(accountId string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaks[accountId]
}
