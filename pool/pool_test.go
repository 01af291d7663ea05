package pool

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common/helper"
	"github.com/qrelay/qrelay/model"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Account{}, &model.CallLog{}))
	model.DB = db
}

func newTestPool() *Pool {
	p := New()
	p.rng = rand.New(rand.NewSource(42))
	p.countInWindow = func(string, time.Duration) (int64, error) { return 0, nil }
	return p
}

func makeAccounts(n int, weight int) []*model.Account {
	accounts := make([]*model.Account, n)
	for i := range n {
		accounts[i] = &model.Account{
			Id:               fmt.Sprintf("acct-%02d", i),
			Type:             model.ChannelAmazonQ,
			Enabled:          true,
			Weight:           weight,
			RateLimitPerHour: 1000,
		}
	}
	return accounts
}

func TestEligibilityFilter(t *testing.T) {
	p := newTestPool()
	now := helper.GetTimestamp()

	accounts := []*model.Account{
		{Id: "ok", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10},
		{Id: "disabled", Type: model.ChannelAmazonQ, Enabled: false, RateLimitPerHour: 10},
		{Id: "cooling", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10, CooldownUntil: now + 60},
		{Id: "cooled", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10, CooldownUntil: now - 60},
		{Id: "other-type", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10},
	}

	eligible := p.Eligible(accounts, Filter{Type: model.ChannelAmazonQ})
	ids := make([]string, 0, len(eligible))
	for _, a := range eligible {
		ids = append(ids, a.Id)
	}
	assert.ElementsMatch(t, []string{"ok", "cooled"}, ids)
}

func TestEligibilityRateLimit(t *testing.T) {
	p := newTestPool()
	p.countInWindow = func(id string, _ time.Duration) (int64, error) {
		if id == "exhausted" {
			return 20, nil
		}
		return 19, nil
	}
	accounts := []*model.Account{
		{Id: "exhausted", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 20},
		{Id: "one-left", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 20},
	}
	eligible := p.Eligible(accounts, Filter{})
	require.Len(t, eligible, 1)
	assert.Equal(t, "one-left", eligible[0].Id)
}

func TestEligibilityGeminiQuota(t *testing.T) {
	p := newTestPool()
	now := helper.GetTimestamp()

	exhausted := &model.Account{Id: "g1", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10,
		Extension: fmt.Sprintf(`{"quota":{"gemini-2.5-pro":{"remaining":0,"reset_at":%d}}}`, now+3600)}
	resettable := &model.Account{Id: "g2", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10,
		Extension: fmt.Sprintf(`{"quota":{"gemini-2.5-pro":{"remaining":0,"reset_at":%d}}}`, now-1)}
	untracked := &model.Account{Id: "g3", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10}

	eligible := p.Eligible([]*model.Account{exhausted, resettable, untracked},
		Filter{Type: model.ChannelGemini, Model: "gemini-2.5-pro"})
	ids := make([]string, 0, len(eligible))
	for _, a := range eligible {
		ids = append(ids, a.Id)
	}
	assert.ElementsMatch(t, []string{"g2", "g3"}, ids)

	// a different model is unaffected by the tracked one's quota
	eligible = p.Eligible([]*model.Account{exhausted},
		Filter{Type: model.ChannelGemini, Model: "gemini-2.5-flash"})
	assert.Len(t, eligible, 1)
}

func TestEligibilityExclusion(t *testing.T) {
	p := newTestPool()
	accounts := makeAccounts(3, 50)

	eligible := p.Eligible(accounts, Filter{Exclude: map[string]bool{"acct-01": true}})
	ids := make([]string, 0, len(eligible))
	for _, a := range eligible {
		ids = append(ids, a.Id)
	}
	assert.ElementsMatch(t, []string{"acct-00", "acct-02"}, ids)
}

func TestSelectWeightedByTypeExhaustsToOtherType(t *testing.T) {
	setupTestDB(t)
	p := newTestPool()

	require.NoError(t, (&model.Account{Id: "q1", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10}).Insert())
	require.NoError(t, (&model.Account{Id: "q2", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10}).Insert())
	require.NoError(t, (&model.Account{Id: "g1", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 10}).Insert())

	chosen, err := p.SelectWeightedByType("claude-sonnet-4", map[string]bool{"q1": true, "q2": true})
	require.NoError(t, err)
	assert.Equal(t, "g1", chosen.Id)

	_, err = p.SelectWeightedByType("claude-sonnet-4",
		map[string]bool{"q1": true, "q2": true, "g1": true})
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestSelectWeightedByTypeTracksEnabledCounts(t *testing.T) {
	setupTestDB(t)
	p := newTestPool()

	require.NoError(t, (&model.Account{Id: "q1", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 1 << 30}).Insert())
	require.NoError(t, (&model.Account{Id: "q2", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 1 << 30}).Insert())
	require.NoError(t, (&model.Account{Id: "g1", Type: model.ChannelGemini, Enabled: true, RateLimitPerHour: 1 << 30}).Insert())

	const trials = 3000
	counts := map[string]int{}
	for range trials {
		chosen, err := p.SelectWeightedByType("claude-sonnet-4", nil)
		require.NoError(t, err)
		counts[chosen.Type]++
	}

	// amazon_q holds two of three enabled accounts
	pr := 2.0 / 3.0
	sigma := math.Sqrt(trials * pr * (1 - pr))
	assert.InDelta(t, trials*pr, float64(counts[model.ChannelAmazonQ]), 3*sigma)
}

func TestRoundRobinIsStableAndMonotonic(t *testing.T) {
	p := newTestPool()
	accounts := makeAccounts(3, 50)

	var order []string
	for range 6 {
		order = append(order, p.pick(accounts, "round_robin").Id)
	}
	assert.Equal(t, []string{
		"acct-00", "acct-01", "acct-02",
		"acct-00", "acct-01", "acct-02",
	}, order)
}

func TestLeastUsedPicksArgmin(t *testing.T) {
	p := newTestPool()
	accounts := makeAccounts(3, 50)
	accounts[0].RequestCount = 5
	accounts[1].RequestCount = 2
	accounts[2].RequestCount = 2
	accounts[1].LastUsedAt = 100
	accounts[2].LastUsedAt = 50

	chosen := p.pick(accounts, "least_used")
	assert.Equal(t, "acct-02", chosen.Id)

	// the pick must satisfy request_count <= every other eligible's
	for _, other := range accounts {
		assert.LessOrEqual(t, chosen.RequestCount, other.RequestCount)
	}
}

func TestEqualWeightSelectionIsUnbiased(t *testing.T) {
	p := newTestPool()
	const n = 4
	const trials = 10000
	accounts := makeAccounts(n, 50)

	counts := map[string]int{}
	for range trials {
		counts[p.pick(accounts, "weighted_round_robin").Id]++
	}

	expected := float64(trials) / n
	sigma := math.Sqrt(float64(trials) * (1.0 / n) * (1 - 1.0/n))
	for id, count := range counts {
		assert.InDelta(t, expected, float64(count), 3*sigma,
			"account %s drawn %d times", id, count)
	}
}

func TestWeightedSelectionTracksWeights(t *testing.T) {
	p := newTestPool()
	accounts := []*model.Account{
		{Id: "A", Enabled: true, Weight: 10},
		{Id: "B", Enabled: true, Weight: 5},
		{Id: "C", Enabled: true, Weight: 3},
	}

	const trials = 18000
	counts := map[string]int{}
	for range trials {
		counts[p.pick(accounts, "weighted_round_robin").Id]++
	}

	total := 18.0
	for id, weight := range map[string]float64{"A": 10, "B": 5, "C": 3} {
		pr := weight / total
		expected := trials * pr
		sigma := math.Sqrt(trials * pr * (1 - pr))
		assert.InDelta(t, expected, float64(counts[id]), 3*sigma,
			"account %s drawn %d times", id, counts[id])
	}
}

func TestBreakerOpensAtThresholdAndResets(t *testing.T) {
	setupTestDB(t)
	p := newTestPool()

	account := &model.Account{Id: "breaker", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10}
	require.NoError(t, account.Insert())

	for range 4 {
		p.ReportError(account, false)
	}
	assert.False(t, account.InCooldown(), "breaker must stay closed below threshold")
	assert.Equal(t, 4, p.ErrorStreak(account.Id))

	// a success resets the streak
	p.ReportSuccess(account.Id)
	assert.Equal(t, 0, p.ErrorStreak(account.Id))

	for range 5 {
		p.ReportError(account, false)
	}
	assert.True(t, account.InCooldown(), "fifth consecutive error must open the breaker")
	assert.Equal(t, 0, p.ErrorStreak(account.Id), "opening clears the streak")
}

func TestRateLimited429ForcesBreakerOpen(t *testing.T) {
	setupTestDB(t)
	p := newTestPool()

	account := &model.Account{Id: "force", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10}
	require.NoError(t, account.Insert())

	p.ReportError(account, true)
	assert.True(t, account.InCooldown(), "a single 429 must open the breaker")
}

func TestLongerCooldownWins(t *testing.T) {
	setupTestDB(t)

	account := &model.Account{Id: "cool", Type: model.ChannelAmazonQ, Enabled: true, RateLimitPerHour: 10}
	require.NoError(t, account.Insert())

	longer := time.Now().Add(10 * time.Minute)
	require.NoError(t, account.SetCooldown(longer))
	require.NoError(t, account.SetCooldown(time.Now().Add(time.Minute)))
	assert.Equal(t, longer.Unix(), account.CooldownUntil)
}
