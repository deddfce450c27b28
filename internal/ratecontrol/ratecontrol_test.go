package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	a := RateLimit{RPM: 30, Burst: 0}
	b := RateLimit{RPM: 20, Burst: 4}
	combined := CombineLimits(a, b)
	assert.Equal(t, 20, combined.RPM)
	assert.Equal(t, 4, combined.Burst)
}

func TestLimitForAppliesBuiltInsAndOverrides(t *testing.T) {
	l := New(Config{
		Enabled:   true,
		Default:   RateLimit{RPM: 120},
		Overrides: map[string]RateLimit{" Tavily ": {RPM: 10}},
	})

	assert.Equal(t, RateLimit{RPM: 60, Burst: 5}, l.LimitFor("openai"))
	assert.Equal(t, RateLimit{RPM: 10, Burst: 3}, l.LimitFor("tavily"))
	assert.Equal(t, RateLimit{RPM: 120}, l.LimitFor("other"))
}

func TestWaitDisabledNeverBlocks(t *testing.T) {
	l := New(Config{Enabled: false, Default: RateLimit{RPM: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, "openai"))
	}

	var nilLimiters *Limiters
	assert.NoError(t, nilLimiters.Wait(ctx, "openai"))
}

func TestWaitHonorsBurstAndContext(t *testing.T) {
	l := New(Config{Enabled: true, Overrides: map[string]RateLimit{"slow": {RPM: 1, Burst: 2}}})

	require.NoError(t, l.Wait(context.Background(), "slow"))
	require.NoError(t, l.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "slow"), "third request must wait a full minute")
}

func TestWaitUnlimitedPort(t *testing.T) {
	l := New(Config{Enabled: true})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "unbounded"))
	}
}
