package backpressure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praghav/modelqueue/internal/common/constants"
)

type probes struct {
	depth int
	busy  int
	total int
}

func newController(cfg Config, p *probes) *Controller {
	return New("llama-7b", cfg,
		func() int { return p.depth },
		func() (int, int) { return p.busy, p.total },
	)
}

func reasonOf(t *testing.T, err error) constants.RejectReason {
	t.Helper()
	var rej *RejectionError
	require.True(t, errors.As(err, &rej), "expected a RejectionError, got %v", err)
	return rej.Reason
}

func TestLevelFollowsDepthRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	p := &probes{}
	c := newController(cfg, p)

	p.depth = 60
	assert.Equal(t, constants.BackpressureHealthy, c.Level())

	p.depth = 70
	assert.Equal(t, constants.BackpressureElevated, c.Level())

	p.depth = 95
	assert.Equal(t, constants.BackpressureCritical, c.Level())

	p.depth = 10
	assert.Equal(t, constants.BackpressureHealthy, c.Level(), "recovers when pressure drops")
}

func TestLevelTakesWorseOfDepthAndSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	p := &probes{depth: 10, busy: 19, total: 20}
	c := newController(cfg, p)

	assert.Equal(t, constants.BackpressureCritical, c.Level(),
		"saturated workers dominate a shallow queue")
}

func TestAdmitHealthyAcceptsAllTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	c := newController(cfg, &probes{depth: 10})

	for _, tier := range []constants.Priority{
		constants.PriorityVIP, constants.PriorityHigh,
		constants.PriorityNormal, constants.PriorityLow,
	} {
		assert.NoError(t, c.Admit(tier), tier)
	}
}

func TestAdmitElevatedShedsLowTiersNearCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	p := &probes{depth: 75}
	c := newController(cfg, p)

	// Mid-elevated: everyone still fits.
	for _, tier := range []constants.Priority{
		constants.PriorityVIP, constants.PriorityHigh,
		constants.PriorityNormal, constants.PriorityLow,
	} {
		assert.NoError(t, c.Admit(tier), tier)
	}

	// One admission short of critical: Normal and Low are shed, the top
	// tiers still pass.
	p.depth = 89
	assert.NoError(t, c.Admit(constants.PriorityVIP))
	assert.NoError(t, c.Admit(constants.PriorityHigh))
	assert.Equal(t, constants.ReasonOverloaded, reasonOf(t, c.Admit(constants.PriorityNormal)))
	assert.Equal(t, constants.ReasonOverloaded, reasonOf(t, c.Admit(constants.PriorityLow)))
}

func TestAdmitCriticalIsVIPOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	c := newController(cfg, &probes{depth: 95})

	assert.NoError(t, c.Admit(constants.PriorityVIP))
	for _, tier := range []constants.Priority{
		constants.PriorityHigh, constants.PriorityNormal, constants.PriorityLow,
	} {
		assert.Equal(t, constants.ReasonOverloaded, reasonOf(t, c.Admit(tier)), tier)
	}
}

func TestAdmitAtCapacityRejectsEvenVIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	c := newController(cfg, &probes{depth: 100})

	assert.Equal(t, constants.ReasonCapacityExceeded, reasonOf(t, c.Admit(constants.PriorityVIP)))
}

func TestTierRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	cfg.TierRates = map[constants.Priority]TierRate{
		// Effectively one admission, then a very slow refill.
		constants.PriorityLow: {PerSecond: 0.001, Burst: 1},
	}
	c := newController(cfg, &probes{depth: 0})

	assert.NoError(t, c.Admit(constants.PriorityLow))
	assert.Equal(t, constants.ReasonRateLimited, reasonOf(t, c.Admit(constants.PriorityLow)))

	// Other tiers are not throttled by Low's budget.
	assert.NoError(t, c.Admit(constants.PriorityNormal))
}

// A request shed for pressure must not consume its tier's rate budget;
// the token is only charged once the level gate has passed.
func TestShedRequestKeepsRateBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 100
	cfg.TierRates = map[constants.Priority]TierRate{
		constants.PriorityNormal: {PerSecond: 0.001, Burst: 1},
	}
	p := &probes{depth: 95}
	c := newController(cfg, p)

	// Critical: Normal is shed repeatedly, overloaded, not rate-limited.
	for i := 0; i < 5; i++ {
		assert.Equal(t, constants.ReasonOverloaded, reasonOf(t, c.Admit(constants.PriorityNormal)))
	}

	// Pressure drops; the single burst token is still there.
	p.depth = 10
	assert.NoError(t, c.Admit(constants.PriorityNormal))
	assert.Equal(t, constants.ReasonRateLimited, reasonOf(t, c.Admit(constants.PriorityNormal)))
}

func TestRejectionErrorMessage(t *testing.T) {
	c := newController(DefaultConfig(), &probes{depth: 1000})
	err := c.Admit(constants.PriorityHigh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llama-7b")
	assert.Contains(t, err.Error(), string(constants.ReasonCapacityExceeded))
}
