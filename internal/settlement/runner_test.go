package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
)

func TestRunner_KeepsInputOrder(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour), "10000")}
	h := newHarness(t, fr)
	runner := NewRunner(h.pipeline, 2, zaptest.NewLogger(t))

	missing := nearRequest()
	missing.Name = "missing price"
	missing.Prices = map[string]float64{}

	reqs := []Request{nearRequest(), missing, nearRequest()}
	outcomes := runner.Run(context.Background(), ModeQuote, reqs)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, StageQuoted, outcomes[0].Result.Stage)
	assert.ErrorIs(t, outcomes[1].Err, allocation.ErrMissingPriceData)
	assert.Equal(t, "missing price", outcomes[1].Request.Name)
	assert.NoError(t, outcomes[2].Err)
	assert.NotEqual(t, outcomes[0].Result.ID, outcomes[2].Result.ID)

	assert.Empty(t, fr.published())
}

func TestRunner_CancelledContext(t *testing.T) {
	h := newHarness(t, &fakeRelay{})
	runner := NewRunner(h.pipeline, 1, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := runner.Run(ctx, ModePlan, []Request{nearRequest(), nearRequest()})
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		if o.Err != nil {
			assert.ErrorIs(t, o.Err, context.Canceled)
		}
	}
}
