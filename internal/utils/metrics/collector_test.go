package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/allowance-bot/internal/events"
)

func TestCollector_RecordsStagesFromBus(t *testing.T) {
	c := NewCollector()
	bus := events.NewBus(zaptest.NewLogger(t), 8)
	c.Attach(bus)

	ctx := context.Background()
	require.NoError(t, bus.PublishSync(ctx, events.NewStageEvent("s", "a.near", "quoted", 2, 30*time.Millisecond, nil)))
	require.NoError(t, bus.PublishSync(ctx, events.NewStageEvent("s", "a.near", "quoted", 0, time.Millisecond, errors.New("no legs"))))
	require.NoError(t, bus.PublishSync(ctx, events.NewStageEvent("s", "a.near", "published", 2, time.Millisecond, nil)))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("quoted", statusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("quoted", statusFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("published", statusSuccess)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))

	c.Detach()
	require.NoError(t, bus.PublishSync(ctx, events.NewStageEvent("s", "a.near", "published", 2, 0, nil)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("published", statusSuccess)))

	require.NoError(t, bus.Shutdown(ctx))
}

func TestCollector_ObserveLegAndHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveLeg("nep141:wrap.near", nil, 20*time.Millisecond)
	c.ObserveLeg("nep141:eth.omft.near", errors.New("timeout"), time.Second)
	c.ObserveLeg("nep141:sol.omft.near", nil, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.legs.WithLabelValues(statusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.legs.WithLabelValues(statusFailure)))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "allowance_bot_quote_legs_total")
	assert.Contains(t, string(body), "allowance_bot_quote_leg_duration_seconds_count 3")

	c.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(c.legs))
}
