package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
	"github.com/rovshanmuradov/allowance-bot/internal/events"
	"github.com/rovshanmuradov/allowance-bot/internal/intent"
	"github.com/rovshanmuradov/allowance-bot/internal/quote"
	"github.com/rovshanmuradov/allowance-bot/internal/relay"
	"github.com/rovshanmuradov/allowance-bot/internal/signing"
	"github.com/rovshanmuradov/allowance-bot/internal/wallet"
)

// fakeRelay answers quote and publish_intent calls.
type fakeRelay struct {
	mu        sync.Mutex
	quotes    func(params map[string]interface{}) []map[string]interface{}
	publishes []json.RawMessage
	// publishStatus overrides the HTTP status of publish_intent.
	publishStatus int
	// publishReply, when set, is written verbatim as the publish_intent body.
	publishReply string
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Params) != 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch req.Method {
	case relay.MethodQuote:
		var params map[string]interface{}
		_ = json.Unmarshal(req.Params[0], &params)
		writeResult(w, req.ID, f.quotes(params))
	case relay.MethodPublishIntent:
		f.mu.Lock()
		f.publishes = append(f.publishes, req.Params[0])
		status, reply := f.publishStatus, f.publishReply
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, "unavailable")
			return
		}
		if reply != "" {
			_, _ = io.WriteString(w, reply)
			return
		}
		writeResult(w, req.ID, map[string]string{"status": "OK", "intent_hash": "intent-1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRelay) published() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.publishes...)
}

func writeResult(w http.ResponseWriter, id string, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func offers(expires time.Time, outs ...string) func(map[string]interface{}) []map[string]interface{} {
	return func(params map[string]interface{}) []map[string]interface{} {
		list := make([]map[string]interface{}, 0, len(outs))
		for i, out := range outs {
			list = append(list, map[string]interface{}{
				"defuse_asset_identifier_in":  params["defuse_asset_identifier_in"],
				"defuse_asset_identifier_out": params["defuse_asset_identifier_out"],
				"amount_in":                   params["exact_amount_in"],
				"amount_out":                  out,
				"quote_hash":                  "hash-" + string(rune('a'+i)),
				"expiration_time":             expires.UTC().Format(intent.DeadlineLayout),
			})
		}
		return list
	}
}

type harness struct {
	relay    *fakeRelay
	pipeline *Pipeline
	signer   *wallet.SignerContext
	bus      *events.Bus

	mu     sync.Mutex
	stages []string
}

func newHarness(t *testing.T, fr *fakeRelay) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv := httptest.NewServer(fr)
	t.Cleanup(srv.Close)
	client := relay.NewClient(srv.URL, time.Second, logger)

	signer, err := wallet.Generate("alice.near")
	require.NoError(t, err)
	svc, err := signing.NewService(signer, logger)
	require.NoError(t, err)

	bus := events.NewBus(logger, 64)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })
	h := &harness{relay: fr, signer: signer, bus: bus}
	events.StageFunc(bus, func(e events.StageEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		status := "ok"
		if e.Err != nil {
			status = "failed"
		}
		h.stages = append(h.stages, e.Stage+":"+status)
	})

	h.pipeline = NewPipeline(Deps{
		Planner:   allocation.NewSolver(logger, allocation.Options{MaxAttempts: 10}, nil),
		Quoter:    quote.NewAggregator(client, nil, quote.Config{Workers: 2}, logger),
		Builder:   intent.NewBuilder(intent.Config{}, logger),
		Signer:    svc,
		Publisher: client,
		Bus:       bus,
	}, quote.USDT, logger)
	return h
}

// recorded waits for the bus to drain and returns the recorded stages.
func (h *harness) recorded(t *testing.T) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.bus.Shutdown(ctx))
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stages
}

func nearRequest() Request {
	return Request{
		Name:           "raise 50",
		TargetMicroUSD: 50_000_000,
		Balances:       map[string]float64{quote.WrappedNear: 100},
		Prices:         map[string]float64{quote.WrappedNear: 5},
	}
}

func TestSettle_HappyPath(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour), "9000", "10000", "10000")}
	h := newHarness(t, fr)

	res, err := h.pipeline.Settle(context.Background(), nearRequest())
	require.NoError(t, err)

	assert.Equal(t, StagePublished, res.Stage)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, allocation.Plan{quote.WrappedNear: 10}, res.Plan)
	assert.InDelta(t, 50.0, res.PlanUSD, 1e-9)

	require.Len(t, res.Legs, 1)
	leg := res.Legs[0]
	assert.Equal(t, "10000000000000000000000000", leg.AmountIn)
	assert.Equal(t, quote.NearUSDT, leg.AssetOut)
	assert.Equal(t, "hash-b", leg.Best.QuoteHash)
	assert.Equal(t, []string{"hash-b"}, res.Hashes)

	require.NotNil(t, res.Publish)
	assert.Equal(t, "OK", res.Publish.Status)
	assert.Equal(t, "intent-1", res.Publish.IntentHash)

	published := fr.published()
	require.Len(t, published, 1)
	var sent struct {
		SignedData  signing.Commitment `json:"signed_data"`
		QuoteHashes []string           `json:"quote_hashes"`
	}
	require.NoError(t, json.Unmarshal(published[0], &sent))
	assert.Equal(t, []string{"hash-b"}, sent.QuoteHashes)
	assert.Equal(t, *res.Commitment, sent.SignedData)
	assert.True(t, signing.Verify(&sent.SignedData))
	assert.Equal(t, h.signer.PublicKeyString(), sent.SignedData.PublicKey)

	payload, err := intent.Parse([]byte(sent.SignedData.Payload))
	require.NoError(t, err)
	assert.Equal(t, "alice.near", payload.SignerID)
	require.Len(t, payload.Intents, 2)
	diff := payload.Intents[0].(intent.TokenDiff)
	assert.Equal(t, "-10000000000000000000000000", diff.Diff[quote.WrappedNear])
	assert.Equal(t, "9900", diff.Diff[quote.NearUSDT])
	assert.Equal(t, map[string]string{quote.NearUSDT: "100"}, payload.Intents[1].(intent.Transfer).Tokens)

	assert.Equal(t, []string{
		"drafted:ok", "quoted:ok", "built:ok", "signed:ok", "published:ok",
	}, h.recorded(t))
}

func TestSettle_StaleQuoteAborts(t *testing.T) {
	expires := time.Now().Add(30 * time.Second)
	fr := &fakeRelay{quotes: offers(expires, "10000")}
	h := newHarness(t, fr)
	h.pipeline.WithClock(func() time.Time { return expires.Add(time.Second) })

	res, err := h.pipeline.Settle(context.Background(), nearRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuoteExpired)

	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StagePublished, stage)
	assert.Equal(t, StageSigned, res.Stage)
	assert.NotNil(t, res.Commitment)
	assert.Empty(t, fr.published())
}

func TestSettle_NoQuotes(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour))}
	h := newHarness(t, fr)

	res, err := h.pipeline.Settle(context.Background(), nearRequest())
	assert.ErrorIs(t, err, ErrNoQuotes)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageQuoted, stage)
	assert.Equal(t, StageDrafted, res.Stage)
	assert.Nil(t, res.Settlement)
	assert.Empty(t, fr.published())
	assert.Equal(t, []string{"drafted:ok", "quoted:failed"}, h.recorded(t))
}

func TestSettle_MissingPricesStopsBeforeQuoting(t *testing.T) {
	fr := &fakeRelay{quotes: func(map[string]interface{}) []map[string]interface{} {
		t.Error("relay must not be called")
		return nil
	}}
	h := newHarness(t, fr)

	req := nearRequest()
	req.Balances["nep141:eth.omft.near"] = 1

	res, err := h.pipeline.Settle(context.Background(), req)
	assert.ErrorIs(t, err, allocation.ErrMissingPriceData)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageDrafted, stage)
	assert.Empty(t, res.Plan)
}

func TestSettle_InvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeRelay{})

	_, err := h.pipeline.Settle(context.Background(), Request{TargetMicroUSD: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.pipeline.Settle(context.Background(), Request{
		TargetMicroUSD: 1,
		Balances:       map[string]float64{"x": -1},
		Prices:         map[string]float64{"x": 1},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type brokenSigner struct {
	sc *wallet.SignerContext
}

func (b brokenSigner) Sign(*intent.Settlement) (*signing.Commitment, error) {
	return nil, signing.ErrVerificationFailed
}

func (b brokenSigner) Signer() *wallet.SignerContext { return b.sc }

func TestSettle_VerificationFailureIsFatal(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour), "10000")}
	h := newHarness(t, fr)
	h.pipeline.deps.Signer = brokenSigner{sc: h.signer}

	res, err := h.pipeline.Settle(context.Background(), nearRequest())
	assert.ErrorIs(t, err, signing.ErrVerificationFailed)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageSigned, stage)
	assert.Equal(t, StageBuilt, res.Stage)
	assert.Empty(t, fr.published())
}

func TestSettle_PublishFailureIsNotRetried(t *testing.T) {
	fr := &fakeRelay{
		quotes:        offers(time.Now().Add(time.Hour), "10000"),
		publishStatus: http.StatusServiceUnavailable,
	}
	h := newHarness(t, fr)

	res, err := h.pipeline.Settle(context.Background(), nearRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrHTTPStatus)
	stage, _ := FailedStage(err)
	assert.Equal(t, StagePublished, stage)
	assert.Nil(t, res.Response)
	assert.Len(t, fr.published(), 1)
}

func TestSettle_PublishRejectedByRelay(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
		publish bool
	}{
		{
			name:    "rpc error",
			reply:   `{"jsonrpc":"2.0","id":"1","error":{"code":-32000,"message":"invalid signature"}}`,
			wantErr: relay.ErrRPC,
		},
		{
			name:    "failed status",
			reply:   `{"jsonrpc":"2.0","id":"1","result":{"status":"FAILED","reason":"expired"}}`,
			wantErr: relay.ErrPublishRejected,
			publish: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRelay{
				quotes:       offers(time.Now().Add(time.Hour), "10000"),
				publishReply: tt.reply,
			}
			h := newHarness(t, fr)

			res, err := h.pipeline.Settle(context.Background(), nearRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			stage, ok := FailedStage(err)
			require.True(t, ok)
			assert.Equal(t, StagePublished, stage)
			assert.Equal(t, StageSigned, res.Stage)
			assert.JSONEq(t, tt.reply, string(res.Response))
			assert.Equal(t, tt.publish, res.Publish != nil)
			assert.Len(t, fr.published(), 1)
			assert.Equal(t, []string{
				"drafted:ok", "quoted:ok", "built:ok", "signed:ok", "published:failed",
			}, h.recorded(t))
		})
	}
}

func TestPlanAndQuote_DryRuns(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour), "10000")}
	h := newHarness(t, fr)

	planned, err := h.pipeline.Plan(context.Background(), nearRequest())
	require.NoError(t, err)
	assert.Equal(t, StageDrafted, planned.Stage)
	assert.Empty(t, planned.Legs)

	quoted, err := h.pipeline.Quote(context.Background(), nearRequest())
	require.NoError(t, err)
	assert.Equal(t, StageQuoted, quoted.Stage)
	require.Len(t, quoted.BestQuotes(), 1)
	assert.Nil(t, quoted.Commitment)

	assert.Empty(t, fr.published())
}

func TestSettle_WithoutSigner(t *testing.T) {
	fr := &fakeRelay{quotes: offers(time.Now().Add(time.Hour), "10000")}
	h := newHarness(t, fr)
	h.pipeline.deps.Signer = nil

	_, err := h.pipeline.Settle(context.Background(), nearRequest())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCheckFresh(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	leg := func(exp string) *quote.Leg {
		return &quote.Leg{TokenIn: "t", Best: relay.Quote{QuoteHash: "h", ExpirationTime: exp}}
	}

	assert.NoError(t, CheckFresh([]*quote.Leg{leg("2025-01-01T12:00:00.001Z")}, now))
	assert.ErrorIs(t, CheckFresh([]*quote.Leg{leg("2025-01-01T12:00:00.000Z")}, now), ErrQuoteExpired)
	assert.ErrorIs(t, CheckFresh([]*quote.Leg{leg("2025-01-01T12:00:01Z"), leg("2024-12-31T00:00:00Z")}, now), ErrQuoteExpired)
	assert.ErrorIs(t, CheckFresh([]*quote.Leg{leg("soon")}, now), ErrQuoteExpired)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageQuoted, Err: ErrNoQuotes}
	assert.Equal(t, "settlement aborted at quoted: no quote leg succeeded", err.Error())
	assert.True(t, errors.Is(err, ErrNoQuotes))

	_, ok := FailedStage(errors.New("plain"))
	assert.False(t, ok)
}
