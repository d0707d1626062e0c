package intent

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/allowance-bot/internal/relay"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.FixedZone("UTC+3", 3*3600))

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(Config{}, zaptest.NewLogger(t)).
		WithClock(func() time.Time { return fixedNow }).
		WithEntropy(bytes.NewReader(bytes.Repeat([]byte{0xab}, 64)))
}

func TestReferralFee(t *testing.T) {
	tests := []struct {
		amountOut   string
		wantFee     string
		wantLessFee string
	}{
		{"10000", "100", "9900"},
		{"12345", "123", "12222"},
		{"99", "0", "99"},
		{"0", "0", "0"},
		{"123456789012345678901234567890", "1234567890123456789012345678", "122222221122222222112222222212"},
	}
	for _, tt := range tests {
		t.Run(tt.amountOut, func(t *testing.T) {
			fee, lessFee, err := ReferralFee(tt.amountOut)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, fee)
			assert.Equal(t, tt.wantLessFee, lessFee)
		})
	}

	for _, bad := range []string{"", "abc", "-100", "10.5"} {
		_, _, err := ReferralFee(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestBuild_TwoIntents(t *testing.T) {
	b := newTestBuilder(t)

	s, err := b.Build(relay.Quote{
		AssetIn:   "nep141:wrap.near",
		AssetOut:  "nep141:usdt.tether-token.near",
		AmountIn:  "1000000000000000000000000",
		AmountOut: "10000",
		QuoteHash: "hash",
	}, "alice.near", "")
	require.NoError(t, err)

	assert.Equal(t, "alice.near", s.SignerID)
	assert.Equal(t, DefaultVerifyingContract, s.VerifyingContract)
	assert.Equal(t, "2025-03-14T06:28:53.589Z", s.Deadline)

	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	require.NoError(t, err)
	assert.Len(t, nonce, 32)

	require.Len(t, s.Intents, 2)
	diff, ok := s.Intents[0].(TokenDiff)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"nep141:wrap.near":              "-1000000000000000000000000",
		"nep141:usdt.tether-token.near": "9900",
	}, diff.Diff)
	assert.Equal(t, DefaultReferral, diff.Referral)

	transfer, ok := s.Intents[1].(Transfer)
	require.True(t, ok)
	assert.Equal(t, DefaultReferral, transfer.ReceiverID)
	assert.Equal(t, map[string]string{"nep141:usdt.tether-token.near": "100"}, transfer.Tokens)
	assert.Equal(t, ReferralMemo, transfer.Memo)
}

func TestBuildBundle_OrdersLegsByToken(t *testing.T) {
	b := newTestBuilder(t)

	s, err := b.BuildBundle([]relay.Quote{
		{AssetIn: "nep141:wrap.near", AssetOut: "usdc", AmountIn: "5", AmountOut: "200"},
		{AssetIn: "nep141:eth.omft.near", AssetOut: "usdc-eth", AmountIn: "7", AmountOut: "300"},
	}, "alice.near", "partner.near")
	require.NoError(t, err)
	require.Len(t, s.Intents, 4)

	first := s.Intents[0].(TokenDiff)
	assert.Equal(t, "-7", first.Diff["nep141:eth.omft.near"])
	assert.Equal(t, "297", first.Diff["usdc-eth"])
	assert.Equal(t, "partner.near", first.Referral)
	assert.Equal(t, "partner.near", s.Intents[1].(Transfer).ReceiverID)
	assert.Equal(t, "-5", s.Intents[2].(TokenDiff).Diff["nep141:wrap.near"])
	assert.Equal(t, map[string]string{"usdc": "2"}, s.Intents[3].(Transfer).Tokens)
}

func TestBuildBundle_Rejects(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.BuildBundle(nil, "alice.near", "")
	assert.ErrorIs(t, err, ErrNoLegs)

	_, err = b.Build(relay.Quote{AssetIn: "a", AssetOut: "b", AmountIn: "0", AmountOut: "10"}, "alice.near", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = b.Build(relay.Quote{AssetIn: "a", AssetOut: "b", AmountIn: "1", AmountOut: "x"}, "alice.near", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	short := NewBuilder(Config{}, zaptest.NewLogger(t)).WithEntropy(strings.NewReader("too short"))
	_, err = short.Build(relay.Quote{AssetIn: "a", AssetOut: "b", AmountIn: "1", AmountOut: "10"}, "alice.near", "")
	assert.Error(t, err)
}

func TestCanonical_Golden(t *testing.T) {
	s := &Settlement{
		SignerID:          "alice.near",
		Nonce:             "bm9uY2U=",
		VerifyingContract: "intents.near",
		Deadline:          "2025-03-14T06:28:53.589Z",
		Intents: []Intent{
			TokenDiff{Diff: map[string]string{"z.near": "99", "a.near": "-5"}, Referral: "ref.near"},
			Transfer{ReceiverID: "ref.near", Tokens: map[string]string{"z.near": "1"}, Memo: "referral_fee"},
		},
	}

	got, err := Canonical(s)
	require.NoError(t, err)

	const want = `{"signer_id":"alice.near","nonce":"bm9uY2U=","verifying_contract":"intents.near",` +
		`"deadline":"2025-03-14T06:28:53.589Z","intents":[` +
		`{"intent":"token_diff","diff":{"a.near":"-5","z.near":"99"},"referral":"ref.near"},` +
		`{"intent":"transfer","receiver_id":"ref.near","tokens":{"z.near":"1"},"memo":"referral_fee"}]}`
	assert.Equal(t, want, string(got))

	again, err := Canonical(s)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	parsed, err := Parse(got)
	require.NoError(t, err)
	reencoded, err := Canonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(got), string(reencoded))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	s := &Settlement{
		SignerID: "a&b.near",
		Intents:  []Intent{Transfer{ReceiverID: "<r>", Tokens: map[string]string{"t": "1"}}},
	}
	got, err := Canonical(s)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"signer_id":"a&b.near"`)
	assert.Contains(t, string(got), `"receiver_id":"<r>"`)
}

func TestCanonical_Empty(t *testing.T) {
	_, err := Canonical(&Settlement{SignerID: "alice.near"})
	assert.ErrorIs(t, err, ErrEmptyBundle)
}

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"intents":[{"intent":"mint"}]}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
