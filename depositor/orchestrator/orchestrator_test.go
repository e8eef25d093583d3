package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/chain"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/piggyvault/piggy-hub/depositor/store"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

const (
	usdc   = "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359"
	wmatic = "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270"
	weth   = "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619"
	dai    = "0x8f3cf7ad23cd3cadbd9735aff958023239c6a063"
	router = "0x1111111254eeb25477b68fb85ed929f73a960582"
)

var (
	account = common.HexToAddress("0x2222222222222222222222222222222222222222")
	vault   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeAggregator struct {
	mu        sync.Mutex
	approvals []string
	swaps     []string
	dst       map[string]string // dstAmount by source token
	feeToken  string            // token whose swaps into the settlement token are fee swaps
	feeDst    string
	failSwap  map[string]error

	// when set, Approve signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}
}

func (f *fakeAggregator) Approve(_ context.Context, req models.ApproveRequest) (*models.ApproveResponse, error) {
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, req.Tokens[0])
	return &models.ApproveResponse{ApproveDatas: []models.TxData{{To: req.Tokens[0], Data: "0x095ea7b3", Value: "0"}}}, nil
}

func (f *fakeAggregator) Swap(_ context.Context, req models.SwapRequest) (*models.SwapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := req.Tokens[0]
	f.swaps = append(f.swaps, token)
	if err := f.failSwap[token]; err != nil {
		return nil, err
	}
	dst := f.dst[token]
	if token == f.feeToken && req.DstTokenAddress == usdc {
		dst = f.feeDst
	}
	return &models.SwapResponse{SwapDatas: []models.SwapData{{
		Tx:        models.TxData{To: router, Data: "0x12aa3caf", Value: "0"},
		DstAmount: dst,
	}}}, nil
}

func (f *fakeAggregator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approvals) + len(f.swaps)
}

type fakePrices struct {
	prices map[string]decimal.Decimal
	calls  int
}

func (f *fakePrices) Prices(_ context.Context, _ uint64, addresses []string) (map[string]decimal.Decimal, error) {
	f.calls++
	out := make(map[string]decimal.Decimal, len(addresses))
	for _, addr := range addresses {
		out[models.CanonicalAddress(addr)] = f.prices[models.CanonicalAddress(addr)]
	}
	return out, nil
}

type fakeReader struct {
	settlement *uint256.Int
	threshold  *uint256.Int
	shares     *uint256.Int
	err        error
	calls      int
}

func (f *fakeReader) TokenBalance(_ context.Context, token, _ common.Address) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if token == common.HexToAddress(usdc) {
		return f.settlement, nil
	}
	return uint256.NewInt(0), nil
}

func (f *fakeReader) InvestThreshold(context.Context, common.Address) (*uint256.Int, error) {
	f.calls++
	return f.threshold, f.err
}

func (f *fakeReader) VaultShares(context.Context, common.Address, common.Address) (*uint256.Int, error) {
	f.calls++
	return f.shares, f.err
}

func (f *fakeReader) GetBalance(context.Context, common.Address) (*uint256.Int, error) {
	f.calls++
	return uint256.NewInt(1), f.err
}

func (f *fakeReader) PendingDeposits(context.Context, common.Address) (*uint256.Int, error) {
	f.calls++
	return uint256.NewInt(0), f.err
}

type fakeSubmitter struct {
	requests []chain.SubmitRequest
	receipt  *models.Receipt
	awaited  int

	onSubmit func()
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeSubmitter) Submit(_ context.Context, req chain.SubmitRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return fmt.Sprintf("0xbatch%d", len(f.requests)), nil
}

// AwaitReceipt gives up when ctx is done, as the wallet poller does
func (f *fakeSubmitter) AwaitReceipt(ctx context.Context, handle string) (*models.Receipt, error) {
	f.awaited++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := *f.receipt
	r.Handle = handle
	return &r, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []Event
	deadlines []bool
	ctxErrs   []error
	release   chan struct{}
}

func (f *fakeNotifier) Notify(ctx context.Context, event Event) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.events = append(f.events, event)
	f.deadlines = append(f.deadlines, hasDeadline)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return nil
}

func (f *fakeNotifier) delivered() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

type harness struct {
	orch      *Orchestrator
	kv        *store.PebbleStore
	previews  *store.PreviewStore
	agg       *fakeAggregator
	prices    *fakePrices
	reader    *fakeReader
	submitter *fakeSubmitter
	notifier  *fakeNotifier
	sleeps    []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv, err := store.OpenInMemory()
	assert.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	h := &harness{
		kv: kv,
		agg: &fakeAggregator{
			dst: map[string]string{
				wmatic: "1000000000000000000",
				weth:   "1000000000000000000",
				dai:    "3000000",
			},
			feeToken: dai,
			feeDst:   "99000",
		},
		prices: &fakePrices{prices: map[string]decimal.Decimal{
			dai:  decimal.RequireFromString("1"),
			usdc: decimal.RequireFromString("1"),
		}},
		reader: &fakeReader{
			settlement: uint256.NewInt(0),
			threshold:  uint256.NewInt(1_000_000_000),
			shares:     uint256.NewInt(0),
		},
		submitter: &fakeSubmitter{receipt: &models.Receipt{StatusCode: 200, Success: true, TransactionHash: []string{"0xabc"}}},
		notifier:  &fakeNotifier{},
	}

	h.previews = store.NewPreviewStore(kv, 5*time.Minute)
	orch, err := New(Config{
		ChainID:         137,
		SettlementToken: common.HexToAddress(usdc),
		Vault:           vault,
		FeeRate:         decimal.RequireFromString("0.05"),
		FeePhaseDelay:   500 * time.Millisecond,
		SubmitDelay:     300 * time.Millisecond,
		MaxFeePerGas:    uint256.NewInt(1_000_000_000),
		MaxPriorityFee:  uint256.NewInt(5_000_000),
		SessionTTL:      time.Hour,
	}, Dependencies{
		Aggregator: h.agg,
		Prices:     h.prices,
		Reader:     h.reader,
		Submitter:  h.submitter,
		Previews:   h.previews,
		Notifier:   h.notifier,
	})
	assert.NoError(t, err)
	orch.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.orch = orch
	return h
}

func (h *harness) networkCalls() int {
	return h.agg.calls() + h.prices.calls + h.reader.calls + len(h.submitter.requests)
}

func ref(addr string, decimals uint8) models.TokenRef {
	return models.NewTokenRef(addr, "", "", &decimals, "")
}

func twoSources() models.SourceSelection {
	return models.MultiSource(
		models.SourceEntry{Token: ref(wmatic, 18), Amount: "4000000000000000000"},
		models.SourceEntry{Token: ref(weth, 18), Amount: "1000000000000000"},
		models.SourceEntry{Token: ref(dai, 18), Amount: ""},
	)
}

func methods(t *testing.T, calls []models.CallStep) []string {
	t.Helper()
	out := make([]string, len(calls))
	for i, call := range calls {
		out[i] = chain.DescribeCall(call)
	}
	return out
}

func TestExecuteWithoutPreviewMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.Nil(t, outcome)
	assert.True(t, errors.Is(err, models.ErrPreviewMissing))
	assert.Equal(t, h.networkCalls(), 0)
	assert.Equal(t, sess.State(), StateIdle)
}

func TestPreviewValidation(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 137)
	assert.NoError(t, err)

	inactive := models.MultiSource(models.SourceEntry{Token: ref(wmatic, 18), Amount: "0"})
	_, err = h.orch.Preview(context.Background(), sess.ID, inactive, ref(usdc, 6))
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), models.TokenRef{})
	assert.True(t, errors.Is(err, models.ErrValidation))

	assert.Equal(t, h.networkCalls(), 0)
	assert.Equal(t, sess.State(), StateIdle)

	_, err = h.orch.CreateSession(account, 1)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestPreviewTwiceKeepsOneState(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	first, err := h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)
	assert.Equal(t, first.TotalDestinationAmount, "2000000000000000000")
	assert.Equal(t, first.EstimatedOutput, "2.000000")
	assert.True(t, first.IsMultiToken)

	single := models.SingleSource(ref(wmatic, 18), "1")
	second, err := h.orch.Preview(context.Background(), sess.ID, single, ref(dai, 18))
	assert.NoError(t, err)
	assert.Equal(t, second.TotalDestinationAmount, "1000000000000000000")

	keys, err := h.kv.Keys(models.PreviewStateKey)
	assert.NoError(t, err)
	assert.Equal(t, len(keys), 1)
	assert.Equal(t, sess.State(), StatePreviewed)
	assert.True(t, h.orch.HasPreview(sess.ID))

	// preview does not submit
	assert.Equal(t, len(h.submitter.requests), 0)
}

func TestExecuteSucceeds(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, outcome.Status, models.OutcomeSuccess)

	// 5% of 2e18 at a price of 1
	assert.Equal(t, outcome.RawFee, "100000000000000000")
	assert.Equal(t, outcome.NetPredicted, "1900000000000000000")
	assert.Equal(t, outcome.DepositAmount, "99000")
	assert.Equal(t, outcome.DepositEntry, "depositAll")
	assert.False(t, outcome.Invested)
	assert.Equal(t, outcome.CallCount, 8)

	assert.Equal(t, len(h.submitter.requests), 1)
	req := h.submitter.requests[0]
	assert.Equal(t, req.Account, account)
	assert.Equal(t, req.MaxPriorityFeePerGas.Uint64(), uint64(5_000_000))
	assert.DeepEqual(t, methods(t, req.Calls), []string{
		"approve", "approve", "0x12aa3caf", "0x12aa3caf", "approve", "0x12aa3caf", "approve", "depositAll",
	})
	assert.Equal(t, req.Calls[4].To, common.HexToAddress(dai))
	assert.Equal(t, req.Calls[6].To, common.HexToAddress(usdc))

	assert.DeepEqual(t, h.sleeps, []time.Duration{500 * time.Millisecond, 300 * time.Millisecond})
	assert.False(t, h.orch.HasPreview(sess.ID))
	assert.Equal(t, sess.State(), StateSucceeded)
	assert.Nil(t, sess.Selection())
	assert.Equal(t, outcome.Balances[usdc], "0")
	assert.Equal(t, outcome.Balances["native"], "1")

	h.orch.Wait()
	events := h.notifier.delivered()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Event, "deposit.succeeded")
	assert.Equal(t, events[0].Data.Handle, outcome.SubmittedHandle)
}

func TestExecuteIntoSettlementTokenSkipsFeeSwap(t *testing.T) {
	h := newHarness(t)
	h.agg.dst[wmatic] = "2000000"
	h.reader.settlement = uint256.NewInt(123)
	h.reader.threshold = uint256.NewInt(100_000)
	h.reader.shares = uint256.NewInt(0)

	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, models.SingleSource(ref(wmatic, 18), "1"), ref(usdc, 6))
	assert.NoError(t, err)

	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, outcome.RawFee, "100000")
	assert.Equal(t, outcome.DepositAmount, "100000")
	assert.Equal(t, outcome.DepositEntry, "deposit")
	assert.True(t, outcome.Invested)
	assert.DeepEqual(t, methods(t, h.submitter.requests[0].Calls), []string{
		"approve", "0x12aa3caf", "approve", "deposit", "invest",
	})
}

func TestExecuteSecondSwapFailureSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.agg.feeToken = ""
	h.agg.dst[dai] = "1000000000000000000"
	selection := models.MultiSource(
		models.SourceEntry{Token: ref(wmatic, 18), Amount: "1"},
		models.SourceEntry{Token: ref(weth, 18), Amount: "1"},
		models.SourceEntry{Token: ref(dai, 18), Amount: "1"},
	)

	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, selection, ref(usdc, 6))
	assert.NoError(t, err)
	assert.Equal(t, len(h.agg.approvals), 3)
	assert.Equal(t, len(h.agg.swaps), 3)

	h.agg.failSwap = map[string]error{weth: &models.UpstreamError{Status: 400, Err: models.ErrUpstreamRejected}}
	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.Nil(t, outcome)
	assert.True(t, errors.Is(err, models.ErrUpstreamRejected))

	var phase *models.PhaseError
	assert.True(t, errors.As(err, &phase))
	assert.Equal(t, phase.Phase, PhaseQuote)
	var leg *models.LegError
	assert.True(t, errors.As(err, &leg))
	assert.Equal(t, leg.Token, weth)

	assert.Equal(t, len(h.submitter.requests), 0)
	assert.Equal(t, len(h.agg.swaps), 5)
	assert.False(t, h.orch.HasPreview(sess.ID))
	assert.Equal(t, sess.State(), StateFailed)

	// a failed run can be previewed again
	h.agg.failSwap = nil
	_, err = h.orch.Preview(context.Background(), sess.ID, selection, ref(usdc, 6))
	assert.NoError(t, err)
}

func TestExecuteReverted(t *testing.T) {
	h := newHarness(t)
	h.submitter.receipt = &models.Receipt{StatusCode: 500}

	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrReverted))
	assert.NotNil(t, outcome)
	assert.Equal(t, outcome.Status, models.OutcomeReverted)
	assert.Equal(t, outcome.TerminalReceipt.StatusCode, 500)
	assert.False(t, h.orch.HasPreview(sess.ID))
	assert.Equal(t, sess.State(), StateFailed)
	h.orch.Wait()
	assert.Equal(t, len(h.notifier.delivered()), 0)
}

func TestExecuteZeroFee(t *testing.T) {
	h := newHarness(t)
	h.prices.prices = map[string]decimal.Decimal{}

	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	_, err = h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrValidation))
	var phase *models.PhaseError
	assert.True(t, errors.As(err, &phase))
	assert.Equal(t, phase.Phase, PhaseFee)
	assert.Equal(t, len(h.submitter.requests), 0)
}

func TestExecuteChainReadFailure(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	h.reader.err = fmt.Errorf("%w: connection refused", models.ErrChainRead)
	_, err = h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrChainRead))
	var phase *models.PhaseError
	assert.True(t, errors.As(err, &phase))
	assert.Equal(t, phase.Phase, PhaseBranch)
	assert.Equal(t, len(h.submitter.requests), 0)
	assert.False(t, h.orch.HasPreview(sess.ID))
}

func TestBusySessionRejectsPreviewAndExecute(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	_, err = sess.begin(StateExecuting, time.Now())
	assert.NoError(t, err)

	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.True(t, errors.Is(err, models.ErrSessionBusy))
	_, err = h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrSessionBusy))
	assert.Equal(t, h.networkCalls(), 0)
	assert.Equal(t, sess.State(), StateExecuting)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Execute(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestEstimateFillsPricesFromFeed(t *testing.T) {
	h := newHarness(t)
	h.prices.prices[wmatic] = decimal.RequireFromString("0.5")

	quote, err := h.orch.Estimate(context.Background(), models.SingleSource(ref(wmatic, 18), "2000000000000000000"), ref(usdc, 6))
	assert.NoError(t, err)
	assert.Equal(t, quote.Rate, "0.500000")
	assert.Equal(t, quote.PredictedOutput, "1.000000")

	quote, err = h.orch.Estimate(context.Background(), models.SingleSource(ref(weth, 18), "1"), ref(usdc, 6))
	assert.NoError(t, err)
	assert.Nil(t, quote)
}

func TestExecuteIgnoresCallerCancellationAfterSubmit(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	// the caller goes away once the batch is accepted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.submitter.onSubmit = cancel

	outcome, err := h.orch.Execute(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, outcome.Status, models.OutcomeSuccess)
	assert.Equal(t, outcome.SubmittedHandle, "0xbatch1")
	assert.Equal(t, h.submitter.awaited, 1)
	assert.Equal(t, outcome.Balances["native"], "1")
	assert.Equal(t, sess.State(), StateSucceeded)

	h.orch.Wait()
	assert.Equal(t, len(h.notifier.delivered()), 1)
	assert.DeepEqual(t, h.notifier.deadlines, []bool{true})
	assert.Nil(t, h.notifier.ctxErrs[0])
}

func TestSlowWebhookDoesNotHoldExecute(t *testing.T) {
	h := newHarness(t)
	h.notifier.release = make(chan struct{})
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, outcome.Status, models.OutcomeSuccess)
	assert.Equal(t, len(h.notifier.delivered()), 0)

	close(h.notifier.release)
	h.orch.Wait()
	assert.Equal(t, len(h.notifier.delivered()), 1)
}

func TestFailedPreviewLeavesNoState(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)
	assert.True(t, h.orch.HasPreview(sess.ID))

	// chain read after the quote
	h.reader.err = fmt.Errorf("%w: timeout", models.ErrChainRead)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.True(t, errors.Is(err, models.ErrChainRead))
	assert.False(t, h.orch.HasPreview(sess.ID))
	assert.Equal(t, sess.State(), StateFailed)
	assert.Nil(t, sess.Selection())

	// quote
	h.reader.err = nil
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)
	h.agg.failSwap = map[string]error{wmatic: &models.UpstreamError{Status: 503, Err: models.ErrUpstreamUnavailable}}
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
	assert.False(t, h.orch.HasPreview(sess.ID))

	keys, err := h.kv.Keys(models.PreviewStateKey)
	assert.NoError(t, err)
	assert.Equal(t, len(keys), 0)
	assert.Equal(t, len(h.submitter.requests), 0)
}

func TestExecuteWithExpiredPreviewFails(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)
	assert.Equal(t, sess.State(), StatePreviewed)
	quoted := h.agg.calls()

	h.previews.SetClock(func() time.Time { return time.Now().Add(6 * time.Minute) })
	outcome, err := h.orch.Execute(context.Background(), sess.ID)
	assert.Nil(t, outcome)
	assert.True(t, errors.Is(err, models.ErrPreviewMissing))
	assert.Equal(t, sess.State(), StateFailed)
	assert.Equal(t, h.agg.calls(), quoted)
	assert.Equal(t, len(h.submitter.requests), 0)

	keys, err := h.kv.Keys(models.PreviewStateKey)
	assert.NoError(t, err)
	assert.Equal(t, len(keys), 0)
}

func TestConcurrentCallsDuringExecuteAreRejected(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	h.submitter.entered = make(chan struct{})
	h.submitter.release = make(chan struct{})
	type result struct {
		outcome *models.OperationOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := h.orch.Execute(context.Background(), sess.ID)
		done <- result{outcome, err}
	}()

	<-h.submitter.entered
	assert.Equal(t, sess.State(), StateExecuting)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.True(t, errors.Is(err, models.ErrSessionBusy))
	_, err = h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrSessionBusy))

	close(h.submitter.release)
	res := <-done
	assert.NoError(t, res.err)
	assert.Equal(t, res.outcome.Status, models.OutcomeSuccess)
	assert.Equal(t, len(h.submitter.requests), 1)
	assert.Equal(t, sess.State(), StateSucceeded)
}

func TestConcurrentCallsDuringPreviewAreRejected(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)

	h.agg.entered = make(chan struct{}, 3)
	h.agg.release = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
		done <- err
	}()

	<-h.agg.entered
	assert.Equal(t, sess.State(), StatePreviewing)
	_, err = h.orch.Preview(context.Background(), sess.ID, twoSources(), ref(dai, 18))
	assert.True(t, errors.Is(err, models.ErrSessionBusy))
	_, err = h.orch.Execute(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, models.ErrSessionBusy))

	close(h.agg.release)
	assert.NoError(t, <-done)
	assert.Equal(t, sess.State(), StatePreviewed)
	assert.Equal(t, len(h.submitter.requests), 0)
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.orch.now = func() time.Time { return now }

	stale, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	active, err := h.orch.CreateSession(account, 0)
	assert.NoError(t, err)
	_, err = h.orch.Preview(context.Background(), stale.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	now = now.Add(30 * time.Minute)
	_, err = h.orch.Preview(context.Background(), active.ID, twoSources(), ref(dai, 18))
	assert.NoError(t, err)

	now = now.Add(31 * time.Minute)
	assert.Equal(t, h.orch.evictIdleSessions(), 1)
	_, err = h.orch.Session(stale.ID)
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
	assert.False(t, h.orch.HasPreview(stale.ID))
	_, err = h.orch.Session(active.ID)
	assert.NoError(t, err)
	assert.True(t, h.orch.HasPreview(active.ID))

	// a session with an operation in flight is never evicted
	_, err = active.begin(StateExecuting, now)
	assert.NoError(t, err)
	now = now.Add(3 * time.Hour)
	assert.Equal(t, h.orch.evictIdleSessions(), 0)
	_, err = h.orch.Session(active.ID)
	assert.NoError(t, err)
}
