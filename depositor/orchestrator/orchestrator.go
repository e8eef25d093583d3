package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/chain"
	"github.com/piggyvault/piggy-hub/depositor/engine"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/piggyvault/piggy-hub/depositor/store"
	"github.com/piggyvault/piggy-hub/depositor/units"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "orchestrator").Logger()
}

// SetLogHook attaches a hook to the package logger
func SetLogHook(h zerolog.Hook) {
	log = log.Hook(h)
}

// Execute phases, reported in PhaseError
const (
	PhaseQuote   = "quote"
	PhasePrice   = "price"
	PhaseFee     = "fee"
	PhaseBranch  = "branch"
	PhaseSubmit  = "submit"
	PhaseReceipt = "receipt"
)

// PriceFeed returns USD prices keyed by lower-cased address
type PriceFeed interface {
	Prices(ctx context.Context, chainID uint64, addresses []string) (map[string]decimal.Decimal, error)
}

// ChainReader is every chain read the orchestrator makes
type ChainReader interface {
	engine.VaultReader
	GetBalance(ctx context.Context, address common.Address) (*uint256.Int, error)
	PendingDeposits(ctx context.Context, vault common.Address) (*uint256.Int, error)
}

// BatchSubmitter submits batched operations and waits for their receipt
type BatchSubmitter interface {
	Submit(ctx context.Context, req chain.SubmitRequest) (string, error)
	AwaitReceipt(ctx context.Context, handle string) (*models.Receipt, error)
}

// Config holds the deployment parameters of a run
type Config struct {
	ChainID             uint64
	SettlementToken     common.Address
	Vault               common.Address
	FeeRate             decimal.Decimal
	FeePhaseDelay       time.Duration
	SubmitDelay         time.Duration
	Paymaster           bool
	PaymasterURL        string
	MaxFeePerGas        *uint256.Int
	MaxPriorityFee      *uint256.Int
	UseDepositAndInvest bool
	// SessionTTL evicts sessions idle for longer; zero keeps them forever
	SessionTTL time.Duration
	// NotifyTimeout bounds a webhook delivery
	NotifyTimeout time.Duration
}

// Dependencies are the collaborators of the orchestrator. Notifier is optional.
type Dependencies struct {
	Aggregator engine.Aggregator
	Prices     PriceFeed
	Reader     ChainReader
	Submitter  BatchSubmitter
	Previews   *store.PreviewStore
	Notifier   Notifier
}

// Orchestrator runs the preview/execute protocol for every session.
type Orchestrator struct {
	config    Config
	planner   *engine.QuotePlanner
	branch    *engine.BranchSelector
	prices    PriceFeed
	reader    ChainReader
	submitter BatchSubmitter
	previews  *store.PreviewStore
	notifier  Notifier
	metrics   *metrics
	tracer    trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session

	// pending webhook deliveries
	notifications sync.WaitGroup

	// replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an orchestrator
func New(config Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Aggregator == nil || deps.Prices == nil || deps.Reader == nil || deps.Submitter == nil || deps.Previews == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if config.FeeRate.IsNegative() || config.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("orchestrator: fee rate %s out of range", config.FeeRate)
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = 10 * time.Second
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to create metrics: %w", err)
	}

	return &Orchestrator{
		config:    config,
		planner:   engine.NewQuotePlanner(deps.Aggregator),
		branch:    engine.NewBranchSelector(deps.Reader, config.Vault, config.SettlementToken, config.UseDepositAndInvest),
		prices:    deps.Prices,
		reader:    deps.Reader,
		submitter: deps.Submitter,
		previews:  deps.Previews,
		notifier:  deps.Notifier,
		metrics:   m,
		tracer:    otel.Tracer(instrumentationName),
		sessions:  make(map[string]*Session),
		sleep:     sleepContext,
		now:       time.Now,
	}, nil
}

// CreateSession registers a new session for an account. A zero chain ID
// selects the configured chain.
func (o *Orchestrator) CreateSession(account common.Address, chainID uint64) (*Session, error) {
	if account == (common.Address{}) {
		return nil, fmt.Errorf("%w: account is required", models.ErrValidation)
	}
	if chainID == 0 {
		chainID = o.config.ChainID
	}
	if chainID != o.config.ChainID {
		return nil, fmt.Errorf("%w: chain %d is not served, expected %d", models.ErrValidation, chainID, o.config.ChainID)
	}

	now := o.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		Account:      account,
		ChainID:      chainID,
		CreatedAt:    now,
		lastActivity: now,
	}
	o.mu.Lock()
	o.sessions[sess.ID] = sess
	o.mu.Unlock()

	log.Info().Str("session", sess.ID).Str("account", account.Hex()).Msg("Session created")
	return sess, nil
}

// Session looks up a session by ID
func (o *Orchestrator) Session(id string) (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sess, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return sess, nil
}

// HasPreview reports whether the session holds a live preview
func (o *Orchestrator) HasPreview(id string) bool {
	return o.previews.Has(id)
}

// Estimate values the selection with prices from the feed, keeping prices
// the caller supplied. A nil quote means no estimate is available.
func (o *Orchestrator) Estimate(
	ctx context.Context,
	selection models.SourceSelection,
	destination models.TokenRef,
) (*models.ExchangeQuote, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}

	addresses := []string{destination.Address}
	for _, entry := range selection.Entries {
		addresses = append(addresses, entry.Token.Address)
	}
	prices, err := o.prices.Prices(ctx, o.config.ChainID, addresses)
	if err != nil {
		return nil, err
	}

	selection, destination = engine.ApplyPrices(selection, destination, prices)
	return engine.ComputeBlendedRate(selection, destination), nil
}

// Preview quotes the source swaps without committing anything and stores the
// snapshot execute consumes. A second preview replaces the first.
func (o *Orchestrator) Preview(
	ctx context.Context,
	sessionID string,
	selection models.SourceSelection,
	destination models.TokenRef,
) (*models.PreviewResponse, error) {
	sess, err := o.Session(sessionID)
	if err != nil {
		return nil, err
	}

	// Validation runs before the state machine moves
	if err := selection.Validate(); err != nil {
		return nil, err
	}
	active := selection.ActiveEntries()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no source token with a positive amount", models.ErrValidation)
	}
	if !common.IsHexAddress(destination.Address) {
		return nil, fmt.Errorf("%w: no destination token selected", models.ErrValidation)
	}

	if _, err := sess.begin(StatePreviewing, o.now()); err != nil {
		return nil, err
	}
	defer func() { sess.touch(o.now()) }()

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Preview", trace.WithAttributes(
		attribute.String("depositor.session", sess.ID),
		attribute.Int("depositor.source_count", len(active)),
	))
	defer span.End()

	resp, err := o.preview(ctx, sess, selection, active, destination)
	if err != nil {
		if delErr := o.previews.Delete(sess.ID); delErr != nil {
			log.Warn().Err(delErr).Str("session", sess.ID).Msg("Failed to clear stale preview")
		}
		sess.failed(err, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.preview(ctx, "failed")
		log.Error().Err(err).Str("session", sess.ID).Msg("Preview failed")
		return nil, err
	}

	sess.previewed(selection)
	o.metrics.preview(ctx, "ok")
	log.Info().
		Str("session", sess.ID).
		Str("total_destination", resp.TotalDestinationAmount).
		Bool("multi", resp.IsMultiToken).
		Msg("Preview stored")
	return resp, nil
}

func (o *Orchestrator) preview(
	ctx context.Context,
	sess *Session,
	selection models.SourceSelection,
	active []models.SourceEntry,
	destination models.TokenRef,
) (*models.PreviewResponse, error) {
	quote, err := o.planner.Plan(ctx, engine.QuoteRequest{
		ChainID:     sess.ChainID,
		User:        models.CanonicalAddress(sess.Account.Hex()),
		Destination: destination,
		Sources:     active,
	})
	if err != nil {
		return nil, err
	}

	balance, err := o.reader.TokenBalance(ctx, o.config.SettlementToken, sess.Account)
	if err != nil {
		return nil, err
	}

	state := models.PreviewState{
		SessionID:              sess.ID,
		IsMultiToken:           selection.Multi,
		ApprovalRequest:        quote.ApprovalRequest,
		SwapRequest:            quote.SwapRequest,
		SwapResponse:           quote.SwapResponse,
		TotalDestinationAmount: quote.TotalDestination.Dec(),
		SettlementTokenBalance: balance.Dec(),
		Destination:            destination,
		Sources:                active,
		CreatedAt:              o.now().UTC(),
	}
	if err := o.previews.Save(state); err != nil {
		return nil, err
	}

	return &models.PreviewResponse{
		EstimatedOutput:        units.New(quote.TotalDestination, destination.Decimals).Format(engine.RatePrecision),
		TotalDestinationAmount: state.TotalDestinationAmount,
		IsMultiToken:           state.IsMultiToken,
		SettlementTokenBalance: state.SettlementTokenBalance,
	}, nil
}

// Execute consumes the session's preview, builds the full batched operation
// from fresh quotes and chain reads, submits it and waits for the receipt.
// The preview is deleted whatever the result.
//
// Once started a run is not cancelled with ctx; it ends at a failed step or
// the terminal receipt, whose wait is bounded by the submitter.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) (*models.OperationOutcome, error) {
	sess, err := o.Session(sessionID)
	if err != nil {
		return nil, err
	}
	prev, err := sess.begin(StateExecuting, o.now())
	if err != nil {
		return nil, err
	}
	defer func() { sess.touch(o.now()) }()

	preview, err := o.previews.Load(sess.ID)
	if err != nil {
		if prev == StatePreviewed {
			sess.failed(err, nil)
		} else {
			sess.restore(prev)
		}
		return nil, err
	}
	defer func() {
		if err := o.previews.Delete(sess.ID); err != nil {
			log.Error().Err(err).Str("session", sess.ID).Msg("Failed to delete preview")
		}
	}()

	ctx = context.WithoutCancel(ctx)
	started := o.now()
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Execute", trace.WithAttributes(
		attribute.String("depositor.session", sess.ID),
		attribute.Int("depositor.source_count", len(preview.Sources)),
	))
	defer span.End()

	outcome, err := o.execute(ctx, sess, preview)
	if err != nil {
		phase := ""
		var phaseErr *models.PhaseError
		if errors.As(err, &phaseErr) {
			phase = phaseErr.Phase
		}
		sess.failed(err, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.execute(ctx, "failed", phase, started)
		log.Error().Err(err).Str("session", sess.ID).Str("phase", phase).Msg("Execute failed")
		return outcome, err
	}

	sess.succeeded(outcome)
	o.metrics.execute(ctx, "ok", "", started)
	log.Info().
		Str("session", sess.ID).
		Str("handle", outcome.SubmittedHandle).
		Str("entry", outcome.DepositEntry).
		Int("calls", outcome.CallCount).
		Msg("Execute succeeded")

	o.notify(ctx, sess, outcome)
	return outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, sess *Session, preview *models.PreviewState) (*models.OperationOutcome, error) {
	user := models.CanonicalAddress(sess.Account.Hex())
	destination := preview.Destination

	// Final source approvals and swaps
	quote, err := o.planner.Plan(ctx, engine.QuoteRequest{
		ChainID:     sess.ChainID,
		User:        user,
		Destination: destination,
		Sources:     preview.Sources,
	})
	if err != nil {
		return nil, &models.PhaseError{Phase: PhaseQuote, Err: err}
	}

	if err := o.sleep(ctx, o.config.FeePhaseDelay); err != nil {
		return nil, &models.PhaseError{Phase: PhaseFee, Err: err}
	}

	price, err := o.destinationPrice(ctx, sess.ChainID, destination)
	if err != nil {
		return nil, &models.PhaseError{Phase: PhasePrice, Err: err}
	}

	fee := engine.ComputeFee(quote.TotalDestination, price, o.config.FeeRate)
	if fee.RawFee.IsZero() {
		return nil, &models.PhaseError{Phase: PhaseFee,
			Err: fmt.Errorf("%w: fee on %s rounds to zero", models.ErrValidation, quote.TotalDestination.Dec())}
	}

	var feeApproval, feeSwap *models.CallStep
	depositAmount := new(uint256.Int).Set(fee.RawFee)
	if models.CanonicalAddress(destination.Address) != models.CanonicalAddress(o.config.SettlementToken.Hex()) {
		approval, err := o.planner.RequestApproval(ctx, sess.ChainID, destination.Address, fee.RawFee.Dec())
		if err != nil {
			return nil, &models.PhaseError{Phase: PhaseFee, Err: err}
		}
		leg, err := o.planner.RequestSwap(ctx, sess.ChainID, user, destination.Address, fee.RawFee.Dec(),
			models.CanonicalAddress(o.config.SettlementToken.Hex()))
		if err != nil {
			return nil, &models.PhaseError{Phase: PhaseFee, Err: err}
		}
		feeApproval, feeSwap = &approval, &leg.Call
		depositAmount = leg.DestinationAmount
	}

	if err := o.sleep(ctx, o.config.SubmitDelay); err != nil {
		return nil, &models.PhaseError{Phase: PhaseSubmit, Err: err}
	}

	decision, err := o.branch.Decide(ctx, sess.Account, depositAmount)
	if err != nil {
		return nil, &models.PhaseError{Phase: PhaseBranch, Err: err}
	}

	plan := engine.Assemble(engine.AssembleInput{
		Approvals:     quote.Approvals,
		Swaps:         quote.Swaps,
		FeeApproval:   feeApproval,
		FeeSwap:       feeSwap,
		VaultApproval: decision.VaultApproval,
		Deposit:       decision.Deposit,
		Invest:        decision.Invest,
	})
	for i, step := range plan.Steps() {
		log.Debug().Int("index", i).Str("phase", step.Phase.String()).
			Str("to", step.Call.To.Hex()).Str("method", chain.DescribeCall(step.Call)).Msg("Planned call")
	}

	outcome := &models.OperationOutcome{
		CallCount:     plan.Len(),
		RawFee:        fee.RawFee.Dec(),
		NetPredicted:  fee.NetPredicted.Dec(),
		DepositAmount: depositAmount.Dec(),
		DepositEntry:  string(decision.Entry),
		Invested:      decision.Invested(),
	}

	handle, err := o.submitter.Submit(ctx, chain.SubmitRequest{
		Account:              sess.Account,
		ChainID:              sess.ChainID,
		Calls:                plan.Calls(),
		Paymaster:            o.config.Paymaster,
		PaymasterURL:         o.config.PaymasterURL,
		MaxFeePerGas:         o.config.MaxFeePerGas,
		MaxPriorityFeePerGas: o.config.MaxPriorityFee,
	})
	if err != nil {
		return nil, &models.PhaseError{Phase: PhaseSubmit, Err: err}
	}
	outcome.SubmittedHandle = handle
	o.metrics.batch(ctx, plan.Len())

	receipt, err := o.submitter.AwaitReceipt(ctx, handle)
	if err != nil {
		return outcome, &models.PhaseError{Phase: PhaseReceipt, Err: err}
	}
	outcome.TerminalReceipt = receipt
	if !receipt.Success {
		outcome.Status = models.OutcomeReverted
		return outcome, &models.PhaseError{Phase: PhaseReceipt, Err: &models.RevertedError{Handle: handle, Receipt: receipt}}
	}
	outcome.Status = models.OutcomeSuccess
	outcome.Balances = o.refreshBalances(ctx, sess, preview)
	return outcome, nil
}

// destinationPrice asks the feed for a fresh price and falls back to the
// price recorded at preview time when the feed has none.
func (o *Orchestrator) destinationPrice(ctx context.Context, chainID uint64, destination models.TokenRef) (decimal.Decimal, error) {
	prices, err := o.prices.Prices(ctx, chainID, []string{destination.Address})
	if err != nil {
		return decimal.Zero, err
	}
	price := prices[models.CanonicalAddress(destination.Address)]
	if price.IsPositive() {
		return price, nil
	}
	if stored, err := decimal.NewFromString(destination.Price); err == nil && stored.IsPositive() {
		log.Warn().Str("token", destination.Address).Msg("Price feed has no price, using preview price")
		return stored, nil
	}
	return decimal.Zero, nil
}

// refreshBalances re-reads the balances the run changed. Failures are logged
// and the balance is left out.
func (o *Orchestrator) refreshBalances(ctx context.Context, sess *Session, preview *models.PreviewState) map[string]string {
	balances := make(map[string]string)
	read := func(key string, fn func() (*uint256.Int, error)) {
		v, err := fn()
		if err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Str("balance", key).Msg("Balance refresh failed")
			return
		}
		balances[key] = v.Dec()
	}

	tokens := []string{models.CanonicalAddress(preview.Destination.Address), models.CanonicalAddress(o.config.SettlementToken.Hex())}
	for _, entry := range preview.Sources {
		tokens = append(tokens, models.CanonicalAddress(entry.Token.Address))
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		read(token, func() (*uint256.Int, error) {
			return o.reader.TokenBalance(ctx, common.HexToAddress(token), sess.Account)
		})
	}
	read("native", func() (*uint256.Int, error) {
		return o.reader.GetBalance(ctx, sess.Account)
	})
	read("vaultShares", func() (*uint256.Int, error) {
		return o.reader.VaultShares(ctx, o.config.Vault, sess.Account)
	})
	read("vaultPendingDeposits", func() (*uint256.Int, error) {
		return o.reader.PendingDeposits(ctx, o.config.Vault)
	})
	return balances
}

// notify delivers the deposit event in the background so a slow webhook
// does not hold the execute response
func (o *Orchestrator) notify(ctx context.Context, sess *Session, outcome *models.OperationOutcome) {
	if o.notifier == nil {
		return
	}
	event := depositedEvent(sess, outcome, o.now())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.NotifyTimeout)

	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		defer cancel()
		if err := o.notifier.Notify(ctx, event); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Deposit notification failed")
		}
	}()
}

// Wait blocks until pending notifications are delivered or have timed out
func (o *Orchestrator) Wait() {
	o.notifications.Wait()
}

// SweepExpired removes expired previews and idle sessions until ctx is done
func (o *Orchestrator) SweepExpired(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	if _, err := o.previews.Sweep(); err != nil {
		log.Warn().Err(err).Msg("Preview sweep failed")
	}
	if evicted := o.evictIdleSessions(); evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Idle sessions evicted")
	}
}

// evictIdleSessions drops sessions with no operation in flight that have been
// idle for longer than the session TTL, together with their previews
func (o *Orchestrator) evictIdleSessions() int {
	if o.config.SessionTTL <= 0 {
		return 0
	}
	cutoff := o.now().Add(-o.config.SessionTTL)

	o.mu.Lock()
	var evicted []string
	for id, sess := range o.sessions {
		if sess.idleSince(cutoff) {
			delete(o.sessions, id)
			evicted = append(evicted, id)
		}
	}
	o.mu.Unlock()

	for _, id := range evicted {
		if err := o.previews.Delete(id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Failed to delete preview of evicted session")
		}
	}
	return len(evicted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
