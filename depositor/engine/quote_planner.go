package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "engine").Logger()
}

// SetLogHook attaches a hook to the package logger
func SetLogHook(h zerolog.Hook) {
	log = log.Hook(h)
}

const tracerName = "github.com/piggyvault/piggy-hub/depositor/engine"

// Aggregator is the quoting side of the aggregator client
type Aggregator interface {
	Approve(ctx context.Context, req models.ApproveRequest) (*models.ApproveResponse, error)
	Swap(ctx context.Context, req models.SwapRequest) (*models.SwapResponse, error)
}

// QuotePlanner obtains approval and swap call data for each source token.
type QuotePlanner struct {
	aggregator Aggregator
	tracer     trace.Tracer
}

// NewQuotePlanner creates a planner over the given aggregator
func NewQuotePlanner(aggregator Aggregator) *QuotePlanner {
	return &QuotePlanner{
		aggregator: aggregator,
		tracer:     otel.Tracer(tracerName),
	}
}

// QuoteRequest describes one quoting pass.
type QuoteRequest struct {
	ChainID     uint64
	User        string
	Destination models.TokenRef
	Sources     []models.SourceEntry
}

// SwapLeg is a swap call plus the destination amount it is quoted to produce.
type SwapLeg struct {
	Call              models.CallStep
	DestinationAmount *uint256.Int
	Raw               models.SwapData
}

// Quote is the complete result of a quoting pass. Approvals and Swaps keep
// the order of the source entries.
type Quote struct {
	Approvals        []models.CallStep
	Swaps            []models.CallStep
	TotalDestination *uint256.Int

	// Aggregate request/response records kept in the preview snapshot
	ApprovalRequest models.ApproveRequest
	SwapRequest     models.SwapRequest
	SwapResponse    models.SwapResponse
}

// RequestApproval asks the aggregator for the approval call of one token.
func (p *QuotePlanner) RequestApproval(ctx context.Context, chainID uint64, token, amount string) (models.CallStep, error) {
	resp, err := p.aggregator.Approve(ctx, models.ApproveRequest{
		ChainID: chainID,
		Tokens:  []string{token},
		Amounts: []string{amount},
	})
	if err != nil {
		return models.CallStep{}, legError(token, "approve", err)
	}
	if len(resp.ApproveDatas) != 1 {
		return models.CallStep{}, legError(token, "approve",
			fmt.Errorf("%w: expected 1 approval, got %d", models.ErrUpstreamUnavailable, len(resp.ApproveDatas)))
	}
	step, err := callStepFromTx(resp.ApproveDatas[0])
	if err != nil {
		return models.CallStep{}, legError(token, "approve", err)
	}
	return step, nil
}

// RequestSwap asks the aggregator for the swap call converting one token into
// the destination token.
func (p *QuotePlanner) RequestSwap(
	ctx context.Context,
	chainID uint64,
	user, token, amount, destination string,
) (*SwapLeg, error) {
	resp, err := p.aggregator.Swap(ctx, models.SwapRequest{
		ChainID:         chainID,
		UserAddress:     user,
		Tokens:          []string{token},
		Amounts:         []string{amount},
		DstTokenAddress: destination,
	})
	if err != nil {
		return nil, legError(token, "swap", err)
	}
	if len(resp.SwapDatas) != 1 {
		return nil, legError(token, "swap",
			fmt.Errorf("%w: expected 1 swap, got %d", models.ErrUpstreamUnavailable, len(resp.SwapDatas)))
	}
	data := resp.SwapDatas[0]
	step, err := callStepFromTx(data.Tx)
	if err != nil {
		return nil, legError(token, "swap", err)
	}
	dst, err := uint256.FromDecimal(strings.TrimSpace(data.DstAmount))
	if err != nil {
		return nil, legError(token, "swap",
			fmt.Errorf("%w: malformed dstAmount %q", models.ErrUpstreamUnavailable, data.DstAmount))
	}
	return &SwapLeg{Call: step, DestinationAmount: dst, Raw: data}, nil
}

// Plan quotes every source entry in order, approval first then swap. Legs are
// requested one at a time. Any failing leg aborts the pass and nothing
// partial is returned.
func (p *QuotePlanner) Plan(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := p.tracer.Start(ctx, "QuotePlanner.Plan",
		trace.WithAttributes(
			attribute.Int("depositor.source_count", len(req.Sources)),
			attribute.String("depositor.destination", req.Destination.Address),
		))
	defer span.End()

	quote, err := p.plan(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("depositor.total_destination", quote.TotalDestination.Dec()))
	return quote, nil
}

func (p *QuotePlanner) plan(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("%w: no source token with a positive amount", models.ErrValidation)
	}

	quote := &Quote{
		Approvals:        make([]models.CallStep, 0, len(req.Sources)),
		Swaps:            make([]models.CallStep, 0, len(req.Sources)),
		TotalDestination: new(uint256.Int),
		ApprovalRequest:  models.ApproveRequest{ChainID: req.ChainID},
		SwapRequest: models.SwapRequest{
			ChainID:         req.ChainID,
			UserAddress:     req.User,
			DstTokenAddress: req.Destination.Address,
		},
	}

	for _, entry := range req.Sources {
		token := models.CanonicalAddress(entry.Token.Address)
		amount, err := entry.Parsed()
		if err != nil {
			return nil, legError(token, "approve", fmt.Errorf("%w: %v", models.ErrValidation, err))
		}
		minor := amount.String()

		approval, err := p.RequestApproval(ctx, req.ChainID, token, minor)
		if err != nil {
			return nil, err
		}
		leg, err := p.RequestSwap(ctx, req.ChainID, req.User, token, minor, req.Destination.Address)
		if err != nil {
			return nil, err
		}

		if _, overflow := quote.TotalDestination.AddOverflow(quote.TotalDestination, leg.DestinationAmount); overflow {
			return nil, legError(token, "swap",
				fmt.Errorf("%w: destination total overflows", models.ErrUpstreamUnavailable))
		}

		quote.Approvals = append(quote.Approvals, approval)
		quote.Swaps = append(quote.Swaps, leg.Call)
		quote.ApprovalRequest.Tokens = append(quote.ApprovalRequest.Tokens, token)
		quote.ApprovalRequest.Amounts = append(quote.ApprovalRequest.Amounts, minor)
		quote.SwapRequest.Tokens = append(quote.SwapRequest.Tokens, token)
		quote.SwapRequest.Amounts = append(quote.SwapRequest.Amounts, minor)
		quote.SwapResponse.SwapDatas = append(quote.SwapResponse.SwapDatas, leg.Raw)

		log.Debug().
			Str("token", token).
			Str("amount", minor).
			Str("dst_amount", leg.DestinationAmount.Dec()).
			Msg("Quoted leg")
	}

	return quote, nil
}

func legError(token, op string, err error) error {
	var leg *models.LegError
	if errors.As(err, &leg) {
		return err
	}
	return &models.LegError{Token: token, Op: op, Err: err}
}

// callStepFromTx converts an aggregator transaction request into a call step.
// The value may be decimal or 0x-prefixed hex.
func callStepFromTx(tx models.TxData) (models.CallStep, error) {
	if !common.IsHexAddress(tx.To) {
		return models.CallStep{}, fmt.Errorf("%w: malformed call target %q", models.ErrUpstreamUnavailable, tx.To)
	}

	var data []byte
	if tx.Data != "" && tx.Data != "0x" {
		decoded, err := hexutil.Decode(tx.Data)
		if err != nil {
			return models.CallStep{}, fmt.Errorf("%w: malformed call data: %v", models.ErrUpstreamUnavailable, err)
		}
		data = decoded
	}

	value := new(uint256.Int)
	raw := strings.TrimSpace(tx.Value)
	switch {
	case raw == "":
	case strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X"):
		parsed, ok := new(big.Int).SetString(raw[2:], 16)
		if !ok || parsed.Sign() < 0 {
			return models.CallStep{}, fmt.Errorf("%w: malformed call value %q", models.ErrUpstreamUnavailable, tx.Value)
		}
		if overflow := value.SetFromBig(parsed); overflow {
			return models.CallStep{}, fmt.Errorf("%w: call value overflows", models.ErrUpstreamUnavailable)
		}
	default:
		parsed, err := uint256.FromDecimal(raw)
		if err != nil {
			return models.CallStep{}, fmt.Errorf("%w: malformed call value %q", models.ErrUpstreamUnavailable, tx.Value)
		}
		value = parsed
	}

	return models.NewCallStep(common.HexToAddress(tx.To), data, value), nil
}
