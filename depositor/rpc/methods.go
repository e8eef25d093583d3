package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/piggyvault/piggy-hub/depositor/orchestrator"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// DepositService is the orchestrator as seen by the HTTP layer
type DepositService interface {
	CreateSession(account common.Address, chainID uint64) (*orchestrator.Session, error)
	Session(id string) (*orchestrator.Session, error)
	HasPreview(id string) bool
	Estimate(ctx context.Context, selection models.SourceSelection, destination models.TokenRef) (*models.ExchangeQuote, error)
	Preview(ctx context.Context, sessionID string, selection models.SourceSelection, destination models.TokenRef) (*models.PreviewResponse, error)
	Execute(ctx context.Context, sessionID string) (*models.OperationOutcome, error)
}

// TokenCatalog completes caller supplied tokens
type TokenCatalog interface {
	Complete(in models.TokenInput) (models.TokenRef, error)
	List() []models.TokenRef
}

// DepositorAPI implements the JSON endpoints
type DepositorAPI struct {
	deposits DepositService
	catalog  TokenCatalog
}

func NewDepositorAPI(deposits DepositService, catalog TokenCatalog) *DepositorAPI {
	return &DepositorAPI{deposits: deposits, catalog: catalog}
}

// Routes registers the endpoints on r
func (a *DepositorAPI) Routes(r chi.Router) {
	r.Get("/tokens", a.ListTokens)
	r.Post("/sessions", a.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", a.GetSession)
		r.Post("/estimate", a.Estimate)
		r.Post("/preview", a.Preview)
		r.Post("/execute", a.Execute)
	})
}

func (a *DepositorAPI) ListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tokens": a.catalog.List()})
}

func (a *DepositorAPI) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeError(w, fmt.Errorf("%w: invalid account %q", models.ErrValidation, req.Account))
		return
	}
	var chainID uint64
	if req.ChainID != nil {
		chainID = *req.ChainID
	}

	sess, err := a.deposits.CreateSession(common.HexToAddress(req.Account), chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID: sess.ID,
		Account:   sess.Account.Hex(),
		ChainID:   sess.ChainID,
	})
}

func (a *DepositorAPI) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.deposits.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionStatusResponse{
		SessionID:  sess.ID,
		State:      sess.State().String(),
		HasPreview: a.deposits.HasPreview(sess.ID),
		LastError:  sess.LastError(),
		Outcome:    sess.LastOutcome(),
	})
}

func (a *DepositorAPI) Estimate(w http.ResponseWriter, r *http.Request) {
	if _, err := a.deposits.Session(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	selection, destination, err := a.selection(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	quote, err := a.deposits.Estimate(r.Context(), selection, destination)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.EstimateResponse{Estimate: quote})
}

func (a *DepositorAPI) Preview(w http.ResponseWriter, r *http.Request) {
	selection, destination, err := a.selection(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deposits.Preview(r.Context(), chi.URLParam(r, "id"), selection, destination)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *DepositorAPI) Execute(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.deposits.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorWithOutcome(w, err, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// selection decodes a SelectionRequest and completes its tokens from the
// catalog
func (a *DepositorAPI) selection(w http.ResponseWriter, r *http.Request) (models.SourceSelection, models.TokenRef, error) {
	var req models.SelectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return models.SourceSelection{}, models.TokenRef{}, err
	}
	if req.Destination == nil {
		return models.SourceSelection{}, models.TokenRef{}, fmt.Errorf("%w: no destination token selected", models.ErrValidation)
	}
	destination, err := a.catalog.Complete(*req.Destination)
	if err != nil {
		return models.SourceSelection{}, models.TokenRef{}, err
	}

	entries := make([]models.SourceEntry, 0, len(req.Sources))
	for _, in := range req.Sources {
		token, err := a.catalog.Complete(in)
		if err != nil {
			return models.SourceSelection{}, models.TokenRef{}, err
		}
		entries = append(entries, models.SourceEntry{Token: token, Amount: in.Amount})
	}
	return models.SourceSelection{Multi: req.Multi, Entries: entries}, destination, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", models.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func errorBody(msg string) models.ErrorResponse {
	return models.ErrorResponse{Error: msg}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWithOutcome(w, err, nil)
}

func writeErrorWithOutcome(w http.ResponseWriter, err error, outcome *models.OperationOutcome) {
	status := statusFor(err)
	body := models.ErrorResponse{Error: err.Error(), Outcome: outcome}

	var phase *models.PhaseError
	if errors.As(err, &phase) {
		body.Phase = phase.Phase
	}
	var leg *models.LegError
	if errors.As(err, &leg) {
		body.Token = leg.Token
	}
	if status == http.StatusServiceUnavailable {
		retryAfter := "1"
		var upstream *models.UpstreamError
		if errors.As(err, &upstream) && upstream.RetryAfter != "" {
			retryAfter = upstream.RetryAfter
		}
		w.Header().Set("Retry-After", retryAfter)
	}
	if status >= http.StatusInternalServerError {
		Logger.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPreviewMissing), errors.Is(err, models.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrUpstreamRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUpstreamRejected),
		errors.Is(err, models.ErrUpstreamUnavailable),
		errors.Is(err, models.ErrChainRead),
		errors.Is(err, models.ErrSubmission):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
