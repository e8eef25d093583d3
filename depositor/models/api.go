package models

// CreateSessionRequest - POST /v1/sessions body
type CreateSessionRequest struct {
	Account string  `json:"account"`           // smart account address
	ChainID *uint64 `json:"chainId,omitempty"` // defaults to the configured chain
}

// CreateSessionResponse - POST /v1/sessions response
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	Account   string `json:"account"`
	ChainID   uint64 `json:"chainId"`
}

// SessionStatusResponse - GET /v1/sessions/{id} response
type SessionStatusResponse struct {
	SessionID  string            `json:"sessionId"`
	State      string            `json:"state"`
	HasPreview bool              `json:"hasPreview"`
	LastError  string            `json:"lastError,omitempty"`
	Outcome    *OperationOutcome `json:"lastOutcome,omitempty"`
}

// TokenInput is a token as supplied by API callers. Missing fields are
// completed from the token registry.
type TokenInput struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Name     string `json:"name,omitempty"`
	Decimals *uint8 `json:"decimals,omitempty"`
	Price    string `json:"price,omitempty"`
	Amount   string `json:"amount,omitempty"` // minor units, sources only
}

// SelectionRequest - body of the estimate and preview endpoints
type SelectionRequest struct {
	Multi       bool         `json:"multi"`
	Sources     []TokenInput `json:"sources"`
	Destination *TokenInput  `json:"destination"`
}

// EstimateResponse - POST /v1/sessions/{id}/estimate response
type EstimateResponse struct {
	Estimate *ExchangeQuote `json:"estimate"` // null when no estimate is available
}

// PreviewResponse - POST /v1/sessions/{id}/preview response
type PreviewResponse struct {
	EstimatedOutput        string `json:"estimatedOutput"`
	TotalDestinationAmount string `json:"totalDestinationAmount"`
	IsMultiToken           bool   `json:"isMultiToken"`
	SettlementTokenBalance string `json:"settlementTokenBalance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Phase   string            `json:"phase,omitempty"`
	Token   string            `json:"token,omitempty"`
	Outcome *OperationOutcome `json:"outcome,omitempty"` // set when a submitted operation failed
}
