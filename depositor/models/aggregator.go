package models

// ApproveRequest - POST /convert/approve body
type ApproveRequest struct {
	ChainID uint64   `json:"chainId"`
	Tokens  []string `json:"tokens"`  // token addresses
	Amounts []string `json:"amounts"` // minor units, aligned with Tokens
}

// TxData is a raw transaction request as returned by the aggregator.
type TxData struct {
	To    string `json:"to"`
	Data  string `json:"data"`  // 0x-prefixed calldata
	Value string `json:"value"` // decimal or 0x-prefixed quantity
}

// ApproveResponse - POST /convert/approve response
type ApproveResponse struct {
	ApproveDatas []TxData `json:"approveDatas"`
}

// SwapRequest - POST /convert/swap body
type SwapRequest struct {
	ChainID         uint64   `json:"chainId"`
	UserAddress     string   `json:"userAddress"`
	Tokens          []string `json:"tokens"`
	Amounts         []string `json:"amounts"`
	DstTokenAddress string   `json:"dstTokenAddress"`
}

// SwapData is one swap leg returned by the aggregator.
type SwapData struct {
	Tx        TxData `json:"tx"`
	DstAmount string `json:"dstAmount"` // destination minor units
}

// SwapResponse - POST /convert/swap response
type SwapResponse struct {
	SwapDatas []SwapData `json:"swapDatas"`
}

// ListedToken is one entry of the aggregator's token list.
type ListedToken struct {
	Address  string `json:"address" toml:"address"`
	Symbol   string `json:"symbol" toml:"symbol"`
	Name     string `json:"name" toml:"name"`
	Decimals *uint8 `json:"decimals,omitempty" toml:"decimals"`
	LogoURI  string `json:"logoURI,omitempty" toml:"logo_uri"`
}

// TokenListResponse - GET /tokens/list/{chainId} response
type TokenListResponse struct {
	Tokens map[string]ListedToken `json:"tokens"`
}
