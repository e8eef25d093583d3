package tokens_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/piggyvault/piggy-hub/depositor/tokens"
	"github.com/zeebo/assert"
)

const (
	usdc = "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359"
	weth = "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619"
)

const tomlList = `
[[tokens]]
address = "0x3C499c542cEF5E3811e1192ce70d8cC03d5c3359"
symbol = "USDC"
name = "USD Coin"
decimals = 6

[[tokens]]
address = "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"
symbol = "WETH"
name = "Wrapped Ether"
`

type staticList struct {
	tokens []models.ListedToken
	err    error
	calls  int
}

func (s *staticList) TokenList(context.Context, uint64) ([]models.ListedToken, error) {
	s.calls++
	return s.tokens, s.err
}

func TestParseList(t *testing.T) {
	six := uint8(6)

	tests := []struct {
		name string
		raw  string
		ext  string
		want int
	}{
		{name: "toml", raw: tomlList, ext: ".toml", want: 2},
		{name: "json array", raw: `[{"address":"` + usdc + `","symbol":"USDC","decimals":6}]`, ext: ".json", want: 1},
		{name: "json map", raw: `{"tokens":{"` + usdc + `":{"symbol":"USDC","decimals":6},"` + weth + `":{"symbol":"WETH"}}}`, ext: ".json", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := tokens.ParseList([]byte(tt.raw), tt.ext)
			assert.NoError(t, err)
			assert.Equal(t, len(list), tt.want)

			registry := tokens.NewRegistry()
			registry.Add(list...)
			ref, ok := registry.Lookup(usdc)
			assert.True(t, ok)
			assert.Equal(t, ref.Symbol, "USDC")
			assert.Equal(t, ref.Decimals, six)
		})
	}

	_, err := tokens.ParseList([]byte("x"), ".yaml")
	assert.Error(t, err)
}

func TestDecimalsDefaultTo18(t *testing.T) {
	list, err := tokens.ParseList([]byte(tomlList), ".toml")
	assert.NoError(t, err)

	registry := tokens.NewRegistry()
	assert.Equal(t, registry.Add(list...), 2)
	ref, ok := registry.Lookup(weth)
	assert.True(t, ok)
	assert.Equal(t, ref.Decimals, models.DefaultDecimals)
	assert.Equal(t, ref.Address, weth)
}

func TestComplete(t *testing.T) {
	six := uint8(6)
	registry := tokens.NewRegistry()
	registry.Add(models.ListedToken{Address: usdc, Symbol: "USDC", Name: "USD Coin", Decimals: &six})

	ref, err := registry.Complete(models.TokenInput{Address: "0x3C499c542cEF5E3811e1192ce70d8cC03d5c3359", Price: "1.00"})
	assert.NoError(t, err)
	assert.Equal(t, ref.Address, usdc)
	assert.Equal(t, ref.Symbol, "USDC")
	assert.Equal(t, ref.Decimals, uint8(6))
	assert.Equal(t, ref.Price, "1.00")

	eight := uint8(8)
	ref, err = registry.Complete(models.TokenInput{Address: usdc, Decimals: &eight})
	assert.NoError(t, err)
	assert.Equal(t, ref.Decimals, uint8(8))

	ref, err = registry.Complete(models.TokenInput{Address: weth})
	assert.NoError(t, err)
	assert.Equal(t, ref.Decimals, uint8(18))

	_, err = registry.Complete(models.TokenInput{Address: "0x1234"})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polygon.toml")
	assert.NoError(t, os.WriteFile(path, []byte(tomlList), 0o600))

	fallback := &staticList{}
	registry := tokens.NewRegistry()
	assert.NoError(t, registry.Load(context.Background(), path, fallback, 137))
	assert.Equal(t, registry.Len(), 2)
	assert.Equal(t, fallback.calls, 0)

	list := registry.List()
	assert.Equal(t, list[0].Symbol, "USDC")
	assert.Equal(t, list[1].Symbol, "WETH")
}

func TestLoadFallsBackToAggregator(t *testing.T) {
	fallback := &staticList{tokens: []models.ListedToken{{Address: usdc, Symbol: "USDC"}, {Address: "bogus"}}}
	registry := tokens.NewRegistry()

	missing := filepath.Join(t.TempDir(), "missing.json")
	assert.NoError(t, registry.Load(context.Background(), missing, fallback, 137))
	assert.Equal(t, fallback.calls, 1)
	assert.Equal(t, registry.Len(), 1)

	failing := &staticList{err: models.ErrUpstreamUnavailable}
	err := tokens.NewRegistry().Load(context.Background(), "", failing, 137)
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
}
