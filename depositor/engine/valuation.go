package engine

import (
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/shopspring/decimal"
)

// RatePrecision is the number of decimal places of advisory quotes
const RatePrecision = 6

// ComputeBlendedRate values the selection against the destination price.
//
// Single mode: rate = sourcePrice / destinationPrice and the predicted output is
// the source amount converted at that rate, left empty while there is no amount.
// Multi mode: every active entry is normalized to whole units, multiplied by its
// price and summed; the sum divided by the destination price is both the rate
// and the predicted output.
//
// A nil result means no estimate can be made yet. It is not an error.
func ComputeBlendedRate(selection models.SourceSelection, destination models.TokenRef) *models.ExchangeQuote {
	destPrice, ok := positivePrice(destination.Price)
	if !ok {
		return nil
	}

	if !selection.Multi {
		if len(selection.Entries) == 0 {
			return nil
		}
		entry := selection.Entries[0]
		srcPrice, ok := positivePrice(entry.Token.Price)
		if !ok {
			return nil
		}
		quote := &models.ExchangeQuote{Rate: srcPrice.Div(destPrice).StringFixed(RatePrecision)}
		// no amount yet: the rate alone is known
		if !entry.Active() {
			return quote
		}
		if amount, err := entry.Parsed(); err == nil {
			quote.PredictedOutput = amount.Whole().Mul(srcPrice).Div(destPrice).StringFixed(RatePrecision)
		}
		return quote
	}

	blended := decimal.Zero
	for _, entry := range selection.ActiveEntries() {
		price, ok := positivePrice(entry.Token.Price)
		if !ok {
			continue
		}
		amount, err := entry.Parsed()
		if err != nil {
			continue
		}
		blended = blended.Add(amount.Whole().Mul(price))
	}
	if !blended.IsPositive() {
		return nil
	}

	out := blended.Div(destPrice).StringFixed(RatePrecision)
	return &models.ExchangeQuote{Rate: out, PredictedOutput: out}
}

// ApplyPrices fills in missing token prices from a price map keyed by
// lower-cased address. Prices already set by the caller are kept.
func ApplyPrices(
	selection models.SourceSelection,
	destination models.TokenRef,
	prices map[string]decimal.Decimal,
) (models.SourceSelection, models.TokenRef) {
	entries := make([]models.SourceEntry, len(selection.Entries))
	for i, entry := range selection.Entries {
		entry.Token = withPrice(entry.Token, prices)
		entries[i] = entry
	}
	return models.SourceSelection{Multi: selection.Multi, Entries: entries}, withPrice(destination, prices)
}

func withPrice(token models.TokenRef, prices map[string]decimal.Decimal) models.TokenRef {
	if token.Price != "" {
		return token
	}
	if price, ok := prices[models.CanonicalAddress(token.Address)]; ok {
		token.Price = price.String()
	}
	return token
}

// positivePrice parses a price string; empty, malformed and non-positive
// prices are all unusable
func positivePrice(raw string) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}
