package models

import "time"

// ConversionField is one side of the converter: an optional amount in a currency.
// A nil Amount means the field is empty.
type ConversionField struct {
	Amount   *float64     `json:"amount"`
	Currency CurrencyCode `json:"currency"`
}

// Equal reports whether both fields hold the same amount and currency
func (f ConversionField) Equal(other ConversionField) bool {
	if f.Currency != other.Currency {
		return false
	}
	if f.Amount == nil || other.Amount == nil {
		return f.Amount == nil && other.Amount == nil
	}
	return *f.Amount == *other.Amount
}

// RateQuote is the multiplicative factor converting BaseCode amounts into TargetCode amounts
type RateQuote struct {
	BaseCode   CurrencyCode `json:"base_code"`
	TargetCode CurrencyCode `json:"target_code"`
	Rate       float64      `json:"conversion_rate"`
	FetchedAt  time.Time    `json:"fetched_at"`
}

// ReferenceRate is one entry of the fixed reference strip
type ReferenceRate struct {
	Base     CurrencyCode `json:"base"`
	Currency CurrencyCode `json:"currency"`
	Rate     float64      `json:"rate"`
}

// Float returns a pointer to v, for building optional amounts
func Float(v float64) *float64 {
	return &v
}
