package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCurrency is returned for codes outside the supported set
var ErrUnknownCurrency = errors.New("unknown currency code")

// CurrencyCode is an ISO 4217 code from the closed set the converter offers
type CurrencyCode string

const (
	UAH CurrencyCode = "UAH"
	USD CurrencyCode = "USD"
	EUR CurrencyCode = "EUR"
	GBP CurrencyCode = "GBP"
	PLN CurrencyCode = "PLN"
	CHF CurrencyCode = "CHF"
	CZK CurrencyCode = "CZK"
	JPY CurrencyCode = "JPY"
	CAD CurrencyCode = "CAD"
	CNY CurrencyCode = "CNY"
)

var supportedCurrencies = []CurrencyCode{UAH, USD, EUR, GBP, PLN, CHF, CZK, JPY, CAD, CNY}

// SupportedCurrencies returns a copy of the closed currency set in display order
func SupportedCurrencies() []CurrencyCode {
	out := make([]CurrencyCode, len(supportedCurrencies))
	copy(out, supportedCurrencies)
	return out
}

// Valid reports whether the code belongs to the supported set
func (c CurrencyCode) Valid() bool {
	for _, code := range supportedCurrencies {
		if code == c {
			return true
		}
	}
	return false
}

func (c CurrencyCode) String() string {
	return string(c)
}

// ParseCurrency normalizes s and checks it against the supported set
func ParseCurrency(s string) (CurrencyCode, error) {
	code := CurrencyCode(strings.ToUpper(strings.TrimSpace(s)))
	if !code.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return code, nil
}
