package models

import (
	"encoding/json"
	"strings"
)

// PairResponse is the success payload of GET {endpoint}/pair/{base}/{target}
type PairResponse struct {
	Result             string  `json:"result"`
	Documentation      string  `json:"documentation"`
	TermsOfUse         string  `json:"terms_of_use"`
	TimeLastUpdateUnix int64   `json:"time_last_update_unix"`
	TimeLastUpdateUTC  string  `json:"time_last_update_utc"`
	TimeNextUpdateUnix int64   `json:"time_next_update_unix"`
	TimeNextUpdateUTC  string  `json:"time_next_update_utc"`
	BaseCode           string  `json:"base_code"`
	TargetCode         string  `json:"target_code"`
	ConversionRate     float64 `json:"conversion_rate"`
}

// ErrorsPayload is the logical error carried inside an otherwise successful response
type ErrorsPayload struct {
	Code        string  `json:"code"`
	Message     string  `json:"message"`
	Details     Details `json:"details"`
	Description string  `json:"description,omitempty"`
}

// Details accepts either a single string or a list of strings
type Details []string

func (d *Details) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*d = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*d = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*d = Details{single}
	return nil
}

// Envelope is decoded from every successful response before the payload itself.
// Errors set means the operation failed logically despite the transport status.
type Envelope struct {
	Errors    *ErrorsPayload `json:"errors,omitempty"`
	Result    string         `json:"result,omitempty"`
	ErrorType string         `json:"error-type,omitempty"`
}
