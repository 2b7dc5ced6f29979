package momo

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is the gateway's view of a collection request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether the status will not change again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// normalizeStatus folds the provider's extra states onto the three the
// workflow understands.
func normalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL", "SUCCESS":
		return StatusSuccessful
	case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// InitiateRequest asks the payer's wallet to approve a charge.
type InitiateRequest struct {
	Amount          decimal.Decimal
	Currency        string
	PayerIdentifier string
	// ExternalID is echoed back by the provider; the package id.
	ExternalID string
	// PackageLabel appears in the payer prompt and statement note.
	PackageLabel string
}

type InitiateResult struct {
	ReferenceID string `json:"referenceId"`
	Status      Status `json:"status"`
}

type StatusResult struct {
	ReferenceID            string `json:"referenceId"`
	Status                 Status `json:"status"`
	Reason                 string `json:"reason,omitempty"`
	FinancialTransactionID string `json:"financialTransactionId,omitempty"`
	ExternalID             string `json:"externalId,omitempty"`
	Amount                 string `json:"amount,omitempty"`
	Currency               string `json:"currency,omitempty"`
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPayBody struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        party  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// statusBody is the shape of both the status endpoint response and the
// callback the provider sends.
type statusBody struct {
	ReferenceID            string          `json:"referenceId"`
	Amount                 string          `json:"amount"`
	Currency               string          `json:"currency"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Status                 string          `json:"status"`
	Reason                 json.RawMessage `json:"reason"`
}

func (b statusBody) toResult(referenceID string) *StatusResult {
	if referenceID == "" {
		referenceID = b.ReferenceID
	}
	return &StatusResult{
		ReferenceID:            referenceID,
		Status:                 normalizeStatus(b.Status),
		Reason:                 decodeReason(b.Reason),
		FinancialTransactionID: b.FinancialTransactionID,
		ExternalID:             b.ExternalID,
		Amount:                 b.Amount,
		Currency:               b.Currency,
	}
}

// decodeReason accepts both the plain string and the {code, message}
// object forms the provider uses.
func decodeReason(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Code + ": " + obj.Message
		}
		return obj.Code
	}
	return string(raw)
}

// ParseCallback decodes a provider notification. referenceID comes from the
// callback URL when the body does not carry it.
func ParseCallback(body []byte, referenceID string) (*StatusResult, error) {
	var b statusBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	return b.toResult(referenceID), nil
}
