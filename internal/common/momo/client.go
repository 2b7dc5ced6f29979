// Package momo is a client for the MTN Mobile Money collection API.
package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"skyfi-billing/internal/common/config"
	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/httpclient"
	"skyfi-billing/internal/common/logger"

	"github.com/google/uuid"
)

var msisdnPattern = regexp.MustCompile(`^[0-9]{9,15}$`)

// Client talks to the collection API. It holds no state besides the cached
// bearer token, so one instance is shared by every workflow.
type Client struct {
	cfg            config.GatewayConfig
	http           *httpclient.Client
	tokens         *tokenSource
	newReferenceID func() string
	logger         logger.Logger
}

type Option func(*Client)

// WithHTTPDoer replaces the underlying transport.
func WithHTTPDoer(d httpclient.Doer) Option {
	return func(c *Client) { c.http.WithDoer(d) }
}

// WithTokenCache shares tokens through an external cache.
func WithTokenCache(cache TokenCache) Option {
	return func(c *Client) { c.tokens.cache = cache }
}

// WithReferenceIDFunc overrides reference id generation.
func WithReferenceIDFunc(f func() string) Option {
	return func(c *Client) { c.newReferenceID = f }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the token expiry clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.tokens.now = now }
}

// NewClient never fails: an unconfigured client reports a configuration
// error on first use instead.
func NewClient(cfg config.GatewayConfig, opts ...Option) *Client {
	timeout := config.GetDuration(cfg.Timeout)
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	hc := httpclient.NewClient(timeout)
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.BaseURL = baseURL

	c := &Client{
		cfg:  cfg,
		http: hc,
		tokens: &tokenSource{
			baseURL:         baseURL,
			apiUserID:       cfg.APIUserID,
			apiUserSecret:   cfg.APIUserSecret,
			subscriptionKey: cfg.SubscriptionKey,
			http:            hc,
			now:             time.Now,
		},
		newReferenceID: func() string { return uuid.New().String() },
		logger:         logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"component": "momo"})
	return c
}

func (c *Client) Configured() bool {
	return c.cfg.IsConfigured()
}

func (c *Client) checkConfigured() error {
	if missing := c.cfg.Missing(); len(missing) > 0 {
		return apperrors.NewConfigurationError("payment gateway", missing...)
	}
	return nil
}

// NormalizeMSISDN strips formatting and converts a local Ugandan number
// (07XXXXXXXX) to international form. It returns "" when the input cannot be
// a phone number.
func NormalizeMSISDN(raw string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	s := strings.TrimPrefix(replacer.Replace(strings.TrimSpace(raw)), "+")
	if len(s) == 10 && strings.HasPrefix(s, "0") {
		s = "256" + s[1:]
	}
	if !msisdnPattern.MatchString(s) {
		return ""
	}
	return s
}

// Initiate submits a request-to-pay. A fresh reference id is generated per
// call, so retrying Initiate starts a new charge.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.NewValidationError("amount must be greater than zero")
	}
	payer := NormalizeMSISDN(req.PayerIdentifier)
	if payer == "" {
		return nil, apperrors.NewValidationError("payer identifier is not a valid phone number")
	}
	if req.ExternalID == "" {
		return nil, apperrors.NewValidationError("external id is required")
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	label := req.PackageLabel
	if label == "" {
		label = req.ExternalID
	}

	payload, err := json.Marshal(requestToPayBody{
		Amount:       req.Amount.String(),
		Currency:     currency,
		ExternalID:   req.ExternalID,
		Payer:        party{PartyIDType: "MSISDN", PartyID: payer},
		PayerMessage: fmt.Sprintf("Payment for SkyFi %s package", label),
		PayeeNote:    fmt.Sprintf("SkyFi WiFi Package: %s", label),
	})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	referenceID := c.newReferenceID()
	resp, err := c.authorized(ctx, "momo.requesttopay", func(token string) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("X-Reference-Id", referenceID)
		r.Header.Set("Content-Type", "application/json")
		if c.cfg.CallbackURL != "" {
			r.Header.Set("X-Callback-Url", strings.TrimSuffix(c.cfg.CallbackURL, "/")+"/"+referenceID)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("request to pay rejected", map[string]interface{}{
			"referenceId": referenceID,
			"statusCode":  resp.StatusCode,
			"body":        string(body),
		})
		return nil, apperrors.NewGatewayRejectedError(resp.StatusCode, string(body))
	}

	c.logger.Info("request to pay accepted", map[string]interface{}{
		"referenceId": referenceID,
		"externalId":  req.ExternalID,
	})
	return &InitiateResult{ReferenceID: referenceID, Status: StatusPending}, nil
}

// PollStatus reads the current status of a collection request. It has no
// side effects and may be called any number of times.
func (c *Client) PollStatus(ctx context.Context, referenceID string) (*StatusResult, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	if referenceID == "" {
		return nil, apperrors.NewValidationError("reference id is required")
	}

	resp, err := c.authorized(ctx, "momo.requesttopay.status", func(token string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.BaseURL+"/collection/v1_0/requesttopay/"+url.PathEscape(referenceID), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperrors.NewGatewayNotFoundError(referenceID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.NewGatewayRejectedError(resp.StatusCode, string(body))
	}

	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.NewGatewayRejectedError(resp.StatusCode, "undecodable status body: "+err.Error())
	}
	return body.toResult(referenceID), nil
}

// authorized builds a request with build, attaches the shared headers and
// a bearer token, and retries once with a fresh token on 401.
func (c *Client) authorized(ctx context.Context, operation string, build func(token string) (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := build(token)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Target-Environment", c.cfg.TargetEnvironment)
		req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)

		resp, err := c.http.DoOperation(ctx, operation, req)
		if err != nil {
			return nil, apperrors.NewGatewayUnavailableError(err)
		}
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.tokens.Invalidate()
		if attempt == 1 || resp.StatusCode == http.StatusForbidden {
			return nil, apperrors.NewGatewayAuthFailureError(
				fmt.Errorf("%s returned %d: %s", operation, resp.StatusCode, string(body)))
		}
	}
	return nil, apperrors.NewGatewayAuthFailureError(fmt.Errorf("%s: unauthorized", operation))
}
