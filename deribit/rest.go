package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// RestClient talks to the Deribit HTTP API for the one-shot exchanges the
// collector needs before streaming: authentication and instrument
// discovery. Requests pass through a shared rate limiter.
type RestClient struct {
	config      *appconfig.Config
	httpClient  *http.Client
	limiter     *rate.Limiter
	accessToken string
	log         *logger.Log
}

type restEnvelope struct {
	Result json.RawMessage  `json:"result"`
	Error  *models.RPCError `json:"error,omitempty"`
}

// NewRestClient creates a client for the configured base URL.
func NewRestClient(cfg *appconfig.Config) *RestClient {
	rl := cfg.Deribit.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &RestClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Deribit.RequestTimeoutMs) * time.Millisecond},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        logger.GetLogger(),
	}
}

// Authenticate exchanges client credentials for an access token.
func (c *RestClient) Authenticate(ctx context.Context) error {
	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{"operation": "authenticate"})

	body, err := json.Marshal(map[string]string{
		"client_id":     c.config.Deribit.ClientID,
		"client_secret": c.config.Deribit.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.Deribit.BaseURL+"/api/v2/public/auth", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result models.AuthResult
	if err := c.do(ctx, req, &result); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return &AuthError{Reason: "response carried no access token"}
	}

	c.accessToken = result.AccessToken
	log.Info("authenticated with deribit REST API")
	return nil
}

// Instruments fetches the instrument list for the configured discovery
// currency and kind. Authenticate must have succeeded first.
func (c *RestClient) Instruments(ctx context.Context) ([]models.Instrument, error) {
	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"currency": c.config.Discovery.Currency,
		"kind":     c.config.Discovery.Kind,
	})

	query := url.Values{}
	query.Set("currency", c.config.Discovery.Currency)
	query.Set("kind", c.config.Discovery.Kind)
	query.Set("expired", strconv.FormatBool(c.config.Discovery.IncludeExpired))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.Deribit.BaseURL+"/api/v2/public/get_instruments?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build instruments request: %w", err)
	}

	var instruments []models.Instrument
	if err := c.do(ctx, req, &instruments); err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{"count": len(instruments)}).Info("fetched instruments")
	return instruments, nil
}

// Ticker fetches a single ticker snapshot for one instrument.
func (c *RestClient) Ticker(ctx context.Context, instrument string) (*models.TickerPayload, error) {
	query := url.Values{}
	query.Set("instrument_name", instrument)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.Deribit.BaseURL+"/api/v2/public/ticker?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build ticker request: %w", err)
	}

	var ticker models.TickerPayload
	if err := c.do(ctx, req, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// do rate-limits, sends, and unwraps one API call into result.
func (c *RestClient) do(ctx context.Context, req *http.Request, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: req.URL.Path, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", req.URL.Path, res.StatusCode, body)
	}

	var envelope restEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	if envelope.Error != nil {
		return &rpcCallError{Method: req.URL.Path, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}

	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", req.URL.Path, err)
	}
	return nil
}
