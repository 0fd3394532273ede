// Package topstep talks to the ProjectX gateway API that backs TopStep
// funded accounts.
package topstep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

const (
	orderLimit  = 1
	orderMarket = 2

	sideBuy  = 0
	sideSell = 1

	positionLong  = 1
	positionShort = 2
)

var errUnauthorized = errors.New("topstep: unauthorized")

type Options struct {
	BaseURL   string
	Username  string
	APIKey    string
	AccountID string
	// KeepAlive is the token refresh interval.
	KeepAlive  time.Duration
	HTTPClient *http.Client
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BaseURL:   cfg.TopStepBaseURL,
		Username:  cfg.TopStepUsername,
		APIKey:    cfg.TopStepAPIKey,
		AccountID: cfg.TopStepAccountID,
		KeepAlive: cfg.TopStepKeepAlive,
	}
}

type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	token     string
	accountID int64
	connected bool
	contracts map[string]string
}

var (
	_ broker.Adapter     = (*Client)(nil)
	_ broker.Snapshotter = (*Client)(nil)
)

func NewClient(opts Options, logger *zap.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.topstepx.com/api"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 5 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		opts:      opts,
		http:      httpClient,
		logger:    logging.OrNop(logger).Named("topstep"),
		contracts: map[string]string{},
	}
}

func (c *Client) Name() domain.Broker {
	return domain.BrokerTopStep
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect logs in and picks the trading account.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	if err := c.selectAccount(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// KeepAlive refreshes the session token until ctx ends.
func (c *Client) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			if err := c.authenticate(ctx); err != nil {
				c.logger.Warn("token refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.opts.Username == "" || c.opts.APIKey == "" {
		return domain.Fatal(domain.BrokerTopStep, "", "username and api key are required")
	}
	var resp struct {
		Token        string `json:"token"`
		Success      bool   `json:"success"`
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	body := map[string]string{"userName": c.opts.Username, "apiKey": c.opts.APIKey}
	if err := c.send(ctx, "/Auth/loginKey", "", body, &resp); err != nil {
		if errors.Is(err, errUnauthorized) {
			return domain.Fatal(domain.BrokerTopStep, "401", "login rejected")
		}
		return err
	}
	if resp.Token == "" {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "no token in login response"
		}
		return domain.Fatal(domain.BrokerTopStep, strconv.Itoa(resp.ErrorCode), msg)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.logger.Info("authenticated", zap.String("username", c.opts.Username))
	return nil
}

type account struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	CanTrade bool    `json:"canTrade"`
}

func (c *Client) searchAccounts(ctx context.Context) ([]account, error) {
	var resp struct {
		Accounts []account `json:"accounts"`
	}
	if err := c.post(ctx, "/Account/search", map[string]bool{"onlyActiveAccounts": false}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// selectAccount prefers the configured account, then the first tradeable one.
func (c *Client) selectAccount(ctx context.Context) error {
	accounts, err := c.searchAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return domain.Fatal(domain.BrokerTopStep, "", "no accounts on login")
	}
	chosen := accounts[0]
	found := false
	if c.opts.AccountID != "" {
		for _, a := range accounts {
			if strconv.FormatInt(a.ID, 10) == c.opts.AccountID {
				chosen, found = a, true
				break
			}
		}
		if !found {
			c.logger.Warn("configured account not found", zap.String("account_id", c.opts.AccountID))
		}
	}
	if !found {
		for _, a := range accounts {
			if a.CanTrade {
				chosen = a
				break
			}
		}
	}
	c.mu.Lock()
	c.accountID = chosen.ID
	c.mu.Unlock()
	c.logger.Info("using account", zap.Int64("account_id", chosen.ID), zap.String("name", chosen.Name), zap.Float64("balance", chosen.Balance))
	return nil
}

func (c *Client) account() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// contractID resolves a symbol such as MNQ to the active contract id, for
// example CON.F.US.MNQ.H26.
func (c *Client) contractID(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	id, ok := c.contracts[symbol]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var resp struct {
		Contracts []struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			ActiveContract bool   `json:"activeContract"`
		} `json:"contracts"`
	}
	body := map[string]interface{}{"searchText": symbol, "live": false}
	if err := c.post(ctx, "/Contract/search", body, &resp); err != nil {
		return "", err
	}
	for _, ct := range resp.Contracts {
		if ct.ActiveContract {
			c.mu.Lock()
			c.contracts[symbol] = ct.ID
			c.mu.Unlock()
			c.logger.Info("resolved contract", zap.String("symbol", symbol), zap.String("contract_id", ct.ID))
			return ct.ID, nil
		}
	}
	return "", domain.Fatal(domain.BrokerTopStep, "", "no active contract for "+symbol)
}

type apiResult struct {
	Success      bool   `json:"success"`
	OrderID      int64  `json:"orderId"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (r apiResult) err() error {
	if r.Success {
		return nil
	}
	msg := r.ErrorMessage
	if msg == "" {
		msg = "request not successful"
	}
	return domain.Fatal(domain.BrokerTopStep, strconv.Itoa(r.ErrorCode), msg)
}

func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerResult, error) {
	if req.IsPositionClose() {
		return c.closeContract(ctx, req.PositionID, req.Quantity)
	}
	size := int(req.Quantity)
	if size <= 0 {
		return domain.BrokerResult{}, domain.Fatal(domain.BrokerTopStep, "", "order size must be at least one contract")
	}
	contractID, err := c.contractID(ctx, req.Symbol)
	if err != nil {
		return domain.BrokerResult{}, err
	}
	body := map[string]interface{}{
		"accountId":  c.account(),
		"contractId": contractID,
		"type":       orderMarket,
		"side":       sideOf(req.Side),
		"size":       size,
	}
	if req.Kind == domain.OrderLimit && req.LimitPrice > 0 {
		body["type"] = orderLimit
		body["limitPrice"] = req.LimitPrice
	}

	var resp apiResult
	if err := c.post(ctx, "/Order/place", body, &resp); err != nil {
		return domain.BrokerResult{}, err
	}
	if err := resp.err(); err != nil {
		return domain.BrokerResult{}, err
	}
	c.logger.Info("order placed",
		zap.String("contract_id", contractID),
		zap.String("side", string(req.Side)),
		zap.Int("size", size),
		zap.Int64("order_id", resp.OrderID),
	)
	return domain.BrokerResult{
		Broker:        domain.BrokerTopStep,
		Status:        domain.StatusSuccess,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ExpectedPrice: req.LimitPrice,
	}, nil
}

// closeContract flattens one contract, or reduces it by size when size is
// positive.
func (c *Client) closeContract(ctx context.Context, contractID string, size float64) (domain.BrokerResult, error) {
	path := "/Position/closeContract"
	body := map[string]interface{}{"accountId": c.account(), "contractId": contractID}
	if size > 0 {
		path = "/Position/partialCloseContract"
		body["size"] = int(size)
	}
	var resp apiResult
	if err := c.post(ctx, path, body, &resp); err != nil {
		return domain.BrokerResult{}, err
	}
	if err := resp.err(); err != nil {
		return domain.BrokerResult{}, err
	}
	return domain.BrokerResult{Broker: domain.BrokerTopStep, Status: domain.StatusSuccess, Closed: 1}, nil
}

func (c *Client) ClosePosition(ctx context.Context, aliases []string) (domain.BrokerResult, error) {
	positions, err := c.ListPositions(ctx)
	if err != nil {
		return domain.BrokerResult{}, err
	}
	closed := 0
	var failures []string
	for _, pos := range positions {
		if !broker.MatchesAlias(pos.Symbol, aliases) {
			continue
		}
		if _, err := c.closeContract(ctx, pos.ID, 0); err != nil {
			c.logger.Warn("close failed", zap.String("contract_id", pos.ID), zap.Error(err))
			failures = append(failures, pos.ID)
			continue
		}
		closed++
	}
	if len(failures) > 0 && closed == 0 {
		return domain.BrokerResult{}, domain.Transient(domain.BrokerTopStep, "", "close failed for "+strings.Join(failures, ","), nil)
	}
	res := domain.BrokerResult{Broker: domain.BrokerTopStep, Status: domain.StatusSuccess, Closed: closed}
	if len(failures) > 0 {
		res.Detail = "not closed: " + strings.Join(failures, ",")
	}
	return res, nil
}

func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Positions []struct {
			ID           int64   `json:"id"`
			ContractID   string  `json:"contractId"`
			Type         int     `json:"type"`
			Size         float64 `json:"size"`
			AveragePrice float64 `json:"averagePrice"`
		} `json:"positions"`
	}
	if err := c.post(ctx, "/Position/searchOpen", map[string]int64{"accountId": c.account()}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := domain.SideBuy
		switch p.Type {
		case positionLong:
		case positionShort:
			side = domain.SideSell
		default:
			continue
		}
		out = append(out, domain.Position{
			Symbol:   SymbolOf(p.ContractID),
			Side:     side,
			Quantity: p.Size,
			ID:       p.ContractID,
		})
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context) (domain.AccountInfo, error) {
	accounts, err := c.searchAccounts(ctx)
	if err != nil {
		return domain.AccountInfo{}, err
	}
	id := c.account()
	for _, a := range accounts {
		if a.ID == id {
			return domain.AccountInfo{Equity: a.Balance, Balance: a.Balance}, nil
		}
	}
	return domain.AccountInfo{}, fmt.Errorf("topstep account %d not listed", id)
}

// Quote is not offered over the REST gateway.
func (c *Client) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{}, fmt.Errorf("topstep: no quote source for %s", symbol)
}

// SymbolOf extracts the product root from a contract id:
// CON.F.US.MNQ.H26 -> MNQ.
func SymbolOf(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 5 {
		return parts[3]
	}
	return contractID
}

func sideOf(s domain.Side) int {
	if s == domain.SideSell {
		return sideSell
	}
	return sideBuy
}

// post sends an authenticated request, logging in again once on 401.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		return c.post(ctx, path, body, out)
	}

	err := c.send(ctx, path, token, body, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	c.logger.Warn("token rejected, re-authenticating", zap.String("path", path))
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	err = c.send(ctx, path, token, body, out)
	if errors.Is(err, errUnauthorized) {
		return domain.Fatal(domain.BrokerTopStep, "401", "unauthorized after re-authentication")
	}
	return err
}

func (c *Client) send(ctx context.Context, path, token string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(domain.BrokerTopStep, "", "request "+path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Transient(domain.BrokerTopStep, strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(payload)), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.Fatal(domain.BrokerTopStep, strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(payload)))
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
