// Package ibkr routes orders through the Interactive Brokers Client Portal
// gateway REST API.
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

// maxReplies bounds how many confirmation prompts one order may raise.
const maxReplies = 5

type Options struct {
	BaseURL   string
	AccountID string
	// InsecureTLS accepts the gateway's self-signed certificate.
	InsecureTLS bool
	HTTPClient  *http.Client
	Now         func() time.Time
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BaseURL:     cfg.IBKRBaseURL,
		AccountID:   cfg.IBKRAccountID,
		InsecureTLS: cfg.IBKRInsecureTLS,
	}
}

type contract struct {
	ConID      int64  `json:"conid"`
	Symbol     string `json:"symbol"`
	Expiration int    `json:"expirationDate"`
}

type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	accountID string
	connected bool
	contracts map[string]contract
}

var (
	_ broker.Adapter     = (*Client)(nil)
	_ broker.Snapshotter = (*Client)(nil)
)

func NewClient(opts Options, logger *zap.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = "https://localhost:5000/v1/api"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local gateway cert
		}
		httpClient = &http.Client{Timeout: 10 * time.Second, Transport: transport}
	}
	return &Client{
		opts:      opts,
		http:      httpClient,
		logger:    logging.OrNop(logger).Named("ibkr"),
		accountID: opts.AccountID,
		contracts: map[string]contract{},
	}
}

func (c *Client) Name() domain.Broker {
	return domain.BrokerIBKR
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect checks the brokerage session and resolves the account when none is
// configured.
func (c *Client) Connect(ctx context.Context) error {
	var status struct {
		Authenticated bool   `json:"authenticated"`
		Connected     bool   `json:"connected"`
		Competing     bool   `json:"competing"`
		Message       string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return err
	}
	if !status.Authenticated || !status.Connected {
		c.setConnected(false)
		return domain.Transient(domain.BrokerIBKR, "", "gateway session not authenticated", domain.ErrNotConnected)
	}

	if c.account() == "" {
		var accounts struct {
			Accounts []string `json:"accounts"`
		}
		if err := c.do(ctx, http.MethodGet, "/iserver/accounts", nil, &accounts); err != nil {
			return err
		}
		if len(accounts.Accounts) == 0 {
			return domain.Fatal(domain.BrokerIBKR, "", "no brokerage accounts")
		}
		c.mu.Lock()
		c.accountID = accounts.Accounts[0]
		c.mu.Unlock()
	}
	c.setConnected(true)
	c.logger.Info("gateway session ready", zap.String("account_id", c.account()))
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// frontMonth returns the nearest futures contract that has not expired.
func (c *Client) frontMonth(ctx context.Context, symbol string) (contract, error) {
	symbol = strings.ToUpper(symbol)
	today, _ := strconv.Atoi(c.opts.Now().Format("20060102"))

	c.mu.Lock()
	cached, ok := c.contracts[symbol]
	c.mu.Unlock()
	if ok && cached.Expiration >= today {
		return cached, nil
	}

	var resp map[string][]contract
	if err := c.do(ctx, http.MethodGet, "/trsrv/futures?symbols="+url.QueryEscape(symbol), nil, &resp); err != nil {
		return contract{}, err
	}
	var valid []contract
	for _, ct := range resp[symbol] {
		if ct.Expiration >= today {
			valid = append(valid, ct)
		}
	}
	if len(valid) == 0 {
		return contract{}, domain.Fatal(domain.BrokerIBKR, "", "no live futures contract for "+symbol)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Expiration < valid[j].Expiration })
	front := valid[0]
	front.Symbol = symbol

	c.mu.Lock()
	c.contracts[symbol] = front
	c.mu.Unlock()
	c.logger.Info("resolved front month", zap.String("symbol", symbol), zap.Int64("conid", front.ConID), zap.Int("expiration", front.Expiration))
	return front, nil
}

type OrderTicket struct {
	AcctID    string  `json:"acctId"`
	ConID     int64   `json:"conid"`
	COID      string  `json:"cOID,omitempty"`
	ParentID  string  `json:"parentId,omitempty"`
	OrderType string  `json:"orderType"`
	Price     float64 `json:"price,omitempty"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	TIF       string  `json:"tif"`
}

// BracketOrders builds the parent ticket plus stop and target children.
func BracketOrders(account string, conid int64, req domain.OrderRequest) []OrderTicket {
	parent := OrderTicket{
		AcctID:    account,
		ConID:     conid,
		COID:      "tg-" + uuid.NewString(),
		OrderType: "MKT",
		Side:      string(req.Side),
		Quantity:  req.Quantity,
		TIF:       "DAY",
	}
	if req.Kind == domain.OrderLimit && req.LimitPrice > 0 {
		parent.OrderType = "LMT"
		parent.Price = req.LimitPrice
	}
	orders := []OrderTicket{parent}
	if req.StopLoss <= 0 && req.TakeProfit <= 0 {
		return orders
	}
	exit := string(req.Side.Opposite())
	if req.StopLoss > 0 {
		orders = append(orders, OrderTicket{
			AcctID: account, ConID: conid, ParentID: parent.COID,
			OrderType: "STP", Price: req.StopLoss, Side: exit, Quantity: req.Quantity, TIF: "GTC",
		})
	}
	if req.TakeProfit > 0 {
		orders = append(orders, OrderTicket{
			AcctID: account, ConID: conid, ParentID: parent.COID,
			OrderType: "LMT", Price: req.TakeProfit, Side: exit, Quantity: req.Quantity, TIF: "GTC",
		})
	}
	return orders
}

// orderReply is one element of an order submission response: either an
// accepted order or a prompt that needs confirming.
type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerResult, error) {
	var conid int64
	if req.IsPositionClose() {
		id, err := strconv.ParseInt(req.PositionID, 10, 64)
		if err != nil {
			return domain.BrokerResult{}, domain.Fatal(domain.BrokerIBKR, "", "bad position id "+req.PositionID)
		}
		conid = id
		req.Kind = domain.OrderMarket
		req.StopLoss, req.TakeProfit = 0, 0
	} else {
		ct, err := c.frontMonth(ctx, req.Symbol)
		if err != nil {
			return domain.BrokerResult{}, err
		}
		conid = ct.ConID
	}

	account := c.account()
	body := map[string]interface{}{"orders": BracketOrders(account, conid, req)}
	orderID, status, err := c.submit(ctx, "/iserver/account/"+account+"/orders", body)
	if err != nil {
		return domain.BrokerResult{}, err
	}
	c.logger.Info("order submitted",
		zap.Int64("conid", conid),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.String("order_id", orderID),
		zap.String("order_status", status),
	)
	return domain.BrokerResult{
		Broker:        domain.BrokerIBKR,
		Status:        domain.StatusSuccess,
		OrderID:       orderID,
		ExpectedPrice: req.LimitPrice,
		Detail:        status,
	}, nil
}

// submit posts the orders and answers any confirmation prompts until the
// gateway reports an order id.
func (c *Client) submit(ctx context.Context, path string, body interface{}) (string, string, error) {
	replies, err := c.postOrders(ctx, path, body)
	if err != nil {
		return "", "", err
	}
	for i := 0; i < maxReplies; i++ {
		if len(replies) == 0 {
			return "", "", domain.Transient(domain.BrokerIBKR, "", "empty order reply", domain.ErrNoResponse)
		}
		first := replies[0]
		switch {
		case first.Error != "":
			return "", "", domain.Fatal(domain.BrokerIBKR, "", first.Error)
		case first.OrderID != "":
			return first.OrderID, first.OrderStatus, nil
		case first.ID != "":
			c.logger.Info("confirming order prompt", zap.String("reply_id", first.ID), zap.Strings("message", first.Message))
			replies, err = c.postOrders(ctx, "/iserver/reply/"+first.ID, map[string]bool{"confirmed": true})
			if err != nil {
				return "", "", err
			}
		default:
			return "", "", domain.Fatal(domain.BrokerIBKR, "", "unrecognised order reply")
		}
	}
	return "", "", domain.Fatal(domain.BrokerIBKR, "", "too many confirmation prompts")
}

// postOrders accepts both the usual reply array and the bare error object
// the gateway sends for rejected tickets.
func (c *Client) postOrders(ctx context.Context, path string, body interface{}) ([]orderReply, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, path, body, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var single orderReply
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return []orderReply{single}, nil
	}
	var replies []orderReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &replies); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return replies, nil
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
		_, err := c.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Quantity:   pos.Quantity,
			Kind:       domain.OrderMarket,
			PositionID: pos.ID,
		})
		if err != nil {
			c.logger.Warn("close failed", zap.String("conid", pos.ID), zap.Error(err))
			failures = append(failures, pos.ID)
			continue
		}
		closed++
	}
	if len(failures) > 0 && closed == 0 {
		return domain.BrokerResult{}, domain.Transient(domain.BrokerIBKR, "", "close failed for "+strings.Join(failures, ","), nil)
	}
	res := domain.BrokerResult{Broker: domain.BrokerIBKR, Status: domain.StatusSuccess, Closed: closed}
	if len(failures) > 0 {
		res.Detail = "not closed: " + strings.Join(failures, ",")
	}
	return res, nil
}

func (c *Client) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var rows []struct {
		ConID        int64   `json:"conid"`
		ContractDesc string  `json:"contractDesc"`
		Ticker       string  `json:"ticker"`
		Position     float64 `json:"position"`
		Unrealized   float64 `json:"unrealizedPnl"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/"+c.account()+"/positions/0", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		if r.Position == 0 {
			continue
		}
		symbol := r.Ticker
		if symbol == "" {
			symbol = strings.Fields(r.ContractDesc + " ")[0]
		}
		side := domain.SideBuy
		qty := r.Position
		if qty < 0 {
			side = domain.SideSell
			qty = -qty
		}
		out = append(out, domain.Position{
			Symbol:   strings.ToUpper(symbol),
			Side:     side,
			Quantity: qty,
			ID:       strconv.FormatInt(r.ConID, 10),
			Profit:   r.Unrealized,
		})
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context) (domain.AccountInfo, error) {
	type amount struct {
		Amount float64 `json:"amount"`
	}
	var summary struct {
		NetLiquidation amount `json:"netliquidation"`
		TotalCash      amount `json:"totalcashvalue"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/"+c.account()+"/summary", nil, &summary); err != nil {
		return domain.AccountInfo{}, err
	}
	return domain.AccountInfo{Equity: summary.NetLiquidation.Amount, Balance: summary.TotalCash.Amount}, nil
}

// Quote reads bid (field 84) and ask (field 86) from a market data snapshot.
func (c *Client) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	ct, err := c.frontMonth(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}
	var rows []map[string]interface{}
	path := fmt.Sprintf("/iserver/marketdata/snapshot?conids=%d&fields=84,86", ct.ConID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return domain.Quote{}, err
	}
	if len(rows) == 0 {
		return domain.Quote{}, fmt.Errorf("no market data for %s", symbol)
	}
	q := domain.Quote{Bid: numberField(rows[0]["84"]), Ask: numberField(rows[0]["86"])}
	if q.Bid <= 0 || q.Ask <= 0 {
		return domain.Quote{}, fmt.Errorf("incomplete market data for %s", symbol)
	}
	return q, nil
}

func numberField(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimLeft(strings.TrimSpace(t), "CH"), 64)
		return f
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(domain.BrokerIBKR, "", method+" "+path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.setConnected(false)
		return domain.Transient(domain.BrokerIBKR, "401", "gateway session expired", domain.ErrNotConnected)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Transient(domain.BrokerIBKR, strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(payload)), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.Fatal(domain.BrokerIBKR, strconv.Itoa(resp.StatusCode), errorText(payload))
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func errorText(payload []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(payload))
}
