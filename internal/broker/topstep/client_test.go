package topstep

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tradegate/internal/domain"
)

type fakeGateway struct {
	mu          sync.Mutex
	logins      int
	searches    int
	rejectNext  bool
	orderStatus int
	orders      []map[string]interface{}
	closes      []map[string]interface{}
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.logins++
		g.mu.Unlock()
		writeJSON(w, map[string]interface{}{"token": "tok", "success": true})
	})
	mux.HandleFunc("/Account/search", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(w, r) {
			return
		}
		writeJSON(w, map[string]interface{}{"accounts": []map[string]interface{}{
			{"id": 1, "name": "locked", "balance": 100.0, "canTrade": false},
			{"id": 2, "name": "combine", "balance": 50000.0, "canTrade": true},
		}})
	})
	mux.HandleFunc("/Contract/search", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(w, r) {
			return
		}
		g.mu.Lock()
		g.searches++
		g.mu.Unlock()
		writeJSON(w, map[string]interface{}{"contracts": []map[string]interface{}{
			{"id": "CON.F.US.MNQ.Z25", "activeContract": false},
			{"id": "CON.F.US.MNQ.H26", "activeContract": true},
		}})
	})
	mux.HandleFunc("/Order/place", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(w, r) {
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.orders = append(g.orders, body)
		status := g.orderStatus
		g.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if body["size"].(float64) > 10 {
			writeJSON(w, map[string]interface{}{"success": false, "errorCode": 2, "errorMessage": "size exceeds limit"})
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "orderId": 777})
	})
	mux.HandleFunc("/Position/searchOpen", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(w, r) {
			return
		}
		writeJSON(w, map[string]interface{}{"positions": []map[string]interface{}{
			{"id": 1, "contractId": "CON.F.US.MNQ.H26", "type": 1, "size": 5},
			{"id": 2, "contractId": "CON.F.US.MES.H26", "type": 2, "size": 2},
		}})
	})
	mux.HandleFunc("/Position/closeContract", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(w, r) {
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.closes = append(g.closes, body)
		g.mu.Unlock()
		writeJSON(w, map[string]interface{}{"success": true})
	})
	return mux
}

// authorized fails one request with 401 when rejectNext is set.
func (g *fakeGateway) authorized(w http.ResponseWriter, r *http.Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer tok" || g.rejectNext {
		g.rejectNext = false
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, Username: "trader", APIKey: "key"}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestConnect_PicksFirstTradeableAccount(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})
	if !c.IsConnected() {
		t.Fatalf("IsConnected() = false")
	}
	if got := c.account(); got != 2 {
		t.Fatalf("account = %d, want 2", got)
	}
}

func TestConnect_MissingCredentialsIsFatal(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1"}, nil)
	if err := c.Connect(context.Background()); !domain.IsFatal(err) {
		t.Fatalf("Connect() error = %v, want fatal", err)
	}
}

func TestPlaceOrder_CachesContract(t *testing.T) {
	g := &fakeGateway{}
	c := newTestClient(t, g)

	for i := 0; i < 2; i++ {
		res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ", Side: domain.SideSell, Quantity: 5, Kind: domain.OrderMarket})
		if err != nil {
			t.Fatalf("PlaceOrder() error = %v", err)
		}
		if res.OrderID != "777" {
			t.Fatalf("OrderID = %q, want 777", res.OrderID)
		}
	}
	if g.searches != 1 {
		t.Fatalf("contract searches = %d, want 1", g.searches)
	}
	order := g.orders[0]
	if order["contractId"] != "CON.F.US.MNQ.H26" || order["side"].(float64) != sideSell || order["type"].(float64) != orderMarket {
		t.Fatalf("order body = %v", order)
	}
}

func TestPlaceOrder_LimitPrice(t *testing.T) {
	g := &fakeGateway{}
	c := newTestClient(t, g)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ", Side: domain.SideBuy, Quantity: 1, Kind: domain.OrderLimit, LimitPrice: 21000.5})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if g.orders[0]["type"].(float64) != orderLimit || g.orders[0]["limitPrice"].(float64) != 21000.5 {
		t.Fatalf("order body = %v", g.orders[0])
	}
}

func TestPlaceOrder_ReauthenticatesOn401(t *testing.T) {
	g := &fakeGateway{}
	c := newTestClient(t, g)
	g.rejectNext = true

	if _, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ", Side: domain.SideBuy, Quantity: 1}); err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if g.logins != 2 {
		t.Fatalf("logins = %d, want 2", g.logins)
	}
}

func TestPlaceOrder_ServerErrorIsTransient(t *testing.T) {
	g := &fakeGateway{orderStatus: http.StatusBadGateway}
	c := newTestClient(t, g)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ", Side: domain.SideBuy, Quantity: 1})
	if !domain.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
}

func TestPlaceOrder_RejectionIsFatal(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ", Side: domain.SideBuy, Quantity: 15})
	if !domain.IsFatal(err) {
		t.Fatalf("error = %v, want fatal", err)
	}
}

func TestListPositions_MapsContracts(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})
	positions, err := c.ListPositions(context.Background())
	if err != nil {
		t.Fatalf("ListPositions() error = %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	if positions[0].Symbol != "MNQ" || positions[0].Side != domain.SideBuy || positions[0].Quantity != 5 {
		t.Fatalf("first = %+v", positions[0])
	}
	if positions[1].Side != domain.SideSell || positions[1].ID != "CON.F.US.MES.H26" {
		t.Fatalf("second = %+v", positions[1])
	}
}

func TestClosePosition_OnlyMatchingAliases(t *testing.T) {
	g := &fakeGateway{}
	c := newTestClient(t, g)
	res, err := c.ClosePosition(context.Background(), []string{"MNQ", "NQ"})
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if res.Closed != 1 || len(g.closes) != 1 || g.closes[0]["contractId"] != "CON.F.US.MNQ.H26" {
		t.Fatalf("closed = %d, calls = %v", res.Closed, g.closes)
	}
}

func TestAccount_UsesSelectedBalance(t *testing.T) {
	c := newTestClient(t, &fakeGateway{})
	acct, err := c.Account(context.Background())
	if err != nil || acct.Equity != 50000 {
		t.Fatalf("Account() = %+v, %v", acct, err)
	}
}

func TestSymbolOf(t *testing.T) {
	if got := SymbolOf("CON.F.US.MNQ.H26"); got != "MNQ" {
		t.Fatalf("SymbolOf() = %q, want MNQ", got)
	}
	if got := SymbolOf("MNQ"); got != "MNQ" {
		t.Fatalf("SymbolOf() = %q, want MNQ", got)
	}
}
