package mt5

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/domain"
)

func newTestBridge(t *testing.T, opts Options) (*Bridge, Session) {
	t.Helper()
	opts.ConnectCode = "code-123"
	b := NewBridge(opts, nil)
	session, err := b.Register("code-123", "acct-1", "dev-1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return b, session
}

// eaLoop answers every command the way a terminal would, until ctx ends.
func eaLoop(ctx context.Context, b *Bridge, s Session, answer func(Command) Result) {
	for ctx.Err() == nil {
		cmd, ok := b.Next(s)
		if !ok {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		res := answer(cmd)
		res.CommandID = cmd.ID
		_, _ = b.Complete(s, res)
	}
}

func TestRegister_RejectsBadCodeAndMissingIdentity(t *testing.T) {
	b := NewBridge(Options{ConnectCode: "secret"}, nil)
	if _, err := b.Register("wrong", "a", "d"); !errors.Is(err, ErrInvalidConnectCode) {
		t.Fatalf("bad code error = %v, want ErrInvalidConnectCode", err)
	}
	if _, err := b.Register("secret", "a", " "); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("missing device error = %v, want ErrMissingIdentity", err)
	}
}

func TestValidateSession_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	b, session := newTestBridge(t, Options{TokenTTL: time.Hour, Now: func() time.Time { return now }})

	if _, err := b.ValidateSession(session.Token); err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if len(session.Scopes) != 3 {
		t.Fatalf("scopes = %v", session.Scopes)
	}
	now = now.Add(2 * time.Hour)
	if _, err := b.ValidateSession(session.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired error = %v, want ErrTokenExpired", err)
	}
	if _, err := b.ValidateSession("nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown error = %v, want ErrInvalidToken", err)
	}
}

func TestIsConnected_FollowsHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	b, session := newTestBridge(t, Options{HeartbeatTTL: 30 * time.Second, Now: func() time.Time { return now }})

	if !b.IsConnected() {
		t.Fatalf("IsConnected() = false right after register")
	}
	now = now.Add(time.Minute)
	if b.IsConnected() {
		t.Fatalf("IsConnected() = true after missed heartbeats")
	}
	b.Heartbeat(session)
	if !b.IsConnected() {
		t.Fatalf("IsConnected() = false after heartbeat")
	}
}

func TestPlaceOrder_RoundTripsThroughEA(t *testing.T) {
	b, session := newTestBridge(t, Options{CommandTTL: time.Second, ResultTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen Command
	go eaLoop(ctx, b, session, func(cmd Command) Result {
		seen = cmd
		return Result{Retcode: RetcodeDone, Order: "9001", Price: 21000.5}
	})

	res, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "NQ", Side: domain.SideBuy, Quantity: 1, Kind: domain.OrderLimit, LimitPrice: 21000.75,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if res.Status != domain.StatusSuccess || res.OrderID != "9001" || res.ExecutedPrice != 21000.5 {
		t.Fatalf("result = %+v", res)
	}
	if res.ExpectedPrice != 21000.75 {
		t.Fatalf("ExpectedPrice = %v, want 21000.75", res.ExpectedPrice)
	}
	if seen.Type != CommandOpen || seen.OrderType != "LIMIT" || seen.Volume != 1 {
		t.Fatalf("command = %+v", seen)
	}
}

func TestPlaceOrder_RetcodeMapping(t *testing.T) {
	cases := []struct {
		name      string
		retcode   int
		transient bool
	}{
		{"timeout", RetcodeTimeout, true},
		{"connection", RetcodeConnection, true},
		{"no money", 10019, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, session := newTestBridge(t, Options{CommandTTL: time.Second, ResultTTL: time.Second})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go eaLoop(ctx, b, session, func(Command) Result {
				return Result{Retcode: tc.retcode, Comment: "rejected by server"}
			})

			_, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "NQ", Side: domain.SideSell, Quantity: 1, Kind: domain.OrderMarket})
			if err == nil {
				t.Fatalf("PlaceOrder() error = nil")
			}
			if domain.IsTransient(err) != tc.transient {
				t.Fatalf("IsTransient(%v) = %v, want %v", err, domain.IsTransient(err), tc.transient)
			}
			if !tc.transient && !domain.IsFatal(err) {
				t.Fatalf("IsFatal(%v) = false", err)
			}
		})
	}
}

func TestPlaceOrder_NotPickedUpIsTransient(t *testing.T) {
	b, _ := newTestBridge(t, Options{CommandTTL: 20 * time.Millisecond})

	_, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ", Side: domain.SideBuy, Quantity: 1})
	if !errors.Is(err, domain.ErrNoResponse) {
		t.Fatalf("error = %v, want ErrNoResponse", err)
	}
	if !domain.IsTransient(err) {
		t.Fatalf("IsTransient(%v) = false", err)
	}
	if _, ok := b.Next(Session{}); ok {
		t.Fatalf("expired command still pickable")
	}
}

func TestPlaceOrder_PickedUpButUnansweredIsExhausted(t *testing.T) {
	b, session := newTestBridge(t, Options{CommandTTL: 20 * time.Millisecond, ResultTTL: 40 * time.Millisecond})
	go func() {
		for i := 0; i < 50; i++ {
			if _, ok := b.Next(session); ok {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ", Side: domain.SideBuy, Quantity: 1})
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if domain.IsTransient(err) {
		t.Fatalf("an unanswered dispatched command must not be retried")
	}
}

func TestPlaceOrder_NotConnected(t *testing.T) {
	b := NewBridge(Options{ConnectCode: "x"}, nil)
	_, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ", Side: domain.SideBuy, Quantity: 1})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestClosePosition_SendsFlattenWithAliases(t *testing.T) {
	b, session := newTestBridge(t, Options{CommandTTL: time.Second, ResultTTL: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmds := make(chan Command, 1)
	go eaLoop(ctx, b, session, func(cmd Command) Result {
		cmds <- cmd
		return Result{Status: "SUCCESS", Closed: 2}
	})

	res, err := b.ClosePosition(ctx, []string{"NQ", "NQ1!"})
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if res.Closed != 2 {
		t.Fatalf("Closed = %d, want 2", res.Closed)
	}
	cmd := <-cmds
	if cmd.Type != CommandFlatten || len(cmd.Symbols) != 2 {
		t.Fatalf("command = %+v", cmd)
	}
}

func TestComplete_UnknownCommand(t *testing.T) {
	b, session := newTestBridge(t, Options{})
	if _, err := b.Complete(session, Result{CommandID: "missing"}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("error = %v, want ErrUnknownCommand", err)
	}
}

func TestSync_FreshnessGatesReads(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	b, session := newTestBridge(t, Options{SyncMaxAge: 5 * time.Second, Now: func() time.Time { return now }})

	if _, err := b.Account(context.Background()); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("Account() before sync error = %v, want ErrStaleSnapshot", err)
	}

	b.Sync(session, map[string]interface{}{
		"equity":    5000.0,
		"positions": []interface{}{map[string]interface{}{"ticket": 7.0, "symbol": "NQ", "type": 0.0, "volume": 1.0}},
		"quotes":    map[string]interface{}{"NQ": map[string]interface{}{"bid": 10.0, "ask": 10.5}},
		"symbols":   map[string]interface{}{"NQ": map[string]interface{}{"tick_size": 0.25}},
	})

	acct, err := b.Account(context.Background())
	if err != nil || acct.Equity != 5000 {
		t.Fatalf("Account() = %+v, %v", acct, err)
	}
	positions, err := b.ListPositions(context.Background())
	if err != nil || len(positions) != 1 || positions[0].ID != "7" {
		t.Fatalf("ListPositions() = %+v, %v", positions, err)
	}
	if q, err := b.Quote(context.Background(), "nq"); err != nil || q.Ask != 10.5 {
		t.Fatalf("Quote() = %+v, %v", q, err)
	}

	now = now.Add(10 * time.Second)
	if _, err := b.ListPositions(context.Background()); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("ListPositions() after max age error = %v, want ErrStaleSnapshot", err)
	}
	if spec, err := b.SymbolSpec(context.Background(), "NQ"); err != nil || spec.TickSize != 0.25 {
		t.Fatalf("SymbolSpec() = %+v, %v", spec, err)
	}
}
