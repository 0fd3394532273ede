package postgres

import (
	"context"
	"os"
	"testing"

	"tradegate/internal/domain"
)

func TestStore_PauseRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	st, err := NewStore(url)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	want := domain.PauseState{TopStep: true}
	if err := st.SavePause(ctx, want); err != nil {
		t.Fatalf("SavePause: %v", err)
	}
	got, err := st.LoadPause(ctx)
	if err != nil {
		t.Fatalf("LoadPause: %v", err)
	}
	if got != want {
		t.Fatalf("LoadPause = %+v, want %+v", got, want)
	}
	if err := st.SaveTrade(ctx, domain.TradeRecord{Platform: "topstep", Status: "SUCCESS"}); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if _, ok, err := st.LastTrade(ctx); err != nil || !ok {
		t.Fatalf("LastTrade = %v, %v", ok, err)
	}
}
