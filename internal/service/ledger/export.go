package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradegate/internal/domain"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// exportRow is the flat column layout shared by the csv and parquet exports.
type exportRow struct {
	ID                string  `parquet:"id"`
	DispatchID        string  `parquet:"dispatch_id"`
	Timestamp         int64   `parquet:"timestamp,timestamp(millisecond)"`
	Platform          string  `parquet:"platform"`
	Symbol            string  `parquet:"symbol"`
	Action            string  `parquet:"action"`
	Volume            float64 `parquet:"volume"`
	NativeSymbol      string  `parquet:"native_symbol"`
	NativeVolume      float64 `parquet:"native_volume"`
	Status            string  `parquet:"status"`
	ErrorKind         string  `parquet:"error_kind"`
	LatencyMS         float64 `parquet:"latency_ms"`
	Details           string  `parquet:"details"`
	ExpectedPrice     float64 `parquet:"expected_price"`
	ExecutedPrice     float64 `parquet:"executed_price"`
	Slippage          float64 `parquet:"slippage"`
	OrderID           string  `parquet:"order_id"`
	WebhookReceivedAt string  `parquet:"webhook_received_at"`
	EquityBefore      float64 `parquet:"equity_before"`
	EquityAfter       float64 `parquet:"equity_after"`
	BidPrice          float64 `parquet:"bid_price"`
	AskPrice          float64 `parquet:"ask_price"`
	Spread            float64 `parquet:"spread"`
	Commission        float64 `parquet:"commission"`
	PnL               float64 `parquet:"pnl"`
	RejectedReason    string  `parquet:"rejected_reason"`
}

var csvHeader = []string{
	"id", "dispatch_id", "timestamp", "platform", "symbol", "action", "volume",
	"native_symbol", "native_volume", "status", "error_kind", "latency_ms", "details",
	"expected_price", "executed_price", "slippage", "order_id", "webhook_received_at",
	"equity_before", "equity_after", "bid_price", "ask_price", "spread",
	"commission", "pnl", "rejected_reason",
}

func toExportRow(r domain.TradeRecord) exportRow {
	return exportRow{
		ID:                r.ID,
		DispatchID:        r.DispatchID,
		Timestamp:         r.Timestamp.UnixMilli(),
		Platform:          r.Platform,
		Symbol:            r.Symbol,
		Action:            r.Action,
		Volume:            r.Volume,
		NativeSymbol:      r.NativeSymbol,
		NativeVolume:      r.NativeVolume,
		Status:            r.Status,
		ErrorKind:         r.ErrorKind,
		LatencyMS:         r.LatencyMS,
		Details:           r.Details,
		ExpectedPrice:     r.ExpectedPrice,
		ExecutedPrice:     r.ExecutedPrice,
		Slippage:          r.Slippage,
		OrderID:           r.OrderID,
		WebhookReceivedAt: r.WebhookReceivedAt,
		EquityBefore:      r.EquityBefore,
		EquityAfter:       r.EquityAfter,
		BidPrice:          r.BidPrice,
		AskPrice:          r.AskPrice,
		Spread:            r.Spread,
		Commission:        r.Commission,
		PnL:               r.PnL,
		RejectedReason:    r.RejectedReason,
	}
}

func (e exportRow) csvRecord() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		e.ID, e.DispatchID, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano),
		e.Platform, e.Symbol, e.Action, f(e.Volume),
		e.NativeSymbol, f(e.NativeVolume), e.Status, e.ErrorKind, f(e.LatencyMS), e.Details,
		f(e.ExpectedPrice), f(e.ExecutedPrice), f(e.Slippage), e.OrderID, e.WebhookReceivedAt,
		f(e.EquityBefore), f(e.EquityAfter), f(e.BidPrice), f(e.AskPrice), f(e.Spread),
		f(e.Commission), f(e.PnL), e.RejectedReason,
	}
}

// ContentType returns the response media type for an export format.
func ContentType(format string) string {
	if format == FormatParquet {
		return "application/vnd.apache.parquet"
	}
	return "text/csv"
}

// Export writes up to ExportLimit rows in the given format. It returns
// ErrNoTrades without writing anything when the range is empty.
func (l *Ledger) Export(ctx context.Context, filter domain.TradeFilter, format string, w io.Writer) (int, error) {
	if format != FormatCSV && format != FormatParquet {
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	filter.Limit = ExportLimit
	records, err := l.store.ListTrades(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, ErrNoTrades
	}
	rows := make([]exportRow, len(records))
	for i, r := range records {
		rows[i] = toExportRow(r)
	}

	if format == FormatParquet {
		if err := parquet.Write(w, rows); err != nil {
			return 0, fmt.Errorf("write parquet: %w", err)
		}
		return len(rows), nil
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := cw.Write(row.csvRecord()); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}
