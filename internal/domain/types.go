// Package domain defines the core data types shared across the marlin
// analytics toolkit: market data bars, backtest result rows, and the error
// taxonomy used by the batch subsystem.
package domain

import "time"

// Bar represents a single OHLCV bar for a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// BacktestSummary is one row of a backtest result table: the summary metrics
// produced by a single backtest execution.
type BacktestSummary struct {
	RunID       string    `json:"run_id"`
	Strategy    string    `json:"strategy"`
	Symbols     []string  `json:"symbols"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	InitialCash float64   `json:"initial_cash"`
	FinalEquity float64   `json:"final_equity"`
	TotalReturn float64   `json:"total_return"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	MaxDrawdown float64   `json:"max_drawdown"`
	TotalTrades int       `json:"total_trades"`
	WinRate     float64   `json:"win_rate"`
	CreatedAt   time.Time `json:"created_at"`
}
