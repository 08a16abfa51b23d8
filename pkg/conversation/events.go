package conversation

import "github.com/aixgo-dev/memtrace/pkg/trace"

// TurnEventType names an outward turn event.
type TurnEventType string

const (
	TurnText         TurnEventType = "text"
	TurnToolUseStart TurnEventType = "tool_use_start"
	TurnDone         TurnEventType = "done"
	TurnError        TurnEventType = "error"
)

// TurnEvent is what a caller of Send receives. It encodes as
// {"type": ..., "data": ...}.
type TurnEvent struct {
	Type TurnEventType `json:"type"`
	Data any           `json:"data"`
}

// ToolUseData is the data of a tool_use_start event.
type ToolUseData struct {
	Tool string `json:"tool"`
	ID   string `json:"id"`
}

// DoneData is the data of a done event.
type DoneData struct {
	Tokens TokenStats `json:"tokens"`
}

// ErrorData is the data of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// TokenStats is a snapshot of the last turn's deltas and the session totals.
type TokenStats struct {
	LastInput       int `json:"last_input"`
	LastOutput      int `json:"last_output"`
	LastCacheRead   int `json:"last_cache_read"`
	LastCacheWrite  int `json:"last_cache_write"`
	TotalInput      int `json:"total_input"`
	TotalOutput     int `json:"total_output"`
	TotalCacheRead  int `json:"total_cache_read"`
	TotalCacheWrite int `json:"total_cache_write"`
}

func newTokenStats(last, total trace.Usage) TokenStats {
	return TokenStats{
		LastInput:       last.InputTokens,
		LastOutput:      last.OutputTokens,
		LastCacheRead:   last.CacheReadTokens,
		LastCacheWrite:  last.CacheWriteTokens,
		TotalInput:      total.InputTokens,
		TotalOutput:     total.OutputTokens,
		TotalCacheRead:  total.CacheReadTokens,
		TotalCacheWrite: total.CacheWriteTokens,
	}
}

// Text returns the text carried by a text event.
func (e TurnEvent) Text() string {
	s, _ := e.Data.(string)
	return s
}

// Terminal reports whether e ends a turn.
func (e TurnEvent) Terminal() bool {
	return e.Type == TurnDone || e.Type == TurnError
}
