package trace

import "fmt"

// Usage holds token counts for one turn.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Totals holds running token totals for a session. It has the same fields as
// Usage under the names used by the cumulative block of the record.
type Totals struct {
	InputTokens      int `json:"total_input_tokens"`
	OutputTokens     int `json:"total_output_tokens"`
	CacheReadTokens  int `json:"total_cache_read_tokens"`
	CacheWriteTokens int `json:"total_cache_write_tokens"`
}

// Add returns the field-wise sum of u and d.
func (u Usage) Add(d Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + d.InputTokens,
		OutputTokens:     u.OutputTokens + d.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + d.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + d.CacheWriteTokens,
	}
}

// Validate rejects negative counts.
func (u Usage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.CacheReadTokens < 0 || u.CacheWriteTokens < 0 {
		return fmt.Errorf("negative token count: %+v", u)
	}
	return nil
}

// Totals converts running counts into their record form.
func (u Usage) Totals() Totals { return Totals(u) }

// Usage converts totals back into plain counts.
func (t Totals) Usage() Usage { return Usage(t) }

// CumulativeAt recomputes the running token totals from every token_usage
// delta at indices up to and including i.
func CumulativeAt(events []Event, i int) Usage {
	var sum Usage
	for j := 0; j <= i && j < len(events); j++ {
		if tu, ok := events[j].Payload.(TokenUsage); ok {
			sum = sum.Add(tu.Usage)
		}
	}
	return sum
}

// VerifyCounters checks that the cumulative checkpoint of every token_usage
// event equals the sum of all deltas up to that event.
func VerifyCounters(s *Session) error {
	var sum Usage
	for i, e := range s.Events {
		tu, ok := e.Payload.(TokenUsage)
		if !ok {
			continue
		}
		if err := tu.Usage.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		sum = sum.Add(tu.Usage)
		if tu.Cumulative.Usage() != sum {
			return fmt.Errorf("event %d: cumulative %+v does not match running sum %+v", i, tu.Cumulative.Usage(), sum)
		}
	}
	return nil
}

// LastTotals returns the cumulative totals of the last token_usage event.
func LastTotals(s *Session) (Usage, bool) {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if tu, ok := s.Events[i].Payload.(TokenUsage); ok {
			return tu.Cumulative.Usage(), true
		}
	}
	return Usage{}, false
}
