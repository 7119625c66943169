package govern

// Budget accumulates the governance cost of one run. Counters are
// strictly non-decreasing; the short-circuit flag is set at most once.
type Budget struct {
	ElapsedMSTotal     int64  `json:"elapsed_ms_total"`
	AttemptsTotal      int    `json:"attempts_total"`
	RetriesUsedTotal   int    `json:"retries_used_total"`
	ShortCircuited     bool   `json:"short_circuited"`
	ShortCircuitReason string `json:"short_circuit_reason,omitempty"`
}

// Add folds one result's metrics into the budget.
func (b *Budget) Add(durationMS int64, attempts, retriesUsed int) {
	b.ElapsedMSTotal += durationMS
	b.AttemptsTotal += attempts
	b.RetriesUsedTotal += retriesUsed
}

// ShortCircuit marks the budget exceeded. The first reason wins;
// later calls are no-ops so the flag transitions at most once.
func (b *Budget) ShortCircuit(reason string) {
	if b.ShortCircuited {
		return
	}
	b.ShortCircuited = true
	b.ShortCircuitReason = reason
}

// Exceeds reports whether cumulative elapsed time has reached the
// given ceiling in milliseconds. A non-positive ceiling never trips.
func (b *Budget) Exceeds(limitMS int64) bool {
	return limitMS > 0 && b.ElapsedMSTotal > limitMS
}
