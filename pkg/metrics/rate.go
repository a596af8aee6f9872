package metrics

// Rate converts two readings of a monotonically increasing counter into a
// per-second rate. ok is false when no rate can be derived: non-positive
// elapsed time, or the counter went backwards (32/64-bit wraparound or a
// device reset). Callers always adopt curr as the next baseline, so a reset
// costs exactly one tick's worth of data and never produces a negative rate.
func Rate(curr, prior uint64, elapsed float64) (float64, bool) {
	if elapsed <= 0 || curr < prior {
		return 0, false
	}
	return float64(curr-prior) / elapsed, true
}

// RateFloat is Rate for counters that are already fractional (jiffy-scaled
// CPU time, vendor-reported byte totals).
func RateFloat(curr, prior, elapsed float64) (float64, bool) {
	if elapsed <= 0 || curr < prior {
		return 0, false
	}
	return (curr - prior) / elapsed, true
}
