// Package meter provides the pure sliding-window admission algorithm.
// The durable store replays Admit atomically per row; all functions here are
// deterministic and side-effect free.
package meter

// Row is the persistent counter state for one (resource, referrer) pair.
type Row struct {
	ID       string
	URL      string
	Referrer string
	// WindowCount is the number of admissions in the current window.
	WindowCount int
	// WindowStart is a floating-point Unix timestamp in seconds.
	WindowStart float64
	// Rate is the configured cap recorded with the row for status reporting.
	Rate     int
	Total    int64
	Rejected int64
}

// Key identifies a row.
type Key struct {
	URL      string
	Referrer string
}

// Config holds the admission parameters derived from a resource.
type Config struct {
	// Limit is the cap per window.
	Limit int
	// WindowSeconds is the sliding-window length.
	WindowSeconds float64
}

// Outcome is the result of an admission check.
type Outcome struct {
	Admitted bool
	// Remaining admissions in the current window (0 when denied).
	Remaining int
}

// Admit applies one admission attempt to a row at time now (Unix seconds).
// Returns the outcome and the updated row; the caller persists the row in
// the same atomic step as the read.
//
// A window resets to now the first time a request arrives after it expired;
// within an active window admissions count against the cap and the window
// start does not move.
func Admit(row Row, cfg Config, now float64) (Outcome, Row) {
	row.Rate = cfg.Limit
	switch {
	case row.WindowCount == 0 || row.WindowStart+cfg.WindowSeconds <= now:
		row.WindowCount = 1
		row.WindowStart = now
		row.Total++
		return Outcome{Admitted: true, Remaining: cfg.Limit - 1}, row

	case row.WindowCount < cfg.Limit:
		row.WindowCount++
		row.Total++
		return Outcome{Admitted: true, Remaining: cfg.Limit - row.WindowCount}, row

	default:
		row.Rejected++
		return Outcome{Admitted: false}, row
	}
}
