// Package metrics holds the process-wide expvar counters served on /metrics.
package metrics

import "expvar"

var (
	RequestsTotal    = expvar.NewInt("requests_total")
	RequestsErrors   = expvar.NewInt("requests_errors_total")
	BackendCalls     = expvar.NewInt("backend_calls_total")
	BackendErrors    = expvar.NewInt("backend_errors_total")
	OrderRefreshes   = expvar.NewInt("order_refreshes_total")
	RefreshFailures  = expvar.NewInt("order_refresh_failures_total")
	RefreshesSkipped = expvar.NewInt("order_refreshes_skipped_total")
	PollsTotal       = expvar.NewInt("chat_polls_total")
	PollFailures     = expvar.NewInt("chat_poll_failures_total")
	PollsSkipped     = expvar.NewInt("chat_polls_skipped_total")
	StaleResponses   = expvar.NewInt("stale_responses_total")
	OrderConflicts   = expvar.NewInt("order_conflicts_total")
	ActionsConfirmed = expvar.NewInt("actions_confirmed_total")
	ActionsFailed    = expvar.NewInt("actions_failed_total")
	SendFailures     = expvar.NewInt("chat_send_failures_total")
	ConnectionLost   = expvar.NewInt("connection_lost_notices_total")
)
