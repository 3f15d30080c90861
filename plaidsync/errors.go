package plaidsync

import "errors"

// Domain error taxonomy. Handlers map these onto HTTP statuses
// (502/404/500/409); everything else is a 500.
var (
	// ErrUpstreamUnavailable wraps aggregator failures: timeouts, non-2xx
	// responses, malformed bodies.
	ErrUpstreamUnavailable = errors.New("aggregator upstream unavailable")

	// ErrNotFoundOrForbidden is returned for items that do not exist AND for
	// items owned by someone else, so responses never reveal which.
	ErrNotFoundOrForbidden = errors.New("item not found or access denied")

	// ErrStorageWriteFailed marks persistence failures after a successful
	// upstream call (the credential exchange hard-failure case).
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrSyncInProgress is returned when another sync holds the per-item lock.
	ErrSyncInProgress = errors.New("sync already in progress for this item")
)
