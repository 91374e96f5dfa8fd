// Package consts contains all tunable constants in one place
package consts

import "time"

// =============================================================================
// Node RPC - connection and reconnect tuning
// =============================================================================

const (
	// NodeReconnectBaseDelay is the first delay of the exponential backoff
	NodeReconnectBaseDelay = 10 * time.Millisecond

	// NodeReconnectMaxDelay caps the exponential backoff
	NodeReconnectMaxDelay = 30 * time.Second

	// NodeReconnectMaxAttempts before a subscription is given up
	NodeReconnectMaxAttempts = 30

	// NodeHTTPTimeout for point RPC requests
	NodeHTTPTimeout = 30 * time.Second

	// NodeTraverseBackLogAfter - log progress every N blocks during back-traversal
	NodeTraverseBackLogAfter = 1_000
)

// =============================================================================
// Chain follower
// =============================================================================

const (
	// FollowerRetrySleep between teardown and resubscribe after an unexpected block
	FollowerRetrySleep = 100 * time.Millisecond
)

// =============================================================================
// Indexer application
// =============================================================================

const (
	// DefaultBlocksBuffer is how many decoded blocks may be in flight ahead of indexing
	DefaultBlocksBuffer = 10

	// DefaultSaveLedgerStateAfter - snapshot the ledger state every N blocks while behind
	DefaultSaveLedgerStateAfter = 1_000

	// DefaultCaughtUpMaxDistance - caught up when at most this far behind the node head
	DefaultCaughtUpMaxDistance = 10

	// DefaultCaughtUpLeeway - extra distance tolerated before leaving the caught-up state
	DefaultCaughtUpLeeway = 10

	// BlockContextTimeErr is the tolerated block timestamp error in seconds
	BlockContextTimeErr = 30
)

// =============================================================================
// Storage
// =============================================================================

const (
	// MinPrefixLength is the minimum number of hex characters for DUST prefix searches
	MinPrefixLength = 8
)

// =============================================================================
// API - subscriptions
// =============================================================================

const (
	// BatchSize is the number of rows per subscription data batch
	BatchSize = 100

	// ProgressUpdatesInterval between progress frames on subscriptions
	ProgressUpdatesInterval = 30 * time.Second

	// ServerListenAddr is the HTTP/WebSocket API server address
	ServerListenAddr = ":8088"

	// MetricsListenAddr is the Prometheus metrics server address
	MetricsListenAddr = ":9091"
)
