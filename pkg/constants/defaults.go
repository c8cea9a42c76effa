// Package constants defines cross-cutting timeouts, sizes, and defaults
// shared by the chunk storage pipeline and the vault supervisor.
package constants

import "time"

// Name and version sizes (§3).
const (
	// NameSize is kNameSize: the fixed width of a ChunkName without its
	// optional trailing type byte.
	NameSize = 64

	// VersionSize is kTigerSize: the width of a derived version tag.
	VersionSize = 24
)

// Buffered chunk store timeouts (§4.C).
const (
	// WaitTransfersForCacheVacantCheck bounds how many XferWaitTimeout
	// cycles cache_store waits for pending transfers to drain before
	// failing with a timeout.
	WaitTransfersForCacheVacantCheck = 10

	// XferWaitTimeout bounds every blocking wait on xfer_mutex's
	// condition variable.
	XferWaitTimeout = 3 * time.Second
)

// Local chunk manager timeouts (§4.E).
const (
	// LockTimeout is the staleness threshold for cross-process lock
	// records; a lock record older than this may be overwritten.
	LockTimeout = 60 * time.Second

	// GetRetryTimeout is how long a failed get is suppressed from retry
	// in the scheduler's failed_gets map.
	GetRetryTimeout = 3 * time.Second
)

// Scheduler timeouts and bounds (§4.F, §5).
const (
	// CompletionWaitTimeout bounds WaitForCompletion.
	CompletionWaitTimeout = 3 * time.Minute

	// OperationWaitTimeout bounds how long a pending op waits to become
	// unblocked by conflict resolution before it is cancelled.
	OperationWaitTimeout = 150 * time.Second

	// DefaultMaxActiveOps is the default parallelism bound on concurrent
	// downstream operations.
	DefaultMaxActiveOps = 4
)

// Supervisor / vault controller timeouts (§4.G, §4.H, §6).
const (
	// RpcTimeout bounds idle new connections and shutdown-acknowledgement
	// retries.
	RpcTimeout = 5 * time.Second

	// ChallengeMinLen and ChallengeMaxLen bound the random challenge
	// issued by ValidateConnectionRequest ([100, 200)).
	ChallengeMinLen = 100
	ChallengeMaxLen = 200

	// IdentityWaitTimeout bounds the vault controller's identity()
	// accessor.
	IdentityWaitTimeout = 10 * time.Second

	// DefaultMaxDiskUsage is the quota a StartVaultRequest receives when
	// the client does not specify one, in bytes.
	DefaultMaxDiskUsage uint64 = 1 << 30
)

// Process manager constants (§4.I).
const (
	// RestartBackoff is the sleep before each restart attempt.
	RestartBackoff = 600 * time.Millisecond

	// MaxConsecutiveRestarts caps restart attempts before a process
	// record is declared failed.
	MaxConsecutiveRestarts = 4
)

// File byte store layout (§4.B, §6).
const (
	// DefaultDirDepth is the default depth of the base-32 directory
	// tree a file byte store splits a chunk name across.
	DefaultDirDepth = 5

	// DirSegmentLen is the fixed length of each base-32 directory
	// segment.
	DirSegmentLen = 2

	// InfoFileName records chunk_count/total_size at the store root.
	InfoFileName = "info"
)

// Hash algorithm identifier, substituted uniformly for the source's Tiger
// hash (see DESIGN.md Open Question 4).
const HashAlgorithm = "blake3-512"
