// Package caerr defines the typed error taxonomy shared by the chunk
// action authority and every layer above it (§7).
package caerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the error kinds named in §7, independent of any
// particular component's internal error codes.
type Kind string

const (
	// Validation kinds.
	KindInvalidName        Kind = "invalid_chunk_name"
	KindInvalidSignedData  Kind = "invalid_signed_data"
	KindFailedSignature    Kind = "failed_signature_check"
	KindSignatureCheckErr  Kind = "signature_check_error"
	KindNotHashable        Kind = "not_hashable"
	KindNotOwner           Kind = "not_owner"
	KindAppendDisallowed   Kind = "append_disallowed"
	KindDifferentVersion   Kind = "different_version"
	KindInvalidChunkType   Kind = "invalid_chunk_type"
	KindInvalidModify      Kind = "invalid_modify"
	KindParseFailure       Kind = "parse_failure"
	KindSerialisationError Kind = "serialisation_error"

	// Resource kinds.
	KindStorageFull       Kind = "storage_full"
	KindDuplicateName     Kind = "duplicate_name"
	KindFailedToFindChunk Kind = "failed_to_find_chunk"

	// I/O kinds.
	KindFilesystemError Kind = "filesystem_error"
	KindTransportError  Kind = "transport_error"

	// Concurrency kinds.
	KindOperationCancelled Kind = "operation_cancelled"
	KindOperationTimedOut  Kind = "operation_timed_out"
	KindCompletionTimedOut Kind = "completion_timed_out"

	// Process kinds.
	KindSpawnFailed         Kind = "spawn_failed"
	KindChildCrashed        Kind = "child_crashed"
	KindRestartCapExceeded  Kind = "restart_cap_exceeded"

	KindSuccess Kind = "success"
)

// retryable records which kinds are recoverable by automatic, bounded
// retry (LRU eviction waits, lock waits, transfer drains) versus fatal
// to the operation (§7's propagation policy).
var retryable = map[Kind]bool{
	KindOperationTimedOut:  true,
	KindCompletionTimedOut: true,
	KindStorageFull:        true,
	KindTransportError:     true,
}

// CAAError is the typed error returned by the chunk action authority and
// every byte-store/scheduler layer above it.
type CAAError struct {
	Kind      Kind
	Message   string
	ChunkName string
	Timestamp time.Time
	Cause     error
}

// New constructs a CAAError with no chunk name or cause attached.
func New(kind Kind, message string) *CAAError {
	return &CAAError{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Wrap constructs a CAAError carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *CAAError {
	return &CAAError{Kind: kind, Message: message, Timestamp: time.Now(), Cause: cause}
}

// WithChunk attaches a chunk name to a CAAError and returns it.
func (e *CAAError) WithChunk(name string) *CAAError {
	e.ChunkName = name
	return e
}

func (e *CAAError) Error() string {
	if e.ChunkName != "" {
		return fmt.Sprintf("%s: %s (chunk %s)", e.Kind, e.Message, e.ChunkName)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *CAAError) Unwrap() error { return e.Cause }

// Is reports whether err is a CAAError of the given kind.
func Is(err error, kind Kind) bool {
	var caaErr *CAAError
	if errors.As(err, &caaErr) {
		return caaErr.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a CAAError whose kind is recoverable
// within bounded time per §7.
func IsRetryable(err error) bool {
	var caaErr *CAAError
	if errors.As(err, &caaErr) {
		return retryable[caaErr.Kind]
	}
	return false
}

// ProtocolError is the supervisor's loopback RPC-level error, carried in
// the explicit `error` field of responses (§7).
type ProtocolError struct {
	Code    string
	Message string
	Cause   error
}

func NewProtocol(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
