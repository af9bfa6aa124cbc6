// Package gateerr defines the typed error taxonomy shared by every
// control-plane component.
//
// Each error carries a Kind (the taxonomy bucket), a deterministic Code
// (machine-readable reason), and, once the rejection has been recorded, the
// audit ledger sequence number of the event that recorded it.
package gateerr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy bucket of an error.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindAuthorization       Kind = "AuthorizationError"
	KindResourceExceeded    Kind = "ResourceExceeded"
	KindTimeout             Kind = "Timeout"
	KindArbitrationDeadlock Kind = "ArbitrationDeadlock"
	KindLedgerFault         Kind = "LedgerFault"
	KindNotFound            Kind = "NotFound"
	KindInvalidState        Kind = "InvalidState"
)

// Deterministic reason codes.
const (
	CodeDiffTooLarge        = "ERR_DIFF_TOO_LARGE"
	CodeMissingReversePatch = "ERR_MISSING_REVERSE_PATCH"
	CodeMalformedProposal   = "ERR_MALFORMED_PROPOSAL"
	CodeIntentNotApproved   = "ERR_INTENT_NOT_APPROVED"
	CodeBadSignature        = "ERR_BAD_SIGNATURE"
	CodeUnknownSigner       = "ERR_UNKNOWN_SIGNER"
	CodeDuplicateLease      = "ERR_DUPLICATE_ACTIVE_LEASE"
	CodeScopeNotAllowed     = "ERR_SCOPE_NOT_ALLOWED"
	CodeInsufficientCosign  = "ERR_INSUFFICIENT_COSIGNERS"
	CodeLeaseExpired        = "ERR_LEASE_EXPIRED"
	CodeLeaseRevoked        = "ERR_LEASE_REVOKED"
	CodeCommandNotAllowed   = "ERR_COMMAND_NOT_ALLOWED"
	CodePathNotAllowed      = "ERR_PATH_NOT_ALLOWED"
	CodeHeadroomExceeded    = "ERR_HEADROOM_EXCEEDED"
	CodeCPUExceeded         = "ERR_CPU_EXCEEDED"
	CodeMemoryExceeded      = "ERR_MEMORY_EXCEEDED"
	CodeDiskExceeded        = "ERR_DISK_EXCEEDED"
	CodeReviewerTimeout     = "ERR_REVIEWER_TIMEOUT"
	CodeSandboxTimeout      = "ERR_SANDBOX_TIMEOUT"
	CodeBakeTimeout         = "ERR_BAKE_TIMEOUT"
	CodeArbitrationFailed   = "ERR_ARBITRATION_DEADLOCK"
	CodeLedgerUnavailable   = "ERR_LEDGER_UNAVAILABLE"
	CodeNotFound            = "ERR_NOT_FOUND"
	CodeInvalidTransition   = "ERR_INVALID_TRANSITION"
	CodeMalformedToken      = "ERR_MALFORMED_TOKEN"
	CodeLockUnavailable     = "ERR_ISSUANCE_LOCK_UNAVAILABLE"
	CodeNetworkNotIsolated  = "ERR_NETWORK_NOT_ISOLATED"
	CodeSandboxStart        = "ERR_SANDBOX_START"
	CodeSandboxCancelled    = "ERR_SANDBOX_CANCELLED"
	CodeUnavailable         = "ERR_UNAVAILABLE"
)

// Error is the concrete error type returned by control-plane operations.
type Error struct {
	Kind     Kind   `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	AuditSeq uint64 `json:"audit_seq,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	if e.AuditSeq > 0 {
		msg += fmt.Sprintf(" (audit seq %d)", e.AuditSeq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Code when the target sets one.
// This makes errors.Is(err, gateerr.Authorization) work for any code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is matching by kind.
var (
	Validation          = &Error{Kind: KindValidation}
	Authorization       = &Error{Kind: KindAuthorization}
	ResourceExceeded    = &Error{Kind: KindResourceExceeded}
	Timeout             = &Error{Kind: KindTimeout}
	ArbitrationDeadlock = &Error{Kind: KindArbitrationDeadlock}
	LedgerFault         = &Error{Kind: KindLedgerFault}
	NotFound            = &Error{Kind: KindNotFound}
	InvalidState        = &Error{Kind: KindInvalidState}
)

// New creates an Error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithSeq stamps the audit sequence on err if it is an *Error and returns it.
func WithSeq(err error, seq uint64) error {
	var ge *Error
	if errors.As(err, &ge) && ge.AuditSeq == 0 {
		ge.AuditSeq = seq
	}
	return err
}

// KindOf returns the Kind of err, or "" when err is not a control-plane error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// CodeOf returns the reason code of err, or "" when none.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// SeqOf returns the audit sequence recorded for err, or 0.
func SeqOf(err error) uint64 {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.AuditSeq
	}
	return 0
}

// Governance command exit codes.
const (
	ExitOK           = 0
	ExitNotFound     = 1
	ExitUnauthorized = 2
	ExitInvalidState = 3
)

// ExitCode maps an error to a governance command exit code.
// Errors outside the three governance classes report invalid state.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return ExitNotFound
	case KindAuthorization:
		return ExitUnauthorized
	default:
		return ExitInvalidState
	}
}
