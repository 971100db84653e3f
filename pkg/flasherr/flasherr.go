// Package flasherr defines the tagged error taxonomy shared by every
// protocol client in this module. Clients return sentinel errors wrapped
// with context so callers can errors.Is/errors.As against a stable kind
// without parsing strings.
package flasherr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every protocol-level failure resolves to exactly one of
// these via errors.Is, even when wrapped in a context-carrying struct below.
var (
	// ErrCancelled is returned when a caller-initiated cancellation signal
	// fired at a suspension point.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout is returned when a wall-clock budget elapsed before an
	// operation completed.
	ErrTimeout = errors.New("operation timed out")

	// ErrHandshakeFailed is returned when the BROM/Preloader handshake
	// exhausted its retry budget without observing 0x5F.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrEchoMismatch is returned when a device failed to echo a command
	// or parameter byte the protocol requires it to echo.
	ErrEchoMismatch = errors.New("echo mismatch")

	// ErrProtocolDesync is returned when an XML DA / XFlash frame lost
	// synchronization and resync could not recover the magic.
	ErrProtocolDesync = errors.New("protocol desynchronized")

	// ErrSendDaRejected is returned when SEND_DA's initial status exceeds
	// 0xFF (fatal device-side rejection).
	ErrSendDaRejected = errors.New("send_da rejected")

	// ErrUploadFailed is returned when a chunk or ACK failed during a
	// streaming upload and no retry budget remains.
	ErrUploadFailed = errors.New("upload failed")

	// ErrPatchMismatch is returned when a byte-pattern guard failed before
	// a binary patch was applied.
	ErrPatchMismatch = errors.New("patch pattern mismatch")

	// ErrVendorParse is returned when a fastboot OEM/getvar reply could not
	// be parsed by any recognised vendor format.
	ErrVendorParse = errors.New("vendor reply unparseable")

	// ErrUnknownChip is returned by the chip database when hw_code has no
	// table entry.
	ErrUnknownChip = errors.New("unknown chip")

	// ErrInvalidState is returned when an operation is attempted from a
	// SessionState that does not permit it.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNoDevice is returned when a transport has no open endpoint.
	ErrNoDevice = errors.New("no device endpoint open")

	// ErrPreloaderAuthRequired is returned when SEND_DA's initial status is
	// 0x0010 or 0x0011: the device enforces DAA and will not accept an
	// unsigned DA. The caller must obtain a signed DA and retry.
	ErrPreloaderAuthRequired = errors.New("preloader requires a signed DA")

	// ErrSlaRequired is returned when SEND_DA's initial status is 0x1D0D
	// and no collab.SlaAuthenticator was supplied to satisfy it.
	ErrSlaRequired = errors.New("device requires SLA authentication")
)

// Kind is a closed classification of an error for dispatch by callers that
// need to decide "retry / reconnect / fatal" without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindCancelled
	KindTimeout
	KindHandshakeFailed
	KindEchoMismatch
	KindStatusError
	KindDaaProtected
	KindPreloaderAuthRequired
	KindSlaRequired
	KindProtocolDesync
	KindSendDaRejected
	KindUploadFailed
	KindPatchMismatch
	KindVendorParse
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindEchoMismatch:
		return "echo_mismatch"
	case KindStatusError:
		return "status_error"
	case KindDaaProtected:
		return "daa_protected"
	case KindPreloaderAuthRequired:
		return "preloader_auth_required"
	case KindSlaRequired:
		return "sla_required"
	case KindProtocolDesync:
		return "protocol_desync"
	case KindSendDaRejected:
		return "send_da_rejected"
	case KindUploadFailed:
		return "upload_failed"
	case KindPatchMismatch:
		return "patch_mismatch"
	case KindVendorParse:
		return "vendor_parse"
	default:
		return "unknown"
	}
}

// EchoMismatchError reports an expected-vs-observed echo byte/field.
type EchoMismatchError struct {
	Op       string
	Expected []byte
	Got      []byte
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("%s: echo mismatch: expected % x, got % x", e.Op, e.Expected, e.Got)
}

func (e *EchoMismatchError) Unwrap() error { return ErrEchoMismatch }

// StatusError reports a non-zero device status, tagged with the protocol
// context it came from so a BromStatus is never compared to an XFlashStatus.
type StatusError struct {
	Op   string
	Code uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: device status 0x%04x", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error { return errUnderlyingForCode(e.Code) }

func errUnderlyingForCode(code uint32) error {
	if code >= 0x1000 {
		return ErrProtocolDesync // treated as "protocol error" per classifier
	}
	return ErrUploadFailed
}

// PreloaderAuthError reports SEND_DA's 0x0010/0x0011 initial status.
type PreloaderAuthError struct {
	Code uint32
}

func (e *PreloaderAuthError) Error() string {
	return fmt.Sprintf("preloader auth required: status 0x%04x", e.Code)
}

func (e *PreloaderAuthError) Unwrap() error { return ErrPreloaderAuthRequired }

// Classify maps a raw device status word to its Kind, independent of
// which op observed it: known SEND_DA/upload
// outcomes are recognised by exact code first; anything else falls back
// to the "status >= 0x1000 is a protocol error" rule (KindProtocolDesync,
// matching errUnderlyingForCode). Other codes above 0xFF classify as
// KindSendDaRejected, the rest as KindStatusError.
func Classify(status uint32) Kind {
	switch status {
	case 0x0000:
		return KindUnknown
	case 0x0010, 0x0011:
		return KindPreloaderAuthRequired
	case 0x1D0D:
		return KindSlaRequired
	case 0x7015, 0x7017:
		return KindDaaProtected
	}
	if status >= 0x1000 {
		return KindProtocolDesync
	}
	if status > 0xFF {
		return KindSendDaRejected
	}
	return KindStatusError
}

// TimeoutError names the operation that timed out.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timed out", e.Op) }
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PatchMismatchError reports the offset at which a byte-pattern guard
// failed before a binary patch was applied.
type PatchMismatchError struct {
	Offset int
}

func (e *PatchMismatchError) Error() string {
	return fmt.Sprintf("patch pattern mismatch at offset 0x%x", e.Offset)
}

func (e *PatchMismatchError) Unwrap() error { return ErrPatchMismatch }

// Reconnect is not an error. It is the distinguished non-error outcome
// surfaced when a device signals a DAA-protected final status (0x7015,
// 0x7017): the upload completed but the device is about to re-enumerate,
// so the caller must rebind the endpoint rather than treat this as failure.
// BromErrorHelper.IsSuccess folded this case into a boolean, a pun this
// type exists specifically to avoid reproducing.
type Reconnect struct {
	Reason string
	Code   uint32
}

func (r *Reconnect) Error() string {
	return fmt.Sprintf("reconnect required: %s (status 0x%04x)", r.Reason, r.Code)
}

// IsReconnect reports whether err (or anything it wraps) is a *Reconnect.
func IsReconnect(err error) (*Reconnect, bool) {
	var r *Reconnect
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
