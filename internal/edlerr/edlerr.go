// Package edlerr defines the error taxonomy shared by the Sahara,
// Firehose, and flash-orchestration layers.
package edlerr

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrX) so
// errors.Is(err, ErrX) keeps working across package boundaries.
var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrRestrictedAddress = errors.New("restricted address")
	ErrInvalidGpt        = errors.New("invalid gpt")
	ErrPlanError         = errors.New("plan error")
	ErrProtectedLun      = errors.New("protected lun")
	ErrIoError           = errors.New("io error")
	ErrCancelled         = errors.New("cancelled")
	ErrFatal             = errors.New("fatal device state")
)

// Kind identifies which member of the §7 taxonomy an error belongs to,
// for populating the orchestrator's structured result.
type Kind string

const (
	KindDeviceUnavailable Kind = "DeviceUnavailable"
	KindTimeout           Kind = "Timeout"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindAuthRequired      Kind = "AuthRequired"
	KindAuthFailed        Kind = "AuthFailed"
	KindRestrictedAddress Kind = "RestrictedAddress"
	KindInvalidGpt        Kind = "InvalidGpt"
	KindPlanError         Kind = "PlanError"
	KindProtectedLun      Kind = "ProtectedLun"
	KindIoError           Kind = "IoError"
	KindCancelled         Kind = "Cancelled"
	KindFatal             Kind = "Fatal"
	KindUnknown           Kind = "Unknown"
)

var classifyTable = []struct {
	err  error
	kind Kind
}{
	{ErrDeviceUnavailable, KindDeviceUnavailable},
	{ErrTimeout, KindTimeout},
	{ErrProtocolViolation, KindProtocolViolation},
	{ErrAuthRequired, KindAuthRequired},
	{ErrAuthFailed, KindAuthFailed},
	{ErrRestrictedAddress, KindRestrictedAddress},
	{ErrInvalidGpt, KindInvalidGpt},
	{ErrPlanError, KindPlanError},
	{ErrProtectedLun, KindProtectedLun},
	{ErrIoError, KindIoError},
	{ErrCancelled, KindCancelled},
	{ErrFatal, KindFatal},
}

// Classify maps err to its taxonomy Kind by walking its wrap chain.
// Returns KindUnknown for errors not derived from one of the sentinels.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, c := range classifyTable {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindUnknown
}
