// Package orchestrator drives a full flash session end to end (§4.8):
// open the transport, run the Sahara handshake, select and upload a
// programmer loader, configure Firehose, authenticate and read the
// partition table, then execute a flash plan through the selected
// DeviceStrategy.
package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stanley-fork/qdlflash/internal/config"
	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/executor"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/flashplan"
	"github.com/stanley-fork/qdlflash/internal/gpt"
	"github.com/stanley-fork/qdlflash/internal/loader"
	"github.com/stanley-fork/qdlflash/internal/sahara"
	"github.com/stanley-fork/qdlflash/internal/strategy"
	"github.com/stanley-fork/qdlflash/internal/transport"
)

// Phase names one step of the flash session, surfaced through
// Options.OnPhase so a caller can render progress.
type Phase string

const (
	PhaseConnecting         Phase = "Connecting"
	PhaseSaharaHandshake    Phase = "SaharaHandshake"
	PhaseLoaderUpload       Phase = "LoaderUpload"
	PhaseFirehoseConfig     Phase = "FirehoseConfig"
	PhaseReadPartitionTable Phase = "ReadPartitionTable"
	PhaseValidatePartitions Phase = "ValidatePartitions"
	PhaseFlashing           Phase = "Flashing"
	PhaseApplyingPatch      Phase = "ApplyingPatch"
	PhaseRebooting          Phase = "Rebooting"
	PhaseCompleted          Phase = "Completed"
)

// PhaseEvent is emitted on every phase transition.
type PhaseEvent struct {
	Phase   Phase
	Message string
}

// Result is the structured outcome of a Run call, §4.8 and §7.
type Result struct {
	Success            bool
	ErrorMessage       string
	ErrorKind          edlerr.Kind
	FailedPhase        Phase
	PartitionsWritten  int
	PartitionsFailed   int
	Elapsed            time.Duration
	DeviceInfo         sahara.DeviceFingerprint
	PartitionTable     []gpt.Partition
	RequiresUserAction bool
	UserGuidance       string
	SessionID          uuid.UUID
}

// Options configures one Run call.
type Options struct {
	Cfg           *config.SessionConfig
	FirmwarePath  string
	AuthType      strategy.AuthType
	DigestPath    string
	SignaturePath string
	ProtectLun5   bool
	ResetAfter    bool
	Cancel        <-chan struct{}
	OnPhase       func(PhaseEvent)
	OnProgress    func(executor.ProgressEvent)
	XiaomiSig     firehose.XiaomiSignature
}

// SmartOrchestrator is the top-level driver (§4.8). It holds no
// per-session state; every call to Run is independent.
type SmartOrchestrator struct {
	logger func(string)
}

// New builds a SmartOrchestrator logging through logger, or discarding
// log lines if logger is nil.
func New(logger func(string)) *SmartOrchestrator {
	if logger == nil {
		logger = func(string) {}
	}
	return &SmartOrchestrator{logger: logger}
}

func (o *SmartOrchestrator) emit(opts Options, phase Phase, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	o.logger(msg)
	if opts.OnPhase != nil {
		opts.OnPhase(PhaseEvent{Phase: phase, Message: msg})
	}
}

func failAt(result Result, phase Phase, err error, start time.Time) (Result, error) {
	result.Success = false
	result.FailedPhase = phase
	result.ErrorMessage = err.Error()
	result.ErrorKind = edlerr.Classify(err)
	result.Elapsed = time.Since(start)
	return result, err
}

// Run drives one complete flash session per §4.8. It returns a
// populated Result even on failure, with FailedPhase and
// ErrorMessage set; a non-nil error always accompanies a failed
// Result except when the loader registry reports an AmbiguousError,
// in which case RequiresUserAction is set and the error is nil — the
// operator must resolve the ambiguity rather than retry.
func (o *SmartOrchestrator) Run(opts Options) (Result, error) {
	start := time.Now()
	result := Result{SessionID: uuid.New()}

	if opts.Cfg == nil {
		err := fmt.Errorf("orchestrator: nil session config: %w", edlerr.ErrPlanError)
		return failAt(result, PhaseConnecting, err, start)
	}

	o.emit(opts, PhaseConnecting, "opening transport %s %s", opts.Cfg.Transport, opts.Cfg.PortName)
	t, err := transport.OpenFromConfig(opts.Cfg)
	if err != nil {
		return failAt(result, PhaseConnecting, fmt.Errorf("open transport: %w", err), start)
	}
	defer t.Close()

	o.emit(opts, PhaseSaharaHandshake, "starting sahara handshake")
	saharaClient := sahara.NewClient(t, o.logger)
	fp, err := saharaClient.Handshake()
	if err != nil {
		return failAt(result, PhaseSaharaHandshake, fmt.Errorf("sahara handshake: %w", err), start)
	}
	saharaClient.EnrichViaCommandMode()
	fp = saharaClient.Fingerprint()
	result.DeviceInfo = fp
	o.emit(opts, PhaseSaharaHandshake, "handshake complete: chip=%s msm=%s", fp.ChipName, fp.MsmID)

	o.emit(opts, PhaseLoaderUpload, "selecting programmer loader")
	registry := loader.NewRegistry(opts.Cfg.LoaderDir)
	loaderPath, err := registry.Select(fp, opts.Cfg.LoaderPath)
	if err != nil {
		if ambiguous, ok := err.(*loader.AmbiguousError); ok {
			result.RequiresUserAction = true
			result.UserGuidance = ambiguous.Guidance
			result.FailedPhase = PhaseLoaderUpload
			result.Elapsed = time.Since(start)
			return result, nil
		}
		return failAt(result, PhaseLoaderUpload, fmt.Errorf("select loader: %w", err), start)
	}

	prog, err := sahara.OpenProgrammer(loaderPath)
	if err != nil {
		return failAt(result, PhaseLoaderUpload, fmt.Errorf("open loader %s: %w", loaderPath, err), start)
	}
	defer prog.Close()

	o.emit(opts, PhaseLoaderUpload, "uploading loader %s", loaderPath)
	if err := saharaClient.TransferImage(prog); err != nil {
		return failAt(result, PhaseLoaderUpload, fmt.Errorf("transfer loader: %w", err), start)
	}

	o.emit(opts, PhaseFirehoseConfig, "configuring firehose")
	fhClient := firehose.NewClient(t, o.logger)
	if err := fhClient.Configure(); err != nil {
		return failAt(result, PhaseFirehoseConfig, fmt.Errorf("firehose configure: %w", err), start)
	}

	strat := selectStrategy(opts.AuthType)
	authCtx, err := buildAuthContext(opts, o.logger)
	if err != nil {
		return failAt(result, PhaseFirehoseConfig, fmt.Errorf("load auth material: %w", err), start)
	}
	o.emit(opts, PhaseFirehoseConfig, "authenticating")
	ok, err := strat.Authenticate(fhClient, authCtx)
	if err != nil {
		return failAt(result, PhaseFirehoseConfig, fmt.Errorf("authenticate: %w", err), start)
	}
	if !ok {
		return failAt(result, PhaseFirehoseConfig, edlerr.ErrAuthFailed, start)
	}

	o.emit(opts, PhaseReadPartitionTable, "reading partition table")
	parts, err := strat.ReadGpt(fhClient)
	if err != nil {
		return failAt(result, PhaseReadPartitionTable, fmt.Errorf("read gpt: %w", err), start)
	}
	result.PartitionTable = parts

	o.emit(opts, PhaseValidatePartitions, "validating partition table")
	if len(parts) == 0 {
		return failAt(result, PhaseValidatePartitions, fmt.Errorf("partition table is empty: %w", edlerr.ErrInvalidGpt), start)
	}

	firmwarePath := opts.FirmwarePath
	if firmwarePath == "" {
		firmwarePath = opts.Cfg.FirmwarePath
	}
	o.emit(opts, PhaseFlashing, "building flash plan from %s", firmwarePath)
	plan, err := flashplan.Build(firmwarePath, func(w string) { o.logger(w) })
	if err != nil {
		return failAt(result, PhaseFlashing, fmt.Errorf("build flash plan: %w", err), start)
	}

	exec := executor.New(fhClient, strat, o.logger)

	o.emit(opts, PhaseFlashing, "flashing %d tasks", len(plan.Tasks))
	taskResult, err := exec.Execute(plan.Tasks, opts.ProtectLun5, nil, opts.Cancel, opts.OnProgress, false)
	result.PartitionsWritten = taskResult.Written
	result.PartitionsFailed = taskResult.Failed
	if err != nil {
		return failAt(result, PhaseFlashing, fmt.Errorf("flash tasks: %w", err), start)
	}

	if len(plan.Patches) > 0 {
		o.emit(opts, PhaseApplyingPatch, "applying %d patches", len(plan.Patches))
		patchResult, err := exec.Execute(nil, opts.ProtectLun5, plan.Patches, opts.Cancel, nil, false)
		result.PartitionsFailed += patchResult.Failed
		if err != nil {
			return failAt(result, PhaseApplyingPatch, fmt.Errorf("apply patches: %w", err), start)
		}
	}

	if opts.ResetAfter {
		o.emit(opts, PhaseRebooting, "resetting device")
		if err := fhClient.Power("reset"); err != nil {
			o.logger(fmt.Sprintf("power reset: %v", err))
		}
	}

	result.Success = true
	result.Elapsed = time.Since(start)
	o.emit(opts, PhaseCompleted, "flash session complete: %d written, %d failed", result.PartitionsWritten, result.PartitionsFailed)
	return result, nil
}

func selectStrategy(authType strategy.AuthType) strategy.DeviceStrategy {
	switch authType {
	case strategy.AuthVip:
		return &strategy.OppoVip{}
	case strategy.AuthXiaomi:
		return &strategy.Xiaomi{}
	default:
		return &strategy.Standard{}
	}
}

func buildAuthContext(opts Options, logger func(string)) (strategy.AuthContext, error) {
	ctx := strategy.AuthContext{Type: opts.AuthType, XiaomiSig: opts.XiaomiSig, Log: logger}
	if opts.DigestPath != "" {
		d, err := os.ReadFile(opts.DigestPath)
		if err != nil {
			return ctx, fmt.Errorf("read digest %s: %w", opts.DigestPath, err)
		}
		ctx.Digest = d
	}
	if opts.SignaturePath != "" {
		s, err := os.ReadFile(opts.SignaturePath)
		if err != nil {
			return ctx, fmt.Errorf("read signature %s: %w", opts.SignaturePath, err)
		}
		ctx.Signature = s
	}
	return ctx, nil
}
