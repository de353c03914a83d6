package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stanley-fork/qdlflash/internal/config"
	"github.com/stanley-fork/qdlflash/internal/executor"
	"github.com/stanley-fork/qdlflash/internal/orchestrator"
	"github.com/stanley-fork/qdlflash/internal/strategy"
)

var (
	port          = flag.String("port", "", "serial port name (overrides EDL_PORT)")
	transportKind = flag.String("transport", "", "transport kind: tty|usb|auto (overrides EDL_TRANSPORT)")
	loaderDir     = flag.String("loader-dir", "", "directory of .elf/.mbn programmer loaders")
	loaderPath    = flag.String("loader-path", "", "explicit loader file, bypassing LoaderRegistry selection")
	firmwarePath  = flag.String("firmware", "", "firmware directory or single rawprogram*.xml")
	authType      = flag.String("auth", "", "auth variant: standard|vip|xiaomi (overrides EDL_AUTH)")
	digestPath    = flag.String("digest", "", "VIP auth digest blob path")
	signaturePath = flag.String("signature", "", "VIP auth signature blob path")
	protectLun5   = flag.Bool("protect-lun5", true, "reject writes targeting LUN 5 unless overridden")
	resetAfter    = flag.Bool("reset", true, "power(\"reset\") the device after a successful flash")
	verbose       = flag.Bool("verbose", false, "log every phase transition and progress event")
)

func authTypeFromConfig(a config.AuthType) strategy.AuthType {
	switch a {
	case config.AuthVip:
		return strategy.AuthVip
	case config.AuthXiaomi:
		return strategy.AuthXiaomi
	default:
		return strategy.AuthStandard
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyFlagOverrides(cfg)

	log.Printf("qdlflash starting: port=%s transport=%s auth=%s firmware=%s", cfg.PortName, cfg.Transport, cfg.Auth, cfg.FirmwarePath)

	cancel := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received interrupt, cancelling flash session")
		close(cancel)
	}()

	o := orchestrator.New(func(msg string) {
		if cfg.Verbose {
			log.Print(msg)
		}
	})

	opts := orchestrator.Options{
		Cfg:           cfg,
		FirmwarePath:  cfg.FirmwarePath,
		AuthType:      authTypeFromConfig(cfg.Auth),
		DigestPath:    cfg.DigestPath,
		SignaturePath: cfg.SignaturePath,
		ProtectLun5:   cfg.ProtectLun5,
		ResetAfter:    cfg.ResetAfter,
		Cancel:        cancel,
		OnPhase: func(ev orchestrator.PhaseEvent) {
			log.Printf("[%s] %s", ev.Phase, ev.Message)
		},
		OnProgress: func(ev executor.ProgressEvent) {
			if *verbose {
				log.Printf("task %d %q: %d/%d bytes", ev.TaskIndex, ev.Label, ev.CurrentBytes, ev.TotalBytes)
			}
		},
	}

	result, err := o.Run(opts)
	printResult(result)

	if result.RequiresUserAction {
		os.Exit(2)
	}
	if err != nil {
		log.Printf("flash failed in phase %s: %v", result.FailedPhase, err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.SessionConfig) {
	if *port != "" {
		cfg.PortName = *port
	}
	if *transportKind != "" {
		cfg.Transport = config.TransportKind(*transportKind)
	}
	if *loaderDir != "" {
		cfg.LoaderDir = *loaderDir
	}
	if *loaderPath != "" {
		cfg.LoaderPath = *loaderPath
	}
	if *firmwarePath != "" {
		cfg.FirmwarePath = *firmwarePath
	}
	if *authType != "" {
		cfg.Auth = config.AuthType(*authType)
	}
	if *digestPath != "" {
		cfg.DigestPath = *digestPath
	}
	if *signaturePath != "" {
		cfg.SignaturePath = *signaturePath
	}
	cfg.ProtectLun5 = *protectLun5
	cfg.ResetAfter = *resetAfter
	cfg.Verbose = cfg.Verbose || *verbose
}

func printResult(r orchestrator.Result) {
	fmt.Println()
	fmt.Printf("session:            %s\n", r.SessionID)
	fmt.Printf("success:            %v\n", r.Success)
	if r.RequiresUserAction {
		fmt.Printf("requires attention: %s\n", r.UserGuidance)
		return
	}
	if !r.Success {
		fmt.Printf("failed phase:       %s\n", r.FailedPhase)
		fmt.Printf("error:              %s (%s)\n", r.ErrorMessage, r.ErrorKind)
	}
	fmt.Printf("partitions written: %d\n", r.PartitionsWritten)
	fmt.Printf("partitions failed:  %d\n", r.PartitionsFailed)
	fmt.Printf("elapsed:            %s\n", r.Elapsed)
	if r.DeviceInfo.ChipName != "" {
		fmt.Printf("device:             chip=%s msm=%s model=%s serial=%s\n", r.DeviceInfo.ChipName, r.DeviceInfo.MsmID, r.DeviceInfo.ModelID, r.DeviceInfo.Serial)
	}
}
