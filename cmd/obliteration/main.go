package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/bayedieng/obliteration"
	"github.com/bayedieng/obliteration/config"
	"github.com/bayedieng/obliteration/kernel"
	clog "github.com/bayedieng/obliteration/log"
	"github.com/spf13/pflag"
)

var (
	fConfig       = pflag.StringP("config", "c", "", "YAML configuration file")
	fRoot         = pflag.StringP("root", "r", "", "directory to mount as the root")
	fLogLevel     = pflag.String("log-level", "", "trace, debug, info, warn or error")
	fShaderCache  = pflag.String("shader-cache", "", "file compiled shaders persist to")
	fSyscallTable = pflag.String("syscall-table", "", "YAML kernel call numbering")
	fMemoryLimit  = pflag.Uint64("memory-limit", 0, "bytes of guest memory allowed")
	fStackSize    = pflag.Uint64("stack-size", 0, "bytes of stack for the main thread")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	if *fConfig != "" {
		var err error

		cfg, err = config.Load(*fConfig)
		if err != nil {
			return nil, err
		}
	}

	if *fRoot != "" {
		cfg.Root = *fRoot
	}

	if *fLogLevel != "" {
		cfg.LogLevel = *fLogLevel
	}

	if *fShaderCache != "" {
		cfg.ShaderCache = *fShaderCache
	}

	if *fSyscallTable != "" {
		cfg.SyscallTable = *fSyscallTable
	}

	if *fMemoryLimit != 0 {
		cfg.MemoryLimit = *fMemoryLimit
	}

	if *fStackSize != 0 {
		cfg.StackSize = *fStackSize
	}

	return cfg, cfg.Validate()
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	inputArgs := pflag.Args()
	if len(inputArgs) == 0 {
		fmt.Fprintf(os.Stderr, "usage: obliteration [flags] <image> [args...]\n")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	clog.SetLevel(cfg.LogLevel)
	clog.EnableDebug()

	cfg.Args = append(cfg.Args, inputArgs[1:]...)

	ctx := context.Background()

	sess, err := obliteration.Start(ctx, inputArgs[0], cfg)
	if err != nil {
		log.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigs
		clog.L.Info("interrupted, stopping guest")
		sess.Stop(ctx)
	}()

	go func() {
		for ev := range sess.Events() {
			switch ev.Kind {
			case kernel.EventDiagnostic:
				clog.L.Warn("guest-diagnostic", "pid", ev.Pid, "tid", ev.Tid, "feature", ev.Feature, "message", ev.Message)
			case kernel.EventCrash:
				clog.L.Error("guest-crash", "pid", ev.Pid, "signal", ev.Signal, "message", ev.Message)
			case kernel.EventExit:
				clog.L.Info("guest-exit", "pid", ev.Pid, "code", ev.Code, "signal", ev.Signal)
			}
		}
	}()

	status, err := sess.Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}

	err = sess.Stop(ctx)

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}

	if status.Signo != 0 {
		os.Exit(128 + int(status.Signo))
	}

	os.Exit(status.Code)
}
