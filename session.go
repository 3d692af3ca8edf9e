// Package obliteration runs guest executables on the kernel personality and
// GPU translation runtime. It is the surface the shell drives.
package obliteration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/config"
	"github.com/bayedieng/obliteration/fs/host"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/loader"
	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/shader"
	"github.com/bayedieng/obliteration/syscalls"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Session is one running guest application.
type Session struct {
	L hclog.Logger

	Kernel  *kernel.Kernel
	Process *kernel.Process

	shaders *shader.Compiler

	stopOnce sync.Once
	stopErr  error
}

type options struct {
	stdin          io.Reader
	stdout, stderr io.Writer
	loader         *loader.Loader
}

type Option func(*options)

// WithStdio connects the guest's standard handles. The default is the
// host's own.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdin = stdin
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithLoader shares parsed images between sessions.
func WithLoader(l *loader.Loader) Option {
	return func(o *options) {
		o.loader = l
	}
}

// Start loads the image at imagePath and runs it. A nil cfg uses the
// defaults.
func Start(ctx context.Context, imagePath string, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	o := options{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.loader == nil {
		o.loader = loader.NewLoader(nil)
	}

	L := log.Named("session")

	img, err := o.loader.LoadFile(imagePath)
	if err != nil {
		return nil, err
	}

	files, err := host.NewNamespace(cfg.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "opening root %s", cfg.Root)
	}

	var store *shader.Store

	// without a cache shaders are translated on every run
	if cfg.ShaderCache != "" {
		store, err = shader.OpenStore(cfg.ShaderCache)
		if err != nil {
			L.Warn("shader-cache-unavailable", "path", cfg.ShaderCache, "error", err)
		}
	}

	shaders, err := shader.NewCompiler(store)
	if err != nil {
		if store != nil {
			store.Close()
		}

		return nil, err
	}

	var table *abi.Table

	if cfg.SyscallTable != "" {
		table, err = abi.LoadTable(cfg.SyscallTable)
		if err != nil {
			shaders.Close()
			return nil, err
		}
	}

	k, err := kernel.NewKernel(kernel.Options{
		Shaders:       shaders,
		Files:         files,
		MemoryLimit:   cfg.MemoryLimit,
		StackSize:     cfg.StackSize,
		GpuQueueDepth: cfg.GpuQueueDepth,
	})
	if err != nil {
		shaders.Close()
		return nil, err
	}

	d, err := syscalls.NewDispatcher(k, table)
	if err != nil {
		shaders.Close()
		return nil, err
	}

	k.SetDispatcher(d)

	name := filepath.Base(imagePath)

	p, err := k.Spawn(ctx, img, kernel.LaunchConfig{
		Name:        name,
		Args:        append([]string{name}, cfg.Args...),
		Env:         cfg.Env,
		Stdin:       o.stdin,
		Stdout:      o.stdout,
		Stderr:      o.stderr,
		StackSize:   cfg.StackSize,
		MemoryLimit: cfg.MemoryLimit,
	})
	if err != nil {
		shaders.Close()
		return nil, err
	}

	L.Info("session-started", "image", imagePath, "pid", p.Pid, "table", d.Table().Version)

	return &Session{
		L:       L.With("pid", p.Pid),
		Kernel:  k,
		Process: p,
		shaders: shaders,
	}, nil
}

// Events carries diagnostics, crashes and the final exit.
func (s *Session) Events() <-chan kernel.Event {
	return s.Kernel.Events()
}

// PostInput queues a controller or keyboard event for the guest.
func (s *Session) PostInput(ev kernel.InputEvent) {
	s.Process.Input.Post(ev)
}

// Wait blocks until the guest process is gone.
func (s *Session) Wait(ctx context.Context) (kernel.ExitStatus, error) {
	return s.Process.Wait(ctx)
}

// Stop kills the guest, waits for its teardown and flushes the shader
// cache. It is safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		err := s.Kernel.Shutdown(ctx)
		if err != nil {
			s.stopErr = errors.Wrapf(err, "stopping kernel")
			return
		}

		s.Kernel.Reap(ctx, false)

		err = s.shaders.Close()
		if err != nil {
			s.stopErr = errors.Wrapf(err, "closing shader cache")
			return
		}

		s.L.Info("session-stopped", "status", s.Process.ExitStatus())
	})

	return s.stopErr
}
