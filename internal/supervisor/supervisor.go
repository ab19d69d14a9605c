// Package supervisor keeps the crawler process alive: it spawns the crawl
// command, restarts it when it dies and stops it gracefully on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Process is a running child.
type Process interface {
	Pid() int
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts child processes.
type Launcher interface {
	Start() (Process, error)
}

// Config controls supervision.
type Config struct {
	PIDFile          string
	LivenessInterval time.Duration
	StopTimeout      time.Duration
	RestartDelay     time.Duration
}

// Supervisor runs one child at a time and restarts it when it dies.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	signaler Signaler
	logger   *zap.Logger
}

// New builds a Supervisor.
func New(cfg Config, launcher Launcher, signaler Signaler, logger *zap.Logger) *Supervisor {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if signaler == nil {
		signaler = OSSignaler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, launcher: launcher, signaler: signaler, logger: logger}
}

type exitResult struct {
	code int
	err  error
}

// Run supervises until the child exits cleanly or ctx ends. Restarts do not
// repeat any one-time setup done by the caller, such as a fresh start.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, alive, err := Running(s.signaler, s.cfg.PIDFile); err != nil {
		return err
	} else if alive {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := RemovePID(s.cfg.PIDFile); err != nil {
			s.logger.Warn("remove pid file", zap.Error(err))
		}
	}()

	started := time.Now().UTC()
	for restarts := 0; ; restarts++ {
		proc, err := s.launcher.Start()
		if err != nil {
			return fmt.Errorf("start crawler: %w", err)
		}
		if err := WritePID(s.cfg.PIDFile, PIDRecord{PID: os.Getpid(), ChildPID: proc.Pid(), StartedAt: started}); err != nil {
			s.logger.Error("write pid file", zap.Error(err))
		}
		s.logger.Info("crawler started", zap.Int("child_pid", proc.Pid()), zap.Int("restarts", restarts))

		done, err := s.watch(ctx, proc)
		if done {
			return err
		}
		if perr := crawler.Pause(ctx, s.cfg.RestartDelay); perr != nil {
			return nil
		}
	}
}

// watch blocks until the child exits or ctx ends. It reports done=false when
// the child died and should be restarted.
func (s *Supervisor) watch(ctx context.Context, proc Process) (bool, error) {
	exit := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		exit <- exitResult{code: code, err: err}
	}()

	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.terminate(proc, exit)
			return true, nil
		case res := <-exit:
			if res.code == 0 && res.err == nil {
				s.logger.Info("crawler finished", zap.Int("child_pid", proc.Pid()))
				return true, nil
			}
			s.logger.Warn("crawler died, restarting",
				zap.Int("child_pid", proc.Pid()),
				zap.Int("exit_code", res.code),
				zap.Error(res.err),
			)
			return false, nil
		case <-ticker.C:
			if !Alive(s.signaler, proc.Pid()) {
				s.logger.Warn("crawler not responding, restarting", zap.Int("child_pid", proc.Pid()))
				_ = proc.Kill()
				return false, nil
			}
			s.logger.Debug("crawler alive", zap.Int("child_pid", proc.Pid()))
		}
	}
}

func (s *Supervisor) terminate(proc Process, exit <-chan exitResult) {
	s.logger.Info("stopping crawler", zap.Int("child_pid", proc.Pid()))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("signal crawler", zap.Error(err))
	}
	select {
	case <-exit:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("crawler did not stop in time, killing", zap.Duration("timeout", s.cfg.StopTimeout))
		if err := proc.Kill(); err != nil {
			s.logger.Error("kill crawler", zap.Error(err))
		}
		<-exit
	}
}

// ExecLauncher starts the crawler binary with output appended to a log file.
type ExecLauncher struct {
	Path    string
	Args    []string
	LogFile string
}

// Start launches the command.
func (l ExecLauncher) Start() (Process, error) {
	cmd := exec.Command(l.Path, l.Args...) // #nosec G204 -- path is our own executable.
	var logFile *os.File
	if l.LogFile != "" {
		f, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open crawler log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("exec %s: %w", l.Path, err)
	}
	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.logFile != nil {
		_ = p.logFile.Close()
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait crawler: %w", err)
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
