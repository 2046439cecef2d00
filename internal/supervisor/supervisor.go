package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/filewarden/filewarden/internal/auth"
	"github.com/filewarden/filewarden/internal/blockstore"
	"github.com/filewarden/filewarden/internal/config"
	"github.com/filewarden/filewarden/internal/origins"
	"github.com/filewarden/filewarden/internal/proxy"
	"github.com/filewarden/filewarden/internal/ratelimit"
	"github.com/filewarden/filewarden/internal/session"
	"github.com/filewarden/filewarden/internal/settings"
	"github.com/filewarden/filewarden/internal/templates"
)

const (
	configFileName = "config.json"
	usersFileName  = "users.json"
	childDBName    = "filebrowser.db"

	// Upper bound on the restart budget. Crossing it means something is
	// structurally wrong and looping further would only spin.
	maxRestarts     = 10
	restartCooldown = 3 * time.Second

	gracefulWait = 3 * time.Second
	killAttempts = 5
	killInterval = 100 * time.Millisecond
)

// Config collects the supervisor's inputs.
type Config struct {
	// Binary is the managed file server executable.
	Binary string
	// Dir holds the rendered JSON files and the server's database.
	Dir string
	// SecretsDir holds the env files: .config.env, .proxy.env, and the
	// per-user profiles.
	SecretsDir string
	// Proxy enables the hardening proxy when non-nil.
	Proxy *config.EnvConfig
	// Restarts bounds automatic restarts after unexpected child exits.
	// Zero means the child runs once; at most maxRestarts.
	Restarts int
	Logger   *slog.Logger
}

// Supervisor renders the managed server's configuration, imports it through
// the server's CLI, runs the server with a bounded restart budget, and
// optionally fronts it with the hardening proxy.
type Supervisor struct {
	cfg       Config
	serverCfg *settings.ServerConfig
	profiles  []*settings.UserProfile
	creds     auth.Credentials
	logger    *slog.Logger

	mu    sync.Mutex
	child *exec.Cmd
}

// New loads the configuration sections and user profiles the supervisor
// will render.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("server binary path is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.SecretsDir == "" {
		cfg.SecretsDir = "."
	}
	if cfg.Restarts < 0 || cfg.Restarts > maxRestarts {
		return nil, fmt.Errorf("restart budget %d out of range 0-%d", cfg.Restarts, maxRestarts)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serverCfg, err := settings.LoadServerConfig(filepath.Join(cfg.SecretsDir, ".config.env"))
	if err != nil {
		return nil, err
	}
	profiles, err := settings.LoadUserProfiles(cfg.SecretsDir)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no user profiles found in %s", cfg.SecretsDir)
	}
	for _, profile := range profiles {
		if !profile.Authentication.Admin && profile.Scope == "/" {
			logger.Warn("non-admin user has the full root scope",
				"user", profile.Authentication.Username)
		}
	}

	return &Supervisor{
		cfg:       cfg,
		serverCfg: serverCfg,
		profiles:  profiles,
		logger:    logger,
	}, nil
}

func (s *Supervisor) configPath() string { return filepath.Join(s.cfg.Dir, configFileName) }
func (s *Supervisor) usersPath() string  { return filepath.Join(s.cfg.Dir, usersFileName) }
func (s *Supervisor) childDBPath() string {
	return filepath.Join(s.cfg.Dir, childDBName)
}

// Credentials returns the username-to-password map collected while the
// users file was generated. Empty until CreateUsers has run.
func (s *Supervisor) Credentials() auth.Credentials {
	return s.creds
}

// CreateConfig renders and writes the config JSON. Rendering the same
// inputs twice produces byte-identical files.
func (s *Supervisor) CreateConfig() error {
	out, err := RenderConfig(s.serverCfg, s.cfg.Proxy != nil, s.cfg.SecretsDir)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.configPath(), out, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.configPath(), err)
	}
	s.logger.Info("config file written", "path", s.configPath())
	return nil
}

// CreateUsers renders and writes the users JSON and retains the plaintext
// credential map for the proxy.
func (s *Supervisor) CreateUsers() error {
	out, creds, err := RenderUsers(s.profiles)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.usersPath(), out, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.usersPath(), err)
	}
	s.creds = creds
	s.logger.Info("users file written", "path", s.usersPath(), "users", len(s.profiles))
	return nil
}

// Cleanup removes the rendered JSON files and both databases from earlier
// runs. Missing files are not an error; anything else is.
func (s *Supervisor) Cleanup(quiet bool) error {
	targets := []string{
		s.configPath(),
		s.usersPath(),
		s.childDBPath(),
		s.childDBPath() + "-wal",
		s.childDBPath() + "-shm",
	}
	if s.cfg.Proxy != nil {
		db := s.cfg.Proxy.Database
		targets = append(targets, db, db+"-wal", db+"-shm")
	}

	for _, target := range targets {
		err := os.Remove(target)
		if err == nil {
			if !quiet {
				s.logger.Info("removed stale file", "path", target)
			}
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}
	return nil
}

// ImportConfig loads the rendered config into the server's database via
// its CLI.
func (s *Supervisor) ImportConfig(ctx context.Context) error {
	return s.runCLI(ctx, "config", "import", s.configPath())
}

// ImportUsers loads the rendered users into the server's database via
// its CLI.
func (s *Supervisor) ImportUsers(ctx context.Context) error {
	return s.runCLI(ctx, "users", "import", s.usersPath())
}

// runCLI runs one managed-server CLI command to completion, re-logging its
// output. A non-zero exit is an error.
func (s *Supervisor) runCLI(ctx context.Context, args ...string) error {
	args = append(args, "-d", s.childDBPath())
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Dir = s.cfg.Dir

	if err := s.streamOutput(cmd); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s %v: %w", s.cfg.Binary, args, err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("command %v failed: %w", args, err)
	}
	return nil
}

// streamOutput re-logs the child's stdout as info and stderr as warnings,
// with its own timestamp prefix stripped.
func (s *Supervisor) streamOutput(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if line := cleanLogLine(scanner.Text()); line != "" {
				s.logger.Info(line)
			}
		}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := cleanLogLine(scanner.Text()); line != "" {
				s.logger.Warn(line)
			}
		}
	}()
	return nil
}

// assertProxyPort rejects a proxy port that collides with the managed
// server and probes that the proxy can actually bind its address.
func (s *Supervisor) assertProxyPort() error {
	if s.cfg.Proxy.Port == s.serverCfg.Server.Port {
		return fmt.Errorf("proxy and file server cannot share port %d", s.cfg.Proxy.Port)
	}
	ln, err := net.Listen("tcp", s.cfg.Proxy.Addr())
	if err != nil {
		return fmt.Errorf("proxy address %s is not bindable: %w", s.cfg.Proxy.Addr(), err)
	}
	return ln.Close()
}

// Start runs the whole arrangement: generate and import configuration,
// start the proxy when configured, then keep the managed server running
// until ctx is cancelled. Blocks for the lifetime of the supervisor.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Cleanup(true); err != nil {
		return err
	}
	if err := s.CreateConfig(); err != nil {
		return err
	}
	if err := s.CreateUsers(); err != nil {
		return err
	}
	if err := s.ImportConfig(ctx); err != nil {
		return err
	}
	if err := s.ImportUsers(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proxyErr := make(chan error, 1)
	closeProxy := func() {}
	if s.cfg.Proxy != nil {
		srv, closer, err := s.buildProxy(ctx)
		if err != nil {
			if cerr := s.Cleanup(true); cerr != nil {
				s.logger.Warn("cleanup on exit", "error", cerr)
			}
			return err
		}
		closeProxy = closer

		go func() {
			if err := srv.Start(ctx); err != nil {
				proxyErr <- err
			}
			close(proxyErr)
		}()
	}

	childErr := make(chan error, 1)
	go func() {
		childErr <- s.StartService(ctx)
	}()

	var runErr error
	select {
	case err := <-proxyErr:
		cancel()
		<-childErr
		if err != nil {
			runErr = fmt.Errorf("proxy failed: %w", err)
		}
	case err := <-childErr:
		cancel()
		runErr = err
	}

	closeProxy()
	// Generated state never outlives the run. The cleanup error is logged,
	// not returned, so the run's own error stays visible.
	if err := s.Cleanup(true); err != nil {
		s.logger.Warn("cleanup on exit", "error", err)
	}
	return runErr
}

// buildProxy wires the hardening proxy from its configuration. The
// returned closer releases the block ledger and background workers.
func (s *Supervisor) buildProxy(ctx context.Context) (*proxy.Server, func(), error) {
	pcfg := s.cfg.Proxy

	if err := s.assertProxyPort(); err != nil {
		return nil, nil, err
	}

	store, err := blockstore.Open(pcfg.Database)
	if err != nil {
		return nil, nil, err
	}

	resolver := origins.NewResolver(pcfg, s.logger)
	sess := session.New(resolver.Resolve(ctx))

	var refresher *origins.Refresher
	if pcfg.OriginRefresh > 0 && (pcfg.AllowPublicIP || pcfg.AllowPrivateIP) {
		refresher = origins.NewRefresher(resolver, sess,
			time.Duration(pcfg.OriginRefresh)*time.Second, s.logger)
		refresher.Start(ctx)
	}

	var limiters []*ratelimit.Limiter
	for _, rule := range pcfg.Rules() {
		limiter := ratelimit.New(ratelimit.Rule(rule))
		limiter.StartCleanup(ctx)
		limiters = append(limiters, limiter)
	}

	renderer, err := templates.NewRenderer(pcfg.ErrorPage, pcfg.WarnPage)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := proxy.NewMetrics(registry)

	engine := proxy.NewEngine(proxy.EngineConfig{
		Upstream: fmt.Sprintf("http://%s:%d",
			s.serverCfg.Server.Address, s.serverCfg.Server.Port),
		Session:             sess,
		Escalator:           auth.NewEscalator(sess, store, s.logger),
		Credentials:         s.creds,
		Renderer:            renderer,
		Metrics:             metrics,
		Logger:              s.logger,
		UnsupportedBrowsers: pcfg.UnsupportedBrowsers,
	})

	srv := proxy.NewServer(engine, sess, registry, metrics,
		proxy.WithAddr(pcfg.Addr()),
		proxy.WithLogger(s.logger),
		proxy.WithLimiters(limiters),
		proxy.WithWorkers(pcfg.Workers),
	)

	closer := func() {
		if refresher != nil {
			refresher.Stop()
		}
		for _, limiter := range limiters {
			limiter.Stop()
		}
		store.Close()
	}
	return srv, closer, nil
}

// StartService runs the managed server directly, restarting on unexpected
// exits up to the configured budget. A cancelled context is a clean stop.
func (s *Supervisor) StartService(ctx context.Context) error {
	for restarts := 0; ; restarts++ {
		if ctx.Err() != nil {
			return nil
		}
		if restarts > 0 {
			s.logger.Warn("restarting file server",
				"attempt", ordinal(restarts), "of", s.cfg.Restarts)
			select {
			case <-time.After(restartCooldown):
			case <-ctx.Done():
				return nil
			}
		}

		err := s.runChild(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.logger.Info("file server exited cleanly")
			return nil
		}

		s.logger.Error("file server exited", "error", err)
		if restarts >= s.cfg.Restarts {
			return fmt.Errorf("file server kept failing after %d restarts: %w", restarts, err)
		}
	}
}

// runChild starts one instance of the managed server and waits for it to
// exit. Context cancellation triggers graceful termination.
func (s *Supervisor) runChild(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Binary, "-d", s.childDBPath())
	cmd.Dir = s.cfg.Dir

	if err := s.streamOutput(cmd); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start file server: %w", err)
	}

	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		s.ExitProcess()
		<-done
		return nil
	case err := <-done:
		s.mu.Lock()
		s.child = nil
		s.mu.Unlock()
		return err
	}
}

// ExitProcess terminates the managed server: first a graceful stop with a
// grace period, then repeated kills until the process is gone.
func (s *Supervisor) ExitProcess() {
	s.mu.Lock()
	cmd := s.child
	s.child = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	proc := cmd.Process

	if err := sendGracefulStop(proc); err != nil {
		s.logger.Debug("graceful stop failed", "error", err)
	}

	deadline := time.Now().Add(gracefulWait)
	for time.Now().Before(deadline) {
		if !processIsAlive(proc) {
			s.logger.Info("file server stopped")
			return
		}
		time.Sleep(killInterval)
	}

	for attempt := 1; attempt <= killAttempts; attempt++ {
		if !processIsAlive(proc) {
			return
		}
		s.logger.Warn(fmt.Sprintf("%s termination attempt", ordinal(attempt)))
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("kill failed", "error", err)
		}
		time.Sleep(killInterval)
	}
}

// StartContainer would run the managed server inside a container instead
// of as a direct child process.
func (s *Supervisor) StartContainer(context.Context) error {
	return fmt.Errorf("container execution: %w", errors.ErrUnsupported)
}
