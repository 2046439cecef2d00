package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/filewarden/filewarden/internal/config"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

// writeFakeServer creates a shell script standing in for the managed
// server binary. Import commands succeed immediately; run mode waits for
// SIGTERM or exits on its own when the marker file exists.
func writeFakeServer(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake server script requires a POSIX shell")
	}

	script := `#!/bin/sh
case "$1" in
config|users)
    echo "2024/01/15 10:30:00 imported $1"
    exit 0
    ;;
esac
echo "2024/01/15 10:30:00 listening"
if [ -f "` + dir + `/exit-clean" ]; then
    exit 0
fi
if [ -f "` + dir + `/exit-fail" ]; then
    exit 1
fi
trap 'exit 0' TERM
while true; do sleep 0.1; done
`
	path := filepath.Join(dir, "fakeserver")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeSecrets(t *testing.T, dir string) {
	t.Helper()
	config := "root=" + dir + "\nport=18080\n"
	if err := os.WriteFile(filepath.Join(dir, ".config.env"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	user := "username=alice\npassword=pw\nadmin=true\n"
	if err := os.WriteFile(filepath.Join(dir, "a_user.env"), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	t.Setenv("PORT", "18080")

	dir := t.TempDir()
	writeSecrets(t, dir)
	binary := writeFakeServer(t, dir)

	sup, err := New(Config{
		Binary:     binary,
		Dir:        dir,
		SecretsDir: dir,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return sup, dir
}

func TestNew_RequiresProfiles(t *testing.T) {
	t.Setenv("PORT", "18080")

	dir := t.TempDir()
	config := "root=" + dir + "\n"
	if err := os.WriteFile(filepath.Join(dir, ".config.env"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := New(Config{Binary: "fb", Dir: dir, SecretsDir: dir, Logger: quietLogger()})
	if err == nil {
		t.Error("New() accepted a secrets dir without user profiles")
	}
}

func TestNew_RejectsRestartBudgetOutOfRange(t *testing.T) {
	t.Setenv("PORT", "18080")

	dir := t.TempDir()
	writeSecrets(t, dir)

	_, err := New(Config{
		Binary:     "fb",
		Dir:        dir,
		SecretsDir: dir,
		Restarts:   11,
		Logger:     quietLogger(),
	})
	if err == nil {
		t.Error("New() accepted a restart budget above the cap")
	}
}

func TestStartService_FailingChildExhaustsBudget(t *testing.T) {
	sup, dir := newTestSupervisor(t)

	// The fake server exits with status 1 in run mode.
	if err := os.WriteFile(filepath.Join(dir, "exit-fail"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.StartService(ctx); err == nil {
		t.Error("StartService() swallowed a persistent child failure")
	}
}

func TestCreateConfigAndUsers(t *testing.T) {
	sup, dir := newTestSupervisor(t)

	if err := sup.CreateConfig(); err != nil {
		t.Fatalf("CreateConfig() error: %v", err)
	}
	if err := sup.CreateUsers(); err != nil {
		t.Fatalf("CreateUsers() error: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.CreateConfig(); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, configFileName))
	if string(first) != string(second) {
		t.Error("rewriting the config changed its bytes")
	}

	if creds := sup.Credentials(); creds["alice"] != "pw" {
		t.Errorf("credential map = %v", creds)
	}
}

func TestCleanup_ToleratesMissingFiles(t *testing.T) {
	sup, dir := newTestSupervisor(t)

	if err := sup.Cleanup(false); err != nil {
		t.Fatalf("Cleanup() with nothing to remove: %v", err)
	}

	for _, name := range []string{configFileName, usersFileName, childDBName} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stale"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := sup.Cleanup(false); err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	for _, name := range []string{configFileName, usersFileName, childDBName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s survived cleanup", name)
		}
	}
}

func TestImportConfig_RunsCLI(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if err := sup.CreateConfig(); err != nil {
		t.Fatal(err)
	}
	if err := sup.ImportConfig(context.Background()); err != nil {
		t.Fatalf("ImportConfig() error: %v", err)
	}
}

func TestStart_CleanChildExit(t *testing.T) {
	sup, dir := newTestSupervisor(t)

	// The fake server exits immediately in run mode.
	if err := os.WriteFile(filepath.Join(dir, "exit-clean"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Generated files are cleaned up on the way out.
	for _, name := range []string{configFileName, usersFileName, childDBName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s left behind after Start", name)
		}
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(ctx) }()

	// Give the supervisor time to reach the long-running child.
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() after cancel: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}

func TestAssertProxyPort_RejectsSharedPort(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.cfg.Proxy = &config.EnvConfig{
		Host: "127.0.0.1",
		Port: sup.serverCfg.Server.Port,
	}
	if err := sup.assertProxyPort(); err == nil {
		t.Error("assertProxyPort() accepted a port collision")
	}
}
