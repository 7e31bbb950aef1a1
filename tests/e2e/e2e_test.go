//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var binaryPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "conmon-e2e-build-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "e2e TestMain: mkdir temp: %v\n", err)
		os.Exit(1)
	}
	binaryPath = filepath.Join(dir, "conmon")
	cmd := exec.Command("go", "build", "-o", binaryPath, "../..")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "e2e TestMain: build: %v\n%s\n", err, out)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// Test keys (64 hex chars = 32 bytes).
const (
	testSecretsKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testSigningKey = "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
)

// RunConmon runs the conmon binary with the given args against a throwaway
// data dir. env can add or override variables. Returns stdout, stderr, and
// the exit code (-1 if the process failed to start).
func RunConmon(t *testing.T, dataDir string, env map[string]string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "CONMON_DATA_DIR="+dataDir)
	cmd.Env = append(cmd.Env, "CONMON_SECRETS_KEY="+testSecretsKey)
	cmd.Env = append(cmd.Env, "CONMON_SIGNING_KEY="+testSigningKey)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = dataDir
	var outBuf, errBuf buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return string(outBuf.b), string(errBuf.b), exitCode
}

type buffer struct {
	b []byte
}

func (b *buffer) Write(p []byte) (n int, err error) {
	b.b = append(b.b, p...)
	return len(p), nil
}
