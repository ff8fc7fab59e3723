// Package doctor runs environment diagnostics for pibridge: config, the pi
// binary, the session directory, and the bind address.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/basket/pibridge/internal/config"
	"github.com/basket/pibridge/internal/sessiondir"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPiBinary,
		checkSessionDir,
		checkPermissions,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPiBinary(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pi Binary", Status: "SKIP", Message: "Config missing"}
	}

	path, err := exec.LookPath(cfg.PiBinary)
	if err != nil {
		return CheckResult{
			Name:    "Pi Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.PiBinary),
			Detail:  "Install pi or set pi_binary in config.yaml / PIBRIDGE_PI_BINARY",
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(runCtx, path, "--version").CombinedOutput()
	if err != nil {
		return CheckResult{
			Name:    "Pi Binary",
			Status:  "WARN",
			Message: fmt.Sprintf("%s found but --version failed: %v", path, err),
		}
	}
	return CheckResult{
		Name:    "Pi Binary",
		Status:  "PASS",
		Message: fmt.Sprintf("%s responds", path),
		Detail:  string(out),
	}
}

func checkSessionDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Session Dir", Status: "SKIP", Message: "Config missing"}
	}

	info, err := os.Stat(cfg.SessionDir)
	if os.IsNotExist(err) {
		// pi creates it on first run; absence just means no history yet.
		return CheckResult{
			Name:    "Session Dir",
			Status:  "WARN",
			Message: fmt.Sprintf("%s does not exist yet", cfg.SessionDir),
		}
	}
	if err != nil {
		return CheckResult{Name: "Session Dir", Status: "FAIL", Message: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:    "Session Dir",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is not a directory", cfg.SessionDir),
		}
	}

	entries, err := sessiondir.New(cfg.SessionDir, nil).List()
	if err != nil {
		return CheckResult{Name: "Session Dir", Status: "FAIL", Message: fmt.Sprintf("Listing failed: %v", err)}
	}
	return CheckResult{
		Name:    "Session Dir",
		Status:  "PASS",
		Message: fmt.Sprintf("%d session logs in %s", len(entries), cfg.SessionDir),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		// A daemon already holding the port is the common cause.
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not bindable: %v", cfg.BindAddr, err),
			Detail:  "A running pibridge instance may already hold the port",
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
