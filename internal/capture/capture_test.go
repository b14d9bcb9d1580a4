package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	u "mapshot/internal/utils"
)

func testCaptureCfg() u.CaptureConfig {
	cfg := u.DefaultConfig().Capture
	cfg.TimeoutSecs = 1
	return cfg
}

func writePage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "index.html")
	if err := os.WriteFile(p, []byte("<html><body><div class=\"folium-map\"></div></body></html>"), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}
	return p
}

func TestRun_MissingInput(t *testing.T) {
	cfg := testCaptureCfg()
	out := filepath.Join(t.TempDir(), "map.png")
	params := Params{
		InputPath:  filepath.Join(t.TempDir(), "does-not-exist.html"),
		OutputPath: out,
		Width:      800,
		Height:     600,
		Scale:      1,
	}

	start := time.Now()
	err := Run(context.Background(), cfg, params)
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	// The precondition check must fail before any browser launch.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("missing-input check took too long: %v", elapsed)
	}
	if !strings.Contains(err.Error(), "map generation") {
		t.Fatalf("expected diagnostic pointing at the generation step, got %q", err.Error())
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("expected no output file on failure")
	}
}

func TestRender_MissingChromeBinary(t *testing.T) {
	cfg := testCaptureCfg()
	cfg.ChromePath = "/definitely/missing/chrome"

	params := Params{InputPath: writePage(t), Width: 800, Height: 600, Scale: 1}
	if _, err := Render(context.Background(), cfg, params); err == nil {
		t.Fatalf("expected render error with missing chrome binary")
	}
}

func TestRunInTab_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testCaptureCfg()
	params := Params{InputPath: writePage(t), Width: 800, Height: 600, Scale: 1}
	if _, err := RunInTab(ctx, cfg, params); err == nil {
		t.Fatalf("expected canceled-context error")
	}
}

func TestFileURL(t *testing.T) {
	got := FileURL("/tmp/docs/index.html")
	if got != "file:///tmp/docs/index.html" {
		t.Fatalf("unexpected file URL: %q", got)
	}
}

func TestReadyExpr_DefaultUsesConfiguredContract(t *testing.T) {
	cfg := testCaptureCfg()
	expr := readyExpr(cfg)
	if !strings.Contains(expr, cfg.DBGlobal) {
		t.Fatalf("expected ready expression to reference DB global %q: %s", cfg.DBGlobal, expr)
	}
	if !strings.Contains(expr, cfg.MarkerSelector) {
		t.Fatalf("expected ready expression to reference marker selector %q: %s", cfg.MarkerSelector, expr)
	}
	if !strings.Contains(expr, ".latest") {
		t.Fatalf("expected ready expression to check the latest snapshot: %s", expr)
	}
}

func TestReadyExpr_OverridePassesThrough(t *testing.T) {
	cfg := testCaptureCfg()
	cfg.ReadyExpr = "window.__custom_ready === true"
	if got := readyExpr(cfg); got != cfg.ReadyExpr {
		t.Fatalf("expected override to pass through, got %s", got)
	}
}

func TestTilesExpr(t *testing.T) {
	cfg := testCaptureCfg()
	expr := tilesExpr(cfg)
	if !strings.Contains(expr, cfg.TileSelector) || !strings.Contains(expr, "complete") {
		t.Fatalf("unexpected tiles expression: %s", expr)
	}
}

func TestParamsFromConfig_Defaults(t *testing.T) {
	params := ParamsFromConfig(u.DefaultConfig().Capture)
	if params.Width != 2400 || params.Height != 1600 || params.Scale != 2.0 {
		t.Fatalf("unexpected default params: %+v", params)
	}
	if params.InputPath != "docs/index.html" || params.OutputPath != "docs/aca_map.png" {
		t.Fatalf("unexpected default paths: %+v", params)
	}
}

func TestMapDeadline_StepTimeoutBecomesSentinel(t *testing.T) {
	parent := context.Background()
	step, cancel := context.WithTimeout(parent, time.Nanosecond)
	defer cancel()
	<-step.Done()

	sentinel := ErrMapMountTimeout
	err := mapDeadline(parent, step, context.DeadlineExceeded, sentinel, time.Minute)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel mapping, got %v", err)
	}
}

func TestMapDeadline_ParentErrorPassesThrough(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	step, scancel := context.WithTimeout(context.Background(), time.Minute)
	defer scancel()

	err := mapDeadline(parent, step, context.Canceled, ErrMapMountTimeout, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected parent cancellation, got %v", err)
	}
	if errors.Is(err, ErrMapMountTimeout) {
		t.Fatalf("parent cancellation must not be mapped to a gate sentinel")
	}
}

func TestMapDeadline_OtherErrorsUntouched(t *testing.T) {
	parent := context.Background()
	step, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()

	boom := errors.New("boom")
	if err := mapDeadline(parent, step, boom, ErrTileLoadTimeout, time.Minute); !errors.Is(err, boom) {
		t.Fatalf("expected error to pass through, got %v", err)
	}
}

func TestSecsAndMSBounds(t *testing.T) {
	if secs(0) != time.Minute {
		t.Fatalf("expected fallback for non-positive gate timeout")
	}
	if secs(2) != 2*time.Second {
		t.Fatalf("unexpected secs conversion")
	}
	if ms(-5) != 0 {
		t.Fatalf("expected negative settle delay to clamp to zero")
	}
	if ms(600) != 600*time.Millisecond {
		t.Fatalf("unexpected ms conversion")
	}
}
