// Package capture drives a headless Chrome instance to render the generated
// map page and screenshot the map container element into a PNG.
//
// The sequence is strictly linear: launch, navigate, four bounded readiness
// gates, settle, screenshot, close. Exceeding any gate's deadline aborts the
// whole run; the browser is terminated on every exit path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	u "mapshot/internal/utils"
)

// Params describes one capture run. Width and Height are CSS pixels; the
// output image is (Width*Scale) x (Height*Scale) device pixels.
type Params struct {
	InputPath  string
	OutputPath string
	Width      int
	Height     int
	Scale      float64
}

// ParamsFromConfig builds run parameters from the capture configuration.
func ParamsFromConfig(cfg u.CaptureConfig) Params {
	return Params{
		InputPath:  cfg.InputPath,
		OutputPath: cfg.OutputPath,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Scale:      cfg.Scale,
	}
}

// FileURL converts an absolute filesystem path into a file:// URL.
func FileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// readyExpr is the composite in-page readiness predicate: the position DB
// global exposes a "latest" snapshot and at least one labeled marker is in
// the DOM. The page owns this contract; we only poll it.
func readyExpr(cfg u.CaptureConfig) string {
	if cfg.ReadyExpr != "" {
		return cfg.ReadyExpr
	}
	return fmt.Sprintf(
		`Boolean(window[%q] && window[%q].latest != null && document.querySelector(%q))`,
		cfg.DBGlobal, cfg.DBGlobal, cfg.MarkerSelector,
	)
}

// tilesExpr reports whether every tile image has finished loading.
func tilesExpr(cfg u.CaptureConfig) string {
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).every(img => img.complete)`,
		cfg.TileSelector,
	)
}

// Run performs one complete capture: it launches its own Chrome process,
// executes the gate sequence and writes the PNG to params.OutputPath. The
// output file is only touched after the entire sequence has succeeded.
func Run(ctx context.Context, cfg u.CaptureConfig, params Params) error {
	buf, err := Render(ctx, cfg, params)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(params.OutputPath), 0o755); err != nil {
		return fmt.Errorf("cannot create output dir: %w", err)
	}
	if err := os.WriteFile(params.OutputPath, buf, 0o644); err != nil {
		return fmt.Errorf("cannot write output: %w", err)
	}
	return nil
}

// Render launches a dedicated Chrome process, runs the gate sequence and
// returns the PNG bytes. The browser is terminated on every exit path.
func Render(ctx context.Context, cfg u.CaptureConfig, params Params) ([]byte, error) {
	abs, err := filepath.Abs(params.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingInput, params.InputPath, err)
	}
	// Precondition gate: never launch a browser for a missing page.
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: %s (run the map generation step first)", ErrMissingInput, abs)
	}
	params.InputPath = abs

	tmpDir, err := os.MkdirTemp("", "mapshot-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	allocatorOptions := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(tmpDir),
		chromedp.WindowSize(params.Width, params.Height),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal
		// container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ChromePath != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.ChromeNoSandbox {
		allocatorOptions = append(allocatorOptions, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions...)
	defer allocCancel()

	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	// Cancelling the chromedp context terminates the browser process; the
	// defers run on every exit path, including gate failures.
	defer cancel()

	if cfg.TimeoutSecs > 0 {
		var tcancel context.CancelFunc
		chromeCtx, tcancel = context.WithTimeout(chromeCtx, time.Duration(cfg.TimeoutSecs)*time.Second)
		defer tcancel()
	}

	buf, err := RunInTab(chromeCtx, cfg, params)
	if err != nil {
		_ = chromedp.Cancel(chromeCtx)
		return nil, err
	}

	if err := chromedp.Cancel(chromeCtx); err != nil {
		u.Warn("Chrome did not shut down cleanly", "error", err)
	}
	return buf, nil
}

// RunInTab executes the readiness gates and the element screenshot inside an
// existing chromedp tab context and returns the PNG bytes. The output file is
// not touched; callers decide what to do with the image.
func RunInTab(ctx context.Context, cfg u.CaptureConfig, params Params) ([]byte, error) {
	// Gate 1: navigate and wait for the load lifecycle event.
	err := gate(ctx, secs(cfg.NavTimeoutSecs), ErrNavigationTimeout,
		chromedp.EmulateViewport(int64(params.Width), int64(params.Height),
			chromedp.EmulateScale(params.Scale)),
		chromedp.Navigate(FileURL(params.InputPath)),
	)
	if err != nil {
		return nil, err
	}

	// Gate 2: the map container must mount.
	err = gate(ctx, secs(cfg.MountTimeoutSecs), ErrMapMountTimeout,
		chromedp.WaitReady(cfg.MapSelector, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}

	// Gate 3: position DB snapshot and labeled markers.
	if err := pollGate(ctx, secs(cfg.ReadyTimeoutSecs), ErrContentReadyTimeout, readyExpr(cfg)); err != nil {
		return nil, err
	}

	// Gate 4: tile images. The original intent was best-effort, but a timeout
	// here has always aborted the run; keep that behavior.
	if err := pollGate(ctx, secs(cfg.TileTimeoutSecs), ErrTileLoadTimeout, tilesExpr(cfg)); err != nil {
		return nil, err
	}

	// Settle, then force a layout pass so Leaflet refits the container.
	err = chromedp.Run(ctx,
		chromedp.Sleep(ms(cfg.SettleMS)),
		chromedp.Evaluate(`window.dispatchEvent(new Event('resize'))`, nil),
		chromedp.Sleep(ms(cfg.ResizeSettleMS)),
	)
	if err != nil {
		return nil, err
	}

	// The container can in principle vanish during the settle window.
	var nodes []*cdp.Node
	err = chromedp.Run(ctx,
		chromedp.Nodes(cfg.MapSelector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, cfg.MapSelector)
	}

	// Element-scoped screenshot: the container's bounding box only.
	var buf []byte
	err = chromedp.Run(ctx,
		chromedp.Screenshot(cfg.MapSelector, &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// gate runs the given actions under a per-step deadline and maps a deadline
// overrun onto the step's sentinel error.
func gate(ctx context.Context, timeout time.Duration, sentinel error, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := chromedp.Run(stepCtx, actions...)
	return mapDeadline(ctx, stepCtx, err, sentinel, timeout)
}

// pollGate evaluates expr in the page every 100ms until it is truthy or the
// step deadline elapses.
func pollGate(ctx context.Context, timeout time.Duration, sentinel error, expr string) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		var ok bool
		err := chromedp.Run(stepCtx, chromedp.Evaluate(expr, &ok))
		if err != nil {
			return mapDeadline(ctx, stepCtx, err, sentinel, timeout)
		}
		if ok {
			return nil
		}
		select {
		case <-stepCtx.Done():
			return mapDeadline(ctx, stepCtx, stepCtx.Err(), sentinel, timeout)
		case <-ticker.C:
		}
	}
}

// mapDeadline turns a step-deadline overrun into the step's sentinel error.
// Parent-context failures (overall timeout, external cancellation) pass
// through untouched.
func mapDeadline(parent, step context.Context, err, sentinel error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && step.Err() != nil {
		return fmt.Errorf("%w after %s", sentinel, timeout)
	}
	return err
}

func secs(n int) time.Duration {
	if n <= 0 {
		return time.Minute
	}
	return time.Duration(n) * time.Second
}

func ms(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond
}
