// Package chrome manages a pool of warm headless-Chrome tabs for serve mode.
// Tabs are created lazily; the browser process only launches on first use.
package chrome

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	u "mapshot/internal/utils"
)

// Tab is one acquired browser tab. Ctx is a chromedp context and is valid
// until the tab is released.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Pool hands out up to N concurrent tabs of a single shared browser.
type Pool struct {
	mu  sync.Mutex
	cfg u.Config
	sem chan struct{}

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	profileDir  string
	closed      bool
	restarts    int
	lastRestart time.Time
}

// Stats is a snapshot of the pool for the observability endpoint.
type Stats struct {
	Enabled      bool
	Capacity     int
	Idle         int
	InUse        int
	PoolSizeConf int
	ProfileDir   string
	TimeoutSecs  int
	Restarts     int
	LastRestart  string
}

// createProfileDir makes a fresh Chrome user-data dir, under the configured
// base when set.
func createProfileDir(cfg u.Config) (string, error) {
	base := cfg.Capture.UserDataDir
	if base == "" {
		base = os.TempDir()
	} else if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "mapshot-chrome-*")
}

func allocatorOptions(cfg u.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.WindowSize(cfg.Capture.Width, cfg.Capture.Height),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Capture.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Capture.ChromePath))
	}
	if cfg.Capture.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

// NewPool creates a pool sized by capture.chrome_pool_size.
func NewPool(cfg u.Config) (*Pool, error) {
	size := cfg.Capture.ChromePoolSize
	if size <= 0 {
		return nil, errors.New("chrome pool disabled (chrome_pool_size <= 0)")
	}

	profileDir, err := createProfileDir(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:        cfg,
		sem:        make(chan struct{}, size),
		profileDir: profileDir,
	}
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, profileDir)...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx)

	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	return p, nil
}

// Acquire blocks until a tab slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("chrome pool is closed")
	}
	sem := p.sem
	browserCtx := p.browserCtx
	p.mu.Unlock()

	if sem == nil {
		return nil, errors.New("chrome pool not initialized")
	}
	if browserCtx == nil {
		browserCtx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sem:
	}

	tab := &Tab{}
	tab.Ctx, tab.cancel = chromedp.NewContext(browserCtx)
	return tab, nil
}

// Release closes the tab and returns its slot to the pool. renderErr is
// accepted so call sites read naturally; classification happens in callers
// via IsSessionInterrupted.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}

	p.mu.Lock()
	sem := p.sem
	closed := p.closed
	p.mu.Unlock()

	if closed || sem == nil {
		return
	}
	select {
	case sem <- struct{}{}:
	default:
	}
}

// Close shuts the browser down and marks the pool unusable. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}
}

// Restart tears down the current browser and profile dir and prepares a
// fresh one. Used after an interrupted Chrome session.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("chrome pool is closed")
	}

	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}

	profileDir, err := createProfileDir(p.cfg)
	if err != nil {
		return err
	}
	p.profileDir = profileDir
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(p.cfg, profileDir)...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx)

	// Refill all slots: outstanding tabs died with the old browser.
	if p.sem != nil {
		for {
			select {
			case <-p.sem:
				continue
			default:
			}
			break
		}
		for i := 0; i < cap(p.sem); i++ {
			p.sem <- struct{}{}
		}
	}

	p.restarts++
	p.lastRestart = time.Now()
	u.Warn("Chrome pool restarted", "restarts", p.restarts, "profile_dir", profileDir)
	return nil
}

// Stats returns a snapshot for the observability endpoint.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		PoolSizeConf: p.cfg.Capture.ChromePoolSize,
		ProfileDir:   p.profileDir,
		TimeoutSecs:  timeoutSecs,
		Restarts:     p.restarts,
	}
	if !p.lastRestart.IsZero() {
		s.LastRestart = p.lastRestart.Format(time.RFC3339)
	}
	if p.sem != nil && !p.closed {
		s.Enabled = true
		s.Capacity = cap(p.sem)
		s.Idle = len(p.sem)
		s.InUse = s.Capacity - s.Idle
	}
	return s
}

// IsSessionInterrupted reports whether err indicates the Chrome session died
// underneath us rather than a normal render failure.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"target closed",
		"session closed",
		"context canceled",
		"websocket: close",
		"connection reset",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
