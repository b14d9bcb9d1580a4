package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"mapshot/internal/capture"
	"mapshot/internal/chrome"
	u "mapshot/internal/utils"
)

var filenameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// CaptureRequestParams holds validated input parameters for one capture.
type CaptureRequestParams struct {
	Width    int
	Height   int
	Scale    float64
	Filename string
	Refresh  bool
}

// CaptureService bundles configuration and dependencies for map capture
// requests.
type CaptureService struct {
	Config *u.Config
	Redis  *redis.Client

	poolMu  sync.Mutex
	pool    *chrome.Pool
	poolErr error
}

// NewCaptureService creates a new CaptureService instance.
func NewCaptureService(cfg u.Config, rdb *redis.Client) *CaptureService {
	return &CaptureService{
		Config: &cfg,
		Redis:  rdb,
	}
}

// HandleMapCapture returns a Fiber handler for capture requests.
func HandleMapCapture(cfg u.Config, rdb *redis.Client) fiber.Handler {
	svc := NewCaptureService(cfg, rdb)
	return svc.HandleCapture
}

func (svc *CaptureService) getChromePool() (*chrome.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.Capture.ChromePoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := chrome.NewPool(*svc.Config)
	if err != nil {
		svc.poolErr = err
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// HandleCapture renders the map page to PNG or serves a cached copy.
func (svc *CaptureService) HandleCapture(c *fiber.Ctx) error {
	params, err := validateAndExtractCaptureParams(c, *svc.Config)
	if err != nil {
		return err
	}

	cacheKey, cacheable := svc.captureCacheKey(params)
	if cacheable && !params.Refresh && svc.Redis != nil && svc.Config.Cache.PNGCacheEnabled {
		if cached, err := getCachedPNG(c, svc.Redis, cacheKey, params.Filename); err == nil && cached != nil {
			return c.Send(cached)
		}
	}

	pngBuf, err := svc.renderPNG(params)
	if err != nil {
		if errors.Is(err, capture.ErrMissingInput) {
			u.Error("Capture input missing", "input", svc.Config.Capture.InputPath)
			return fiber.NewError(fiber.StatusNotFound, "Map page not found: "+err.Error())
		}
		if isCaptureTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			u.Error("Capture timeout", "error", err.Error())
			return fiber.NewError(fiber.StatusRequestTimeout, "Map capture took too long")
		}
		if chrome.IsSessionInterrupted(err) {
			u.Error("Chrome session interrupted", "error", err.Error())
			return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome session interrupted")
		}
		u.Error("Capture failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Map capture failed: "+err.Error())
	}

	if len(pngBuf) > svc.Config.Limits.MaxPNGBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PNG exceeds allowed size")
	}

	if cacheable && svc.Redis != nil && svc.Config.Cache.PNGCacheEnabled {
		setCachedPNG(c, svc.Redis, cacheKey, pngBuf, time.Duration(svc.Config.Cache.PNGCacheTTL))
	}

	requestID := c.Get("X-Request-ID")
	u.Info("Map captured", "filename", params.Filename, "bytes", len(pngBuf), "request_id", requestID)

	c.Set("Content-Type", "image/png")
	c.Set("Content-Disposition", "inline; filename="+params.Filename)
	return c.Send(pngBuf)
}

func (svc *CaptureService) renderPNG(params *CaptureRequestParams) ([]byte, error) {
	cfg := svc.Config.Capture
	runParams := capture.Params{
		InputPath: cfg.InputPath,
		Width:     params.Width,
		Height:    params.Height,
		Scale:     params.Scale,
	}

	pool, err := svc.getChromePool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		// Fallback: a dedicated Chrome instance per request.
		return capture.Render(context.Background(), cfg, runParams)
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	runOnce := func() ([]byte, error) {
		acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer acquireCancel()

		tab, err := pool.Acquire(acquireCtx)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(tab.Ctx, timeout)
		pngBuf, renderErr := capture.RunInTab(ctx, cfg, runParams)
		cancel()

		pool.Release(tab, renderErr)
		return pngBuf, renderErr
	}

	pngBuf, renderErr := runOnce()
	if renderErr != nil && chrome.IsSessionInterrupted(renderErr) {
		u.Warn("Chrome session interrupted; restarting pool and retrying once", "error", renderErr)
		_ = pool.Restart()
		return runOnce()
	}

	return pngBuf, renderErr
}

// isCaptureTimeout reports whether err is one of the readiness-gate timeouts.
func isCaptureTimeout(err error) bool {
	for _, sentinel := range []error{
		capture.ErrNavigationTimeout,
		capture.ErrMapMountTimeout,
		capture.ErrContentReadyTimeout,
		capture.ErrTileLoadTimeout,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// validateAndExtractCaptureParams validates query parameters against the
// configured defaults and bounds.
func validateAndExtractCaptureParams(c *fiber.Ctx, cfg u.Config) (*CaptureRequestParams, error) {
	width := cfg.Capture.Width
	if s := c.Query("w"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 16 || n > 10000 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid w: must be an integer between 16 and 10000")
		}
		width = n
	}

	height := cfg.Capture.Height
	if s := c.Query("h"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 16 || n > 10000 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid h: must be an integer between 16 and 10000")
		}
		height = n
	}

	scale := cfg.Capture.Scale
	if s := c.Query("scale"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0.25 || f > 4.0 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid scale: must be a float between 0.25 and 4.0")
		}
		scale = f
	}

	filename := c.Query("filename")
	if filename == "" {
		filename = "map.png"
	} else {
		if len(filename) < 5 || filename[len(filename)-4:] != ".png" {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename must end with .png")
		}
		if !filenameRe.MatchString(filename) {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename contains invalid characters")
		}
	}

	return &CaptureRequestParams{
		Width:    width,
		Height:   height,
		Scale:    scale,
		Filename: filename,
		Refresh:  c.Query("refresh") == "1",
	}, nil
}

// captureCacheKey derives a cache key from the input file's identity (path,
// mtime, size) and the render parameters. When the input cannot be stat'ed
// the result is not cacheable and the render path will report the error.
func (svc *CaptureService) captureCacheKey(params *CaptureRequestParams) (string, bool) {
	fi, err := os.Stat(svc.Config.Capture.InputPath)
	if err != nil {
		return "", false
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|", svc.Config.Capture.InputPath, fi.ModTime().UnixNano(), fi.Size())
	fmt.Fprintf(h, "%d|%d|%s", params.Width, params.Height, strconv.FormatFloat(params.Scale, 'f', 2, 64))
	return "pngcache:" + hex.EncodeToString(h.Sum(nil)), true
}

// getCachedPNG attempts to retrieve a cached PNG from Redis.
func getCachedPNG(c *fiber.Ctx, rdb *redis.Client, key, filename string) ([]byte, error) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	cached, err := rdb.Get(ctxRedis, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}

	u.Info("PNG cache hit", "key", key)
	c.Set("Content-Type", "image/png")
	c.Set("Content-Disposition", "inline; filename="+filename)
	return cached, nil
}

// setCachedPNG stores a PNG in Redis for the configured TTL.
func setCachedPNG(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = 1 * time.Minute
	}

	if err := rdb.Set(ctxRedis, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}

// HandleChromeStats exposes basic observability for the Chrome pool.
func (svc *CaptureService) HandleChromeStats(c *fiber.Ctx) error {
	pool, err := svc.getChromePool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
	}

	// Pool disabled.
	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.Capture.ChromePoolSize,
			"profile_dir":    "",
			"timeout_secs":   svc.Config.Capture.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.Capture.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"profile_dir":    s.ProfileDir,
		"timeout_secs":   s.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}
