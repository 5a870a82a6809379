package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rillnet/pkg/cache"
	"rillnet/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// configResponse is the wire shape of GET /config (spec.md §6).
type configResponse struct {
	WSPath     string             `json:"wsPath"`
	ICEServers []config.ICEServer `json:"iceServers"`
}

// NewRouter builds the gin engine for the HTTP Surface. ws is mounted
// separately by the caller (it is not a gin route: the upgrade needs the
// raw ResponseWriter/Request gorilla expects, so it is registered via
// router.Any(cfg.Signaling.Path, gin.WrapH(gateway))).
func NewRouter(cfg *config.Config, log *zap.SugaredLogger, etags *cache.Cache) *gin.Engine {
	if cfg.Server.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(RecoveryMiddleware(log))
	r.Use(ErrorHandlerMiddleware(log))
	r.Use(hstsMiddleware(cfg))

	r.GET("/", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		serveStatic(c, cfg.StaticDir, "index.html", nil, false)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/plain", []byte("ok"))
	})

	r.GET("/config", rateLimitMiddleware(cfg, cfg.RateLimiting.HTTP.ConfigMax), func(c *gin.Context) {
		c.JSON(http.StatusOK, configResponse{
			WSPath:     cfg.Signaling.Path,
			ICEServers: cfg.WebRTC.ICEServers,
		})
	})

	r.GET("/metrics", metricsAuthMiddleware(cfg), func(c *gin.Context) {
		if !cfg.Metrics.Enabled {
			c.Status(http.StatusNotFound)
			return
		}
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})

	r.GET("/static/*filepath", rateLimitMiddleware(cfg, cfg.RateLimiting.HTTP.StaticMax), func(c *gin.Context) {
		rel := strings.TrimPrefix(c.Param("filepath"), "/")
		serveStatic(c, cfg.StaticDir, rel, etags, true)
	})

	return r
}

// serveStatic serves a file under dir. When cacheable is true it attaches a
// day-long Cache-Control, ETag and Last-Modified (spec.md §6) and honors
// If-None-Match; when false (the no-store root document) none of that
// cache machinery runs, so it never overwrites a caller-set Cache-Control.
// ETags are memoized in a small in-memory cache to avoid re-hashing the
// file body on every request.
func serveStatic(c *gin.Context, dir, rel string, etags *cache.Cache, cacheable bool) {
	path := filepath.Join(dir, filepath.Clean("/"+rel))

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}

	if !cacheable {
		c.File(path)
		return
	}

	etag := ""
	if etags != nil {
		if v, ok := etags.Get(path); ok {
			if cached, ok := v.(cachedETag); ok && cached.modTime.Equal(info.ModTime()) {
				etag = cached.etag
			}
		}
	}

	if etag == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		sum := sha256.Sum256(data)
		etag = `"` + hex.EncodeToString(sum[:8]) + `"`
		if etags != nil {
			etags.Set(path, cachedETag{etag: etag, modTime: info.ModTime()})
		}
	}

	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Header("ETag", etag)
	c.Header("Last-Modified", info.ModTime().UTC().Format(time.RFC1123))
	c.File(path)
}

type cachedETag struct {
	etag    string
	modTime time.Time
}
