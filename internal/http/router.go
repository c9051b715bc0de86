package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"

	"github.com/signing-broker/internal/http/middleware"
	"github.com/signing-broker/internal/loggingutil"
)

type RouterDeps struct {
	Handler     *Handler
	Logger      pslog.Logger
	Maintenance *middleware.Maintenance
	RateLimiter *middleware.RateLimiter
	Metrics     http.Handler
	// TrustedProxies lists the proxy IPs or CIDRs whose forwarding headers
	// are believed when resolving the client IP. Empty trusts none.
	TrustedProxies []string
}

// NewRouter wires Gin with the broker endpoints. Maintenance, RateLimiter and
// Metrics are optional.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		loggingutil.EnsureLogger(deps.Logger).Warn("router.trusted_proxies.invalid", "proxies", deps.TrustedProxies, "error", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID(deps.Logger))
	if deps.Maintenance != nil {
		r.Use(deps.Maintenance.Middleware())
	}

	registerBrokerRoutes(r.Group("/"), deps)

	r.GET("/snapshot/", deps.Handler.Snapshot)
	r.GET("/health", deps.Handler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r
}

func registerBrokerRoutes(r *gin.RouterGroup, deps RouterDeps) {
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware())
	}
	r.POST("/publish/", deps.Handler.Publish)
	r.GET("/subscribe/:publicKey/", deps.Handler.Subscribe)
	r.DELETE("/subscribe/:publicKey/", deps.Handler.CancelSubscription)
}
