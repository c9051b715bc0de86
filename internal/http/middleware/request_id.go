package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/signing-broker/internal/loggingutil"
)

const HeaderRequestID = "X-Request-ID"

// RequestID tags each request with an X-Request-ID, stores a request-scoped
// logger in the request context and logs the completed request.
func RequestID(logger pslog.Logger) gin.HandlerFunc {
	base := loggingutil.WithSubsystem(logger, "http")
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			ctx.Request.Header.Set(HeaderRequestID, id)
		}
		ctx.Header(HeaderRequestID, id)

		reqLogger := base.With("request_id", id)
		ctx.Request = ctx.Request.WithContext(pslog.ContextWithLogger(ctx.Request.Context(), reqLogger))

		start := time.Now()
		ctx.Next()
		reqLogger.Debug("http.request",
			"method", ctx.Request.Method,
			"path", ctx.Request.URL.Path,
			"status", ctx.Writer.Status(),
			"elapsed", time.Since(start),
			"client", ctx.ClientIP(),
		)
	}
}
