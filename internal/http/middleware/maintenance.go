package middleware

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"

	"github.com/signing-broker/internal/loggingutil"
)

// Maintenance tracks a flag file. While the file exists every route except
// /health answers 503.
type Maintenance struct {
	path    string
	enabled atomic.Bool
	watcher *fsnotify.Watcher
	logger  pslog.Logger
}

// NewMaintenance starts watching flagPath. The file does not need to exist,
// but its directory does.
func NewMaintenance(flagPath string, logger pslog.Logger) (*Maintenance, error) {
	abs, err := filepath.Abs(flagPath)
	if err != nil {
		return nil, fmt.Errorf("maintenance flag %q: %w", flagPath, err)
	}
	m := &Maintenance{
		path:   abs,
		logger: loggingutil.WithSubsystem(logger, "http.maintenance"),
	}
	m.refresh()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("maintenance watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	m.watcher = watcher
	go m.watch()
	return m, nil
}

// Enabled reports whether the flag file is present.
func (m *Maintenance) Enabled() bool {
	return m.enabled.Load()
}

// Close stops the watcher.
func (m *Maintenance) Close() error {
	return m.watcher.Close()
}

func (m *Maintenance) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if m.Enabled() && ctx.FullPath() != "/health" {
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "The service is under maintenance, try again later."})
			return
		}
		ctx.Next()
	}
}

func (m *Maintenance) watch() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == m.path {
				m.refresh()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("maintenance.watch.error", "error", err)
		}
	}
}

func (m *Maintenance) refresh() {
	_, err := os.Stat(m.path)
	on := err == nil
	if m.enabled.Swap(on) != on {
		m.logger.Info("maintenance.toggled", "enabled", on, "flag", m.path)
	}
}
