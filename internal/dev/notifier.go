package dev

import (
	"log/slog"
	"time"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/server"
)

// Notifier translates watcher changes into file-watch messages on the
// shared sync connection. Stylesheet changes become in-place update
// messages so the page keeps its state; everything else becomes a full
// reload.
type Notifier struct {
	server *server.Server
	logger *slog.Logger
	now    func() int64
}

// NewNotifier creates a notifier broadcasting through srv.
func NewNotifier(srv *server.Server, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		server: srv,
		logger: logger,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// HandleChange broadcasts the notification matching a watcher change.
func (n *Notifier) HandleChange(change Change) {
	switch change.Kind {
	case KindStylesheet:
		n.NotifyUpdate(change.Path)
	default:
		n.NotifyReload()
	}
}

// NotifyUpdate broadcasts an in-place update for one file.
func (n *Notifier) NotifyUpdate(path string) {
	delivered := n.server.Broadcast(protocol.NewFileUpdate(path, n.now()))
	n.logger.Debug("file update broadcast", "path", path, "clients", delivered)
}

// NotifyReload broadcasts a full page reload.
func (n *Notifier) NotifyReload() {
	delivered := n.server.Broadcast(protocol.NewReload(n.now()))
	n.logger.Info("reload broadcast", "clients", delivered)
}

// NotifyError broadcasts an error notification, shown by clients as an
// overlay until the next successful reload.
func (n *Notifier) NotifyError(errMsg string) {
	delivered := n.server.Broadcast(protocol.NewError(errMsg, n.now()))
	n.logger.Warn("error broadcast", "error", errMsg, "clients", delivered)
}
