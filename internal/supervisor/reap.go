package supervisor

import (
	"context"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// reapPort force-kills every other process still listening on port.
// Failures are expected when the server is already gone and are only
// logged.
func reapPort(ctx context.Context, port int, logger *slog.Logger) {
	if port <= 0 {
		return
	}
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		logger.Debug("port cleanup failed", "port", port, "error", err)
		return
	}
	self := int32(os.Getpid())
	seen := make(map[int32]bool)
	for _, c := range conns {
		if c.Laddr.Port != uint32(port) || c.Status != "LISTEN" {
			continue
		}
		if c.Pid <= 0 || c.Pid == self || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		p, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			logger.Debug("port cleanup failed", "port", port, "pid", c.Pid, "error", err)
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			logger.Debug("port cleanup failed", "port", port, "pid", c.Pid, "error", err)
			continue
		}
		logger.Info("killed orphaned process on port", "port", port, "pid", c.Pid)
	}
}
