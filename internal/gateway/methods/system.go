package methods

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/gateway"
	"github.com/nextlevelbuilder/clawlane/internal/scheduler"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

// StatsSource reports scheduler load.
type StatsSource interface {
	Stats() scheduler.Stats
}

// ChannelStatus reports which channel adapters are running.
type ChannelStatus interface {
	Status() map[string]bool
}

// SystemMethods handles health and status.
type SystemMethods struct {
	server   *gateway.Server
	sched    StatsSource
	channels ChannelStatus // optional
	version  string
	started  time.Time
}

func NewSystemMethods(server *gateway.Server, sched StatsSource, channels ChannelStatus, version string) *SystemMethods {
	return &SystemMethods{server: server, sched: sched, channels: channels, version: version, started: time.Now()}
}

func (m *SystemMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodHealth, m.handleHealth)
	router.Register(protocol.MethodStatus, m.handleStatus)
}

func (m *SystemMethods) handleHealth(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, protocol.HealthResult{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
	}))
}

func (m *SystemMethods) handleStatus(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	stats := m.sched.Stats()
	res := protocol.StatusResult{
		Version:      m.version,
		UptimeSec:    int64(time.Since(m.started).Seconds()),
		Clients:      m.server.ClientCount(),
		RunningTurns: stats.Running,
		PendingTurns: stats.Pending,
		Lanes:        stats.Lanes,
	}
	if m.channels != nil {
		res.Channels = m.channels.Status()
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, res))
}
