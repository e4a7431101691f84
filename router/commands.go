package router

import (
	"context"
	"encoding/json"

	"github.com/sensate-iot/platform-network/bus"
)

// handleCommand applies a router command received on the bus.
func (r *Router) handleCommand(ctx context.Context, data []byte) {
	cmd, err := bus.ParseCommand(data)
	if err != nil {
		r.logger.Warn("Invalid router command", "error", err)
		return
	}

	switch cmd.Cmd {
	case bus.CommandSyncLiveDataSensors:
		var args bus.SyncLiveDataSensors
		if err := json.Unmarshal(cmd.Arguments, &args); err != nil {
			r.logger.Warn("Invalid sync arguments", "error", err)
			return
		}
		if err := r.routes.Sync(ctx, args.Target, args.Sensors); err != nil {
			r.logger.Warn("Unable to sync live data routes", "target", args.Target, "error", err)
			return
		}
		r.logger.Debug("Live data routes synced", "target", args.Target, "sensors", len(args.Sensors))
	default:
		r.logger.Debug("Ignoring unknown router command", "cmd", cmd.Cmd)
	}
}
