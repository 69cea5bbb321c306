package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
)

// Sender delivers frames to the control plane.
type Sender interface {
	Connected() bool
	Send(f protocol.Frame) error
}

// Spooler stores frames for replay once the connection returns.
type Spooler interface {
	Enqueue(f protocol.Frame) error
}

// Reporter publishes a periodic agent-status telemetry frame, the
// device half of the fleet health view. The snapshot closure supplies
// the payload so the reporter carries no store dependencies of its own.
type Reporter struct {
	deviceID string
	every    time.Duration
	snapshot func() map[string]any
	sender   Sender
	spool    Spooler
	log      zerolog.Logger
}

// NewReporter builds a telemetry reporter. spool may be nil.
func NewReporter(deviceID string, every time.Duration, snapshot func() map[string]any, sender Sender, spool Spooler) *Reporter {
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &Reporter{
		deviceID: deviceID,
		every:    every,
		snapshot: snapshot,
		sender:   sender,
		spool:    spool,
		log:      logging.WithComponent("telemetry"),
	}
}

// Run publishes on the interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	r.log.Info().Dur("interval", r.every).Msg("telemetry reporter started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("telemetry reporter stopped")
			return nil
		case <-ticker.C:
			r.publish()
		}
	}
}

func (r *Reporter) publish() {
	data := map[string]any{}
	if r.snapshot != nil {
		for k, v := range r.snapshot() {
			data[k] = v
		}
	}
	data["kind"] = "agent_status"

	f := protocol.New(protocol.TypeTelemetry, r.deviceID, data)
	if r.sender.Connected() {
		if err := r.sender.Send(f); err == nil {
			return
		}
	}
	if r.spool != nil {
		if err := r.spool.Enqueue(f); err != nil {
			r.log.Warn().Err(err).Msg("spool telemetry frame")
		}
	}
}
