package client

import (
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/protocol"

	"github.com/sirupsen/logrus"
)

// heartbeat pings the relay every HeartbeatInterval while the link lives. A
// missing pong within PongTimeout ends the link as a transport failure.
func (m *Manager) heartbeat(a *activeLink) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		ping := protocol.Ping()
		if err := a.link.WriteFrame(a.ctx, ping); err != nil {
			if a.ctx.Err() == nil {
				m.post(evLinkDown{gen: a.gen, err: apperrors.NewTransportError("ping", err)})
			}
			return
		}

		if !m.awaitPong(a, ping.Timestamp) {
			return
		}
	}
}

// awaitPong waits for the pong echoing ts. It returns false when the link is
// gone or the pong never came.
func (m *Manager) awaitPong(a *activeLink, ts int64) bool {
	timeout := time.NewTimer(m.opts.PongTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return false
		case echoed := <-a.pongs:
			if echoed != ts {
				continue
			}
			m.recordRTT(time.Since(time.UnixMilli(ts)))
			return true
		case <-timeout.C:
			m.logger.WithField("timeout", m.opts.PongTimeout.String()).Warn("Heartbeat pong not received")
			m.post(evLinkDown{gen: a.gen, err: apperrors.NewTimeoutError("heartbeat", m.opts.PongTimeout.String())})
			return false
		}
	}
}

func (m *Manager) recordRTT(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	avg := m.rtt.add(rtt)
	m.opts.Metrics.RecordTimer(metrics.ClientHeartbeatRTT, rtt, nil, "Heartbeat round-trip time")
	m.opts.Metrics.SetGauge(metrics.ClientRTTAverageMs, float64(avg.Milliseconds()), nil, "Rolling average heartbeat round-trip time")
	m.logger.WithFields(logrus.Fields{
		"rtt_ms":     rtt.Milliseconds(),
		"avg_rtt_ms": avg.Milliseconds(),
	}).Debug("Heartbeat")
}
