// Copyright 2026 The talkroom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/registry"
	"github.com/apex/log"
)

// HeartbeatMonitor periodically sweeps the registry, probing idle connections
// and evicting ones idle past the dead threshold. Any inbound activity counts
// as life, not just probe replies.
type HeartbeatMonitor interface {
	// Start begin the periodic sweep
	Start() error
	// Stop halt the periodic sweep
	Stop() error
	// SweepOnce run one sweep pass immediately
	SweepOnce(ctxt context.Context) SweepReport
}

// SweepReport outcome of one heartbeat sweep
type SweepReport struct {
	// Probed connections idle past one heartbeat period that were pinged
	Probed int
	// Evicted connections idle past the dead threshold that were removed
	Evicted int
}

// heartbeatMonitorImpl implements HeartbeatMonitor
type heartbeatMonitorImpl struct {
	common.Component
	registry      registry.ConnectionRegistry
	broadcaster   Broadcaster
	period        time.Duration
	deadThreshold time.Duration
	rootContext   context.Context
	timer         common.IntervalTimer
}

// CreateHeartbeatMonitor define a new HeartbeatMonitor
func CreateHeartbeatMonitor(
	rootCtxt context.Context,
	connRegistry registry.ConnectionRegistry,
	broadcaster Broadcaster,
	config common.HeartbeatConfig,
	wg *sync.WaitGroup,
) (HeartbeatMonitor, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "heartbeat-monitor",
	}
	timer, err := common.GetIntervalTimerInstance("heartbeat", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	period := time.Duration(config.Period) * time.Second
	return &heartbeatMonitorImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      connRegistry,
		broadcaster:   broadcaster,
		period:        period,
		deadThreshold: period * time.Duration(config.DeadMultiple),
		rootContext:   rootCtxt,
		timer:         timer,
	}, nil
}

// Start begin the periodic sweep
func (h *heartbeatMonitorImpl) Start() error {
	log.WithFields(h.LogTags).
		WithField("period", h.period).
		WithField("dead-threshold", h.deadThreshold).
		Info("Starting heartbeat sweeps")
	return h.timer.Start(h.period, func() error {
		h.SweepOnce(h.rootContext)
		return nil
	}, false)
}

// Stop halt the periodic sweep
func (h *heartbeatMonitorImpl) Stop() error {
	return h.timer.Stop()
}

// SweepOnce run one sweep pass immediately
func (h *heartbeatMonitorImpl) SweepOnce(ctxt context.Context) SweepReport {
	logTags := common.UpdateLogTags(ctxt, h.LogTags)
	report := SweepReport{}
	now := time.Now()
	for _, conn := range h.registry.ListConnections() {
		if conn.State() != registry.StateActive {
			continue
		}
		idle := now.Sub(conn.LastSeen())
		if idle >= h.deadThreshold {
			log.WithFields(logTags).
				WithField("connection", conn.ID()).
				WithField("user", conn.User()).
				WithField("idle", idle).
				Warn("Connection idle past dead threshold")
			h.broadcaster.Evict(ctxt, conn.ID(), "heartbeat-timeout")
			report.Evicted++
			continue
		}
		if idle >= h.period {
			if err := conn.Transport().SendPing(now.Add(h.period)); err != nil {
				log.WithError(err).WithFields(logTags).
					WithField("connection", conn.ID()).
					Debug("Liveness probe write failed")
			}
			report.Probed++
		}
	}
	if report.Evicted > 0 {
		log.WithFields(logTags).
			WithField("probed", report.Probed).
			WithField("evicted", report.Evicted).
			Info("Heartbeat sweep evicted dead connections")
	}
	return report
}
