/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health runs the periodic upstream prober. The verdict is exported
// to the management API and a Prometheus gauge; handlers never consult it on
// the hot path.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/network"
	log "github.com/sirupsen/logrus"
)

// Status is the current upstream health verdict with hysteresis counters.
type Status struct {
	Healthy              bool      `json:"healthy"`
	LastCheck            time.Time `json:"last_check"`
	LastError            string    `json:"last_error,omitempty"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LatencyMillis        int64     `json:"latency_ms"`
}

// ProbeFunc opens and closes one trivial upstream connection.
type ProbeFunc func(ctx context.Context) error

// TCPProbe dials the upstream address and closes the connection.
func TCPProbe(connectionString string) ProbeFunc {
	return func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		timeout := network.DefaultNetworkTimeout
		if ok {
			timeout = time.Until(deadline)
		}
		conn, err := network.DialTimeout(connectionString, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// SQLProbe pings the upstream through database/sql with the given driver
// ("postgres" or "mysql"). Used when the operator configured a DSN with
// credentials; otherwise the TCP probe is enough.
func SQLProbe(driver, dsn string) ProbeFunc {
	return func(ctx context.Context) error {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.PingContext(ctx)
	}
}

// Checker periodically probes the upstream and applies the configured
// unhealthy/healthy thresholds.
type Checker struct {
	requests chan chan Status

	interval           time.Duration
	timeout            time.Duration
	unhealthyThreshold int
	healthyThreshold   int
	probe              ProbeFunc
	logger             *log.Entry
}

// NewChecker returns checker configured from the health_check section, nil
// settings fall back to defaults.
func NewChecker(settings *config.HealthCheck, probe ProbeFunc) *Checker {
	checker := &Checker{
		requests:           make(chan chan Status),
		interval:           config.DefaultHealthCheckInterval,
		timeout:            config.DefaultHealthCheckTimeout,
		unhealthyThreshold: config.DefaultUnhealthyThreshold,
		healthyThreshold:   config.DefaultHealthyThreshold,
		probe:              probe,
		logger:             log.WithField("internal", "health_check"),
	}
	if settings != nil {
		if settings.IntervalSecs > 0 {
			checker.interval = time.Duration(settings.IntervalSecs) * time.Second
		}
		if settings.TimeoutSecs > 0 {
			checker.timeout = time.Duration(settings.TimeoutSecs) * time.Second
		}
		if settings.UnhealthyThreshold > 0 {
			checker.unhealthyThreshold = settings.UnhealthyThreshold
		}
		if settings.HealthyThreshold > 0 {
			checker.healthyThreshold = settings.HealthyThreshold
		}
	}
	return checker
}

// Start runs the probe loop until ctx is cancelled.
func (checker *Checker) Start(ctx context.Context) {
	status := Status{Healthy: true}
	base.UpstreamHealthGauge.Set(1)
	ticker := time.NewTicker(checker.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-checker.requests:
			reply <- status
		case <-ticker.C:
			status = checker.runProbe(ctx, status)
		}
	}
}

// Status returns the latest verdict. Safe to call from any goroutine while
// Start is running.
func (checker *Checker) Status(ctx context.Context) Status {
	reply := make(chan Status, 1)
	select {
	case checker.requests <- reply:
		return <-reply
	case <-ctx.Done():
		return Status{}
	}
}

func (checker *Checker) runProbe(ctx context.Context, status Status) Status {
	probeCtx, cancel := context.WithTimeout(ctx, checker.timeout)
	defer cancel()

	started := time.Now()
	err := checker.probe(probeCtx)
	status.LastCheck = time.Now()
	status.LatencyMillis = time.Since(started).Milliseconds()

	if err != nil {
		status.ConsecutiveFailures++
		status.ConsecutiveSuccesses = 0
		status.LastError = err.Error()
		checker.logger.WithError(err).Debugln("Upstream probe failed")
	} else {
		status.ConsecutiveSuccesses++
		status.ConsecutiveFailures = 0
		status.LastError = ""
	}

	if status.ConsecutiveFailures >= checker.unhealthyThreshold {
		if status.Healthy {
			checker.logger.Warningln("Upstream became unhealthy")
		}
		status.Healthy = false
		base.UpstreamHealthGauge.Set(0)
	} else if status.ConsecutiveSuccesses >= checker.healthyThreshold {
		if !status.Healthy {
			checker.logger.Infoln("Upstream became healthy")
		}
		status.Healthy = true
		base.UpstreamHealthGauge.Set(1)
	}
	return status
}
