package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectEntry is one row of the reconnect ledger. The ledger is kept
// separate from the connection map so that a completed removal does not
// resurrect a peer we no longer want: removing the entry is the only way to
// stop the backoff loop short of stopping the transport.
type reconnectEntry struct {
	deviceID string
	hostname string
	dnsName  string
	port     int

	bo       *backoff.ExponentialBackOff
	attempts int
	timer    *time.Timer
}

func (e *reconnectEntry) resetLocked() {
	e.bo.Reset()
	e.attempts = 0
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *reconnectEntry) cancelLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// newBackoff builds the reconnect schedule: initialDelay * 2^(n-1), no
// jitter, capped at the max delay, never giving up on its own.
func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// registerReconnectLocked upserts a ledger entry with fresh dial parameters.
func (m *Manager) registerReconnectLocked(deviceID, hostname, dnsName string, port int) {
	e := m.reconnects[deviceID]
	if e == nil {
		e = &reconnectEntry{deviceID: deviceID, bo: m.newBackoff()}
		m.reconnects[deviceID] = e
	}
	e.hostname = hostname
	e.dnsName = dnsName
	e.port = port
}

// RemoveReconnect drops a device from the ledger, cancelling any scheduled
// attempt.
func (m *Manager) RemoveReconnect(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.reconnects[deviceID]; e != nil {
		e.cancelLocked()
		delete(m.reconnects, deviceID)
	}
}

// ReconnectAttempts reports how many consecutive attempts have been scheduled
// for a device since its last successful connect.
func (m *Manager) ReconnectAttempts(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.reconnects[deviceID]; e != nil {
		return e.attempts
	}
	return 0
}

// scheduleReconnect arms the next backoff attempt for a registered device.
// No-op when the device is not in the ledger, the transport is stopped, or an
// attempt is already pending.
func (m *Manager) scheduleReconnect(deviceID string) {
	m.mu.Lock()
	e := m.reconnects[deviceID]
	if e == nil || m.stopped || e.timer != nil {
		m.mu.Unlock()
		return
	}
	delay := e.bo.NextBackOff()
	e.attempts++
	attempt := e.attempts
	hostname, dnsName, port := e.hostname, e.dnsName, e.port
	e.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if cur := m.reconnects[deviceID]; cur != nil {
			cur.timer = nil
		}
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		// Connect schedules the next attempt itself when this one fails.
		_, err := m.Connect(context.Background(), deviceID, hostname, dnsName, port)
		if err != nil {
			m.log.Debug("reconnect attempt failed", "device_id", deviceID, "attempt", attempt, "error", err)
		}
	})
	m.mu.Unlock()

	m.log.Info("reconnect scheduled", "device_id", deviceID, "attempt", attempt, "delay", delay)
}
