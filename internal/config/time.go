package config

import (
	"slices"
	"time"

	"github.com/charmbracelet/log"
)

const defaultFeedSyncInterval = time.Hour

// CalculateBetweenTime converts a Timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// FeedSyncInterval returns the configured feed interval, hourly when unset.
func (c Config) FeedSyncInterval() time.Duration {
	if c.Feed.SyncTimer.IsZero() {
		return defaultFeedSyncInterval
	}
	return CalculateBetweenTime(c.Feed.SyncTimer)
}

// FeedIntervalUpdates returns a channel holding the current feed interval and
// receiving every later change to it. Only the newest value is kept.
func (m *Manager) FeedIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	ch <- m.GetConfig().FeedSyncInterval()

	m.listenersMu.Lock()
	m.feedListeners = append(m.feedListeners, ch)
	m.listenersMu.Unlock()
	return ch
}

// ConfigUpdates returns a channel receiving every applied configuration.
// Only the newest value is kept.
func (m *Manager) ConfigUpdates() <-chan Config {
	ch := make(chan Config, 1)
	m.listenersMu.Lock()
	m.configListeners = append(m.configListeners, ch)
	m.listenersMu.Unlock()
	return ch
}

func (m *Manager) notifyListeners(cfg Config) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	if cfg.Feed.SyncTimer != m.lastFeedTimer {
		m.lastFeedTimer = cfg.Feed.SyncTimer
		interval := cfg.FeedSyncInterval()
		for _, ch := range m.feedListeners {
			replaceLatest(ch, interval)
		}
	}

	if !slices.Equal(cfg.Geo.BlockedCountries, m.lastCountries) {
		m.lastCountries = append([]string(nil), cfg.Geo.BlockedCountries...)
		log.Info("Blocked countries changed", "count", len(m.lastCountries))
	}

	for _, ch := range m.configListeners {
		replaceLatest(ch, cfg)
	}
}

// replaceLatest delivers v to a buffered channel of capacity one, discarding
// an unread older value.
func replaceLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
