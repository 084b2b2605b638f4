// Package metrics holds cheap process-local counters. They surface on the
// health endpoint; notification failures in particular are fire-and-forget
// and these counters are their only observable trace.
package metrics

import "sync/atomic"

type Snapshot struct {
	EventsIngested        uint64 `json:"events_ingested"`
	EventsFailed          uint64 `json:"events_failed"`
	JobsCompleted         uint64 `json:"jobs_completed"`
	JobsFailed            uint64 `json:"jobs_failed"`
	NotificationsSent     uint64 `json:"notifications_sent"`
	NotificationsFailed   uint64 `json:"notifications_failed"`
	NotificationFallbacks uint64 `json:"notification_fallbacks"`
}

type Metrics struct {
	eventsIngested        atomic.Uint64
	eventsFailed          atomic.Uint64
	jobsCompleted         atomic.Uint64
	jobsFailed            atomic.Uint64
	notificationsSent     atomic.Uint64
	notificationsFailed   atomic.Uint64
	notificationFallbacks atomic.Uint64
}

func (m *Metrics) IncEventsIngested()        { m.eventsIngested.Add(1) }
func (m *Metrics) IncEventsFailed()          { m.eventsFailed.Add(1) }
func (m *Metrics) IncJobsCompleted()         { m.jobsCompleted.Add(1) }
func (m *Metrics) IncJobsFailed()            { m.jobsFailed.Add(1) }
func (m *Metrics) IncNotificationsSent()     { m.notificationsSent.Add(1) }
func (m *Metrics) IncNotificationsFailed()   { m.notificationsFailed.Add(1) }
func (m *Metrics) IncNotificationFallbacks() { m.notificationFallbacks.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		EventsIngested:        m.eventsIngested.Load(),
		EventsFailed:          m.eventsFailed.Load(),
		JobsCompleted:         m.jobsCompleted.Load(),
		JobsFailed:            m.jobsFailed.Load(),
		NotificationsSent:     m.notificationsSent.Load(),
		NotificationsFailed:   m.notificationsFailed.Load(),
		NotificationFallbacks: m.notificationFallbacks.Load(),
	}
}
