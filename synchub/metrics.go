package synchub

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// hub counters. Owned by the hub and shared with its event sequencer.
type Stats struct {
	Requests           atomic.Int64
	Tasks              atomic.Int64
	TaskErrors         atomic.Int64
	EventsEnqueued     atomic.Int64
	EventsSent         atomic.Int64
	EventsResent       atomic.Int64
	EventsAcknowledged atomic.Int64
	EventsDropped      atomic.Int64
}

func NewStats() *Stats {
	return &Stats{}
}

type StatsSnapshot struct {
	Requests           int64 `json:"requests"`
	Tasks              int64 `json:"tasks"`
	TaskErrors         int64 `json:"taskErrors"`
	EventsEnqueued     int64 `json:"eventsEnqueued"`
	EventsSent         int64 `json:"eventsSent"`
	EventsResent       int64 `json:"eventsResent"`
	EventsAcknowledged int64 `json:"eventsAcknowledged"`
	EventsDropped      int64 `json:"eventsDropped"`
}

func (self *Stats) Snapshot() *StatsSnapshot {
	return &StatsSnapshot{
		Requests:           self.Requests.Load(),
		Tasks:              self.Tasks.Load(),
		TaskErrors:         self.TaskErrors.Load(),
		EventsEnqueued:     self.EventsEnqueued.Load(),
		EventsSent:         self.EventsSent.Load(),
		EventsResent:       self.EventsResent.Load(),
		EventsAcknowledged: self.EventsAcknowledged.Load(),
		EventsDropped:      self.EventsDropped.Load(),
	}
}

// Prometheus text exposition of the hub counters and event queue gauges
func NewMetricsHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		snapshot := hub.Stats().Snapshot()
		counter := func(name string, value int64) {
			fmt.Fprintf(w, "# TYPE synchub_%s counter\nsynchub_%s %d\n", name, name, value)
		}
		gauge := func(name string, value int64) {
			fmt.Fprintf(w, "# TYPE synchub_%s gauge\nsynchub_%s %d\n", name, name, value)
		}
		counter("requests_total", snapshot.Requests)
		counter("tasks_total", snapshot.Tasks)
		counter("task_errors_total", snapshot.TaskErrors)
		counter("events_enqueued_total", snapshot.EventsEnqueued)
		counter("events_sent_total", snapshot.EventsSent)
		counter("events_resent_total", snapshot.EventsResent)
		counter("events_acknowledged_total", snapshot.EventsAcknowledged)
		counter("events_dropped_total", snapshot.EventsDropped)

		if dispatcher := hub.EventDispatcher(); dispatcher != nil {
			clients := dispatcher.Sequencer().Clients()
			var queuedEvents int64
			var queuedBytes int64
			for _, client := range clients {
				queuedEvents += int64(client.QueuedEvents)
				queuedBytes += client.QueuedBytes
			}
			gauge("event_clients", int64(len(clients)))
			gauge("event_queue_entries", queuedEvents)
			gauge("event_queue_bytes", queuedBytes)
			gauge("subscribed_clients", int64(len(dispatcher.Registry().ClientIds())))
		}
	})
}
