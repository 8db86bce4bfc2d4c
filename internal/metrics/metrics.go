package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "session_transitions_total",
		Help:      "Total session state transitions by target state.",
	}, []string{"state"})

	SessionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "session_failures_total",
		Help:      "Total session failures by kind.",
	}, []string{"kind"})

	PendingSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "pending_switches_total",
		Help:      "Total device switches executed after a session end.",
	})

	DevicesVisible = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "popcast",
		Name:      "devices_visible",
		Help:      "Number of receivers currently visible.",
	})

	PlayerStateChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "player_state_changes_total",
		Help:      "Total remote player state changes by state.",
	}, []string{"state"})

	LoadWatchdogTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "load_watchdog_timeouts_total",
		Help:      "Total loads that never reported progress within the watchdog window.",
	})

	SubtitleFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "subtitle_fetches_total",
		Help:      "Total subtitle fetch and convert attempts by result.",
	}, []string{"result"})

	ScrobblesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "scrobbles_total",
		Help:      "Total watch-history reports by status and result.",
	}, []string{"status", "result"})

	MediaBytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "media_bytes_served_total",
		Help:      "Approximate bytes served to receivers by the media server.",
	})

	MediaRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "popcast",
		Name:      "media_requests_total",
		Help:      "Total media server requests by route and status code.",
	}, []string{"route", "status"})

	TorrentDownloadedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "popcast",
		Name:      "torrent_downloaded_bytes",
		Help:      "Bytes completed of the file being streamed.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionTransitionsTotal,
		SessionFailuresTotal,
		PendingSwitchesTotal,
		DevicesVisible,
		PlayerStateChangesTotal,
		LoadWatchdogTimeoutsTotal,
		SubtitleFetchesTotal,
		ScrobblesTotal,
		MediaBytesServed,
		MediaRequestsTotal,
		TorrentDownloadedBytes,
	)
}
