/*
Package stats holds the engine statistics (EPStats).

Counters and gauges live in a go-metrics registry so they can be walked
generically. Durations are stored as nanoseconds and read back through the
typed accessors. High-water marks are monotonic maxima kept with a CAS loop
and registered as functional gauges.

	s := stats.New()
	s.TotalEnqueued.Inc(1)
	s.DirtyAgeHW.Observe(int64(age))
	s.WritePrometheus(w)

WritePrometheus evaluates every metric at scrape time through a
VictoriaMetrics set with the "ep_" prefix.
*/
package stats
