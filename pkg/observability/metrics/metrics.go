package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	messagesHandled     atomic.Int64
	messagesRequeued    atomic.Int64
	messagesDeadLetter  atomic.Int64
	providerRateLimited atomic.Int64
	rawRecordsStaged    atomic.Int64
	recordsForwarded    atomic.Int64
	jobsFinished        atomic.Int64
	jobsFailed          atomic.Int64
)

func MessageHandled()      { messagesHandled.Add(1) }
func MessageRequeued()     { messagesRequeued.Add(1) }
func MessageDeadLettered() { messagesDeadLetter.Add(1) }
func ProviderRateLimited() { providerRateLimited.Add(1) }
func RawRecordStaged()     { rawRecordsStaged.Add(1) }
func RecordForwarded()     { recordsForwarded.Add(1) }

func JobFinished() { jobsFinished.Add(1) }
func JobFailed()   { jobsFailed.Add(1) }

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP flowlytics_sync_messages_handled_total Number of queue messages handled successfully.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_messages_handled_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_messages_handled_total %d\n", messagesHandled.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_messages_requeued_total Number of queue messages republished for retry.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_messages_requeued_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_messages_requeued_total %d\n", messagesRequeued.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_messages_dead_lettered_total Number of queue messages routed to the dead-letter channel.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_messages_dead_lettered_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_messages_dead_lettered_total %d\n", messagesDeadLetter.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_provider_rate_limited_total Number of provider requests deferred by rate limiting.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_provider_rate_limited_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_provider_rate_limited_total %d\n", providerRateLimited.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_raw_records_staged_total Number of raw payloads written to the staging store.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_raw_records_staged_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_raw_records_staged_total %d\n", rawRecordsStaged.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_records_forwarded_total Number of completed records forwarded to the embedding channel.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_records_forwarded_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_records_forwarded_total %d\n", recordsForwarded.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_jobs_finished_total Number of sync jobs that reached a finished state.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_jobs_finished_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_jobs_finished_total %d\n", jobsFinished.Load())

	fmt.Fprintf(w, "# HELP flowlytics_sync_jobs_failed_total Number of sync jobs that reached a failed state.\n")
	fmt.Fprintf(w, "# TYPE flowlytics_sync_jobs_failed_total counter\n")
	fmt.Fprintf(w, "flowlytics_sync_jobs_failed_total %d\n", jobsFailed.Load())
}

// Handler serves the metrics endpoint.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	}
}
