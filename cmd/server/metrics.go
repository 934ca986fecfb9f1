package main

import (
	"fmt"
	"io"
	"net/http"
)

// handleMetrics writes the Prometheus text exposition format.
func (rt *runtime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	g := rt.gw.Metrics()
	counter(rw, "statesync_sync_total", "Sync calls received.", g.SyncTotal)
	counter(rw, "statesync_sync_commit_total", "Sync calls that committed at least one field.", g.CommitTotal)
	counter(rw, "statesync_sync_init_total", "Character documents created by sync.", g.InitTotal)
	counter(rw, "statesync_sync_conflict_total", "Field conflicts reported to clients.", g.ConflictTotal)
	counter(rw, "statesync_sync_retry_total", "Store retries performed by sync.", g.RetryTotal)
	counter(rw, "statesync_sync_fail_total", "Sync calls that returned an error.", g.SyncFailTotal)
	counter(rw, "statesync_heartbeat_total", "Heartbeats accepted.", g.HeartbeatTotal)
	counter(rw, "statesync_reconnect_total", "Reconnect calls answered.", g.ReconnectTotal)
	counter(rw, "statesync_reconnect_resumed_total", "Reconnects that resumed an existing session.", g.ResumedTotal)
	counter(rw, "statesync_session_close_total", "Sessions closed explicitly.", g.CloseTotal)
	gauge(rw, "statesync_locked_characters", "Characters with a sync in flight.", g.LockedCharCount)
	gauge(rw, "statesync_characters_cached", "Character documents held in memory.", rt.gw.Store().Len())

	s := rt.gw.Sessions().Stats()
	fmt.Fprintf(rw, "# HELP statesync_sessions Tracked sessions by state.\n")
	fmt.Fprintf(rw, "# TYPE statesync_sessions gauge\n")
	fmt.Fprintf(rw, "statesync_sessions{state=%q} %d\n", "ACTIVE", s.Active)
	fmt.Fprintf(rw, "statesync_sessions{state=%q} %d\n", "DISCONNECTED", s.Disconnected)
	fmt.Fprintf(rw, "statesync_sessions{state=%q} %d\n", "CLOSED", s.Closed)

	b := rt.gw.Events().Stats()
	gauge(rw, "statesync_subscriptions", "Live event subscriptions.", b.Subscriptions)
	gauge(rw, "statesync_subscriptions_attached", "Subscriptions with a connected reader.", b.Attached)
	gauge(rw, "statesync_subscriptions_suspended", "Subscriptions paused by a disconnected session.", b.Suspended)
	gauge(rw, "statesync_subscriptions_degraded", "Subscriptions that have dropped events.", b.Degraded)
	counter(rw, "statesync_events_published_total", "Events published.", b.Published)
	counter(rw, "statesync_events_enqueued_total", "Events queued to subscriptions.", b.Enqueued)
	counter(rw, "statesync_events_delivered_total", "Events handed to readers.", b.Delivered)
	counter(rw, "statesync_events_dropped_total", "Events dropped from full subscriber queues.", b.Dropped)
	gauge(rw, "statesync_event_seq", "Last assigned event sequence number.", rt.gw.Events().LastSeq())

	if rt.firehose != nil {
		counter(rw, "statesync_event_journal_dropped_total", "Events the journal firehose dropped on overflow.", rt.firehose.Dropped())
		gauge(rw, "statesync_event_journal_pending", "Events queued for the journal firehose.", rt.firehose.Pending())
	}

	if rt.syncLog != nil {
		j := rt.syncLog.Stats()
		counter(rw, "statesync_audit_journal_written_total", "Audit entries written to the journal.", j.Written)
		counter(rw, "statesync_audit_journal_dropped_total", "Audit entries dropped because the journal queue was full.", j.Dropped)
		counter(rw, "statesync_audit_journal_write_errors_total", "Audit journal write errors.", j.WriteErrors)
		gauge(rw, "statesync_audit_journal_queue_depth", "Audit journal queue depth.", j.QueueDepth)
		gauge(rw, "statesync_audit_journal_queue_capacity", "Audit journal queue capacity.", j.QueueCapacity)
	}

	if rt.idx != nil {
		x := rt.idx.Stats()
		fmt.Fprintf(rw, "# HELP statesync_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE statesync_index_dropped_total counter\n")
		fmt.Fprintf(rw, "statesync_index_dropped_total{kind=%q} %d\n", "audit", x.DropAuditTotal)
		fmt.Fprintf(rw, "statesync_index_dropped_total{kind=%q} %d\n", "event", x.DropEventTotal)
		fmt.Fprintf(rw, "statesync_index_dropped_total{kind=%q} %d\n", "snapshot", x.DropSnapshotTotal)
		counter(rw, "statesync_index_write_errors_total", "Index write errors.", x.WriteErrorTotal)
		counter(rw, "statesync_index_commits_total", "Index transactions committed.", x.CommitTotal)
		gauge(rw, "statesync_index_queue_depth", "Index queue depth.", x.QueueDepth)
		gauge(rw, "statesync_index_queue_capacity", "Index queue capacity.", x.QueueCapacity)
	}

	if rt.offsite != nil {
		o := rt.offsite.Stats()
		counter(rw, "statesync_offsite_enqueued_total", "Files queued for offsite upload.", o.EnqueuedTotal)
		counter(rw, "statesync_offsite_queue_saturated_total", "Enqueues that found the upload queue full.", o.QueueSaturatedTotal)
		counter(rw, "statesync_offsite_dropped_total", "Files dropped because the upload queue stayed full.", o.DroppedTotal)
		counter(rw, "statesync_offsite_upload_success_total", "Files uploaded offsite.", o.UploadSuccessTotal)
		counter(rw, "statesync_offsite_upload_fail_total", "Uploads that failed after retries.", o.UploadFailTotal)
		gauge(rw, "statesync_offsite_queue_depth", "Offsite upload queue depth.", o.QueueDepth)
		if o.LastSuccessUnix > 0 {
			gauge(rw, "statesync_offsite_last_success_unix", "Unix time of the last successful upload.", o.LastSuccessUnix)
		}
	}

	if h := rt.lastSnapshot(); !h.TakenAt.IsZero() {
		gauge(rw, "statesync_last_snapshot_unix", "Unix time of the last snapshot written or loaded.", h.TakenAt.Unix())
	}
}

func counter[T ~uint64 | ~int | ~int64](w io.Writer, name, help string, v T) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge[T ~uint64 | ~int | ~int64](w io.Writer, name, help string, v T) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}
