package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobSubmitted(t *testing.T) {
	JobsSubmittedTotal.Reset()

	RecordJobSubmitted("abr")
	RecordJobSubmitted("crf")
	RecordJobSubmitted("abr")

	assert.Equal(t, 2.0, testutil.ToFloat64(JobsSubmittedTotal.WithLabelValues("abr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsSubmittedTotal.WithLabelValues("crf")))
}

func TestRecordJobFinished(t *testing.T) {
	JobsFinishedTotal.Reset()
	JobDuration.Reset()

	RecordJobFinished("completed", 90*time.Second)
	RecordJobFinished("failed", 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(JobDuration))
}

func TestRecordJobDeleted(t *testing.T) {
	JobsDeletedTotal.Reset()

	RecordJobDeleted("completed")
	RecordJobDeleted("completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(JobsDeletedTotal.WithLabelValues("completed")))
}

func TestRecordVMAFScore(t *testing.T) {
	VMAFScore.Reset()

	RecordVMAFScore("crf", 93.5)
	RecordVMAFScore("crf", 71.2)
	RecordVMAFScore("abr", 88)

	assert.Equal(t, 2, testutil.CollectAndCount(VMAFScore))
}

func TestRecordSubtask(t *testing.T) {
	SubtasksTotal.Reset()

	RecordSubtask("encode", nil)
	RecordSubtask("encode", errors.New("boom"))
	RecordSubtask("metric", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(SubtasksTotal.WithLabelValues("encode", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SubtasksTotal.WithLabelValues("encode", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SubtasksTotal.WithLabelValues("metric", "success")))
}

func TestRecordEncodingFPSIgnoresUnknown(t *testing.T) {
	EncodingFPS.Reset()

	RecordEncodingFPS("crf", 0)
	assert.Equal(t, 0, testutil.CollectAndCount(EncodingFPS))

	RecordEncodingFPS("crf", 42)
	assert.Equal(t, 1, testutil.CollectAndCount(EncodingFPS))
}

func TestRecordToolInvocation(t *testing.T) {
	ToolInvocationsTotal.Reset()
	ToolInvocationDuration.Reset()

	RecordToolInvocation("encode", "success", time.Second)
	RecordToolInvocation("encode", "timeout", time.Minute)

	assert.Equal(t, 1.0, testutil.ToFloat64(ToolInvocationsTotal.WithLabelValues("encode", "timeout")))
}

func TestRecordStoreOperation(t *testing.T) {
	StoreOperationsTotal.Reset()

	RecordStoreOperation("update", time.Millisecond, nil)
	RecordStoreOperation("update", time.Millisecond, errors.New("lease"))

	assert.Equal(t, 1.0, testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("update", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("update", "error")))
}

func TestRecordRecovery(t *testing.T) {
	RecoveryActionsTotal.Reset()
	before := testutil.ToFloat64(RecoveryRunsTotal)

	RecordRecovery(3, 1, 2)

	assert.Equal(t, before+1, testutil.ToFloat64(RecoveryRunsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(RecoveryActionsTotal.WithLabelValues("temp_removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RecoveryActionsTotal.WithLabelValues("lock_reclaimed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(RecoveryActionsTotal.WithLabelValues("job_resumable")))
}

func TestRecordStorageOperation(t *testing.T) {
	StorageOperationsTotal.Reset()
	StorageBytesTransferred.Reset()

	RecordStorageOperation("export", 2048, nil)
	RecordStorageOperation("export", 4096, errors.New("unreachable"))

	assert.Equal(t, 1.0, testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("export", "error")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(StorageBytesTransferred.WithLabelValues("export")))
}

func TestRecordCacheAccess(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	RecordCacheAccess("job_status", true)
	RecordCacheAccess("job_status", true)
	RecordCacheAccess("job_status", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(CacheHitsTotal.WithLabelValues("job_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheMissesTotal.WithLabelValues("job_status")))
}

func TestRecordError(t *testing.T) {
	ErrorsTotal.Reset()

	RecordError("sweep", "encode")

	assert.Equal(t, 1.0, testutil.ToFloat64(ErrorsTotal.WithLabelValues("sweep", "encode")))
}

func TestRecordQueueDepth(t *testing.T) {
	QueueDepth.Reset()

	RecordQueueDepth("ratesweep_jobs", 4)
	RecordQueueDepth("ratesweep_jobs", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues("ratesweep_jobs")))
}
