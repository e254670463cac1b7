package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/store"
)

// DefaultBatchSize is the maximum number of files per delivery request.
const DefaultBatchSize = 5

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 512

// RetryPolicy bounds delivery attempts for one batch. Delays grow
// exponentially from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DispatchPolicy configures batching, retries and payload metadata.
type DispatchPolicy struct {
	BatchSize  int
	Retry      RetryPolicy
	UploadedBy string
	Source     string
}

// BatchResult is the outcome of delivering one batch.
type BatchResult struct {
	RequestID  string
	Records    []*store.FileRecord
	StatusCode int
	Attempts   int
	Err        error
}

// DispatchResult aggregates the batches of one Dispatch call.
type DispatchResult struct {
	Batches   []BatchResult
	Succeeded int
	Failed    int
}

type batchFile struct {
	Filename   string `json:"filename"`
	BackupPath string `json:"backup_path"`
}

type batchPayload struct {
	Files       []batchFile `json:"files"`
	UploadedBy  string      `json:"uploaded_by"`
	Source      string      `json:"source"`
	ProfileCode string      `json:"profile_code"`
}

// Dispatcher delivers staged records to a tenant's processing endpoint in
// signed, retried batches.
type Dispatcher struct {
	client  *http.Client
	policy  DispatchPolicy
	tracker *RecordTracker
	now     func() time.Time
	log     *logrus.Entry
}

// NewDispatcher creates a Dispatcher. A nil client uses http.DefaultClient.
func NewDispatcher(client *http.Client, tracker *RecordTracker, policy DispatchPolicy, logger *logrus.Entry) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if policy.BatchSize < 1 {
		policy.BatchSize = DefaultBatchSize
	}
	if policy.Retry.MaxAttempts < 1 {
		policy.Retry.MaxAttempts = 1
	}
	return &Dispatcher{
		client:  client,
		policy:  policy,
		tracker: tracker,
		now:     time.Now,
		log:     componentLogger(logger, "dispatcher"),
	}
}

// Partition splits records into consecutive groups of at most size,
// preserving order.
func Partition(records []*store.FileRecord, size int) [][]*store.FileRecord {
	if size < 1 {
		size = 1
	}
	var batches [][]*store.FileRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}

// Dispatch delivers records in batches, one request per batch and one batch
// at a time. A batch that has started is always finished; cancellation of ctx
// only prevents further batches. Each batch is independent: a failed batch
// leaves its records Failed and their files in staging while later batches
// still go out.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant config.TenantConfig, records []*store.FileRecord) DispatchResult {
	var result DispatchResult
	log := d.log.WithField("tenant", tenant.ID)

	for _, batch := range Partition(records, d.policy.BatchSize) {
		if ctx.Err() != nil {
			log.Info("stop requested, leaving remaining batches for the next run")
			break
		}

		br := d.dispatchBatch(context.WithoutCancel(ctx), tenant, batch)
		result.Batches = append(result.Batches, br)
		if br.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	return result
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, tenant config.TenantConfig, batch []*store.FileRecord) BatchResult {
	br := BatchResult{RequestID: uuid.NewString(), Records: batch}
	log := d.log.WithFields(logrus.Fields{
		"tenant":     tenant.ID,
		"request_id": br.RequestID,
		"files":      len(batch),
	})

	for _, rec := range batch {
		if err := d.tracker.Transition(rec, store.StatusBatched, nil); err != nil {
			log.WithError(err).WithField("file", rec.Filename).Error("failed to record batched file")
		}
	}

	body, err := json.Marshal(d.payload(tenant, batch))
	switch {
	case tenant.Secret == "":
		br.Err = &DeliveryError{TenantID: tenant.ID, Err: ErrMissingSecret}
	case err != nil:
		br.Err = fmt.Errorf("tenant %q: encode batch: %w", tenant.ID, err)
	default:
		br.Err = retry.Do(
			func() error {
				br.Attempts++
				code, err := d.send(ctx, tenant, br.RequestID, body)
				br.StatusCode = code
				return err
			},
			retry.Attempts(d.policy.Retry.MaxAttempts),
			retry.Delay(d.policy.Retry.BaseDelay),
			retry.MaxDelay(d.policy.Retry.MaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(IsRetryable),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				// Also called after the final attempt.
				if n+1 < d.policy.Retry.MaxAttempts {
					log.WithError(err).WithField("attempt", n+1).Warn("delivery failed, retrying")
				}
			}),
		)
	}

	status, result := store.StatusDispatched, "success"
	if br.Err != nil {
		status, result = store.StatusFailed, "failed"
	}
	for _, rec := range batch {
		if err := d.tracker.Transition(rec, status, br.Err); err != nil {
			log.WithError(err).WithField("file", rec.Filename).Error("failed to record delivery result")
		}
	}
	batchesCounter.WithLabelValues(tenant.ID, result).Inc()

	if br.Err != nil {
		log.WithError(br.Err).WithField("attempts", br.Attempts).Error("batch delivery failed, files left in staging")
	} else {
		log.WithField("attempts", br.Attempts).Info("batch dispatched")
	}
	return br
}

func (d *Dispatcher) payload(tenant config.TenantConfig, batch []*store.FileRecord) batchPayload {
	p := batchPayload{
		Files:       make([]batchFile, 0, len(batch)),
		UploadedBy:  d.policy.UploadedBy,
		Source:      d.policy.Source,
		ProfileCode: tenant.ProfileCode,
	}
	for _, rec := range batch {
		p.Files = append(p.Files, batchFile{Filename: rec.Filename, BackupPath: rec.StagedPath})
	}
	return p
}

// send makes one delivery request. The signature is computed per attempt so
// the timestamp header stays fresh across retries.
func (d *Dispatcher) send(ctx context.Context, tenant config.TenantConfig, requestID string, body []byte) (int, error) {
	deliveryAttemptsCounter.WithLabelValues(tenant.ID).Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{TenantID: tenant.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderProjectID, tenant.ID)
	req.Header.Set(HeaderRequestID, requestID)
	ts := Timestamp(d.now())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(tenant.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{TenantID: tenant.ID, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, &DeliveryError{
		TenantID:   tenant.ID,
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode >= 500,
		Body:       strings.TrimSpace(string(snippet)),
	}
}
