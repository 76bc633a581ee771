// internal/infra/etcd/history_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"distributed-distort/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	HistoryDir = "/distort/history/"
)

// KV is the part of the etcd client the repositories use.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

type historyRepository struct {
	client KV
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHistoryRepository creates a job history repository backed by etcd.
func NewHistoryRepository(client KV, logger *slog.Logger) domain.HistoryRepository {
	return &historyRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("distributed-distort-etcd-history-repo"),
	}
}

// Save persists a single job record.
// The key is structured as /distort/history/{username}/{id}.
func (r *historyRepository) Save(ctx context.Context, record *domain.JobRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveJobRecord")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal job record")
		return fmt.Errorf("failed to marshal job record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(HistoryDir, record.Username, record.ID)
	span.SetAttributes(
		attribute.String("job.id", record.ID),
		attribute.String("job.user", record.Username),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job record to etcd")
		return fmt.Errorf("failed to save job record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single record by username and job ID.
func (r *historyRepository) Get(ctx context.Context, username, id string) (*domain.JobRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetJobRecord")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.user", username),
		attribute.String("job.id", id),
	)

	key := path.Join(HistoryDir, username, id)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job record from etcd")
		return nil, fmt.Errorf("failed to get job record %s/%s from etcd: %w", username, id, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrJobNotFound, username, id)
	}

	var record domain.JobRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal job record")
		return nil, fmt.Errorf("failed to unmarshal job record %s/%s from JSON: %w", username, id, err)
	}
	return &record, nil
}

// ListByUser retrieves a user's job records, with pagination.
// Records are returned in reverse chronological order (newest first).
func (r *historyRepository) ListByUser(ctx context.Context, username string, page, pageSize int) ([]*domain.JobRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListJobRecords")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.user", username),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	prefix := path.Join(HistoryDir, username) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend), // Newest first
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job records from etcd")
		return nil, fmt.Errorf("failed to list job records for %s from etcd: %w", username, err)
	}

	startIdx, endIdx := pageBounds(page, pageSize)
	records := make([]*domain.JobRecord, 0, endIdx-startIdx)
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}

		var record domain.JobRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal job record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

// pageBounds turns a 1-based page into slice bounds. Pages below 1 are treated as 1.
func pageBounds(page, pageSize int) (start, end int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	start = (page - 1) * pageSize
	return start, start + pageSize
}
