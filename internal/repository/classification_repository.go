package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/plantid/internal/retry"
)

// ClassificationLog represents one classified image.
type ClassificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	SessionID  string    `gorm:"column:session_id;uniqueIndex:idx_session_seq;size:64"`
	Sequence   int       `gorm:"column:sequence;uniqueIndex:idx_session_seq"`
	PeerAddr   string    `gorm:"column:peer_addr;size:128"`
	ImagePath  string    `gorm:"column:image_path;type:text"`
	Label      string    `gorm:"column:label;size:64;index"`
	Confidence float64   `gorm:"column:confidence"`
	Accepted   bool      `gorm:"column:accepted"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs  float64   `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// MetricsAggregation is the raw summary computed by the database.
type MetricsAggregation struct {
	TotalCount       int64
	AcceptedCount    int64
	AverageScore     float64
	AverageLatencyMs float64
}

// ClassificationRepository provides persistence APIs for classification logs.
type ClassificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:     db,
		logger: logger.Named("classification_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindBySession returns the logs of one session in request order.
func (r *ClassificationRepository) FindBySession(ctx context.Context, sessionID string) ([]*ClassificationLog, error) {
	var logs []*ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence").Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarises every stored classification.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		AcceptedCount    int64
		AverageScore     float64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ClassificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0) AS accepted_count,
				COALESCE(AVG(confidence), 0) AS average_score,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		AcceptedCount:    row.AcceptedCount,
		AverageScore:     row.AverageScore,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	return r.policy.Do(ctx, r.logger, operation, sessionID, fn)
}
