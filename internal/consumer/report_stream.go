package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"accident-alert/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// reportStreamMaxLen 报告流的近似最大长度
const reportStreamMaxLen = 1000

// ReportStream 调度报告发布到 Redis Streams
type ReportStream struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewReportStream 创建报告流
func NewReportStream(client *redis.Client, stream string, logger *zap.Logger) *ReportStream {
	return &ReportStream{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish 追加一条调度报告
func (s *ReportStream) Publish(ctx context.Context, report *models.EscalationReport) (string, error) {
	if report == nil {
		return "", fmt.Errorf("nil escalation report")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal escalation report: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: reportStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"request_id": report.RequestID,
			"aborted":    strconv.FormatBool(report.Aborted),
			"data":       string(data),
			"timestamp":  strconv.FormatInt(report.FinishedAt.Unix(), 10),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish escalation report: %w", err)
	}

	s.logger.Debug("Escalation report published",
		zap.String("stream", s.stream),
		zap.String("message_id", id),
		zap.String("request_id", report.RequestID),
	)
	return id, nil
}
