package database

import (
	"context"
	"database/sql"
	"fmt"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertWidgetRequest appends one row to the widget request audit log
func (s *Service) InsertWidgetRequest(ctx context.Context, req *models.WidgetRequest) error {
	if req.Id == "" {
		req.Id = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now()
	}

	_, err := s.db.ExecContext(ctx, queryInsertWidgetRequest,
		req.Id, req.ApiKeyId, req.UserId, req.Action, req.CreditsUsed, req.Outcome, req.Reason,
		req.FinalState, req.BalanceAfter, req.LatencyMs, req.IpAddress, req.UserAgent,
		req.RequestData, req.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("unable to insert widget request: %w", err)
	}
	return nil
}

// GetDailyUsage aggregates the audit log per day, newest day first
func (s *Service) GetDailyUsage(ctx context.Context, filter store.WidgetUsageFilter) ([]models.DailyUsage, error) {
	query := queryDailyUsage
	args := []any{filter.UserId, filter.Since.UTC()}
	if filter.ApiKeyId != "" {
		query += ` AND api_key_id = ?`
		args = append(args, filter.ApiKeyId)
	}
	query += queryDailyUsageGroup

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to aggregate widget usage: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	usage := []models.DailyUsage{}
	for rows.Next() {
		var day models.DailyUsage
		if err := rows.Scan(&day.Date, &day.Requests, &day.SuccessfulRequests, &day.CreditsUsed); err != nil {
			return nil, fmt.Errorf("unable to scan usage row: %w", err)
		}
		usage = append(usage, day)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return usage, nil
}
