package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenPressCore/internal/dcon"
	"github.com/jackc/pgx/v5"
)

// RecordQuality archives one bus quality report.
func (p *PostgresClient) RecordQuality(ctx context.Context, report dcon.QualityReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO bus_quality (reported_at, period_s, total, bad, quality, speed, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, report.At, report.Period, int64(report.Total), int64(report.Bad), report.Quality, report.Speed, reportJSON)
	if err != nil {
		return fmt.Errorf("failed to insert quality report: %w", err)
	}
	return nil
}

// LatestQuality returns the most recent archived report.
func (p *PostgresClient) LatestQuality(ctx context.Context) (*QualitySample, error) {
	var q QualitySample
	err := p.pool.QueryRow(ctx, `
		SELECT id, reported_at, period_s, total, bad, quality, speed, report
		FROM bus_quality
		ORDER BY reported_at DESC
		LIMIT 1
	`).Scan(&q.ID, &q.ReportedAt, &q.Period, &q.Total, &q.Bad, &q.Quality, &q.Speed, &q.Report)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load quality report: %w", err)
	}
	return &q, nil
}
