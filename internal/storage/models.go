package storage

import (
	"time"

	"github.com/google/uuid"
)

type Run struct {
	RunID      uuid.UUID  `json:"run_id"`
	PressID    int        `json:"press_id"`
	Program    string     `json:"program"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ElapsedMS  int64      `json:"elapsed_ms"`
}

type QualitySample struct {
	ID         int64     `json:"id"`
	ReportedAt time.Time `json:"reported_at"`
	Period     float64   `json:"period_s"`
	Total      int64     `json:"total"`
	Bad        int64     `json:"bad"`
	Quality    float64   `json:"quality"`
	Speed      float64   `json:"speed"`
	Report     []byte    `json:"report"` // JSONB
}
