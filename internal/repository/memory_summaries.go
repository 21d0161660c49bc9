package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wisefido-medication/internal/models"
)

// MemorySummariesRepo backs tests and database-less runs.
type MemorySummariesRepo struct {
	mu        sync.RWMutex
	summaries map[string]models.DailySummary // summaryID -> value copy
}

func NewMemorySummariesRepo() *MemorySummariesRepo {
	return &MemorySummariesRepo{summaries: map[string]models.DailySummary{}}
}

func (r *MemorySummariesRepo) GetSummary(_ context.Context, patientID, date string) (*models.DailySummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	summary, ok := r.summaries[models.DeriveSummaryID(patientID, date)]
	if !ok {
		return nil, fmt.Errorf("daily summary for patient %s on %s: %w", patientID, date, ErrNotFound)
	}
	out := summary
	return &out, nil
}

func (r *MemorySummariesRepo) CreateSummary(_ context.Context, summary *models.DailySummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.summaries[summary.SummaryID]; exists {
		return fmt.Errorf("daily summary for patient %s on %s already exists: %w",
			summary.PatientID, summary.Date, ErrConflict)
	}
	r.summaries[summary.SummaryID] = *summary
	return nil
}

func (r *MemorySummariesRepo) ListSummaries(_ context.Context, patientID, fromDate, toDate string) ([]*models.DailySummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.DailySummary
	for id := range r.summaries {
		summary := r.summaries[id]
		if summary.PatientID != patientID || summary.Date < fromDate || summary.Date > toDate {
			continue
		}
		copied := summary
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}
