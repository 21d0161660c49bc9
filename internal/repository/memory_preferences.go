package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wisefido-medication/internal/models"
)

// MemoryPreferencesRepo backs tests and database-less runs.
type MemoryPreferencesRepo struct {
	mu    sync.RWMutex
	prefs map[string]models.PatientTimePreferences
}

func NewMemoryPreferencesRepo() *MemoryPreferencesRepo {
	return &MemoryPreferencesRepo{prefs: map[string]models.PatientTimePreferences{}}
}

func (r *MemoryPreferencesRepo) GetPreferences(_ context.Context, patientID string) (*models.PatientTimePreferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefs, ok := r.prefs[patientID]
	if !ok {
		return nil, fmt.Errorf("time preferences for patient %s: %w", patientID, ErrNotFound)
	}
	out := prefs
	return &out, nil
}

func (r *MemoryPreferencesRepo) SavePreferences(_ context.Context, prefs *models.PatientTimePreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[prefs.PatientID] = *prefs
	return nil
}

func (r *MemoryPreferencesRepo) ListPatients(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prefs))
	for id := range r.prefs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
