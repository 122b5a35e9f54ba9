package store

import (
	"context"
	"sync"
	"time"

	"bursary/internal/admission/models"
)

// InMemoryStore keeps applications and enrollments in maps behind one mutex.
// The enrollment index covers both halves of the natural key.
type InMemoryStore struct {
	mu                 sync.Mutex
	applications       map[string]models.Application
	enrollmentsByApp   map[string]models.Enrollment
	enrollmentsByEmail map[string]models.Enrollment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		applications:       make(map[string]models.Application),
		enrollmentsByApp:   make(map[string]models.Enrollment),
		enrollmentsByEmail: make(map[string]models.Enrollment),
	}
}

func (s *InMemoryStore) CreateApplication(_ context.Context, app models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[app.ID]; ok {
		return ErrConflict
	}
	now := time.Now()
	app.Version = 1
	app.CreatedAt = now
	app.UpdatedAt = now
	s.applications[app.ID] = app
	return nil
}

func (s *InMemoryStore) GetApplication(_ context.Context, id string) (models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.applications[id]; ok {
		return app, nil
	}
	return models.Application{}, ErrNotFound
}

func (s *InMemoryStore) UpdateApplication(_ context.Context, app models.Application) (models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.applications[app.ID]
	if !ok {
		return models.Application{}, ErrNotFound
	}
	if current.Version != app.Version {
		return models.Application{}, ErrConflict
	}
	app.Version++
	app.CreatedAt = current.CreatedAt
	app.UpdatedAt = time.Now()
	s.applications[app.ID] = app
	return app, nil
}

func (s *InMemoryStore) CreateEnrollment(_ context.Context, enrollment models.Enrollment) (bool, models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.enrollmentsByApp[enrollment.ApplicationID]; ok {
		return false, existing, nil
	}
	if enrollment.Email != "" {
		if existing, ok := s.enrollmentsByEmail[enrollment.Email]; ok {
			return false, existing, nil
		}
	}
	enrollment.CreatedAt = time.Now()
	s.enrollmentsByApp[enrollment.ApplicationID] = enrollment
	if enrollment.Email != "" {
		s.enrollmentsByEmail[enrollment.Email] = enrollment
	}
	return true, enrollment, nil
}

func (s *InMemoryStore) FindEnrollment(_ context.Context, applicationID, email string) (models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.enrollmentsByApp[applicationID]; ok {
		return e, nil
	}
	if email != "" {
		if e, ok := s.enrollmentsByEmail[email]; ok {
			return e, nil
		}
	}
	return models.Enrollment{}, ErrNotFound
}
