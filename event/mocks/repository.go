// Package mocks provides testify mocks for the event repository interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/hookgate/hookgate/event"
	"github.com/stretchr/testify/mock"
)

// Repository is a mock implementation of event.Repository
type Repository struct {
	mock.Mock
}

// NewRepository creates a repository mock that asserts expectations on cleanup
func NewRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *Repository {
	m := &Repository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Repository) Get(ctx context.Context, id string) (event.Event, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(event.Event), args.Error(1)
}

func (m *Repository) Attempts(ctx context.Context, id string) ([]event.Attempt, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]event.Attempt), args.Error(1)
}

func (m *Repository) Store(ctx context.Context, ev event.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *Repository) UpdateStatus(ctx context.Context, id string, status event.Status) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *Repository) AppendAttempt(ctx context.Context, at event.Attempt) error {
	return m.Called(ctx, at).Error(0)
}

func (m *Repository) ResetAttempts(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *Repository) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	return m.Called(ctx, id, ttl).Error(0)
}

func (m *Repository) Enqueue(ctx context.Context, entry event.RetryEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *Repository) DequeueReady(ctx context.Context, now time.Time, max int) ([]event.RetryEntry, error) {
	args := m.Called(ctx, now, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]event.RetryEntry), args.Error(1)
}

func (m *Repository) RemoveRetry(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *Repository) PendingRetry(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *Repository) RetryDepth(ctx context.Context) (map[event.Priority]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[event.Priority]int64), args.Error(1)
}

func (m *Repository) MoveIn(ctx context.Context, dl event.DeadLetter) error {
	return m.Called(ctx, dl).Error(0)
}

func (m *Repository) GetDeadLetter(ctx context.Context, eventID string) (event.DeadLetter, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(event.DeadLetter), args.Error(1)
}

func (m *Repository) ListDeadLetters(ctx context.Context, filter event.DeadLetterFilter) ([]event.DeadLetter, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]event.DeadLetter), args.Error(1)
}

func (m *Repository) RemoveDeadLetter(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *Repository) ArchiveDeadLetter(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *Repository) InDeadLetters(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *Repository) DeadLetterCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Repository) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
