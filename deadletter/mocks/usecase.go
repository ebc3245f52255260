// Package mocks provides a testify mock for the dead letter use case.
package mocks

import (
	"context"

	"github.com/hookgate/hookgate/deadletter"
	"github.com/hookgate/hookgate/event"
	"github.com/stretchr/testify/mock"
)

// UseCase is a mock implementation of deadletter.UseCase
type UseCase struct {
	mock.Mock
}

// NewUseCase creates a use case mock that asserts expectations on cleanup
func NewUseCase(t interface {
	mock.TestingT
	Cleanup(func())
}) *UseCase {
	m := &UseCase{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *UseCase) List(ctx context.Context, filter event.DeadLetterFilter) ([]event.DeadLetter, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]event.DeadLetter), args.Error(1)
}

func (m *UseCase) Reprocess(ctx context.Context, eventID string) (event.RetryEntry, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(event.RetryEntry), args.Error(1)
}

func (m *UseCase) Archive(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *UseCase) BulkReprocess(ctx context.Context, filter event.DeadLetterFilter) (deadletter.Report, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(deadletter.Report), args.Error(1)
}
