package database

import (
	"github.com/stretchr/testify/mock"
)

type MockTrackRepository struct {
	mock.Mock
}

func (m *MockTrackRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockTrackRepository) GetTrack(id string) (Track, error) {
	args := m.Called(id)
	return args.Get(0).(Track), args.Error(1)
}
func (m *MockTrackRepository) ListTracks(limit, offset int) ([]Track, error) {
	args := m.Called(limit, offset)
	return args.Get(0).([]Track), args.Error(1)
}
func (m *MockTrackRepository) UpsertTrack(params UpsertTrackParams) (Track, error) {
	args := m.Called(params)
	return args.Get(0).(Track), args.Error(1)
}
