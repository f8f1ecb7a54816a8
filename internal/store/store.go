// Package store persists device records behind a corruption-tolerant codec.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/GuestGuard/internal/models"
	log "github.com/sirupsen/logrus"
)

// Status classifies the outcome of a record load.
type Status int

const (
	// StatusNotFound means the device has no stored history.
	StatusNotFound Status = iota
	// StatusFound means the record decoded cleanly.
	StatusFound
	// StatusCorrupted means the stored blob could not be decoded at all.
	StatusCorrupted
	// StatusInvalidState means the blob decoded but its score or lockout did not.
	StatusInvalidState
	// StatusUnavailable means the backend failed to answer.
	StatusUnavailable
)

// String returns the status name used in logs.
func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusFound:
		return "found"
	case StatusCorrupted:
		return "corrupted"
	case StatusInvalidState:
		return "invalid_state"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LoadResult is the typed outcome of RecordStore.Load.
type LoadResult struct {
	Status Status
	Record *models.DeviceRecord // set for StatusFound and StatusInvalidState
	Err    error
}

// RecordStore loads and saves device records through a Backend.
type RecordStore struct {
	backend Backend
}

// NewRecordStore constructs a RecordStore over backend.
func NewRecordStore(backend Backend) *RecordStore {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &RecordStore{backend: backend}
}

// Load returns the stored record for deviceID. It never fails; backend and
// decode problems are reported through the result status.
func (s *RecordStore) Load(ctx context.Context, deviceID string) LoadResult {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return LoadResult{Status: StatusNotFound}
	}
	blob, errGet := s.backend.Get(ctx, deviceID)
	if errGet != nil {
		if errors.Is(errGet, ErrNotFound) {
			return LoadResult{Status: StatusNotFound}
		}
		log.WithError(errGet).WithField("device_id", deviceID).Warn("record store: load failed")
		return LoadResult{Status: StatusUnavailable, Err: errGet}
	}

	rec, status, errDecode := Decode(deviceID, blob)
	switch status {
	case StatusCorrupted:
		log.WithError(errDecode).WithField("device_id", deviceID).Warn("record store: discarding undecodable record")
	case StatusInvalidState:
		log.WithError(errDecode).WithField("device_id", deviceID).Warn("record store: record has unreadable suspicion state")
	}
	return LoadResult{Status: status, Record: rec, Err: errDecode}
}

// Save encodes and persists rec.
func (s *RecordStore) Save(ctx context.Context, rec *models.DeviceRecord) error {
	if rec == nil || strings.TrimSpace(rec.DeviceID) == "" {
		return fmt.Errorf("record store: missing device id")
	}
	blob, errEncode := Encode(rec)
	if errEncode != nil {
		return errEncode
	}
	if errPut := s.backend.Put(ctx, strings.TrimSpace(rec.DeviceID), blob); errPut != nil {
		return fmt.Errorf("record store: save: %w", errPut)
	}
	return nil
}

// Clear removes the record for deviceID.
func (s *RecordStore) Clear(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("record store: missing device id")
	}
	if errDelete := s.backend.Delete(ctx, deviceID); errDelete != nil {
		return fmt.Errorf("record store: clear: %w", errDelete)
	}
	return nil
}

// ClearAll removes every stored record.
func (s *RecordStore) ClearAll(ctx context.Context) error {
	if errDelete := s.backend.DeleteAll(ctx); errDelete != nil {
		return fmt.Errorf("record store: clear all: %w", errDelete)
	}
	return nil
}
