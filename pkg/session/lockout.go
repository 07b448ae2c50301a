package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/forest6511/credstore/pkg/repository"
)

// Failed open limits: 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute

	lockSuffix = ".lock"
)

// LockState tracks failed open attempts for one archive.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func lockPath(archive string) string { return archive + lockSuffix }

func loadLockState(archive string) (*LockState, error) {
	data, err := os.ReadFile(lockPath(archive))
	if errors.Is(err, fs.ErrNotExist) {
		return &LockState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: failed to read lock state: %w", err)
	}
	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file - reset state
		return &LockState{}, nil
	}
	return &state, nil
}

func saveLockState(archive string, state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(lockPath(archive), data, repository.FileMode); err != nil {
		return fmt.Errorf("session: failed to write lock state: %w", err)
	}
	return nil
}

func clearLockState(archive string) error {
	err := os.Remove(lockPath(archive))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown returns ErrCooldownActive while a cooldown is running.
func checkCooldown(archive string, now time.Time) error {
	state, err := loadLockState(archive)
	if err != nil {
		return err
	}
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		remaining := state.CooldownUntil.Sub(now)
		return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
	}
	return nil
}

// recordFailedAttempt counts a failed open and returns the cooldown it
// triggered, if any.
func recordFailedAttempt(archive string, now time.Time) (time.Duration, error) {
	state, err := loadLockState(archive)
	if err != nil {
		return 0, err
	}
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}
	return cooldown, saveLockState(archive, state)
}

// RemainingCooldown returns how long opens of archive are refused, or 0.
func RemainingCooldown(archive string, now time.Time) time.Duration {
	state, err := loadLockState(archive)
	if err != nil || state.CooldownUntil.IsZero() || !now.Before(state.CooldownUntil) {
		return 0
	}
	return state.CooldownUntil.Sub(now)
}
