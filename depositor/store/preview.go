package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/piggyvault/piggy-hub/depositor/models"
)

// PreviewStore keeps one preview snapshot per session.
type PreviewStore struct {
	kv  Store
	ttl time.Duration
	now func() time.Time
}

// NewPreviewStore wraps a Store. A zero ttl disables expiry.
func NewPreviewStore(kv Store, ttl time.Duration) *PreviewStore {
	return &PreviewStore{kv: kv, ttl: ttl, now: time.Now}
}

// SetClock replaces the time source
func (p *PreviewStore) SetClock(now func() time.Time) {
	p.now = now
}

// Save writes the snapshot, replacing any earlier one for the session.
func (p *PreviewStore) Save(state models.PreviewState) error {
	if state.SessionID == "" {
		return fmt.Errorf("%w: preview without session", models.ErrValidation)
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = p.now().UTC()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	return p.kv.Put(models.PreviewKey(state.SessionID), raw)
}

// Load returns the session's snapshot. A missing, unreadable or expired
// snapshot is reported as models.ErrPreviewMissing; expired and unreadable
// ones are removed.
func (p *PreviewStore) Load(sessionID string) (*models.PreviewState, error) {
	key := models.PreviewKey(sessionID)
	raw, err := p.kv.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, models.ErrPreviewMissing
	}
	if err != nil {
		return nil, err
	}

	var state models.PreviewState
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Dropping unreadable preview")
		_ = p.kv.Delete(key)
		return nil, models.ErrPreviewMissing
	}
	if p.expired(state) {
		_ = p.kv.Delete(key)
		return nil, fmt.Errorf("%w: preview older than %s", models.ErrPreviewMissing, p.ttl)
	}
	return &state, nil
}

// Has reports whether a live snapshot exists for the session
func (p *PreviewStore) Has(sessionID string) bool {
	_, err := p.Load(sessionID)
	return err == nil
}

func (p *PreviewStore) Delete(sessionID string) error {
	return p.kv.Delete(models.PreviewKey(sessionID))
}

// Sweep removes every expired snapshot and returns how many were removed.
func (p *PreviewStore) Sweep() (int, error) {
	keys, err := p.kv.Keys(models.PreviewStateKey + "/")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, models.PreviewStateKey+"/")
		if _, err := p.Load(sessionID); errors.Is(err, models.ErrPreviewMissing) {
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept expired previews")
	}
	return removed, nil
}

func (p *PreviewStore) expired(state models.PreviewState) bool {
	return p.ttl > 0 && p.now().Sub(state.CreatedAt) > p.ttl
}
