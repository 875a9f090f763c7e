package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/storage"
)

const draftKey = "draft"

// Draft holds the in-progress registration. Every mutation is written through
// to ephemeral storage so a reload resumes on the same step.
type Draft struct {
	kv  storage.KV
	log *zap.Logger

	mu    sync.RWMutex
	draft model.OnboardingDraft
}

// NewDraft rehydrates the draft from kv, scoped under storage.EphemeralPrefix.
// An unreadable stored draft is discarded and the flow starts over.
func NewDraft(ctx context.Context, kv storage.KV, log *zap.Logger) (*Draft, error) {
	d := &Draft{
		kv:    storage.Namespace(kv, storage.EphemeralPrefix),
		log:   logger.OrNop(log),
		draft: model.NewOnboardingDraft(),
	}

	raw, ok, err := d.kv.Get(ctx, draftKey)
	if err != nil {
		return nil, fmt.Errorf("load onboarding draft: %w", err)
	}
	if !ok {
		return d, nil
	}
	var stored model.OnboardingDraft
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || !stored.CurrentStep.Valid() {
		d.log.Warn("discarding unreadable onboarding draft", zap.Error(err))
		return d, nil
	}
	d.draft = stored
	return d, nil
}

// State returns a copy of the draft
func (d *Draft) State() model.OnboardingDraft {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneDraft(d.draft)
}

// Step returns the current step
func (d *Draft) Step() model.Step {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.draft.CurrentStep
}

// update applies fn to a copy, persists it, and only then adopts it
func (d *Draft) update(ctx context.Context, fn func(*model.OnboardingDraft)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := cloneDraft(d.draft)
	fn(&next)
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode onboarding draft: %w", err)
	}
	if err := d.kv.SetMany(ctx, map[string]string{draftKey: string(raw)}); err != nil {
		return fmt.Errorf("persist onboarding draft: %w", err)
	}
	d.draft = next
	return nil
}

// SetStep moves the draft to step
func (d *Draft) SetStep(ctx context.Context, step model.Step) error {
	if !step.Valid() {
		return model.Validationf("draft.set_step", "unknown step %q", step)
	}
	return d.update(ctx, func(od *model.OnboardingDraft) { od.CurrentStep = step })
}

// MergeUser shallow-merges partial into the accumulated profile
func (d *Draft) MergeUser(ctx context.Context, partial model.Profile) error {
	return d.update(ctx, func(od *model.OnboardingDraft) { od.PartialUser.Merge(partial) })
}

func (d *Draft) SetPhoneNumber(ctx context.Context, phone string) error {
	return d.update(ctx, func(od *model.OnboardingDraft) { od.PhoneNumber = phone })
}

// MergeLocation shallow-merges partial into the chosen location
func (d *Draft) MergeLocation(ctx context.Context, partial model.Location) error {
	return d.update(ctx, func(od *model.OnboardingDraft) { od.LocationData.Merge(partial) })
}

func (d *Draft) SetLoginMode(ctx context.Context, login bool) error {
	return d.update(ctx, func(od *model.OnboardingDraft) { od.IsLoginMode = login })
}

// Reset returns the draft to its initial value and removes it from storage.
// Only the draft key is touched.
func (d *Draft) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.kv.Delete(ctx, draftKey); err != nil {
		return fmt.Errorf("reset onboarding draft: %w", err)
	}
	d.draft = model.NewOnboardingDraft()
	return nil
}

func cloneDraft(od model.OnboardingDraft) model.OnboardingDraft {
	if od.PartialUser.Extra != nil {
		extra := make(map[string]string, len(od.PartialUser.Extra))
		for k, v := range od.PartialUser.Extra {
			extra[k] = v
		}
		od.PartialUser.Extra = extra
	}
	if od.LocationData.Latitude != nil {
		lat := *od.LocationData.Latitude
		od.LocationData.Latitude = &lat
	}
	if od.LocationData.Longitude != nil {
		lng := *od.LocationData.Longitude
		od.LocationData.Longitude = &lng
	}
	return od
}
