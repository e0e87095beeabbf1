package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/feldgren/voxwire/internal/observe"
)

// DefaultVoice is used when neither an override nor a saved preference
// names a voice.
const DefaultVoice = "cedar"

// Settings are the per-session tuning knobs resolved at start: the system
// instructions and the synthesis voice.
type Settings struct {
	Instructions string
	Voice        string
}

// settingsCache fetches the user's saved prompt and voice from the broker
// once per epoch. Invalidate starts a new epoch, forcing the next resolve
// to re-fetch. Either fetch may fail independently; the affected field
// falls back to its default and never blocks a session start.
type settingsCache struct {
	broker   Requester
	metrics  *observe.Metrics
	defaults Settings

	mu     sync.Mutex
	loaded bool
	saved  Settings
}

func newSettingsCache(broker Requester, metrics *observe.Metrics) *settingsCache {
	return &settingsCache{broker: broker, metrics: metrics}
}

// Invalidate discards the cached settings so the next resolve re-fetches.
func (c *settingsCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.saved = Settings{}
	c.mu.Unlock()
}

// resolve returns the effective settings for a session start: explicit
// override first, then the saved preference, then the built-in default.
func (c *settingsCache) resolve(ctx context.Context, overrideInstructions, overrideVoice string) Settings {
	saved := c.load(ctx)

	eff := Settings{Instructions: overrideInstructions, Voice: overrideVoice}
	if eff.Instructions == "" {
		eff.Instructions = saved.Instructions
	}
	if eff.Instructions == "" {
		eff.Instructions = c.defaults.Instructions
	}
	if eff.Voice == "" {
		eff.Voice = saved.Voice
	}
	if eff.Voice == "" {
		eff.Voice = c.defaults.Voice
	}
	if eff.Voice == "" {
		eff.Voice = DefaultVoice
	}
	return eff
}

// load returns the saved settings, fetching both fields in parallel on the
// first call of an epoch.
func (c *settingsCache) load(ctx context.Context) Settings {
	c.mu.Lock()
	if c.loaded {
		saved := c.saved
		c.mu.Unlock()
		return saved
	}
	c.mu.Unlock()

	var saved Settings
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prompt, err := c.fetchField(gctx, "/system-prompt", "prompt")
		if err != nil {
			slog.Warn("session: system prompt fetch failed, using default", "err", err)
			c.metrics.RecordSettingsFetch(gctx, "system_prompt", "error")
			return nil
		}
		saved.Instructions = prompt
		c.metrics.RecordSettingsFetch(gctx, "system_prompt", "ok")
		return nil
	})
	g.Go(func() error {
		voice, err := c.fetchField(gctx, "/voice", "voice")
		if err != nil {
			slog.Warn("session: voice fetch failed, using default", "err", err)
			c.metrics.RecordSettingsFetch(gctx, "voice", "error")
			return nil
		}
		saved.Voice = voice
		c.metrics.RecordSettingsFetch(gctx, "voice", "ok")
		return nil
	})
	_ = g.Wait()

	c.mu.Lock()
	c.loaded = true
	c.saved = saved
	c.mu.Unlock()
	return saved
}

func (c *settingsCache) fetchField(ctx context.Context, endpoint, key string) (string, error) {
	resp, err := c.broker.Do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &statusError{endpoint: endpoint, status: resp.StatusCode}
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload[key], nil
}
