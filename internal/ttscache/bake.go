package ttscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// manifestName is the manifest file within the baked-phrases directory.
const manifestName = "manifest.json"

// preWarmConcurrency bounds parallel synthesis requests during pre-warm.
const preWarmConcurrency = 5

// Manifest maps baked filenames to the phrase text they contain, bound to
// the TTS configuration hash the files were synthesised under.
type Manifest struct {
	ConfigHash string            `json:"configHash"`
	Entries    map[string]string `json:"entries"`
}

// Synthesiser produces an OGG Opus buffer for a phrase. Implemented by the
// gateway TTS client's baked variant.
type Synthesiser interface {
	SynthesiseBaked(ctx context.Context, text string) ([]byte, error)
}

// PreWarm loads or synthesises the given phrases under label, caching every
// buffer and registering it for [Cache.GetRandomPhrase].
//
// When the cache's stored config hash differs from cfg's, the cache is
// cleared first. Phrases already present in a matching on-disk manifest are
// loaded from disk; the rest are synthesised with a bounded worker pool and
// written to <dir>/<label>-<key>.ogg. Write failures keep the in-memory
// entry; a failed manifest write is a warning only.
func (c *Cache) PreWarm(ctx context.Context, dir string, phrases []string, label string, synth Synthesiser, cfg TTSConfig, maxSizeMb int) error {
	newHash := ConfigHash(cfg)

	c.mu.Lock()
	oldHash := c.configHash
	c.mu.Unlock()
	if oldHash != "" && oldHash != newHash {
		slog.Info("tts config changed, clearing cache", "old_hash", oldHash, "new_hash", newHash)
		c.Clear()
	}
	c.mu.Lock()
	c.configHash = newHash
	c.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ttscache: create baked dir %q: %w", dir, err)
	}

	manifest := loadManifest(dir)
	if manifest.ConfigHash != newHash {
		if manifest.ConfigHash != "" {
			slog.Info("baked store config hash mismatch, discarding baked files",
				"stored", manifest.ConfigHash, "current", newHash)
		}
		purgeBakedFiles(dir)
		manifest = &Manifest{ConfigHash: newHash, Entries: map[string]string{}}
	}

	byFile := make(map[string]string, len(manifest.Entries))
	for filename, text := range manifest.Entries {
		byFile[text] = filename
	}

	var pending []string
	for _, phrase := range phrases {
		key := Key(cfg, phrase)
		filename, ok := byFile[phrase]
		if !ok {
			pending = append(pending, phrase)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, filename))
		if err != nil {
			slog.Warn("baked phrase unreadable, re-synthesising",
				"file", filename, "err", err)
			delete(manifest.Entries, filename)
			pending = append(pending, phrase)
			continue
		}
		c.setBaked(key, data, maxSizeMb)
		c.RegisterPhraseKey(key, label)
	}

	if len(pending) > 0 {
		c.synthesisePending(ctx, dir, pending, label, synth, cfg, maxSizeMb, manifest)
	}

	if err := writeManifest(dir, manifest); err != nil {
		slog.Warn("baked manifest write failed", "err", err)
	}
	return nil
}

// synthesisePending runs the bounded worker pool over the pending phrases,
// workers drawing from a shared index.
func (c *Cache) synthesisePending(ctx context.Context, dir string, pending []string, label string, synth Synthesiser, cfg TTSConfig, maxSizeMb int, manifest *Manifest) {
	var next atomic.Int64
	var manifestMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(preWarmConcurrency)

	for w := 0; w < preWarmConcurrency; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(pending) {
					return nil
				}
				phrase := pending[i]
				data, err := synth.SynthesiseBaked(ctx, phrase)
				if err != nil {
					slog.Warn("baked phrase synthesis failed",
						"label", label, "phrase", phrase, "err", err)
					continue
				}
				key := Key(cfg, phrase)
				c.setBaked(key, data, maxSizeMb)
				c.RegisterPhraseKey(key, label)

				filename := fmt.Sprintf("%s-%s.ogg", label, key)
				if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
					slog.Warn("baked phrase write failed, keeping in-memory entry",
						"file", filename, "err", err)
					continue
				}
				manifestMu.Lock()
				manifest.Entries[filename] = phrase
				manifestMu.Unlock()
			}
		})
	}
	_ = g.Wait()
}

// loadManifest reads the manifest from dir. A missing or corrupt manifest
// yields an empty one; corruption is logged and recovered by re-synthesis.
func loadManifest(dir string) *Manifest {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("baked manifest unreadable", "err", fmt.Errorf("%w: %w", ErrManifestCorrupt, err))
		}
		return &Manifest{Entries: map[string]string{}}
	}
	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		slog.Warn("baked manifest unparseable", "err", fmt.Errorf("%w: %w", ErrManifestCorrupt, err))
		return &Manifest{Entries: map[string]string{}}
	}
	if m.Entries == nil {
		m.Entries = map[string]string{}
	}
	return m
}

// writeManifest writes the manifest atomically via a temp file and rename.
func writeManifest(dir string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, manifestName+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestName))
}

// purgeBakedFiles deletes every regular file in dir, including a stale
// manifest.
func purgeBakedFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("failed to remove stale baked file", "file", e.Name(), "err", err)
		}
	}
}
