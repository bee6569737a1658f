package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ParameterStore holds operator-tunable numeric parameters backed by a YAML
// file. Only keys seeded at construction can be set.
type ParameterStore struct {
	path string

	mu     sync.RWMutex
	values map[string]float64
	subs   []func(key string, value float64)
}

// NewParameterStore seeds the store with defaults, then overlays the file if
// it exists.
func NewParameterStore(path string, seed map[string]float64) (*ParameterStore, error) {
	s := &ParameterStore{path: path, values: make(map[string]float64, len(seed))}
	for k, v := range seed {
		s.values[k] = v
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultParameters derives the tunable set from the loaded configuration.
func DefaultParameters(c *Config) map[string]float64 {
	return map[string]float64{
		"quality.outlier_sigma":        c.Quality.OutlierSigma,
		"quality.threshold":            c.Quality.Threshold,
		"correlation.trs_target":       c.Correlation.TRSTarget,
		"correlation.warning":          c.Correlation.WarningThreshold,
		"correlation.critical":         c.Correlation.CriticalThreshold,
		"var.confidence":               c.VaR.Confidence,
		"var.paths":                    float64(c.VaR.Paths),
		"prediction.lambda":            c.Prediction.Lambda,
		"prediction.mu":                c.Prediction.Mu,
		"prediction.threshold":         c.Prediction.Threshold,
		"prediction.weight.momentum":   0.4,
		"prediction.weight.sma_ratio":  0.3,
		"prediction.weight.rsi":        -0.2,
		"prediction.weight.sentiment":  0.2,
		"prediction.weight.corr_proxy": 0.1,
		"risk.max_position_pct":        c.Risk.MaxPositionPct,
		"risk.max_exposure_pct":        c.Risk.MaxExposurePct,
		"risk.max_var_pct":             c.Risk.MaxVaRPct,
		"risk.max_concentration":       c.Risk.MaxConcentration,
		"risk.correlation_limit":       c.Risk.CorrelationLimit,
		"risk.max_open_positions":      float64(c.Risk.MaxOpenPositions),
	}
}

func (s *ParameterStore) Get(key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetDefault returns the parameter or def when the key is unknown.
func (s *ParameterStore) GetDefault(key string, def float64) float64 {
	if s == nil {
		return def
	}
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// List returns a copy of all parameters.
func (s *ParameterStore) List() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (s *ParameterStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set updates a known key, persists the file and notifies subscribers.
func (s *ParameterStore) Set(key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("parameter %s: %q is not a finite number", key, raw)
	}
	s.mu.Lock()
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown parameter %q", key)
	}
	s.values[key] = v
	snapshot := make(map[string]float64, len(s.values))
	for k, val := range s.values {
		snapshot[k] = val
	}
	subs := append([]func(string, float64){}, s.subs...)
	s.mu.Unlock()

	if err := s.save(snapshot); err != nil {
		return v, err
	}
	for _, fn := range subs {
		fn(key, v)
	}
	return v, nil
}

// Subscribe registers fn for every changed key.
func (s *ParameterStore) Subscribe(fn func(key string, value float64)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *ParameterStore) save(values map[string]float64) error {
	if s.path == "" {
		return nil
	}
	b, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("parameters dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write parameters: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace parameters: %w", err)
	}
	return nil
}

func (s *ParameterStore) reload() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read parameters: %w", err)
	}
	var file map[string]float64
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("parse parameters: %w", err)
	}

	s.mu.Lock()
	var changed []string
	for k, v := range file {
		if old, ok := s.values[k]; ok && old != v {
			s.values[k] = v
			changed = append(changed, k)
		}
	}
	subs := append([]func(string, float64){}, s.subs...)
	values := make(map[string]float64, len(changed))
	for _, k := range changed {
		values[k] = s.values[k]
	}
	s.mu.Unlock()

	sort.Strings(changed)
	for _, k := range changed {
		for _, fn := range subs {
			fn(k, values[k])
		}
	}
	return nil
}

// Watch reloads the file whenever it changes on disk until ctx is done.
// The directory is watched so editors that replace the file are handled.
func (s *ParameterStore) Watch(ctx context.Context, onError func(error)) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("parameter watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("parameters dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if err := s.reload(); err != nil && onError != nil {
				onError(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
