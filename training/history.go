package training

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Log keys. Per-output keys are "<output>_loss" and "<output>_accuracy";
// validation keys carry the ValidationPrefix.
const (
	LossKey          = "loss"
	AccuracyKey      = "accuracy"
	LearningRateKey  = "lr"
	ValidationPrefix = "val_"
)

// LossKeyFor returns the loss log key of one output.
func LossKeyFor(output string) string { return output + "_" + LossKey }

// AccuracyKeyFor returns the accuracy log key of one output.
func AccuracyKeyFor(output string) string { return output + "_" + AccuracyKey }

// ValidationKey prefixes a training log key for its validation twin.
func ValidationKey(key string) string { return ValidationPrefix + key }

// IsValidationKey reports whether key was produced by validation.
func IsValidationKey(key string) bool { return strings.HasPrefix(key, ValidationPrefix) }

// History records one value per epoch for every logged metric.
type History struct {
	Epochs []int                `json:"epochs"`
	Values map[string][]float64 `json:"values"`
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{Values: make(map[string][]float64)}
}

// Record appends the epoch logs. A key missing from an earlier epoch is
// back-filled with NaN-free zeros so every series stays aligned with Epochs.
func (h *History) Record(epoch int, logs map[string]float64) {
	n := len(h.Epochs)
	h.Epochs = append(h.Epochs, epoch)
	for k, v := range logs {
		series := h.Values[k]
		for len(series) < n {
			series = append(series, 0)
		}
		h.Values[k] = append(series, v)
	}
	for k, series := range h.Values {
		if len(series) < n+1 {
			h.Values[k] = append(series, 0)
		}
	}
}

// Get returns the series for key, or nil.
func (h *History) Get(key string) []float64 {
	return h.Values[key]
}

// Last returns the most recent value for key.
func (h *History) Last(key string) (float64, bool) {
	s := h.Values[key]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// Len returns the number of recorded epochs.
func (h *History) Len() int {
	return len(h.Epochs)
}

// Keys returns the recorded metric names in sorted order.
func (h *History) Keys() []string {
	keys := make([]string, 0, len(h.Values))
	for k := range h.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save writes the history as JSON.
func (h *History) Save(path string) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode history")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write history")
}

// LoadHistory reads a file written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}
	h := NewHistory()
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrap(err, "failed to decode history")
	}
	for k, s := range h.Values {
		if len(s) != len(h.Epochs) {
			return nil, errors.Errorf("history series %q has %d values for %d epochs", k, len(s), len(h.Epochs))
		}
	}
	return h, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
