// Package seriesconfig holds the staged definition a managed series runs from.
// The definition is copied into the series directory when the series is
// created so the controlling process works from that copy, not the live config.
package seriesconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/dirdb"
)

// ErrUnknownSeries is returned when no series of that name is configured.
var ErrUnknownSeries = errors.New("unknown series")

// Stage is one step of the linear pipeline. Every test of a stage must be
// complete before the next stage starts.
type Stage struct {
	Name        string   `json:"name"`
	Tests       []string `json:"tests"`
	DependsPass bool     `json:"depends_pass,omitempty"`
}

// Definition is a self-contained staged series definition.
type Definition struct {
	Name         string                       `json:"name"`
	Stages       []Stage                      `json:"stages"`
	Simultaneous int                          `json:"simultaneous,omitempty"`
	Tests        map[string]config.TestConfig `json:"tests"`
	// Repeat is the number of passes over all stages. Zero means one pass
	// unless Forever is set.
	Repeat  int  `json:"repeat,omitempty"`
	Forever bool `json:"forever,omitempty"`
}

// FromConfig resolves the named series and every test it references.
func FromConfig(cfg *config.Config, name string) (*Definition, error) {
	sc, ok := cfg.Series[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSeries, name)
	}
	d := &Definition{Name: name, Simultaneous: sc.Simultaneous, Tests: map[string]config.TestConfig{}}
	d.Repeat, d.Forever = sc.Repetitions()
	for i, st := range sc.Stages {
		stName := st.Name
		if stName == "" {
			stName = fmt.Sprintf("stage%d", i+1)
		}
		d.Stages = append(d.Stages, Stage{
			Name:        stName,
			Tests:       append([]string(nil), st.Tests...),
			DependsPass: st.DependsPass,
		})
		for _, tn := range st.Tests {
			tc, err := cfg.Test(tn)
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", name, err)
			}
			d.Tests[tn] = tc
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate rejects empty stages and references to tests the definition lacks.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("series %s: no stages", d.Name)
	}
	if d.Simultaneous < 0 {
		return fmt.Errorf("series %s: simultaneous cannot be negative", d.Name)
	}
	if d.Repeat < 0 {
		return fmt.Errorf("series %s: repeat cannot be negative", d.Name)
	}
	for i, st := range d.Stages {
		if len(st.Tests) == 0 {
			return fmt.Errorf("series %s: stage %d (%s) has no tests", d.Name, i, st.Name)
		}
		for _, tn := range st.Tests {
			if _, ok := d.Tests[tn]; !ok {
				return fmt.Errorf("series %s: stage %s: %w %q", d.Name, st.Name, config.ErrUnknownTest, tn)
			}
		}
	}
	return nil
}

// TestCount returns the number of test runs one pass over the stages creates.
func (d *Definition) TestCount() int {
	n := 0
	for _, st := range d.Stages {
		n += len(st.Tests)
	}
	return n
}

// Passes returns how many times the stages run; 0 when they repeat until
// the series is canceled.
func (d *Definition) Passes() int {
	switch {
	case d.Forever:
		return 0
	case d.Repeat <= 0:
		return 1
	}
	return d.Repeat
}

// TotalRuns is the number of test runs the whole series creates, or 0 when
// it repeats forever.
func (d *Definition) TotalRuns() int {
	return d.TestCount() * d.Passes()
}

// Save writes the definition as JSON, replacing any previous file atomically.
func (d *Definition) Save(path string) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return dirdb.WriteFileAtomic(path, b, 0o640)
}

// Load reads a definition saved by Save and validates it.
func Load(path string) (*Definition, error) {
	// #nosec G304 -- path is inside a series directory
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Definition
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse series definition %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
