// Package translator turns a logical experiment request into a concrete
// tuple of (agent set, per-agent sequences, common slot allocation) and
// drives it through the scheduler.
package translator

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantnet-project/quantnet-controller/internal/logging"
	"github.com/quantnet-project/quantnet-controller/model"
)

// defFile is the on-disk shape of an experiment definition source.
type defFile struct {
	Experiments []model.ExperimentDef `yaml:"experiments"`
}

// Definitions is the loaded experiment catalogue: one built-in source plus
// user sources, where a same-name user definition overrides the built-in.
type Definitions struct {
	byName map[string]*model.ExperimentDef
}

// LoadDefinitions reads the built-in file first and the user files after,
// validating every definition against the slot budget. Overrides are
// logged as warnings.
func LoadDefinitions(ctx context.Context, builtin string, userFiles []string, slotSize time.Duration, maxSlots int, log logging.Logger) (*Definitions, error) {
	if log == nil {
		log = logging.Noop()
	}
	d := &Definitions{byName: make(map[string]*model.ExperimentDef)}

	load := func(path string, builtinSource bool) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("translator: reading definitions %s: %w", path, err)
		}
		var file defFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("translator: parsing definitions %s: %w", path, err)
		}
		for i := range file.Experiments {
			exp := file.Experiments[i]
			if err := exp.Validate(slotSize, maxSlots); err != nil {
				return fmt.Errorf("translator: %s: %w", path, err)
			}
			if _, exists := d.byName[exp.Name]; exists && !builtinSource {
				log.Warn(ctx, "experiment definition overridden",
					logging.String("experiment", exp.Name),
					logging.String("source", path))
			}
			d.byName[exp.Name] = &exp
		}
		return nil
	}

	if builtin != "" {
		if err := load(builtin, true); err != nil {
			return nil, err
		}
	}
	for _, path := range userFiles {
		if err := load(path, false); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Get resolves an experiment definition by name.
func (d *Definitions) Get(name string) (*model.ExperimentDef, bool) {
	exp, ok := d.byName[name]
	return exp, ok
}

// Names lists the loaded experiment names, unordered.
func (d *Definitions) Names() []string {
	out := make([]string, 0, len(d.byName))
	for name := range d.byName {
		out = append(out, name)
	}
	return out
}
