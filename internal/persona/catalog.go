package persona

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Version   int       `yaml:"version"`
	Scenarios []Context `yaml:"scenarios"`
}

// Catalog is an in-memory scenario table loaded once from YAML.
type Catalog struct {
	byID  map[string]Context
	order []string
}

// LoadCatalog reads a YAML catalog; an empty path loads the embedded default.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultCatalogYAML
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]Context, len(f.Scenarios))}
	var errs []error
	for i, s := range f.Scenarios {
		s.ScenarioID = strings.TrimSpace(s.ScenarioID)
		if err := validate(s); err != nil {
			errs = append(errs, fmt.Errorf("scenario %d (%q): %w", i, s.ScenarioID, err))
			continue
		}
		if _, dup := c.byID[s.ScenarioID]; dup {
			errs = append(errs, fmt.Errorf("scenario %d: duplicate id %q", i, s.ScenarioID))
			continue
		}
		c.byID[s.ScenarioID] = s
		c.order = append(c.order, s.ScenarioID)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(c.order) == 0 {
		return nil, errors.New("persona catalog has no scenarios")
	}
	return c, nil
}

func validate(s Context) error {
	switch {
	case s.ScenarioID == "":
		return errors.New("id is required")
	case strings.TrimSpace(s.PersonaID) == "":
		return errors.New("persona_id is required")
	case strings.TrimSpace(s.SystemPrompt) == "" && strings.TrimSpace(s.Role) == "":
		return errors.New("system_prompt or role is required")
	case s.MaxDuration < 0:
		return errors.New("max_duration must not be negative")
	case s.MaxTurnChars < 0:
		return errors.New("max_turn_chars must not be negative")
	}
	return nil
}

func (c *Catalog) Lookup(ctx context.Context, scenarioID string) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	s, ok := c.byID[strings.TrimSpace(scenarioID)]
	if !ok {
		return Context{}, fmt.Errorf("%w: %q", ErrUnknownScenario, scenarioID)
	}
	return s.Clone(), nil
}

// Default returns the first scenario in catalog order.
func (c *Catalog) Default() Context {
	return c.byID[c.order[0]].Clone()
}

// IDs lists scenario ids in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}
