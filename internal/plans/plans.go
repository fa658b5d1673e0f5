// Package plans holds the subscription plan catalog: how many days each plan
// grants and what it costs.
package plans

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPlan is returned by Lookup for ids missing from the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is one purchasable entitlement.
type Plan struct {
	ID    string          `yaml:"id" json:"id"`
	Name  string          `yaml:"name" json:"name"`
	Days  int             `yaml:"days" json:"days"`
	Price decimal.Decimal `yaml:"price" json:"price"`
}

// MinorUnits converts a major-unit amount (yuan) to integer minor units
// (fen), rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Catalog is safe for concurrent reads once built.
type Catalog struct {
	plans map[string]Plan
}

// Default is the built-in catalog.
func Default() *Catalog {
	return New([]Plan{
		{ID: "monthly", Name: "Monthly", Days: 30, Price: decimal.RequireFromString("29.9")},
		{ID: "quarterly", Name: "Quarterly", Days: 90, Price: decimal.RequireFromString("79.9")},
		{ID: "semiAnnually", Name: "Semi-annual", Days: 180, Price: decimal.RequireFromString("149.9")},
		{ID: "annually", Name: "Annual", Days: 365, Price: decimal.RequireFromString("269.9")},
	})
}

// New builds a catalog from plans; later entries win on duplicate ids.
func New(plans []Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// Lookup returns the plan for id or ErrUnknownPlan.
func (c *Catalog) Lookup(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// All returns the plans ordered by duration.
func (c *Catalog) All() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Days != out[j].Days {
			return out[i].Days < out[j].Days
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type fileFormat struct {
	Plans []Plan `yaml:"plans"`
}

// Parse reads a YAML document of the form
//
//	plans:
//	  - id: monthly
//	    name: Monthly
//	    days: 30
//	    price: "29.9"
//
// Entries override the defaults by id; other default plans are kept.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	merged := Default().All()
	for _, p := range f.Plans {
		if err := validate(p); err != nil {
			return nil, err
		}
		merged = append(merged, p)
	}
	return New(merged), nil
}

// Load is Parse over a file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return Parse(data)
}

func validate(p Plan) error {
	switch {
	case p.ID == "" || strings.Contains(p.ID, "_"):
		return fmt.Errorf("plan id %q must be non-empty and contain no underscore", p.ID)
	case p.Days <= 0:
		return fmt.Errorf("plan %s: days must be positive", p.ID)
	case !p.Price.IsPositive():
		return fmt.Errorf("plan %s: price must be positive", p.ID)
	}
	return nil
}
