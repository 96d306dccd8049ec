// Package catalog exposes the static commercial reference data: plan tiers
// and add-on definitions. The catalog is the single authority on which ids
// exist; lookups against it are total within the closed id sets and fail with
// catalog_unknown_id otherwise. It is loaded once at process start and is
// read-only for the lifetime of the engine, so it is safe to share across
// concurrent requests.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"chatforge/internal/types"
)

// Catalog holds the immutable plan and add-on tables.
type Catalog struct {
	plans  map[types.Plan]types.PlanDefinition
	addons map[string]types.AddonDefinition
}

// planDefaults defines the hardcoded plan tiers.
//
//	| Plan       | Base Capacity | Monthly | Yearly  | Rank |
//	|------------|---------------|---------|---------|------|
//	| basic      | 1,000         | $29     | $290    | 1    |
//	| pro        | 3,000         | $79     | $790    | 2    |
//	| enterprise | 10,000        | $249    | $2,490  | 3    |
var planDefaults = []types.PlanDefinition{
	{
		ID:                types.PlanBasic,
		BaseCapacity:      1000,
		MonthlyPriceCents: 2900,
		YearlyPriceCents:  29000,
		Rank:              1,
	},
	{
		ID:                types.PlanPro,
		BaseCapacity:      3000,
		MonthlyPriceCents: 7900,
		YearlyPriceCents:  79000,
		Rank:              2,
	},
	{
		ID:                types.PlanEnterprise,
		BaseCapacity:      10000,
		MonthlyPriceCents: 24900,
		YearlyPriceCents:  249000,
		Rank:              3,
	},
}

// addonDefaults defines the hardcoded add-on table. Capacity add-ons carry no
// yearly price: they are always billed monthly regardless of the widget's
// billing period.
var addonDefaults = []types.AddonDefinition{
	{
		ID:                "capacity_1000",
		Capacity:          1000,
		MonthlyPriceCents: 1000,
		BillingCadence:    types.CadenceAlwaysMonthly,
	},
	{
		ID:                "capacity_5000",
		Capacity:          5000,
		MonthlyPriceCents: 4000,
		BillingCadence:    types.CadenceAlwaysMonthly,
	},
	{
		ID:                   "booking",
		MonthlyPriceCents:    1500,
		YearlyPriceCents:     15000,
		BillingCadence:       types.CadenceFollowsAccount,
		PlanGate:             types.PlanPro,
		IncludedInEnterprise: true,
	},
	{
		ID:                   "whitelabel",
		MonthlyPriceCents:    2000,
		YearlyPriceCents:     20000,
		BillingCadence:       types.CadenceFollowsAccount,
		PlanGate:             types.PlanPro,
		IncludedInEnterprise: true,
	},
	{
		ID:                   "priority_support",
		MonthlyPriceCents:    2500,
		YearlyPriceCents:     25000,
		BillingCadence:       types.CadenceFollowsAccount,
		IncludedInEnterprise: true,
	},
}

// New builds a Catalog from explicit definition tables, validating structural
// invariants. Definitions are copied so callers cannot mutate the catalog
// after construction.
func New(plans []types.PlanDefinition, addons []types.AddonDefinition) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("catalog: at least one plan is required")
	}

	planMap := make(map[types.Plan]types.PlanDefinition, len(plans))
	for _, p := range plans {
		if p.ID == types.PlanNone {
			return nil, fmt.Errorf("catalog: plan with empty id")
		}
		if _, dup := planMap[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan id %q", p.ID)
		}
		if p.BaseCapacity < 0 {
			return nil, fmt.Errorf("catalog: plan %q has negative base capacity", p.ID)
		}
		planMap[p.ID] = p
	}

	addonMap := make(map[string]types.AddonDefinition, len(addons))
	for _, a := range addons {
		if a.ID == "" {
			return nil, fmt.Errorf("catalog: add-on with empty id")
		}
		if _, dup := addonMap[a.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate add-on id %q", a.ID)
		}
		if a.Capacity < 0 {
			return nil, fmt.Errorf("catalog: add-on %q has negative capacity", a.ID)
		}
		// Capacity add-ons must be billed monthly.
		if a.Capacity > 0 && a.BillingCadence != types.CadenceAlwaysMonthly {
			return nil, fmt.Errorf("catalog: capacity add-on %q must use cadence %q", a.ID, types.CadenceAlwaysMonthly)
		}
		if a.PlanGate != types.PlanNone {
			if _, ok := planMap[a.PlanGate]; !ok {
				return nil, fmt.Errorf("catalog: add-on %q gates on unknown plan %q", a.ID, a.PlanGate)
			}
		}
		addonMap[a.ID] = a
	}

	return &Catalog{plans: planMap, addons: addonMap}, nil
}

// NewDefault returns the Catalog backed by the hardcoded plan and add-on
// tables. This is the standard production catalog; no database or external
// service is required.
func NewDefault() *Catalog {
	c, err := New(planDefaults, addonDefaults)
	if err != nil {
		// The defaults are compile-time constants; a failure here is a
		// programming error.
		panic(err)
	}
	return c
}

// catalogFile is the on-disk JSON shape for LoadFile.
type catalogFile struct {
	Plans  []types.PlanDefinition  `json:"plans"`
	Addons []types.AddonDefinition `json:"addons"`
}

// LoadFile reads plan and add-on tables from a JSON file. Reload requires a
// process restart; there is no file watching.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var f catalogFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	return New(f.Plans, f.Addons)
}

// Plan returns the definition for the given plan id.
func (c *Catalog) Plan(id types.Plan) (types.PlanDefinition, error) {
	p, ok := c.plans[id]
	if !ok {
		return types.PlanDefinition{}, types.NewUnknownCatalogIDError("plan", string(id))
	}
	return p, nil
}

// Addon returns the definition for the given add-on id.
func (c *Catalog) Addon(id string) (types.AddonDefinition, error) {
	a, ok := c.addons[id]
	if !ok {
		return types.AddonDefinition{}, types.NewUnknownCatalogIDError("addon", id)
	}
	return a, nil
}

// Plans returns all plan definitions ordered by rank.
func (c *Catalog) Plans() []types.PlanDefinition {
	out := make([]types.PlanDefinition, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Addons returns all add-on definitions ordered by id.
func (c *Catalog) Addons() []types.AddonDefinition {
	out := make([]types.AddonDefinition, 0, len(c.addons))
	for _, a := range c.addons {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
