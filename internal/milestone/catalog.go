package milestone

import (
	"errors"
	"fmt"
	"sort"

	"heatspec/internal/domain"
)

// ErrUnknownMilestone signals a key that is not in the catalog.
var ErrUnknownMilestone = errors.New("unknown milestone")

// Milestone keys.
const (
	PropertySurveyed             = "property_surveyed"
	ExistingSystemAssessed       = "existing_system_assessed"
	HeatingSpecified             = "heating_specified"
	ElectricalCapacityConfirmed  = "electrical_capacity_confirmed"
	GasSupplyConfirmed           = "gas_supply_confirmed"
	WaterSupplyConfirmed         = "water_supply_confirmed"
	AccessConfirmed              = "access_confirmed"
	FlueValidated                = "flue_validated"
	CustomerRequirementsCaptured = "customer_requirements_captured"
	BuildingRegsCompliant        = "building_regs_compliant"
	MICompliant                  = "mi_compliant"
	HazardsIdentified            = "hazards_identified"
	QuoteOptionsGenerated        = "quote_options_generated"
	PDFGenerated                 = "pdf_generated"
	PortalPublished              = "portal_published"
)

// Definition is a catalog entry.
type Definition struct {
	Key           string                `json:"key"`
	Label         string                `json:"label"`
	Description   string                `json:"description"`
	RequiredFacts []domain.FactCategory `json:"required_facts"`
	Criticality   domain.Criticality    `json:"criticality"`
	DependsOn     []string              `json:"depends_on"`
}

// Catalog is a read-only table of milestone definitions.
type Catalog struct {
	defs  map[string]Definition
	order []string
}

// NewCatalog builds a catalog. Definitions keep their given order.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Key == "" {
			return nil, errors.New("milestone definition has empty key")
		}
		if _, dup := c.defs[d.Key]; dup {
			return nil, fmt.Errorf("duplicate milestone definition %s", d.Key)
		}
		c.defs[d.Key] = d
		c.order = append(c.order, d.Key)
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := c.defs[dep]; !ok {
				return nil, fmt.Errorf("milestone %s depends on %w %s", d.Key, ErrUnknownMilestone, dep)
			}
		}
	}
	return c, nil
}

// Standard returns the built-in heating survey catalog.
func Standard() *Catalog {
	c, err := NewCatalog(standardDefinitions)
	if err != nil {
		panic(err)
	}
	return c
}

// DefinitionOf returns the definition for key.
func (c *Catalog) DefinitionOf(key string) (Definition, error) {
	d, ok := c.defs[key]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q", ErrUnknownMilestone, key)
	}
	return d, nil
}

// Definitions returns all entries in catalog order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.defs[k])
	}
	return out
}

// Keys returns the catalog keys in catalog order.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) CriticalDefinitions() []Definition {
	var out []Definition
	for _, k := range c.order {
		if d := c.defs[k]; d.Criticality == domain.Critical {
			out = append(out, d)
		}
	}
	return out
}

// TransitiveDependencies walks prerequisite edges breadth-first.
// The result is sorted and never contains key itself.
func (c *Catalog) TransitiveDependencies(key string) ([]string, error) {
	root, err := c.DefinitionOf(key)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{key: true}
	queue := append([]string(nil), root.DependsOn...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		if d, ok := c.defs[cur]; ok {
			queue = append(queue, d.DependsOn...)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CanStart reports whether every direct prerequisite of key is completed.
func (c *Catalog) CanStart(key string, completed map[string]bool) (bool, error) {
	d, err := c.DefinitionOf(key)
	if err != nil {
		return false, err
	}
	for _, dep := range d.DependsOn {
		if !completed[dep] {
			return false, nil
		}
	}
	return true, nil
}

var standardDefinitions = []Definition{
	{
		Key:           PropertySurveyed,
		Label:         "Property Surveyed",
		Description:   "Property type, age, construction and room dimensions recorded",
		RequiredFacts: []domain.FactCategory{domain.CategoryProperty},
		Criticality:   domain.Critical,
	},
	{
		Key:           ExistingSystemAssessed,
		Label:         "Existing System Assessed",
		Description:   "Current boiler, emitters, controls and flue documented",
		RequiredFacts: []domain.FactCategory{domain.CategoryExistingSystem},
		Criticality:   domain.Critical,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:           HeatingSpecified,
		Label:         "Heating Specification Defined",
		Description:   "Heat loss known and replacement system sized",
		RequiredFacts: []domain.FactCategory{domain.CategoryMeasurements},
		Criticality:   domain.Critical,
		DependsOn:     []string{PropertySurveyed, ExistingSystemAssessed},
	},
	{
		Key:           ElectricalCapacityConfirmed,
		Label:         "Electrical Capacity Confirmed",
		Description:   "Main fuse, earthing and consumer unit adequate for the proposed system",
		RequiredFacts: []domain.FactCategory{domain.CategoryElectrical},
		Criticality:   domain.Critical,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:           GasSupplyConfirmed,
		Label:         "Gas Supply Confirmed",
		Description:   "Meter location, pipe sizing and working pressure checked",
		RequiredFacts: []domain.FactCategory{domain.CategoryGas},
		Criticality:   domain.Important,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:           WaterSupplyConfirmed,
		Label:         "Water Supply Confirmed",
		Description:   "Mains pressure and flow rate measured",
		RequiredFacts: []domain.FactCategory{domain.CategoryWater},
		Criticality:   domain.Important,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:           AccessConfirmed,
		Label:         "Access Confirmed",
		Description:   "Working access, parking and loft/cupboard access recorded",
		RequiredFacts: []domain.FactCategory{domain.CategoryAccess},
		Criticality:   domain.Important,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:           FlueValidated,
		Label:         "Flue Route Validated",
		Description:   "Flue route, length and terminal clearances checked",
		RequiredFacts: []domain.FactCategory{domain.CategoryStructure, domain.CategoryMeasurements},
		Criticality:   domain.Important,
		DependsOn:     []string{ExistingSystemAssessed},
	},
	{
		Key:           CustomerRequirementsCaptured,
		Label:         "Customer Requirements Captured",
		Description:   "Budget, preferences and constraints agreed with the customer",
		RequiredFacts: []domain.FactCategory{domain.CategoryCustomer},
		Criticality:   domain.Important,
	},
	{
		Key:           BuildingRegsCompliant,
		Label:         "Building Regulations Compliance",
		Description:   "Proposed installation checked against Building Regulations",
		RequiredFacts: []domain.FactCategory{domain.CategoryRegulatory},
		Criticality:   domain.Critical,
		DependsOn:     []string{HeatingSpecified},
	},
	{
		Key:           MICompliant,
		Label:         "Manufacturer Instructions Compliance",
		Description:   "Proposed installation checked against the manufacturer's installation manual",
		RequiredFacts: []domain.FactCategory{domain.CategoryRegulatory},
		Criticality:   domain.Critical,
		DependsOn:     []string{HeatingSpecified},
	},
	{
		Key:           HazardsIdentified,
		Label:         "Hazards Identified",
		Description:   "Asbestos, working at height and other site hazards recorded",
		RequiredFacts: []domain.FactCategory{domain.CategoryHazards},
		Criticality:   domain.Critical,
		DependsOn:     []string{PropertySurveyed},
	},
	{
		Key:         QuoteOptionsGenerated,
		Label:       "Quote Options Generated",
		Description: "Priced options prepared from the agreed specification",
		Criticality: domain.Optional,
		DependsOn:   []string{HeatingSpecified, BuildingRegsCompliant, MICompliant, CustomerRequirementsCaptured},
	},
	{
		Key:         PDFGenerated,
		Label:       "PDF Generated",
		Description: "Customer-facing quote document rendered",
		Criticality: domain.Optional,
		DependsOn:   []string{QuoteOptionsGenerated},
	},
	{
		Key:         PortalPublished,
		Label:       "Portal Published",
		Description: "Quote published to the customer portal",
		Criticality: domain.Optional,
		DependsOn:   []string{QuoteOptionsGenerated},
	},
}
