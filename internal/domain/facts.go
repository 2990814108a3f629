package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// FactKey names a (category, key) pair in the fact vocabulary.
type FactKey struct {
	Category FactCategory `json:"category"`
	Key      string       `json:"key"`
}

func (k FactKey) String() string { return string(k.Category) + "." + k.Key }

// Fact vocabulary shared by the conflict detectors and the validators.
var (
	KeyPropertyType       = FactKey{CategoryProperty, "property_type"}
	KeyEquipmentLocation  = FactKey{CategoryProperty, "equipment_location"}
	KeyBoilerType         = FactKey{CategoryExistingSystem, "boiler_type"}
	KeyBoilerOutputKW     = FactKey{CategoryExistingSystem, "boiler_output_kw"}
	KeyFlueType           = FactKey{CategoryExistingSystem, "flue_type"}
	KeySystemFilterFitted = FactKey{CategoryExistingSystem, "system_filter_fitted"}
	KeyMainFuseRating     = FactKey{CategoryElectrical, "main_fuse_rating"}
	KeyEarthingType       = FactKey{CategoryElectrical, "earthing_type"}
	KeyRCDPresent         = FactKey{CategoryElectrical, "rcd_present"}
	KeyEVChargerPresent   = FactKey{CategoryElectrical, "ev_charger_present"}
	KeyGasBonding         = FactKey{CategoryElectrical, "gas_bonding_present"}
	KeyWaterBonding       = FactKey{CategoryElectrical, "water_bonding_present"}
	KeyGasMeterLocation   = FactKey{CategoryGas, "gas_meter_location"}
	KeyGasMeterAccessible = FactKey{CategoryGas, "gas_meter_accessible"}
	KeySupplyPressureMbar = FactKey{CategoryGas, "supply_pressure_mbar"}
	KeyGasPipeSizeMM      = FactKey{CategoryGas, "gas_pipe_size_mm"}
	KeyGasPipeRunM        = FactKey{CategoryGas, "gas_pipe_run_m"}
	KeyVentilationCM2     = FactKey{CategoryGas, "ventilation_area_cm2"}
	KeyMainsPressureBar   = FactKey{CategoryWater, "mains_pressure_bar"}
	KeyRoomVolumeM3       = FactKey{CategoryMeasurements, "room_volume_m3"}
	KeyClearanceTopMM     = FactKey{CategoryMeasurements, "clearance_top_mm"}
	KeyClearanceSideMM    = FactKey{CategoryMeasurements, "clearance_side_mm"}
	KeyClearanceFrontMM   = FactKey{CategoryMeasurements, "clearance_front_mm"}
	KeyFlueLengthM        = FactKey{CategoryMeasurements, "flue_length_m"}
	KeyFlueTerminationMM  = FactKey{CategoryMeasurements, "flue_termination_clearance_mm"}
	KeyFlueBoundaryMM     = FactKey{CategoryMeasurements, "flue_boundary_distance_mm"}
	KeyHeatLossKW         = FactKey{CategoryMeasurements, "heat_loss_kw"}
	KeyMIDocumented       = FactKey{CategoryRegulatory, "mi_documented"}
	KeyMIMinClearanceTop  = FactKey{CategoryRegulatory, "mi_min_clearance_top_mm"}
	KeyMIMinClearanceSide = FactKey{CategoryRegulatory, "mi_min_clearance_side_mm"}
	KeyMIMinClearanceFrnt = FactKey{CategoryRegulatory, "mi_min_clearance_front_mm"}
	KeyMIMaxFlueLengthM   = FactKey{CategoryRegulatory, "mi_max_flue_length_m"}
	KeyMIMinTerminationMM = FactKey{CategoryRegulatory, "mi_min_flue_termination_mm"}
	KeyMIMinWaterPressure = FactKey{CategoryRegulatory, "mi_min_water_pressure_bar"}
	KeyMIFilterRequired   = FactKey{CategoryRegulatory, "mi_filter_required"}
)

// CriticalFactKeys must be present before a job can be specified.
var CriticalFactKeys = []FactKey{
	KeyPropertyType,
	KeyBoilerType,
	KeyMainFuseRating,
	KeyGasMeterLocation,
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Subject returns the fact's (category, key) pair.
func (f Fact) Subject() FactKey { return FactKey{Category: f.Category, Key: f.Key} }

// Is reports whether the fact is about k.
func (f Fact) Is(k FactKey) bool { return f.Category == k.Category && f.Key == k.Key }

// unitSuffixed matches a number followed by a unit as engineers type it: "60A", "20 mbar", "22mm".
var unitSuffixed = regexp.MustCompile(`^([-+]?(?:\d+\.?\d*|\.\d+))\s*[a-zA-Z°³²/%]+\.?$`)

// Number coerces the opaque value to a float64. Strings may carry a trailing unit.
func (f Fact) Number() (float64, bool) {
	switch v := f.Value.(type) {
	case nil, bool:
		return 0, false
	case string:
		s := strings.TrimSpace(v)
		if n, err := cast.ToFloat64E(s); err == nil {
			return n, true
		}
		m := unitSuffixed.FindStringSubmatch(s)
		if m == nil {
			return 0, false
		}
		n, err := strconv.ParseFloat(m[1], 64)
		return n, err == nil
	default:
		n, err := cast.ToFloat64E(v)
		return n, err == nil
	}
}

var (
	boolWords = map[string]bool{
		"yes": true, "y": true, "ok": true, "accessible": true, "available": true, "present": true, "fitted": true,
		"no": false, "n": false, "none": false, "absent": false, "inaccessible": false, "unavailable": false,
		"not accessible": false, "not available": false, "not present": false, "not fitted": false,
	}
	// Free-text notes that deny access anywhere in the sentence.
	negativePhrases = []string{"inaccessible", "not accessible", "no access", "unavailable", "not available"}
)

// Bool coerces yes/no style values, including accessibility notes such as "locked cupboard, no access".
func (f Fact) Bool() (bool, bool) {
	if f.Value == nil {
		return false, false
	}
	if s, ok := f.Value.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if b, ok := boolWords[s]; ok {
			return b, true
		}
		for _, p := range negativePhrases {
			if strings.Contains(s, p) {
				return false, true
			}
		}
	}
	b, err := cast.ToBoolE(f.Value)
	return b, err == nil
}

// Text renders the value for display and substring matching.
func (f Fact) Text() string {
	if f.Value == nil {
		return ""
	}
	s, err := cast.ToStringE(f.Value)
	if err != nil {
		return fmt.Sprint(f.Value)
	}
	return s
}

// SerializedValue is the canonical form used to group differing values.
func (f Fact) SerializedValue() string {
	b, err := json.Marshal(f.Value)
	if err != nil {
		return fmt.Sprintf("%v", f.Value)
	}
	return string(b)
}

// FactIndex groups facts by subject for lookups.
type FactIndex map[FactKey][]Fact

func IndexFacts(facts []Fact) FactIndex {
	idx := make(FactIndex, len(facts))
	for _, f := range facts {
		idx[f.Subject()] = append(idx[f.Subject()], f)
	}
	return idx
}

// Latest returns the most recently created fact for k.
func (idx FactIndex) Latest(k FactKey) (Fact, bool) {
	facts := idx[k]
	if len(facts) == 0 {
		return Fact{}, false
	}
	latest := facts[0]
	for _, f := range facts[1:] {
		if !f.CreatedAt.Before(latest.CreatedAt) {
			latest = f
		}
	}
	return latest, true
}

// Number returns the latest numeric value for k. The fact comes back even when its value
// does not parse, so callers can tell an unreadable entry from a missing one.
func (idx FactIndex) Number(k FactKey) (float64, Fact, bool) {
	f, ok := idx.Latest(k)
	if !ok {
		return 0, Fact{}, false
	}
	n, ok := f.Number()
	return n, f, ok
}

// Bool returns the latest boolean value for k, with the fact as Number does.
func (idx FactIndex) Bool(k FactKey) (bool, Fact, bool) {
	f, ok := idx.Latest(k)
	if !ok {
		return false, Fact{}, false
	}
	b, ok := f.Bool()
	return b, f, ok
}

// HasCategory reports whether any fact belongs to c.
func (idx FactIndex) HasCategory(c FactCategory) bool {
	for k, facts := range idx {
		if k.Category == c && len(facts) > 0 {
			return true
		}
	}
	return false
}
