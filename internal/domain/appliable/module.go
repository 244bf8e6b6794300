package appliable

import (
	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// Behavior turns the actions of an applied RequestGroup into CDS Hooks
// cards. Implementations must not modify their inputs.
type Behavior interface {
	FormatCards(actions []interface{}, resources []map[string]interface{}) []fhir.CDSCard
	CollapseIntoOne(cards []fhir.CDSCard) []fhir.CDSCard
}

// Translator is implemented by behaviors that map responses from alternate,
// non-FHIR queries into patient resources. The returned list replaces the
// patient data.
type Translator interface {
	TranslateResponse(raw interface{}, patientData []map[string]interface{}) ([]map[string]interface{}, error)
}

// Factory builds the behavior for a loaded module, so behaviors can index
// the module's resources once at startup.
type Factory func(m *Module) (Behavior, error)

// Module is one PlanDefinition bundle loaded from a subdirectory of the
// apply directory.
type Module struct {
	Key string
	// ELM holds the compiled libraries the PlanDefinition logic needs.
	ELM []*cql.Library
	// Resources are the knowledge artifacts: PlanDefinitions,
	// ActivityDefinitions, Libraries, Questionnaires and ValueSets.
	Resources []map[string]interface{}
	ValueSets terminology.ValueSetDB
	Prefetch  library.Prefetch

	behavior Behavior
}

func (m *Module) FormatCards(actions []interface{}, resources []map[string]interface{}) []fhir.CDSCard {
	return m.behavior.FormatCards(actions, resources)
}

func (m *Module) CollapseIntoOne(cards []fhir.CDSCard) []fhir.CDSCard {
	return m.behavior.CollapseIntoOne(cards)
}

// TranslateResponse delegates to the behavior when it is a Translator and
// otherwise returns patientData unchanged.
func (m *Module) TranslateResponse(raw interface{}, patientData []map[string]interface{}) ([]map[string]interface{}, error) {
	if t, ok := m.behavior.(Translator); ok {
		return t.TranslateResponse(raw, patientData)
	}
	return patientData, nil
}

// ValueSetResource returns the module's ValueSet resource with the given id
// or name.
func (m *Module) ValueSetResource(idOrName string) (map[string]interface{}, bool) {
	for _, res := range m.Resources {
		if rt, _ := res["resourceType"].(string); rt != "ValueSet" {
			continue
		}
		if res["id"] == idOrName || res["name"] == idOrName {
			return res, true
		}
	}
	return nil, false
}
