package library

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ehr/cdshooks/internal/platform/cql"
)

// Prefetch is an ordered CDS Hooks prefetch template: key to FHIR query with
// {{context.*}} placeholders. The zero value is an empty template. Values
// are never modified in place; With and Merge return new templates.
type Prefetch struct {
	keys   []string
	values map[string]string
}

func NewPrefetch(pairs ...string) Prefetch {
	var p Prefetch
	for i := 0; i+1 < len(pairs); i += 2 {
		p = p.With(pairs[i], pairs[i+1])
	}
	return p
}

// With returns a copy of p with key set to query. An existing key keeps its
// position and takes the new query.
func (p Prefetch) With(key, query string) Prefetch {
	out := Prefetch{keys: append([]string(nil), p.keys...), values: make(map[string]string, len(p.values)+1)}
	for k, v := range p.values {
		out.values[k] = v
	}
	if _, ok := out.values[key]; !ok {
		out.keys = append(out.keys, key)
	}
	out.values[key] = query
	return out
}

// Merge returns p overlaid with other; other wins on shared keys.
func (p Prefetch) Merge(other Prefetch) Prefetch {
	out := p
	for _, k := range other.keys {
		out = out.With(k, other.values[k])
	}
	return out
}

func (p Prefetch) Keys() []string { return append([]string(nil), p.keys...) }

func (p Prefetch) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p Prefetch) Len() int { return len(p.keys) }

func (p Prefetch) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

func (p Prefetch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the key order of the document.
func (p *Prefetch) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Prefetch{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("prefetch must be an object")
	}
	out := Prefetch{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var query string
		if err := dec.Decode(&query); err != nil {
			return fmt.Errorf("prefetch %q: %w", key, err)
		}
		out = out.With(key, query)
	}
	*p = out
	return nil
}

// UnsupportedDataTypeError reports a Retrieve over a resource type that has
// no prefetch query.
type UnsupportedDataTypeError struct {
	DataType string
}

func (e *UnsupportedDataTypeError) Error() string {
	return fmt.Sprintf("A referenced CQL library contains an expression which references an unsupported dataType: %s.", e.DataType)
}

var retrieveDataType = regexp.MustCompile(`^(\{http://hl7.org/fhir\})?([A-Z][a-zA-Z]+)$`)

var (
	patientScoped = []string{
		"Account", "AllergyIntolerance", "Appointment", "AppointmentResponse", "AuditEvent",
		"Basic", "BodySite", "BodyStructure", "CarePlan", "CareTeam", "ChargeItem", "Claim",
		"ClinicalImpression", "Communication", "CommunicationRequest", "Composition", "Condition",
		"Consent", "Contract", "CoverageEligibilityRequest", "CoverageEligibilityResponse",
		"DetectedIssue", "Device", "DeviceRequest", "DeviceUseRequest", "DeviceUseStatement",
		"DiagnosticOrder", "DiagnosticReport", "DocumentManifest", "DocumentReference", "Encounter",
		"EnrollmentRequest", "EpisodeOfCare", "FamilyMemberHistory", "Flag", "Goal",
		"GuidanceResponse", "ImagingManifest", "ImagingObjectSelection", "ImagingStudy",
		"Immunization", "ImmunizationEvaluation", "ImmunizationRecommendation", "Invoice",
		"MeasureReport", "Media", "MedicationAdministration", "MedicationDispense", "MedicationOrder",
		"MedicationRequest", "MedicationStatement", "NutritionOrder", "Observation", "Order", "Person",
		"Procedure", "ProcedureRequest", "Provenance", "QuestionnaireResponse", "ReferralRequest",
		"RelatedPerson", "RequestGroup", "ResearchSubject", "RiskAssessment", "Sequence", "Specimen",
		"Substance", "SupplyRequest", "SupplyDelivery", "Task", "VisionPrescription",
	}
	referenceTypes = []string{
		"ActivityDefinition", "ChargeItemDefinition", "CodeSystem", "DeviceDefinition",
		"EffectEvidenceSynthesis", "EventDefinition", "Evidence", "EvidenceVariable",
		"HealthcareService", "InsurancePlan", "Location", "Library", "Medication",
		"MedicationKnowledge", "MedicinalProduct", "MedicinalProductAuthorization",
		"MedicinalProductContraindication", "MedicinalProductIndication",
		"MedicinalProductIngredient", "MedicinalProductInteraction", "MedicinalProductManufactured",
		"MedicinalProductPackaged", "MedicinalProductPharmaceutical",
		"MedicinalProductUndesirableEffect", "Measure", "MolecularSequence",
		"OrganizationAffiliation", "Organization", "PlanDefinition", "ResearchDefinition",
		"ResearchElementDefinition", "ResearchStudy", "RiskEvidenceSynthesis", "Questionnaire",
		"ServiceDefinition", "SpecimenDefinition", "SubstancePolymer", "SubstanceProtein",
		"SubstanceReferenceInformation", "SubstanceSpecification", "SubstanceSourceMaterial",
		"ValueSet",
	}
	prefetchQueries = buildQueryTable()
)

func buildQueryTable() map[string]string {
	t := map[string]string{
		"Patient":         "Patient/{{context.patientId}}",
		"AdverseEvent":    "AdverseEvent?subject={{context.patientId}}",
		"DeviceComponent": "DeviceComponent?source.patient={{context.patientId}}",
		"DeviceMetric":    "DeviceMetric?source.patient={{context.patientId}}",
		"OrderResponse":   "OrderResponse?request.patient={{context.patientId}}",
	}
	for _, rt := range patientScoped {
		t[rt] = rt + "?patient={{context.patientId}}"
	}
	for _, rt := range referenceTypes {
		t[rt] = rt
	}
	return t
}

// PrefetchQuery returns the canned query for a Retrieve data type such as
// "{http://hl7.org/fhir}Condition" and the key it is stored under.
func PrefetchQuery(dataType string) (key, query string, err error) {
	m := retrieveDataType.FindStringSubmatch(dataType)
	if m != nil {
		if q, ok := prefetchQueries[m[2]]; ok {
			return m[2], q, nil
		}
	}
	return "", "", &UnsupportedDataTypeError{DataType: dataType}
}

// ExtractPrefetch derives a prefetch template from every Retrieve reachable
// from lib's statements, following references into included libraries.
// Patient comes first, then the remaining keys in lexical order.
func ExtractPrefetch(lib *cql.Library) (Prefetch, error) {
	if lib == nil {
		return Prefetch{}, nil
	}
	w := &walker{visited: map[string]bool{}, found: map[string]string{}}
	for _, def := range statementDefs(lib) {
		if err := w.walk(lib, def["expression"], false); err != nil {
			return Prefetch{}, err
		}
	}
	keys := make([]string, 0, len(w.found))
	for k := range w.found {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "Patient" || keys[j] == "Patient" {
			return keys[i] == "Patient" && keys[j] != "Patient"
		}
		return keys[i] < keys[j]
	})
	var p Prefetch
	for _, k := range keys {
		p = p.With(k, w.found[k])
	}
	return p, nil
}

// ExtractPrefetchAll merges the templates derived from each library.
func ExtractPrefetchAll(libs []*cql.Library) (Prefetch, error) {
	var out Prefetch
	for _, lib := range libs {
		p, err := ExtractPrefetch(lib)
		if err != nil {
			return Prefetch{}, err
		}
		out = out.Merge(p)
	}
	return out, nil
}

// walker is local to one extraction. visited guards against recursive
// function definitions in included libraries.
type walker struct {
	visited map[string]bool
	found   map[string]string
}

// walk visits node in the scope of lib. included is true once the walk has
// followed a reference out of the library being analysed, so unqualified
// references must be resolved locally rather than left to the outer loop.
func (w *walker) walk(lib *cql.Library, node interface{}, included bool) error {
	switch n := node.(type) {
	case []interface{}:
		for _, item := range n {
			if err := w.walk(lib, item, included); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		switch n["type"] {
		case "Retrieve":
			dataType, _ := n["dataType"].(string)
			key, query, err := PrefetchQuery(dataType)
			if err != nil {
				return err
			}
			w.found[key] = query
			for k, v := range n {
				if k != "dataType" && k != "type" {
					if err := w.walk(lib, v, included); err != nil {
						return err
					}
				}
			}
		case "ExpressionRef", "FunctionRef":
			name, _ := n["name"].(string)
			alias, _ := n["libraryName"].(string)
			switch {
			case alias != "":
				if target, err := lib.Included(alias); err == nil {
					if err := w.follow(target, name); err != nil {
						return err
					}
				}
			case included:
				if err := w.follow(lib, name); err != nil {
					return err
				}
			}
			if n["type"] == "FunctionRef" {
				return w.walk(lib, n["operand"], included)
			}
		default:
			for _, v := range n {
				if err := w.walk(lib, v, included); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (w *walker) follow(lib *cql.Library, name string) error {
	key := lib.Name() + "|" + lib.Version() + "|" + name
	if w.visited[key] {
		return nil
	}
	w.visited[key] = true
	for _, def := range statementDefs(lib) {
		if def["name"] == name {
			if err := w.walk(lib, map[string]interface{}(def), true); err != nil {
				return err
			}
		}
	}
	return nil
}

func statementDefs(lib *cql.Library) []map[string]interface{} {
	root, _ := lib.Source["library"].(map[string]interface{})
	statements, _ := root["statements"].(map[string]interface{})
	defs, _ := statements["def"].([]interface{})
	out := make([]map[string]interface{}, 0, len(defs))
	for _, d := range defs {
		if m, ok := d.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// Substitute replaces {{context.key}} placeholders in query with values from
// the hook context. Placeholders without a value are left in place.
func Substitute(query string, context map[string]interface{}) string {
	for k, v := range context {
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case nil:
			continue
		default:
			b, err := json.Marshal(x)
			if err != nil {
				continue
			}
			s = string(b)
		}
		query = strings.ReplaceAll(query, "{{context."+k+"}}", s)
	}
	return query
}
