package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
)

// ============================================================================
// $apply Operation Types
// ============================================================================

// ApplyOptions carries the logic needed to evaluate a PlanDefinition.
type ApplyOptions struct {
	// ELM holds every compiled library the plan and its activities refer to.
	// Libraries with includes must already be bound to a resolver.
	ELM []*cql.Library
	// ValueSets resolves value sets referenced by the ELM.
	ValueSets cql.CodeService
	Logger    zerolog.Logger
	// Now overrides the evaluation clock.
	Now func() time.Time
}

// knowledgeTypes are resource types that never count as patient data.
var knowledgeTypes = map[string]bool{
	"PlanDefinition":     true,
	"ActivityDefinition": true,
	"Library":            true,
	"ValueSet":           true,
	"CodeSystem":         true,
	"ConceptMap":         true,
	"Questionnaire":      true,
}

type applier struct {
	ctx        context.Context
	exec       *cql.Executor
	libs       cql.MapResolver
	elm        []*cql.Library
	resolver   *Resolver
	rec        *cql.PatientRecord
	patientRef string
	created    []map[string]interface{}
	log        zerolog.Logger
	now        string
}

// ============================================================================
// Apply Functions
// ============================================================================

// ApplyAndMerge applies planDefinition to the patient named by patientRef
// and merges nested PlanDefinitions into a single RequestGroup. The result
// holds the RequestGroup first, followed by every resource created from an
// ActivityDefinition.
func ApplyAndMerge(ctx context.Context, planDefinition map[string]interface{}, patientRef string, resolver *Resolver, opts ApplyOptions) ([]map[string]interface{}, error) {
	if planDefinition == nil {
		return nil, fmt.Errorf("PlanDefinition is nil")
	}
	if rt, _ := planDefinition["resourceType"].(string); rt != "PlanDefinition" {
		return nil, fmt.Errorf("expected resourceType PlanDefinition, got %s", rt)
	}
	if status, _ := planDefinition["status"].(string); status == "retired" {
		return nil, fmt.Errorf("cannot apply retired PlanDefinition %v", planDefinition["id"])
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	a := &applier{
		ctx:        ctx,
		exec:       &cql.Executor{Codes: opts.ValueSets, Now: opts.Now},
		libs:       cql.IndexLibraries(opts.ELM...),
		elm:        opts.ELM,
		resolver:   resolver,
		patientRef: patientRef,
		log:        opts.Logger,
		now:        now.UTC().Format(time.RFC3339),
	}

	primary, err := a.library(planDefinition)
	if err != nil {
		return nil, err
	}
	if a.rec, err = patientRecord(resolver, patientRef, dataModelVersion(primary)); err != nil {
		return nil, err
	}

	actions, err := a.planActions(planDefinition, map[string]bool{})
	if err != nil {
		return nil, err
	}

	requestGroup := map[string]interface{}{
		"resourceType":          "RequestGroup",
		"id":                    uuid.New().String(),
		"status":                "draft",
		"intent":                "proposal",
		"subject":               map[string]interface{}{"reference": patientRef},
		"authoredOn":            a.now,
		"instantiatesCanonical": []interface{}{canonicalOf(planDefinition)},
	}
	if len(actions) > 0 {
		requestGroup["action"] = actions
	}
	return append([]map[string]interface{}{requestGroup}, a.created...), nil
}

// defaultFHIRVersion is used when a plan names no library or its library
// declares no FHIR data model.
const defaultFHIRVersion = "4.0.1"

// dataModelVersion returns the FHIR version declared by lib.
func dataModelVersion(lib *cql.Library) string {
	if lib == nil {
		return defaultFHIRVersion
	}
	if using, ok := lib.FHIRUsing(); ok && using.Version != "" {
		return using.Version
	}
	return defaultFHIRVersion
}

// patientRecord builds the CQL record for patientRef from the resolver's
// non-knowledge resources, read as FHIR fhirVersion.
func patientRecord(resolver *Resolver, patientRef, fhirVersion string) (*cql.PatientRecord, error) {
	bundle := NewCollectionBundle()
	for _, res := range resolver.All() {
		if rt, _ := res["resourceType"].(string); !knowledgeTypes[rt] {
			bundle.Add(res)
		}
	}
	id := strings.TrimPrefix(patientRef, "Patient/")
	for _, rec := range cql.NewPatientSource(fhirVersion, bundle.Map()).Patients() {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("patient %s not found in data", patientRef)
}

func canonicalOf(res map[string]interface{}) string {
	if u, _ := res["url"].(string); u != "" {
		if v, _ := res["version"].(string); v != "" {
			return u + "|" + v
		}
		return u
	}
	rt, _ := res["resourceType"].(string)
	id, _ := res["id"].(string)
	return FormatReference(rt, id)
}

// library returns the compiled library named by the first library canonical
// of a knowledge artifact, or nil when it declares none.
func (a *applier) library(artifact map[string]interface{}) (*cql.Library, error) {
	refs, _ := artifact["library"].([]interface{})
	if len(refs) == 0 {
		return nil, nil
	}
	canonical, _ := refs[0].(string)
	url, version, _ := strings.Cut(canonical, "|")
	name := url[strings.LastIndex(url, "/")+1:]

	if lib, ok := a.libs.Resolve(name, version); ok {
		return lib, nil
	}
	// The Library resource may carry a name that differs from its url tail.
	for _, res := range a.resolver.Resolve(canonical) {
		if n, _ := res["name"].(string); n != "" {
			if lib, ok := a.libs.Resolve(n, version); ok {
				return lib, nil
			}
		}
	}
	return nil, fmt.Errorf("library %s referenced by %s was not found in the ELM dependencies", canonical, canonicalOf(artifact))
}

// planActions applies the top-level actions of plan. seen guards against
// PlanDefinitions that include themselves.
func (a *applier) planActions(plan map[string]interface{}, seen map[string]bool) ([]interface{}, error) {
	key := canonicalOf(plan)
	if seen[key] {
		return nil, fmt.Errorf("PlanDefinition %s includes itself", key)
	}
	seen[key] = true
	defer delete(seen, key)

	lib, err := a.library(plan)
	if err != nil {
		return nil, err
	}
	raw, _ := plan["action"].([]interface{})
	return a.actions(raw, lib, seen)
}

// actions recursively processes actions and builds request group actions.
func (a *applier) actions(raw []interface{}, lib *cql.Library, seen map[string]bool) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		action, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		applies, err := a.applicable(action, lib)
		if err != nil {
			return nil, err
		}
		if !applies {
			a.log.Debug().Interface("action", action["id"]).Str("title", stringField(action, "title")).Msg("action condition not met")
			continue
		}

		rgAction := map[string]interface{}{}
		for _, field := range []string{"id", "prefix", "title", "description", "textEquivalent", "priority",
			"code", "documentation", "type", "groupingBehavior", "selectionBehavior", "requiredBehavior",
			"precheckBehavior", "cardinalityBehavior", "relatedAction", "timingDateTime", "timingPeriod",
			"timingTiming", "participant"} {
			if v, ok := action[field]; ok {
				rgAction[field] = v
			}
		}

		var subActions []interface{}
		if nested, ok := action["action"].([]interface{}); ok {
			if subActions, err = a.actions(nested, lib, seen); err != nil {
				return nil, err
			}
		}

		if definition := stringField(action, "definitionCanonical"); definition != "" {
			merged, err := a.definition(definition, action, lib, rgAction, seen)
			if err != nil {
				return nil, err
			}
			subActions = append(subActions, merged...)
		}
		if len(subActions) > 0 {
			rgAction["action"] = subActions
		}

		out = append(out, rgAction)
	}
	return out, nil
}

// definition resolves an action's definitionCanonical. An ActivityDefinition
// produces a resource referenced from rgAction; a PlanDefinition returns its
// applied actions to be merged beneath rgAction.
func (a *applier) definition(canonical string, action map[string]interface{}, lib *cql.Library, rgAction map[string]interface{}, seen map[string]bool) ([]interface{}, error) {
	matches := a.resolver.Resolve(canonical)
	if len(matches) == 0 {
		return nil, fmt.Errorf("definition %s could not be resolved", canonical)
	}
	def := matches[0]
	switch rt, _ := def["resourceType"].(string); rt {
	case "ActivityDefinition":
		res, err := a.activity(def, action, lib)
		if err != nil {
			return nil, err
		}
		a.created = append(a.created, res)
		rgAction["resource"] = map[string]interface{}{
			"reference": FormatReference(res["resourceType"].(string), res["id"].(string)),
		}
		return nil, nil
	case "PlanDefinition":
		return a.planActions(def, seen)
	default:
		return nil, fmt.Errorf("definition %s resolves to unsupported resource type %s", canonical, rt)
	}
}

// applicable reports whether every applicability condition of action is true.
func (a *applier) applicable(action map[string]interface{}, lib *cql.Library) (bool, error) {
	conditions, _ := action["condition"].([]interface{})
	for _, raw := range conditions {
		cond, _ := raw.(map[string]interface{})
		if kind := stringField(cond, "kind"); kind != "" && kind != "applicability" {
			continue
		}
		expr, _ := cond["expression"].(map[string]interface{})
		if expr == nil {
			continue
		}
		v, err := a.evaluate(expr, lib)
		if err != nil {
			return false, err
		}
		if b, ok := v.(bool); !ok || !b {
			return false, nil
		}
	}
	return true, nil
}

// evaluate runs a FHIR Expression naming a CQL definition.
func (a *applier) evaluate(expr map[string]interface{}, lib *cql.Library) (interface{}, error) {
	language := stringField(expr, "language")
	switch language {
	case "text/cql", "text/cql-identifier", "text/cql.identifier", "text/cql-expression", "":
	default:
		return nil, fmt.Errorf("unsupported expression language %s", language)
	}
	name := stringField(expr, "expression")
	if name == "" {
		return nil, fmt.Errorf("expression has no content")
	}
	target := lib
	// Qualified names such as "Common.IsAdult" refer to an included library.
	if alias, def, ok := strings.Cut(name, "."); ok && target != nil {
		if inc, err := target.Included(alias); err == nil && inc != nil {
			target, name = inc, def
		}
	}
	if target == nil {
		if len(a.elm) != 1 {
			return nil, fmt.Errorf("expression %s has no library to evaluate against", name)
		}
		target = a.elm[0]
	}
	return a.exec.Evaluate(a.ctx, target, a.rec, name)
}

// activity creates the request resource an ActivityDefinition describes.
func (a *applier) activity(def, action map[string]interface{}, planLib *cql.Library) (map[string]interface{}, error) {
	kind := stringField(def, "kind")
	resource := map[string]interface{}{
		"resourceType":          kind,
		"id":                    uuid.New().String(),
		"status":                "draft",
		"instantiatesCanonical": []interface{}{canonicalOf(def)},
	}
	subject := map[string]interface{}{"reference": a.patientRef}
	intent := stringField(def, "intent")
	if intent == "" {
		intent = "proposal"
	}

	switch kind {
	case "ServiceRequest":
		resource["intent"] = intent
		resource["subject"] = subject
		resource["authoredOn"] = a.now
		copyField(resource, "code", def, "code")
	case "MedicationRequest":
		resource["intent"] = intent
		resource["subject"] = subject
		resource["authoredOn"] = a.now
		if !copyField(resource, "medicationCodeableConcept", def, "productCodeableConcept") {
			copyField(resource, "medicationCodeableConcept", def, "code")
		}
		copyField(resource, "dosageInstruction", def, "dosage")
	case "CommunicationRequest":
		resource["subject"] = subject
		resource["authoredOn"] = a.now
		if code, ok := def["code"]; ok {
			resource["category"] = []interface{}{code}
		}
	case "Task":
		resource["intent"] = intent
		resource["for"] = subject
		resource["authoredOn"] = a.now
		copyField(resource, "code", def, "code")
	default:
		return nil, fmt.Errorf("unsupported ActivityDefinition kind %q", kind)
	}
	copyField(resource, "priority", def, "priority")
	copyField(resource, "doNotPerform", def, "doNotPerform")
	if title := stringField(def, "title"); title != "" && kind != "CommunicationRequest" {
		resource["description"] = title
	}

	lib, err := a.library(def)
	if err != nil {
		return nil, err
	}
	if lib == nil {
		lib = planLib
	}
	// Values from the ActivityDefinition first, then action overrides.
	if err := a.dynamicValues(resource, def, lib); err != nil {
		return nil, err
	}
	if err := a.dynamicValues(resource, action, planLib); err != nil {
		return nil, err
	}
	return resource, nil
}

func (a *applier) dynamicValues(resource, owner map[string]interface{}, lib *cql.Library) error {
	values, _ := owner["dynamicValue"].([]interface{})
	for _, raw := range values {
		dv, _ := raw.(map[string]interface{})
		path := stringField(dv, "path")
		expr, _ := dv["expression"].(map[string]interface{})
		if path == "" || expr == nil {
			continue
		}
		v, err := a.evaluate(expr, lib)
		if err != nil {
			return fmt.Errorf("dynamicValue %s: %w", path, err)
		}
		if v == nil {
			continue
		}
		if err := setPath(resource, path, toFHIRValue(v)); err != nil {
			return err
		}
	}
	return nil
}

// setPath assigns value at a dotted path with optional [n] indexes, creating
// absent intermediate objects and arrays. A path that runs through an
// existing primitive is an error.
func setPath(target map[string]interface{}, path string, value interface{}) error {
	segments := strings.Split(strings.TrimPrefix(path, "%resource."), ".")
	var cur interface{} = target
	for i, seg := range segments {
		name, index := seg, -1
		if open := strings.Index(seg, "["); open >= 0 && strings.HasSuffix(seg, "]") {
			n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid index in path %s", path)
			}
			name, index = seg[:open], n
		}
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return fmt.Errorf("path %s crosses a non-object value", path)
		}
		last := i == len(segments)-1
		if index < 0 {
			if last {
				obj[name] = value
				return nil
			}
			existing, present := obj[name]
			if !present || existing == nil {
				existing = map[string]interface{}{}
				obj[name] = existing
			}
			cur = existing
			continue
		}

		var list []interface{}
		if existing, present := obj[name]; present && existing != nil {
			if list, ok = existing.([]interface{}); !ok {
				return fmt.Errorf("path %s indexes a non-array value", path)
			}
		}
		for len(list) <= index {
			list = append(list, map[string]interface{}{})
		}
		obj[name] = list
		if last {
			list[index] = value
			return nil
		}
		if list[index] == nil {
			list[index] = map[string]interface{}{}
		}
		cur = list[index]
	}
	return nil
}

// toFHIRValue converts a CQL result into its FHIR JSON shape.
func toFHIRValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case cql.Code:
		return coding(x)
	case cql.Concept:
		codings := make([]interface{}, 0, len(x.Codes))
		for _, c := range x.Codes {
			codings = append(codings, coding(c))
		}
		out := map[string]interface{}{"coding": codings}
		if x.Display != "" {
			out["text"] = x.Display
		}
		return out
	case cql.DateTime:
		return x.String()
	case *cql.Decimal:
		return x.Float64()
	case cql.Quantity:
		return map[string]interface{}{"value": x.Value.Float64(), "unit": x.Unit, "system": "http://unitsofmeasure.org", "code": x.Unit}
	case cql.Interval:
		out := map[string]interface{}{}
		if x.Low != nil {
			out["start"] = toFHIRValue(x.Low)
		}
		if x.High != nil {
			out["end"] = toFHIRValue(x.High)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(x))
		for _, item := range x {
			out = append(out, toFHIRValue(item))
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = toFHIRValue(item)
		}
		return out
	case string, bool, int64, float64:
		return x
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func coding(c cql.Code) map[string]interface{} {
	out := map[string]interface{}{"code": c.Code}
	if c.System != "" {
		out["system"] = c.System
	}
	if c.Version != "" {
		out["version"] = c.Version
	}
	if c.Display != "" {
		out["display"] = c.Display
	}
	return out
}

func copyField(dst map[string]interface{}, dstKey string, src map[string]interface{}, srcKey string) bool {
	v, ok := src[srcKey]
	if ok {
		dst[dstKey] = v
	}
	return ok
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
