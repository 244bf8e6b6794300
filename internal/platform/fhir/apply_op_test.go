package fhir

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
)

// ============================================================================
// Test Helpers
// ============================================================================

const screeningELM = `{
  "library": {
    "identifier": {"id": "Screening", "version": "1.0.0"},
    "usings": {"def": [{"localIdentifier": "FHIR", "uri": "http://hl7.org/fhir", "version": "4.0.1"}]},
    "statements": {"def": [
      {"name": "Patient", "context": "Patient", "expression": {
        "type": "SingletonFrom", "operand": {"type": "Retrieve", "dataType": "{http://hl7.org/fhir}Patient"}
      }},
      {"name": "HasCondition", "context": "Patient", "expression": {
        "type": "Exists", "operand": {"type": "Retrieve", "dataType": "{http://hl7.org/fhir}Condition"}
      }},
      {"name": "Never", "context": "Patient", "expression": {
        "type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}Boolean", "value": "false"
      }},
      {"name": "Message", "context": "Patient", "expression": {
        "type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}String", "value": "Screening is due"
      }}
    ]}
  }
}`

func makeScreeningLibrary(t *testing.T) *cql.Library {
	t.Helper()
	lib, err := cql.ParseLibrary([]byte(screeningELM))
	if err != nil {
		t.Fatalf("parse ELM: %v", err)
	}
	return lib
}

func cqlCondition(name string) []interface{} {
	return []interface{}{map[string]interface{}{
		"kind":       "applicability",
		"expression": map[string]interface{}{"language": "text/cql", "expression": name},
	}}
}

func makeKnowledge() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"resourceType": "PlanDefinition",
			"id":           "screening",
			"url":          "http://example.org/PlanDefinition/screening",
			"status":       "active",
			"library":      []interface{}{"http://example.org/Library/Screening"},
			"action": []interface{}{
				map[string]interface{}{
					"id":                  "communicate",
					"title":               "Screening reminder",
					"priority":            "urgent",
					"condition":           cqlCondition("HasCondition"),
					"definitionCanonical": "http://example.org/ActivityDefinition/remind",
				},
				map[string]interface{}{
					"id":        "never",
					"title":     "Never shown",
					"condition": cqlCondition("Never"),
				},
				map[string]interface{}{
					"id":                  "nested",
					"title":               "Follow-up",
					"definitionCanonical": "http://example.org/PlanDefinition/followup",
				},
			},
		},
		{
			"resourceType": "PlanDefinition",
			"id":           "followup",
			"url":          "http://example.org/PlanDefinition/followup",
			"status":       "active",
			"library":      []interface{}{"http://example.org/Library/Screening"},
			"action": []interface{}{
				map[string]interface{}{"id": "order", "definitionCanonical": "ActivityDefinition/order"},
			},
		},
		{
			"resourceType": "ActivityDefinition",
			"id":           "remind",
			"url":          "http://example.org/ActivityDefinition/remind",
			"kind":         "CommunicationRequest",
			"dynamicValue": []interface{}{
				map[string]interface{}{
					"path":       "payload[0].contentString",
					"expression": map[string]interface{}{"language": "text/cql", "expression": "Message"},
				},
			},
		},
		{
			"resourceType": "ActivityDefinition",
			"id":           "order",
			"kind":         "ServiceRequest",
			"title":        "Order screening",
			"code":         map[string]interface{}{"text": "Pap smear"},
		},
	}
}

func makePatientData() []map[string]interface{} {
	return []map[string]interface{}{
		{"resourceType": "Patient", "id": "p1", "birthDate": "1980-01-01"},
		{"resourceType": "Condition", "id": "c1", "subject": map[string]interface{}{"reference": "Patient/p1"}},
	}
}

// ============================================================================
// ApplyAndMerge
// ============================================================================

func TestApplyAndMerge(t *testing.T) {
	resolver := NewResolver(makeKnowledge(), makePatientData())
	plan := resolver.Resolve("PlanDefinition/screening")[0]

	out, err := ApplyAndMerge(context.Background(), plan, "Patient/p1", resolver, ApplyOptions{
		ELM:    []*cql.Library{makeScreeningLibrary(t)},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected RequestGroup plus 2 resources, got %d", len(out))
	}

	rg := out[0]
	if rg["resourceType"] != "RequestGroup" || rg["status"] != "draft" || rg["intent"] != "proposal" {
		t.Errorf("unexpected RequestGroup header: %v", rg)
	}
	if diff := cmp.Diff(map[string]interface{}{"reference": "Patient/p1"}, rg["subject"]); diff != "" {
		t.Errorf("subject mismatch (-want +got):\n%s", diff)
	}

	actions := rg["action"].([]interface{})
	if len(actions) != 2 {
		t.Fatalf("expected the false condition to drop one action, got %d actions", len(actions))
	}
	first := actions[0].(map[string]interface{})
	if first["priority"] != "urgent" || first["title"] != "Screening reminder" {
		t.Errorf("expected action fields to be kept, got %v", first)
	}

	comm := out[1]
	if comm["resourceType"] != "CommunicationRequest" {
		t.Fatalf("expected CommunicationRequest, got %v", comm["resourceType"])
	}
	ref := first["resource"].(map[string]interface{})["reference"].(string)
	if ref != "CommunicationRequest/"+comm["id"].(string) {
		t.Errorf("expected action to reference the created resource, got %s", ref)
	}
	payload := comm["payload"].([]interface{})[0].(map[string]interface{})
	if payload["contentString"] != "Screening is due" {
		t.Errorf("expected dynamic value payload, got %v", payload)
	}

	nested := actions[1].(map[string]interface{})
	sub := nested["action"].([]interface{})
	if len(sub) != 1 {
		t.Fatalf("expected merged nested plan action, got %v", nested)
	}
	if out[2]["resourceType"] != "ServiceRequest" || out[2]["description"] != "Order screening" {
		t.Errorf("expected ServiceRequest from nested plan, got %v", out[2])
	}
}

func TestApplyAndMerge_ConditionFalseWithoutData(t *testing.T) {
	resolver := NewResolver(makeKnowledge(), []map[string]interface{}{{"resourceType": "Patient", "id": "p1"}})
	plan := resolver.Resolve("PlanDefinition/screening")[0]

	out, err := ApplyAndMerge(context.Background(), plan, "Patient/p1", resolver, ApplyOptions{
		ELM:    []*cql.Library{makeScreeningLibrary(t)},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	actions := out[0]["action"].([]interface{})
	if len(actions) != 1 || actions[0].(map[string]interface{})["id"] != "nested" {
		t.Errorf("expected only the unconditional action, got %v", actions)
	}
}

func TestApplyAndMerge_Errors(t *testing.T) {
	lib := makeScreeningLibrary(t)
	resolver := NewResolver(makeKnowledge(), makePatientData())
	plan := resolver.Resolve("PlanDefinition/screening")[0]

	cases := []struct {
		name    string
		plan    map[string]interface{}
		patient string
		elm     []*cql.Library
		want    string
	}{
		{"nil plan", nil, "Patient/p1", []*cql.Library{lib}, "nil"},
		{"wrong type", map[string]interface{}{"resourceType": "Library"}, "Patient/p1", []*cql.Library{lib}, "expected resourceType"},
		{"missing patient", plan, "Patient/nobody", []*cql.Library{lib}, "not found"},
		{"missing library", plan, "Patient/p1", nil, "not found in the ELM"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplyAndMerge(context.Background(), tc.plan, tc.patient, resolver, ApplyOptions{ELM: tc.elm, Logger: zerolog.Nop()})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDataModelVersion(t *testing.T) {
	stu3, err := cql.ParseLibrary([]byte(strings.Replace(screeningELM, `"version": "4.0.1"`, `"version": "3.0.0"`, 1)))
	if err != nil {
		t.Fatalf("parse ELM: %v", err)
	}
	noModel, err := cql.ParseLibrary([]byte(`{"library":{"identifier":{"id":"Bare","version":"1"}}}`))
	if err != nil {
		t.Fatalf("parse ELM: %v", err)
	}

	cases := []struct {
		name string
		lib  *cql.Library
		want string
	}{
		{"declared r4", makeScreeningLibrary(t), "4.0.1"},
		{"declared stu3", stu3, "3.0.0"},
		{"no data model", noModel, "4.0.1"},
		{"no library", nil, "4.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := dataModelVersion(tc.lib); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}

	resolver := NewResolver(makeKnowledge(), makePatientData())
	plan := resolver.Resolve("PlanDefinition/screening")[0]
	out, err := ApplyAndMerge(context.Background(), plan, "Patient/p1", resolver, ApplyOptions{
		ELM:    []*cql.Library{stu3},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error applying with an STU3 library: %v", err)
	}
	if actions := out[0]["action"].([]interface{}); len(actions) != 2 {
		t.Errorf("expected the STU3 record to satisfy HasCondition, got %d actions", len(actions))
	}
}

func TestSetPath(t *testing.T) {
	res := map[string]interface{}{}
	if err := setPath(res, "code.coding[1].code", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]interface{}{
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{}, map[string]interface{}{"code": "x"}},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("setPath mismatch (-want +got):\n%s", diff)
	}
	if err := setPath(map[string]interface{}{"a": "str"}, "a.b", 1); err == nil {
		t.Error("expected error when the path crosses a string")
	}
}

func TestSetPath_KeepsExistingPrimitives(t *testing.T) {
	tests := []struct {
		name string
		res  func() map[string]interface{}
		path string
	}{
		{"field holds a string", func() map[string]interface{} {
			return map[string]interface{}{"status": "draft"}
		}, "status.code"},
		{"indexed field holds a string", func() map[string]interface{} {
			return map[string]interface{}{"coding": "x"}
		}, "coding[0].code"},
		{"list element holds a string", func() map[string]interface{} {
			return map[string]interface{}{"note": []interface{}{"keep"}}
		}, "note[0].text"},
		{"nested field holds a number", func() map[string]interface{} {
			return map[string]interface{}{"dose": map[string]interface{}{"value": 5.0}}
		}, "%resource.dose.value.unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res()
			if err := setPath(res, tt.path, 1); err == nil {
				t.Fatalf("expected error for %s", tt.path)
			}
			if diff := cmp.Diff(tt.res(), res); diff != "" {
				t.Errorf("resource changed on failed assignment (-want +got):\n%s", diff)
			}
		})
	}

	res := map[string]interface{}{"code": map[string]interface{}{"text": "t"}, "note": []interface{}{map[string]interface{}{"text": "a"}}}
	if err := setPath(res, "code.coding[0].code", "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := setPath(res, "note[0].author", "dr"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]interface{}{
		"code": map[string]interface{}{
			"text":   "t",
			"coding": []interface{}{map[string]interface{}{"code": "c"}},
		},
		"note": []interface{}{map[string]interface{}{"text": "a", "author": "dr"}},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("setPath mismatch (-want +got):\n%s", diff)
	}
}

func TestToFHIRValue(t *testing.T) {
	concept := cql.Concept{Codes: []cql.Code{{Code: "1", System: "s"}}, Display: "One"}
	want := map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{"code": "1", "system": "s"}},
		"text":   "One",
	}
	if diff := cmp.Diff(want, toFHIRValue(concept)); diff != "" {
		t.Errorf("concept mismatch (-want +got):\n%s", diff)
	}
	dt, _ := cql.ParseDateTime("2024-01-15")
	if got := toFHIRValue(dt); got != "2024-01-15" {
		t.Errorf("expected date string, got %v", got)
	}
}
