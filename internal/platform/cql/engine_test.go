package cql

import (
	"context"
	"strings"
	"testing"
	"time"
)

const testLibraryELM = `{
  "library": {
    "identifier": {"id": "Test", "version": "1.0.0"},
    "usings": {"def": [
      {"localIdentifier": "System", "uri": "urn:hl7-org:elm-types:r1"},
      {"localIdentifier": "FHIR", "uri": "http://hl7.org/fhir", "version": "4.0.1"}
    ]},
    "includes": {"def": [
      {"localIdentifier": "FHIRHelpers", "path": "FHIRHelpers", "version": "4.0.1"},
      {"localIdentifier": "Common", "path": "Common", "version": "1.0.0"}
    ]},
    "valueSets": {"def": [
      {"name": "Diabetes", "id": "2.16.840.1.113883.3.464.1003.103.12.1001"}
    ]},
    "statements": {"def": [
      {"name": "Patient", "context": "Patient", "expression": {
        "type": "SingletonFrom",
        "operand": {"type": "Retrieve", "dataType": "{http://hl7.org/fhir}Patient"}
      }},
      {"name": "Age", "context": "Patient", "expression": {
        "type": "CalculateAge", "precision": "Year",
        "operand": {"type": "FunctionRef", "name": "ToDate", "libraryName": "FHIRHelpers", "operand": [
          {"type": "Property", "path": "birthDate", "source": {"type": "ExpressionRef", "name": "Patient"}}
        ]}
      }},
      {"name": "IsAdult", "context": "Patient", "expression": {
        "type": "GreaterOrEqual", "operand": [
          {"type": "ExpressionRef", "name": "Age"},
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}Integer", "value": "18"}
        ]
      }},
      {"name": "Diabetes Conditions", "context": "Patient", "expression": {
        "type": "Query",
        "source": [{"alias": "C", "expression": {
          "type": "Retrieve", "dataType": "{http://hl7.org/fhir}Condition", "codeProperty": "code",
          "codes": {"type": "ValueSetRef", "name": "Diabetes"}
        }}],
        "where": {"type": "In", "operand": [
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}String", "value": "active"},
          {"type": "Property", "path": "clinicalStatus.coding.code", "scope": "C"}
        ]}
      }},
      {"name": "HasDiabetes", "context": "Patient", "expression": {
        "type": "Exists", "operand": {"type": "ExpressionRef", "name": "Diabetes Conditions"}
      }},
      {"name": "Condition Count", "context": "Patient", "expression": {
        "type": "Count", "source": {"type": "Retrieve", "dataType": "{http://hl7.org/fhir}Condition"}
      }},
      {"name": "Greeting", "context": "Patient", "expression": {
        "type": "ExpressionRef", "libraryName": "Common", "name": "Greeting"
      }},
      {"name": "Doubled", "context": "Patient", "expression": {
        "type": "FunctionRef", "name": "Double", "operand": [
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}Decimal", "value": "1.25"}
        ]
      }},
      {"name": "Double", "context": "Patient", "type": "FunctionDef", "operand": [{"name": "x"}], "expression": {
        "type": "Multiply", "operand": [
          {"type": "OperandRef", "name": "x"},
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}Integer", "value": "2"}
        ]
      }}
    ]}
  }
}`

const commonLibraryELM = `{
  "library": {
    "identifier": {"id": "Common", "version": "1.0.0"},
    "statements": {"def": [
      {"name": "Greeting", "context": "Patient", "expression": {
        "type": "Concatenate", "operand": [
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}String", "value": "Hello"},
          {"type": "Literal", "valueType": "{urn:hl7-org:elm-types:r1}String", "value": " world"}
        ]
      }}
    ]}
  }
}`

type stubCodes map[string][]Code

func (s stubCodes) FindValueSet(id, version string) ([]Code, bool) {
	codes, ok := s[id]
	return codes, ok
}

func mustParse(t *testing.T, src string) *Library {
	t.Helper()
	lib, err := ParseLibrary([]byte(src))
	if err != nil {
		t.Fatalf("parse library: %v", err)
	}
	return lib
}

func patientBundle(patients ...map[string]interface{}) map[string]interface{} {
	var entries []interface{}
	for _, p := range patients {
		entries = append(entries, map[string]interface{}{"resource": p})
	}
	return map[string]interface{}{"resourceType": "Bundle", "type": "collection", "entry": entries}
}

func condition(patientID, code, status string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Condition",
		"subject":      map[string]interface{}{"reference": "Patient/" + patientID},
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://snomed.info/sct", "code": code},
		}},
		"clinicalStatus": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": status},
		}},
	}
}

func newTestExecutor() *Executor {
	return &Executor{
		Codes: stubCodes{"2.16.840.1.113883.3.464.1003.103.12.1001": {
			{Code: "44054006", System: "http://snomed.info/sct"},
		}},
		Now: func() time.Time { return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC) },
	}
}

func TestExecute_PatientResults(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib, mustParse(t, commonLibraryELM))

	bundle := patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "1980-05-01"},
		condition("p1", "44054006", "active"),
		condition("p1", "38341003", "active"),
	)
	source := NewPatientSource("4.0.1", bundle)

	results, err := newTestExecutor().Execute(context.Background(), lib, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results.PatientResults) != 1 {
		t.Fatalf("expected one patient, got %d", len(results.PatientResults))
	}
	res := results.PatientResults["p1"]

	if age, _ := res["Age"].(int64); age != 43 {
		t.Errorf("expected age 43, got %v", res["Age"])
	}
	if res["IsAdult"] != true {
		t.Errorf("expected IsAdult true, got %v", res["IsAdult"])
	}
	if res["HasDiabetes"] != true {
		t.Errorf("expected HasDiabetes true, got %v", res["HasDiabetes"])
	}
	if n, _ := res["Condition Count"].(int64); n != 2 {
		t.Errorf("expected 2 conditions, got %v", res["Condition Count"])
	}
	if res["Greeting"] != "Hello world" {
		t.Errorf("expected greeting from included library, got %v", res["Greeting"])
	}
	d, ok := res["Doubled"].(*Decimal)
	if !ok || d.String() != "2.50" {
		t.Errorf("expected 2.50, got %v", res["Doubled"])
	}
	if _, isFn := res["Double"]; isFn {
		t.Error("function definitions must not appear in results")
	}
}

func TestExecute_InactiveConditionFiltered(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib, mustParse(t, commonLibraryELM))

	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "2010-02-01"},
		condition("p1", "44054006", "resolved"),
	))
	results, err := newTestExecutor().Execute(context.Background(), lib, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := results.PatientResults["p1"]
	if res["HasDiabetes"] != false {
		t.Errorf("expected HasDiabetes false, got %v", res["HasDiabetes"])
	}
	if res["IsAdult"] != false {
		t.Errorf("expected IsAdult false, got %v", res["IsAdult"])
	}
}

func TestExecute_TwoPatients(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib, mustParse(t, commonLibraryELM))

	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "a", "birthDate": "1970-01-01"},
		map[string]interface{}{"resourceType": "Patient", "id": "b", "birthDate": "1990-01-01"},
		condition("a", "44054006", "active"),
	))
	results, err := newTestExecutor().Execute(context.Background(), lib, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results.PatientResults) != 2 {
		t.Fatalf("expected 2 patient result sets, got %d", len(results.PatientResults))
	}
	if results.PatientResults["a"]["HasDiabetes"] != true {
		t.Error("expected patient a to have diabetes")
	}
	if results.PatientResults["b"]["HasDiabetes"] != false {
		t.Error("expected patient b condition list to exclude patient a's condition")
	}
}

func TestExecute_MissingInclude(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib)

	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "1980-05-01"},
	))
	_, err := newTestExecutor().Execute(context.Background(), lib, source)
	if err == nil || !strings.Contains(err.Error(), "Common") {
		t.Fatalf("expected missing include error, got %v", err)
	}
}

func TestExecute_InvalidUnit(t *testing.T) {
	lib := mustParse(t, `{"library": {
	  "identifier": {"id": "Units", "version": "1"},
	  "statements": {"def": [
	    {"name": "Dose", "context": "Patient", "expression": {"type": "Quantity", "value": 5, "unit": "m g"}}
	  ]}
	}}`)
	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1"},
	))
	_, err := Execute(context.Background(), lib, nil, source)
	if err == nil {
		t.Fatal("expected invalid unit error")
	}
	if !strings.Contains(err.Error(), "invalid") || !strings.Contains(err.Error(), "UCUM") {
		t.Errorf("expected error to mention an invalid UCUM unit, got %v", err)
	}
}

func TestExecute_UnknownValueSet(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib, mustParse(t, commonLibraryELM))
	ex := newTestExecutor()
	ex.Codes = stubCodes{}

	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "1980-05-01"},
	))
	if _, err := ex.Execute(context.Background(), lib, source); err == nil {
		t.Fatal("expected error for a value set the code service does not know")
	}
}

func TestEvaluate_SingleExpression(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	NewMapResolver(lib, mustParse(t, commonLibraryELM))
	source := NewPatientSource("4.0.1", patientBundle(
		map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "2000-01-15"},
	))
	v, err := newTestExecutor().Evaluate(context.Background(), lib, source.Patients()[0], "Age")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != int64(24) {
		t.Errorf("expected 24, got %v", v)
	}
	if _, err := newTestExecutor().Evaluate(context.Background(), lib, source.Patients()[0], "Nope"); err == nil {
		t.Error("expected error for unknown expression")
	}
}

func TestParseLibrary_Errors(t *testing.T) {
	if _, err := ParseLibrary([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseLibrary([]byte(`{"foo": {}}`)); err == nil {
		t.Error("expected error for missing library element")
	}
	if _, err := ParseLibrary([]byte(`{"library": {"identifier": {}}}`)); err == nil {
		t.Error("expected error for missing identifier")
	}
}

func TestFHIRUsing(t *testing.T) {
	lib := mustParse(t, testLibraryELM)
	u, ok := lib.FHIRUsing()
	if !ok || u.Version != "4.0.1" {
		t.Fatalf("expected FHIR 4.0.1 using, got %+v (found=%v)", u, ok)
	}
	common := mustParse(t, commonLibraryELM)
	if _, ok := common.FHIRUsing(); ok {
		t.Error("expected no FHIR using on library without usings")
	}
}
