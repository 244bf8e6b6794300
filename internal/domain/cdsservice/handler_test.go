package cdsservice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"

	"github.com/ehr/cdshooks/internal/platform/metrics"
)

func newTestServer(t *testing.T, configure func(*Options)) *echo.Echo {
	t.Helper()
	svc := newTestService(t, nil, configure)
	e := echo.New()
	NewHandler(svc, metrics.New()).RegisterRoutes(e)
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Discovery(t *testing.T) {
	e := newTestServer(t, nil)
	rec := serve(e, http.MethodGet, "/cds-services", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "_config") {
		t.Errorf("expected discovery to hide _config, got %s", rec.Body.String())
	}

	var body struct {
		Services []map[string]interface{} `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	var screening map[string]interface{}
	for _, s := range body.Services {
		if s["id"] == "screening" {
			screening = s
		}
	}
	if screening == nil {
		t.Fatal("expected screening service in discovery")
	}
	prefetch := screening["prefetch"].(map[string]interface{})
	if prefetch["Condition"] != "Condition?patient={{context.patientId}}" {
		t.Errorf("expected derived prefetch, got %v", prefetch)
	}
	if screening["usageRequirements"] != "Requires a Condition search" {
		t.Errorf("expected usageRequirements to pass through, got %v", screening["usageRequirements"])
	}
	if diff := cmp.Diff(map[string]interface{}{"example.org/tier": float64(2)}, screening["extension"]); diff != "" {
		t.Errorf("extension mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_HookCall(t *testing.T) {
	e := newTestServer(t, nil)
	body := `{
	  "hook":"patient-view","hookInstance":"abc","context":{"patientId":"123"},
	  "prefetch":{
	    "Patient":{"resourceType":"Patient","id":"123"},
	    "Condition":{"resourceType":"Bundle","type":"searchset","entry":[
	      {"resource":{"resourceType":"Condition","subject":{"reference":"Patient/123"}}}
	    ]}
	  }
	}`
	rec := serve(e, http.MethodPost, "/cds-services/screening", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Cards []map[string]interface{} `json:"cards"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Cards) != 1 || resp.Cards[0]["summary"] != "Conditions found" {
		t.Errorf("unexpected cards: %v", resp.Cards)
	}
}

func TestHandler_HookCallErrors(t *testing.T) {
	e := newTestServer(t, nil)

	rec := serve(e, http.MethodPost, "/cds-services/screening", `{"hook":"patient-view"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hookInstance") {
		t.Errorf("expected plain text reason, got %q", rec.Body.String())
	}

	rec = serve(e, http.MethodPost, "/cds-services/screening", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec = serve(e, http.MethodPost, "/cds-services/unknown", `{"hook":"patient-view","hookInstance":"x","context":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec.Body.String() != http.StatusText(http.StatusNotFound) {
		t.Errorf("expected standard status text, got %q", rec.Body.String())
	}
}

func TestHandler_Feedback(t *testing.T) {
	e := newTestServer(t, nil)
	rec := serve(e, http.MethodPost, "/cds-services/screening/feedback", `{"feedback":[{"card":"c1","outcome":"accepted"}]}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPost, "/cds-services/unknown/feedback", `{"feedback":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ExecuteLibrary(t *testing.T) {
	e := newTestServer(t, nil)
	bundle := `{"resourceType":"Bundle","type":"collection","entry":[
	  {"resource":{"resourceType":"Patient","id":"123"}},
	  {"resource":{"resourceType":"Condition","subject":{"reference":"Patient/123"}}}
	]}`
	rec := serve(e, http.MethodPost, "/api/library/Screening", bundle)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result LibraryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Library.Name != "Screening" || result.Library.Version != "1.0.0" || result.PatientID != "123" {
		t.Errorf("unexpected result header: %+v", result)
	}
	if result.Results["HasCondition"] != true {
		t.Errorf("expected HasCondition to be true, got %v", result.Results["HasCondition"])
	}

	wrapped := `{"data":[{"resourceType":"Patient","id":"123"}],"returnExpressions":["HasCondition"]}`
	rec = serve(e, http.MethodPost, "/api/library/Screening/version/1.0.0", wrapped)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result = LibraryResult{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 || result.Results["HasCondition"] != false {
		t.Errorf("expected only HasCondition=false, got %v", result.Results)
	}

	rec = serve(e, http.MethodPost, "/api/library/Missing", bundle)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_IndexHealthAndMetrics(t *testing.T) {
	e := newTestServer(t, nil)
	for _, path := range []string{"/", "/health", "/metrics"} {
		if rec := serve(e, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
	rec := serve(e, http.MethodGet, "/", "")
	if !strings.Contains(rec.Body.String(), `"Screening"`) {
		t.Errorf("expected libraries in index, got %s", rec.Body.String())
	}
}
