package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/domain/library"
)

const screeningELM = `{"library":{
  "identifier":{"id":"Screening","version":"1.0.0"},
  "usings":{"def":[{"localIdentifier":"FHIR","uri":"http://hl7.org/fhir","version":"4.0.1"}]},
  "statements":{"def":[
    {"name":"Patient","context":"Patient","expression":{"type":"SingletonFrom","operand":{"type":"Retrieve","dataType":"{http://hl7.org/fhir}Patient"}}},
    {"name":"Conditions","context":"Patient","expression":{"type":"Retrieve","dataType":"{http://hl7.org/fhir}Condition"}}
  ]}}}`

type stubPrefetch map[string]library.Prefetch

func (s stubPrefetch) Prefetch(key string) (library.Prefetch, bool) {
	p, ok := s[key]
	return p, ok
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	libs := library.NewRegistry(zerolog.Nop())
	if _, err := libs.AddJSON([]byte(screeningELM)); err != nil {
		t.Fatal(err)
	}
	apps := stubPrefetch{"ccsm": library.NewPrefetch("Patient", "Patient/{{context.patientId}}")}
	return NewRegistry(libs, apps, zerolog.Nop())
}

func writeHook(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_DerivesPrefetchAndKeepsDescriptorFields(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "screening.json", `{
	  "id":"screening","hook":"patient-view","title":"Screening","description":"Screening reminder",
	  "usageRequirements":"none",
	  "_config":{"cql":{"library":{"id":"Screening"}},"cards":[{"card":{"summary":"${Patient.id}"}}]}
	}`)
	writeHook(t, dir, "notes.txt", "ignored")

	r := newTestRegistry(t)
	if err := r.Load(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := r.Find("screening")
	if !ok {
		t.Fatal("expected hook to be found")
	}
	want := map[string]string{
		"Patient":   "Patient/{{context.patientId}}",
		"Condition": "Condition?patient={{context.patientId}}",
	}
	if diff := cmp.Diff(want, h.Prefetch.Map()); diff != "" {
		t.Errorf("prefetch mismatch (-want +got):\n%s", diff)
	}

	var doc map[string]interface{}
	data, _ := json.Marshal(r.All(true)[0])
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["_config"]; ok {
		t.Error("expected _config to be stripped")
	}
	if doc["usageRequirements"] != "none" {
		t.Errorf("expected unknown descriptor fields to survive, got %v", doc["usageRequirements"])
	}
}

func TestLoad_ExplicitPrefetchIsKept(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "a.json", `{"id":"a","hook":"patient-view","description":"d",
	  "prefetch":{"Patient":"Patient/{{context.patientId}}"},
	  "_config":{"cql":{"library":{"id":"Screening","version":"1.0.0"}}}}`)
	r := newTestRegistry(t)
	if err := r.Load(dir); err != nil {
		t.Fatal(err)
	}
	h, _ := r.Find("a")
	if h.Prefetch.Len() != 1 {
		t.Errorf("expected explicit prefetch to be kept, got %v", h.Prefetch.Keys())
	}
}

func TestLoad_ApplyBorrowsModulePrefetch(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "ccsm.json", `{"id":"ccsm","hook":"patient-view","description":"d",
	  "_config":{"apply":{"key":"ccsm","planDefinition":"CervicalCancerScreening"}}}`)
	r := newTestRegistry(t)
	if err := r.Load(dir); err != nil {
		t.Fatal(err)
	}
	h, _ := r.Find("ccsm")
	if !h.UsesApply() || h.UsesCQL() {
		t.Error("expected an apply hook")
	}
	if _, ok := h.Prefetch.Get("Patient"); !ok {
		t.Error("expected module prefetch")
	}
}

func TestLoad_FailuresLoadNothing(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"missing description": {
			body: `{"id":"x","hook":"patient-view"}`,
			want: "local hook missing required fields: x.json",
		},
		"no selectionBehavior": {
			body: `{"id":"x","hook":"h","description":"d","_config":{"cql":{"library":{"id":"Screening"}},
			  "cards":[{"card":{"summary":"s","suggestions":[]}}]}}`,
			want: "card has suggestions but no selectionBehavior field",
		},
		"bad selectionBehavior": {
			body: `{"id":"x","hook":"h","description":"d","_config":{"cql":{"library":{"id":"Screening"}},
			  "cards":[{"card":{"summary":"s","suggestions":[],"selectionBehavior":"any"}}]}}`,
			want: "card has an invalid selectionBehavior: any",
		},
		"missing library": {
			body: `{"id":"x","hook":"h","description":"d","_config":{"cql":{"library":{"id":"Nope","version":"2"}}}}`,
			want: "failed to load CQL library referenced by x: Nope 2",
		},
		"both paths": {
			body: `{"id":"x","hook":"h","description":"d","_config":{"cql":{"library":{"id":"Screening"}},
			  "apply":{"key":"ccsm","planDefinition":"P"}}}`,
			want: "configures both",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeHook(t, dir, "a-good.json", `{"id":"good","hook":"h","description":"d"}`)
			writeHook(t, dir, "x.json", tc.body)

			r := newTestRegistry(t)
			err := r.Load(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
			if n := len(r.All(false)); n != 0 {
				t.Errorf("expected zero hooks after a failed load, got %d", n)
			}
		})
	}
}

func TestLoad_DisabledAndMissingDir(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "off.json", `{"id":"off","hook":"h","description":"d","_config":{"disabled":true}}`)
	r := newTestRegistry(t)
	if err := r.Load(dir); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Find("off"); ok {
		t.Error("expected disabled hook to be skipped")
	}
	if err := r.Load(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing hooks dir")
	}
}

func TestFind_ReturnsCopies(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "a.json", `{"id":"a","hook":"h","description":"d",
	  "_config":{"cql":{"library":{"id":"Screening"}},"cards":[{"card":{"summary":"original"}}]}}`)
	r := newTestRegistry(t)
	if err := r.Load(dir); err != nil {
		t.Fatal(err)
	}
	h, _ := r.Find("a")
	h.Config.Cards[0].Card["summary"] = "changed"
	again, _ := r.Find("a")
	if again.Config.Cards[0].Card["summary"] != "original" {
		t.Error("expected Find to return an independent copy")
	}

	r.Reset()
	if _, ok := r.Find("a"); ok {
		t.Error("expected reset to clear hooks")
	}
}
