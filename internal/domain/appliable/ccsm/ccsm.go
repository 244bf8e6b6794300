// Package ccsm holds the card behaviors of the cervical cancer screening and
// management module.
package ccsm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/cdshooks/internal/domain/appliable"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// Key is the apply directory name the behaviors are registered under.
const Key = "ccsm"

// Value sets whose concepts give the standard codes for translated orders.
const (
	testTypeValueSet  = "ScreeningAndManagementTestType"
	cytologyValueSet  = "CervicalCytologyResult"
	hpvValueSet       = "HpvTestResult"
	histologyValueSet = "CervicalHistologyResult"
)

// Behavior formats cards like the standard behavior, collapses them into a
// single decision aid card and translates screening API orders.
type Behavior struct {
	testTypes map[string]map[string]interface{}
	cytology  map[string]map[string]interface{}
	hpv       map[string]map[string]interface{}
	histology map[string]map[string]interface{}
}

// New indexes the module's standard code value sets.
func New(m *appliable.Module) (appliable.Behavior, error) {
	b := &Behavior{}
	for name, dst := range map[string]*map[string]map[string]interface{}{
		testTypeValueSet:  &b.testTypes,
		cytologyValueSet:  &b.cytology,
		hpvValueSet:       &b.hpv,
		histologyValueSet: &b.histology,
	} {
		vs, ok := m.ValueSetResource(name)
		if !ok {
			return nil, fmt.Errorf("ccsm module is missing ValueSet %s", name)
		}
		*dst = codesByDisplay(vs)
	}
	return b, nil
}

// codesByDisplay keys the first compose include's concepts by display, as
// {system, code, display} codings whose display is the first designation.
func codesByDisplay(vs map[string]interface{}) map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{}
	compose, _ := vs["compose"].(map[string]interface{})
	includes, _ := compose["include"].([]interface{})
	if len(includes) == 0 {
		return out
	}
	include, _ := includes[0].(map[string]interface{})
	system, _ := include["system"].(string)
	concepts, _ := include["concept"].([]interface{})
	for _, raw := range concepts {
		c, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		display, _ := c["display"].(string)
		shown := display
		if designations, _ := c["designation"].([]interface{}); len(designations) > 0 {
			if d, ok := designations[0].(map[string]interface{}); ok {
				if v, ok := d["value"].(string); ok {
					shown = v
				}
			}
		}
		out[display] = map[string]interface{}{"system": system, "code": c["code"], "display": shown}
	}
	return out
}

func (b *Behavior) FormatCards(actions []interface{}, resources []map[string]interface{}) []fhir.CDSCard {
	return appliable.FormatCards(actions, fhir.NewResolver(resources), nil)
}

type decisionAid struct {
	Recommendation        string   `json:"recommendation"`
	RecommendationDetails []string `json:"recommendationDetails"`
}

type historyDetail struct {
	PatientHistory struct {
		Conditions        []interface{} `json:"conditions"`
		Observations      []interface{} `json:"observations"`
		DiagnosticReports []interface{} `json:"diagnosticReports"`
		Procedures        []interface{} `json:"procedures"`
		Immunizations     []interface{} `json:"immunizations"`
	} `json:"patientHistory"`
}

// CollapseIntoOne builds one card from the "Decision Aids" card, whose
// detail is a JSON recommendation, and appends the patient history card's
// JSON detail as markdown. Without either card the cards are merged the
// standard way.
func (b *Behavior) CollapseIntoOne(cards []fhir.CDSCard) []fhir.CDSCard {
	var out *fhir.CDSCard
	if aid, ok := findCard(cards, "Decision Aids"); ok {
		var parsed decisionAid
		if err := json.Unmarshal([]byte(aid.Detail), &parsed); err == nil {
			aid.Summary = parsed.Recommendation
			aid.Detail = strings.Join(parsed.RecommendationDetails, "\n\n")
		}
		out = &aid
	}
	if hist, ok := findCard(cards, "history"); ok {
		var parsed historyDetail
		if err := json.Unmarshal([]byte(hist.Detail), &parsed); err == nil {
			if out == nil {
				out = &fhir.CDSCard{Summary: hist.Summary, Indicator: hist.Indicator, Source: hist.Source, UUID: hist.UUID}
			}
			out.Detail += "\n\n" + historyMarkdown(parsed)
		}
	}
	if out == nil {
		return appliable.MergeCards(cards)
	}
	return []fhir.CDSCard{*out}
}

func findCard(cards []fhir.CDSCard, summaryPart string) (fhir.CDSCard, bool) {
	for _, c := range cards {
		if strings.Contains(c.Summary, summaryPart) {
			return c, true
		}
	}
	return fhir.CDSCard{}, false
}

func historyMarkdown(h historyDetail) string {
	var sb strings.Builder
	sb.WriteString("### Patient History")
	sections := []struct {
		title string
		items []interface{}
	}{
		{"Conditions", h.PatientHistory.Conditions},
		{"Observations", h.PatientHistory.Observations},
		{"DiagnosticReports", h.PatientHistory.DiagnosticReports},
		{"Procedures", h.PatientHistory.Procedures},
		{"Immunizations", h.PatientHistory.Immunizations},
	}
	for _, s := range sections {
		items := make([]string, 0, len(s.items))
		for _, item := range s.items {
			items = append(items, fmt.Sprint(item))
		}
		sb.WriteString("\n\n#### " + s.title + "\n\n* " + strings.Join(items, "\n\n* "))
	}
	return sb.String()
}
