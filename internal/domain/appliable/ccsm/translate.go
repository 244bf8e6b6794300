package ccsm

import (
	"encoding/json"
	"fmt"
)

// ectCode is one category value of an ECT result list and the display of
// the standard code it maps to. An empty mapping has no standard code.
type ectCode struct {
	value   string
	mapping string
}

// ECT 14009 - CCS - TRANSCRIBED PAP RESULTS (MULTI)
var cytologyCodes = map[string]ectCode{
	"ECT.14009.1":     {"NILM", "NILM"},
	"ECT.14009.2":     {"ASC-US", "ASC-US"},
	"ECT.14009.3":     {"ASC-H", "ASC-H"},
	"ECT.14009.4":     {"LSIL", "LSIL"},
	"ECT.14009.5":     {"HSIL", "HSIL"},
	"ECT.14009.6":     {"Squamous Cell Carcinoma", "SCC"},
	"ECT.14009.8":     {"AGC-FN", "AGC"},
	"ECT.14009.9":     {"AIS", "AIS"},
	"ECT.14009.10":    {"Adenocarcinoma", ""},
	"ECT.14009.99":    {"Other", ""},
	"ECT.14009.10000": {"LSIL cannot r/o HSIL", ""},
	"ECT.14009.10001": {"AGC-Endocervical", "AGC"},
	"ECT.14009.10002": {"AGC-Endometrial", "AGC"},
	"ECT.14009.10003": {"AGC-NOS", "AGC"},
}

// ECT 14003 - CCS - TRANSCRIBED HPV RESULTS
var hpvCodes = map[string]ectCode{
	"ECT.14003.1":  {"HRHPV -", "Negative"},
	"ECT.14003.2":  {"HRHPV +", "Positive (Not Type 16/18)"},
	"ECT.14003.5":  {"HRHPV 16 -", ""},
	"ECT.14003.6":  {"HRHPV 16 +", "Positive (Type 16)"},
	"ECT.14003.7":  {"HRHPV 18 -", ""},
	"ECT.14003.8":  {"HRHPV 18 +", "Positive (Type 18)"},
	"ECT.14003.99": {"N/A", ""},
}

// ECT 14005 - CCS - TRANSCRIBED COLPOSCOPY RESULTS
var histologyCodes = map[string]ectCode{
	"ECT.14005.1":  {"Normal", "Normal"},
	"ECT.14005.2":  {"Unsatisfactory", ""},
	"ECT.14005.3":  {"CIN1", "CIN 1"},
	"ECT.14005.4":  {"CIN2", "CIN 2"},
	"ECT.14005.5":  {"CIN3", "CIN 3"},
	"ECT.14005.6":  {"AIS", "AIS"},
	"ECT.14005.7":  {"ECC Not Done", ""},
	"ECT.14005.8":  {"ECC Negative", ""},
	"ECT.14005.9":  {"ECC Positive", ""},
	"ECT.14005.10": {"Squamous Cell Carcinoma", "Cancer"},
	"ECT.14005.11": {"Adenocarcinoma", "Cancer"},
	"ECT.14005.99": {"Other", ""},
}

type ectResult struct {
	ID    string `json:"ID"`
	Value string `json:"Value"`
}

type screeningOrder struct {
	OrderID           string      `json:"OrderId"`
	FindingType       string      `json:"FindingType"`
	PapResults        []ectResult `json:"PapResults"`
	HPVResults        []ectResult `json:"HPVResults"`
	ColposcopyResults []ectResult `json:"ColposcopyResults"`
}

type screeningResponse struct {
	Order []screeningOrder `json:"Order"`
}

// TranslateResponse adds the test type codings and conclusion codes of each
// screening API order to the DiagnosticReport whose identifier matches the
// order id. Other resources pass through unchanged.
func (b *Behavior) TranslateResponse(raw interface{}, patientData []map[string]interface{}) ([]map[string]interface{}, error) {
	orders, err := decodeOrders(raw)
	if err != nil {
		return nil, err
	}
	out := append([]map[string]interface{}(nil), patientData...)
	for _, order := range orders {
		idx := diagnosticReportFor(out, order.OrderID)
		if idx < 0 {
			continue
		}
		var codings []interface{}
		if len(order.PapResults) > 0 {
			codings = appendCode(codings, b.testTypes["Cervical Cytology (Pap)"])
		}
		if len(order.HPVResults) > 0 {
			codings = appendCode(codings, b.testTypes["HPV"])
		}
		if len(order.ColposcopyResults) > 0 {
			codings = appendCode(codings, b.testTypes["Cervical Histology"])
		}
		conclusions := []interface{}{}
		conclusions = mapResults(order.PapResults, cytologyCodes, b.cytology, conclusions)
		conclusions = mapResults(order.HPVResults, hpvCodes, b.hpv, conclusions)
		conclusions = mapResults(order.ColposcopyResults, histologyCodes, b.histology, conclusions)

		report := make(map[string]interface{}, len(out[idx])+1)
		for k, v := range out[idx] {
			report[k] = v
		}
		var existing []interface{}
		if code, ok := report["code"].(map[string]interface{}); ok {
			existing, _ = code["coding"].([]interface{})
		}
		report["code"] = map[string]interface{}{"coding": append(append([]interface{}(nil), existing...), codings...)}
		report["conclusionCode"] = conclusions
		out[idx] = report
	}
	return out, nil
}

// decodeOrders accepts the screening API body as a single object or as the
// one-element list produced by a flattened query.
func decodeOrders(raw interface{}) ([]screeningOrder, error) {
	var bodies []interface{}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []map[string]interface{}:
		for _, m := range v {
			bodies = append(bodies, m)
		}
	case []interface{}:
		bodies = v
	default:
		bodies = []interface{}{v}
	}
	var orders []screeningOrder
	for _, body := range bodies {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		var resp screeningResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode screening orders: %w", err)
		}
		orders = append(orders, resp.Order...)
	}
	return orders, nil
}

func diagnosticReportFor(resources []map[string]interface{}, orderID string) int {
	for i, res := range resources {
		if res["resourceType"] != "DiagnosticReport" {
			continue
		}
		identifiers, _ := res["identifier"].([]interface{})
		for _, raw := range identifiers {
			if id, ok := raw.(map[string]interface{}); ok && id["value"] == orderID {
				return i
			}
		}
	}
	return -1
}

func mapResults(results []ectResult, custom map[string]ectCode, standard map[string]map[string]interface{}, conclusions []interface{}) []interface{} {
	for _, r := range results {
		c, ok := custom[r.ID]
		if !ok || c.value != r.Value || c.mapping == "" {
			continue
		}
		code, ok := standard[c.mapping]
		if !ok {
			continue
		}
		conclusions = append(conclusions, map[string]interface{}{
			"coding": []interface{}{code},
			"text":   c.mapping,
		})
	}
	return conclusions
}

func appendCode(codings []interface{}, code map[string]interface{}) []interface{} {
	if code == nil {
		return codings
	}
	return append(codings, code)
}
