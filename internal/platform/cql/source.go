package cql

import (
	"strings"
)

// PatientRecord is one patient together with the resources that belong to
// them.
type PatientRecord struct {
	ID        string
	Patient   map[string]interface{}
	resources map[string][]map[string]interface{}
}

// Records returns every resource of the given FHIR type for the patient.
func (r *PatientRecord) Records(resourceType string) []map[string]interface{} {
	if resourceType == "Patient" {
		return []map[string]interface{}{r.Patient}
	}
	return r.resources[resourceType]
}

// PatientSource splits a FHIR bundle into per-patient records.
type PatientSource struct {
	FHIRVersion string
	patients    []*PatientRecord
}

// NewPatientSource loads every entry of a Bundle. Each Patient resource
// starts a record; other resources attach to the patient named by their
// subject or patient reference, or to every patient when they name none.
func NewPatientSource(fhirVersion string, bundle map[string]interface{}) *PatientSource {
	src := &PatientSource{FHIRVersion: fhirVersion}
	var shared []map[string]interface{}
	byRef := map[string]*PatientRecord{}
	var others []map[string]interface{}

	entries, _ := bundle["entry"].([]interface{})
	for _, raw := range entries {
		entry, _ := raw.(map[string]interface{})
		res, _ := entry["resource"].(map[string]interface{})
		if res == nil {
			continue
		}
		if rt, _ := res["resourceType"].(string); rt == "Patient" {
			id, _ := res["id"].(string)
			rec := &PatientRecord{ID: id, Patient: res, resources: map[string][]map[string]interface{}{}}
			src.patients = append(src.patients, rec)
			byRef["Patient/"+id] = rec
			if fullURL, _ := entry["fullUrl"].(string); fullURL != "" {
				byRef[fullURL] = rec
			}
			continue
		}
		others = append(others, res)
	}

	for _, res := range others {
		rt, _ := res["resourceType"].(string)
		ref := patientReference(res)
		if rec, ok := byRef[ref]; ok {
			rec.resources[rt] = append(rec.resources[rt], res)
			continue
		}
		if ref == "" {
			shared = append(shared, res)
		}
	}
	for _, res := range shared {
		rt, _ := res["resourceType"].(string)
		for _, rec := range src.patients {
			rec.resources[rt] = append(rec.resources[rt], res)
		}
	}
	return src
}

func patientReference(res map[string]interface{}) string {
	for _, key := range []string{"subject", "patient", "beneficiary"} {
		if m, ok := res[key].(map[string]interface{}); ok {
			if ref, _ := m["reference"].(string); ref != "" {
				if i := strings.Index(ref, "Patient/"); i > 0 {
					ref = ref[i:]
				}
				return ref
			}
		}
	}
	return ""
}

func (s *PatientSource) Patients() []*PatientRecord {
	return s.patients
}
