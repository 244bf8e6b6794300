package cdsservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// LibraryRequest is the body of a direct library execution. A bare Bundle
// body is accepted as Data.
type LibraryRequest struct {
	Data              interface{}            `json:"data"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	ReturnExpressions []string               `json:"returnExpressions,omitempty"`
}

// UnmarshalJSON accepts either {data, parameters} or a FHIR Bundle.
func (r *LibraryRequest) UnmarshalJSON(data []byte) error {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err == nil && head.ResourceType == "Bundle" {
		var bundle map[string]interface{}
		if err := json.Unmarshal(data, &bundle); err != nil {
			return err
		}
		*r = LibraryRequest{Data: bundle}
		return nil
	}
	type plain LibraryRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = LibraryRequest(p)
	return nil
}

type LibraryIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LibraryResult is the response of a direct library execution.
type LibraryResult struct {
	Library   LibraryIdentity        `json:"library"`
	Timestamp time.Time              `json:"timestamp"`
	PatientID string                 `json:"patientID"`
	Results   map[string]interface{} `json:"results"`
}

// ExecuteLibrary evaluates a registered library against posted patient data.
// An empty version selects the latest one.
func (s *Service) ExecuteLibrary(ctx context.Context, id, version string, req *LibraryRequest) (*LibraryResult, error) {
	lib, ok := s.opts.Libraries.Resolve(id, version)
	if !ok {
		s.log.Error().Str("library", id).Str("version", version).Msg("library not found")
		return nil, statusError(http.StatusNotFound, "")
	}
	if req == nil || req.Data == nil {
		return nil, statusError(http.StatusBadRequest, "Invalid request. Missing data.")
	}

	if s.opts.Terminology != nil {
		if err := s.opts.Terminology.EnsureValueSetsInLibrary(ctx, lib); err != nil {
			for _, e := range flatten(err) {
				s.log.Error().Err(e).Str("library", lib.Name()).Msg("value set unavailable")
			}
			if !s.opts.IgnoreVSACErrors {
				return nil, wrapStatus(http.StatusInternalServerError, err)
			}
		}
	}

	using, ok := lib.FHIRUsing()
	if !ok || !supportedFHIRVersions[using.Version] {
		return nil, statusError(http.StatusNotImplemented, "Not Implemented: Unsupported data model (must be FHIR 1.0.2, 3.0.0, 4.0.0, or 4.0.1")
	}

	bundle := fhir.NewCollectionBundle()
	if m, ok := req.Data.(map[string]interface{}); ok && m["resourceType"] == "Bundle" {
		bundle.SetResources(fhir.EntryResources(m))
	} else {
		bundle.Add(req.Data)
	}

	exec := &cql.Executor{Codes: s.opts.Terminology, Parameters: req.Parameters, Now: s.opts.Now}
	results, err := exec.Execute(ctx, lib, cql.NewPatientSource(using.Version, bundle.Map()))
	if err != nil {
		s.log.Error().Err(err).Str("library", lib.Name()).Msg("CQL execution failed")
		return nil, wrapStatus(executionStatus(err), err)
	}
	if len(results.PatientResults) == 0 {
		return nil, statusError(http.StatusBadRequest, "Insufficient data to provide results.")
	}
	if len(results.PatientResults) > 1 {
		return nil, statusError(http.StatusBadRequest, "Data contained information about more than one patient.")
	}

	out := &LibraryResult{
		Library:   LibraryIdentity{Name: lib.Name(), Version: lib.Version()},
		Timestamp: time.Now().UTC(),
	}
	for pid, values := range results.PatientResults {
		out.PatientID = pid
		out.Results = selectExpressions(values, req.ReturnExpressions)
	}
	for _, name := range req.ReturnExpressions {
		if _, ok := out.Results[name]; !ok {
			return nil, statusError(http.StatusBadRequest, fmt.Sprintf("Unsupported expression: %s", name))
		}
	}
	return out, nil
}

func selectExpressions(values map[string]interface{}, names []string) map[string]interface{} {
	if len(names) == 0 {
		return values
	}
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out
}
