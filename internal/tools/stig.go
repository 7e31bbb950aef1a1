package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/conmon/internal/catalog"
)

// StigToolset implements checklist ingestion, benchmark scans, and the
// rule-to-control crosswalk. Checklist parsing is simulated: ingest_ckl
// returns a fixed pair of findings so benchmark assessment has material to
// work with in every environment.
type StigToolset struct {
	Catalog *catalog.Catalog
	Now     func() time.Time
}

func NewStigToolset(cat *catalog.Catalog) *StigToolset {
	return &StigToolset{Catalog: cat, Now: time.Now}
}

func (s *StigToolset) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "ingest_ckl":
		return s.ingestCKL(params), nil
	case "run_scap_scan":
		return s.runScan(params), nil
	case "map_stig_to_nist_controls":
		return s.mapControls(params), nil
	case "get_stig_benchmark_info":
		return s.benchmarkInfo(params), nil
	default:
		return nil, &ErrUnknownMethod{Toolset: "stig_scap", Method: method}
	}
}

func (s *StigToolset) ingestCKL(params map[string]any) map[string]any {
	assetID := stringParam(params, "asset_id", "unknown")
	findings := []map[string]any{
		{
			"vuln_id":  "V-254239",
			"rule_id":  "SV-254239r848544_rule",
			"stig_id":  "WN22-DC-000010",
			"severity": "CAT_II",
			"status":   "Open",
			"details":  "Domain controller audit policy not configured per benchmark requirements",
			"comments": "",
			"asset_id": assetID,
		},
		{
			"vuln_id":  "V-254240",
			"rule_id":  "SV-254240r848547_rule",
			"stig_id":  "WN22-DC-000020",
			"severity": "CAT_I",
			"status":   "Not_A_Finding",
			"details":  "",
			"comments": "Verified via Group Policy",
			"asset_id": assetID,
		},
	}
	summary := map[string]int{"open": 0, "not_a_finding": 0, "not_applicable": 0, "not_reviewed": 0}
	for _, f := range findings {
		switch f["status"] {
		case "Open":
			summary["open"]++
		case "Not_A_Finding":
			summary["not_a_finding"]++
		case "Not_Applicable":
			summary["not_applicable"]++
		default:
			summary["not_reviewed"]++
		}
	}
	return map[string]any{
		"ingest_id":    "ing_" + uuid.New().String()[:12],
		"system_id":    stringParam(params, "system_id", ""),
		"asset_id":     assetID,
		"stig_name":    "Windows Server 2022 STIG",
		"stig_version": "V1R1",
		"total_checks": len(findings),
		"summary":      summary,
		"findings":     findings,
		"ingested_at":  s.Now().UTC().Format(time.RFC3339),
	}
}

func (s *StigToolset) runScan(params map[string]any) map[string]any {
	formats := stringsParam(params, "output_formats")
	if len(formats) == 0 {
		formats = []string{"xccdf", "json"}
	}
	artifacts := make([]map[string]any, 0, len(formats))
	for _, fmtName := range formats {
		artifacts = append(artifacts, map[string]any{
			"format":      fmtName,
			"artifact_id": "scan_" + uuid.New().String()[:12],
		})
	}
	return map[string]any{
		"scan_id":          "scan_" + uuid.New().String()[:12],
		"system_id":        stringParam(params, "system_id", ""),
		"asset_id":         stringParam(params, "asset_id", "unknown"),
		"profile":          stringParam(params, "profile", "stig"),
		"scan_status":      "completed",
		"summary":          map[string]any{"pass": 142, "fail": 2, "error": 0, "not_applicable": 11, "score": 0.97},
		"result_artifacts": artifacts,
		"scanned_at":       s.Now().UTC().Format(time.RFC3339),
	}
}

// mapControls resolves rule IDs through the embedded CCI crosswalk.
func (s *StigToolset) mapControls(params map[string]any) map[string]any {
	ruleIDs := stringsParam(params, "stig_rule_ids")
	mappings := make([]map[string]any, 0, len(ruleIDs))
	var unmapped []string
	for _, ruleID := range ruleIDs {
		controls, ccis := s.Catalog.StigControls(ruleID)
		if len(controls) == 0 {
			unmapped = append(unmapped, ruleID)
			continue
		}
		mappings = append(mappings, map[string]any{
			"stig_rule_id":  ruleID,
			"nist_controls": controls,
			"cci_ids":       ccis,
		})
	}
	return map[string]any{
		"mappings":       mappings,
		"unmapped_rules": unmapped,
	}
}

func (s *StigToolset) benchmarkInfo(params map[string]any) map[string]any {
	return map[string]any{
		"stig_name":          stringParam(params, "stig_name", "Windows Server 2022 STIG"),
		"version":            stringParam(params, "version", "V1R1"),
		"release_date":       "2024-01-25",
		"total_checks":       273,
		"checks_by_severity": map[string]int{"CAT_I": 31, "CAT_II": 221, "CAT_III": 21},
	}
}
