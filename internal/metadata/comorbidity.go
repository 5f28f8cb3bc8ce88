package metadata

import (
	"fmt"
	"strings"
)

// ComorbidityGroup maps a clinical group to ICD code prefixes for both
// revisions found in diagnoses_icd.
type ComorbidityGroup struct {
	Key           string   `json:"key"`
	Label         string   `json:"label"`
	ICD10Prefixes []string `json:"icd10_prefixes"`
	ICD9Prefixes  []string `json:"icd9_prefixes"`
}

// Condition renders the group as a SQL predicate over the given code and
// version column expressions (e.g. "d.icd_code", "d.icd_version").
func (g ComorbidityGroup) Condition(codeCol, versionCol string) string {
	clause := func(version int, prefixes []string) string {
		if len(prefixes) == 0 {
			return ""
		}
		likes := make([]string, len(prefixes))
		for i, p := range prefixes {
			likes[i] = fmt.Sprintf("%s LIKE '%s%%'", codeCol, strings.ReplaceAll(p, "'", "''"))
		}
		return fmt.Sprintf("(%s = %d AND (%s))", versionCol, version, strings.Join(likes, " OR "))
	}

	var parts []string
	if c := clause(10, g.ICD10Prefixes); c != "" {
		parts = append(parts, c)
	}
	if c := clause(9, g.ICD9Prefixes); c != "" {
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return "1 = 0"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// builtinComorbidities is the fallback when var/metadata carries no
// comorbidity file. The prefixes follow the usual MIMIC-IV groupings.
func builtinComorbidities() []ComorbidityGroup {
	return []ComorbidityGroup{
		{
			Key:           "cardiovascular",
			Label:         "심혈관질환",
			ICD10Prefixes: []string{"I"},
			ICD9Prefixes:  []string{"4"},
		},
		{
			Key:           "diabetes",
			Label:         "당뇨병",
			ICD10Prefixes: []string{"E10", "E11", "E12", "E13", "E14"},
			ICD9Prefixes:  []string{"250"},
		},
		{
			Key:           "renal",
			Label:         "신장질환",
			ICD10Prefixes: []string{"N17", "N18", "N19"},
			ICD9Prefixes:  []string{"58"},
		},
		{
			Key:           "respiratory",
			Label:         "호흡기질환",
			ICD10Prefixes: []string{"J"},
			ICD9Prefixes:  []string{"49"},
		},
		{
			Key:           "cancer",
			Label:         "암",
			ICD10Prefixes: []string{"C"},
			ICD9Prefixes:  []string{"14", "15", "16", "17", "18", "19", "20"},
		},
	}
}
