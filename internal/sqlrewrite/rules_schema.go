package sqlrewrite

import (
	"fmt"
	"regexp"
	"strings"
)

// knownTables is the canonical MIMIC-IV hosp+icu scope the rewriter targets.
var knownTables = map[string]bool{
	"PATIENTS": true, "ADMISSIONS": true, "TRANSFERS": true, "ICUSTAYS": true,
	"SERVICES": true, "DIAGNOSES_ICD": true, "D_ICD_DIAGNOSES": true,
	"PROCEDURES_ICD": true, "D_ICD_PROCEDURES": true, "LABEVENTS": true,
	"D_LABITEMS": true, "CHARTEVENTS": true, "D_ITEMS": true,
	"PRESCRIPTIONS": true, "PHARMACY": true, "EMAR": true, "EMAR_DETAIL": true,
	"POE": true, "POE_DETAIL": true, "MICROBIOLOGYEVENTS": true,
	"OUTPUTEVENTS": true, "INPUTEVENTS": true, "PROCEDUREEVENTS": true,
	"DATETIMEEVENTS": true, "INGREDIENTEVENTS": true, "DRGCODES": true,
	"HCPCSEVENTS": true, "OMR": true, "PROVIDER": true, "CAREGIVER": true,
}

// tableAliases maps informal or MIMIC-III era table names onto the
// canonical MIMIC-IV identifiers. Replacement is word-bounded, so no value
// here can re-trigger its own key (underscore is a word character).
var tableAliases = map[string]string{
	"PATIENT":             "PATIENTS",
	"ADMISSION":           "ADMISSIONS",
	"PRESCRIPTION":        "PRESCRIPTIONS",
	"DIAGNOSIS":           "DIAGNOSES_ICD",
	"DIAGNOSES":           "DIAGNOSES_ICD",
	"DIAGNOSIS_ICD":       "DIAGNOSES_ICD",
	"PROCEDURES":          "PROCEDURES_ICD",
	"PROCEDURE_ICD":       "PROCEDURES_ICD",
	"ICUSTAY":             "ICUSTAYS",
	"ICU_STAYS":           "ICUSTAYS",
	"LAB_EVENTS":          "LABEVENTS",
	"LABEVENT":            "LABEVENTS",
	"CHART_EVENTS":        "CHARTEVENTS",
	"CHARTEVENT":          "CHARTEVENTS",
	"MICROBIOLOGY_EVENTS": "MICROBIOLOGYEVENTS",
	"INPUT_EVENTS":        "INPUTEVENTS",
	"OUTPUT_EVENTS":       "OUTPUTEVENTS",
	"PROCEDURE_EVENTS":    "PROCEDUREEVENTS",
	"D_ICD_DIAGNOSIS":     "D_ICD_DIAGNOSES",
	"D_ICD_PROCEDURE":     "D_ICD_PROCEDURES",
	"D_LABITEM":           "D_LABITEMS",
	"D_ITEM":              "D_ITEMS",
	"EMAR_DETAILS":        "EMAR_DETAIL",
	"TRANSFER":            "TRANSFERS",
	"SERVICE":             "SERVICES",
}

// columnAliases fixes informal or MIMIC-III era column names that have one
// unambiguous MIMIC-IV counterpart. Context-dependent renames (MEDICATION,
// FIRST_CAREUNIT on TRANSFERS) stay in the error-template repair path.
var columnAliases = map[string]string{
	"ETHNICITY":   "RACE",
	"ICD9_CODE":   "ICD_CODE",
	"ICD10_CODE":  "ICD_CODE",
	"SHORT_TITLE": "LONG_TITLE",
	"VALUE_NUM":   "VALUENUM",
	"CHART_TIME":  "CHARTTIME",
	"ADMIT_TIME":  "ADMITTIME",
	"DISCH_TIME":  "DISCHTIME",
	"DEATH_TIME":  "DEATHTIME",
	"IN_TIME":     "INTIME",
	"OUT_TIME":    "OUTTIME",
}

// Shortcut answers templated questions with canonical SQL and no LLM call.
// The boolean reports a hit; the tag feeds the rewrite trace.
func (r *Rewriter) Shortcut(questionText string) (sql, tag string, ok bool) {
	if m := countSampledRe.FindStringSubmatch(questionText); m != nil {
		table, valid := canonicalTable(m[1])
		if !valid {
			return "", "", false
		}
		return fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s WHERE ROWNUM <= 1000", table),
			"tpl_count_sampled", true
	}
	if m := sampleRowsRe.FindStringSubmatch(questionText); m != nil {
		table, valid := canonicalTable(m[1])
		if !valid {
			return "", "", false
		}
		cols, valid := columnList(m[2])
		if !valid {
			return "", "", false
		}
		return fmt.Sprintf("SELECT %s FROM %s WHERE ROWNUM <= 10", cols, table),
			"tpl_sample_rows", true
	}
	return "", "", false
}

var (
	countSampledRe = regexp.MustCompile(`(?i)^\s*count\s+rows\s+in\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*sampled\s*\)\s*[?.!]*\s*$`)
	sampleRowsRe   = regexp.MustCompile(`(?i)^\s*show\s+sample\s+([A-Za-z_][A-Za-z0-9_]*)\s+rows\s+with\s+(.+?)\s*[?.!]*\s*$`)
	identOnlyRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func canonicalTable(name string) (string, bool) {
	up := strings.ToUpper(strings.TrimSpace(name))
	if mapped, ok := tableAliases[up]; ok {
		up = mapped
	}
	return up, knownTables[up]
}

func columnList(raw string) (string, bool) {
	norm := strings.NewReplacer(" and ", ",", " AND ", ",").Replace(raw)
	parts := strings.Split(norm, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		c := strings.ToUpper(strings.TrimSpace(p))
		if c == "" {
			continue
		}
		if !identOnlyRe.MatchString(c) {
			return "", false
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return "", false
	}
	return strings.Join(cols, ", "), true
}

// schemaRules unifies informal identifiers to the canonical schema.
func schemaRules() []rule {
	return []rule{
		{
			tag: "schema_alias_table",
			detect: func(_ question, sql string) bool {
				for from := range tableAliases {
					if hasWord(sql, from) {
						return true
					}
				}
				return false
			},
			apply: func(_ question, sql string) string {
				for from, to := range tableAliases {
					if hasWord(sql, from) {
						sql = replaceOutside(sql, wordRe(from), to)
					}
				}
				return sql
			},
		},
		{
			tag: "schema_alias_column",
			detect: func(_ question, sql string) bool {
				for from := range columnAliases {
					if hasWord(sql, from) {
						return true
					}
				}
				return false
			},
			apply: func(_ question, sql string) string {
				for from, to := range columnAliases {
					if hasWord(sql, from) {
						sql = replaceOutside(sql, wordRe(from), to)
					}
				}
				return sql
			},
		},
	}
}

// routingRules force the correct base table when a column that exists in
// exactly one table proves the draft picked the wrong source.
func routingRules() []rule {
	swap := func(sql, wrong, right string) string {
		return replaceOutside(sql, wordRe(wrong), right)
	}
	return []rule{
		{
			// DRUG lives in PRESCRIPTIONS; a CHARTEVENTS scan cannot serve it.
			tag: "route_prescriptions",
			detect: func(_ question, sql string) bool {
				return hasWord(sql, "CHARTEVENTS") && hasWord(sql, "DRUG") &&
					!hasWord(sql, "PRESCRIPTIONS")
			},
			apply: func(_ question, sql string) string {
				return swap(sql, "CHARTEVENTS", "PRESCRIPTIONS")
			},
		},
		{
			// D_LABITEMS joins only onto LABEVENTS.
			tag: "route_labevents",
			detect: func(_ question, sql string) bool {
				return hasWord(sql, "CHARTEVENTS") && hasWord(sql, "D_LABITEMS") &&
					!hasWord(sql, "LABEVENTS")
			},
			apply: func(_ question, sql string) string {
				return swap(sql, "CHARTEVENTS", "LABEVENTS")
			},
		},
		{
			// Diagnosis titles come from DIAGNOSES_ICD, not PROCEDURES_ICD.
			tag: "route_diagnoses",
			detect: func(q question, sql string) bool {
				return q.has("diagnos", "진단") &&
					hasWord(sql, "PROCEDURES_ICD") && hasWord(sql, "D_ICD_DIAGNOSES") &&
					!hasWord(sql, "DIAGNOSES_ICD")
			},
			apply: func(_ question, sql string) string {
				return swap(sql, "PROCEDURES_ICD", "DIAGNOSES_ICD")
			},
		},
		{
			tag: "route_procedures",
			detect: func(q question, sql string) bool {
				return q.has("procedure", "시술", "수술") &&
					hasWord(sql, "DIAGNOSES_ICD") && hasWord(sql, "D_ICD_PROCEDURES") &&
					!hasWord(sql, "PROCEDURES_ICD")
			},
			apply: func(_ question, sql string) string {
				return swap(sql, "DIAGNOSES_ICD", "PROCEDURES_ICD")
			},
		},
		{
			// LOS is an ICUSTAYS column; TRANSFERS has none.
			tag: "route_icustays",
			detect: func(_ question, sql string) bool {
				return hasWord(sql, "TRANSFERS") && hasWord(sql, "LOS") &&
					!hasWord(sql, "ICUSTAYS")
			},
			apply: func(_ question, sql string) string {
				return swap(sql, "TRANSFERS", "ICUSTAYS")
			},
		},
	}
}
