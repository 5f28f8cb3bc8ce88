package sqlrewrite

// Dimension and demographic join insertion. A rule fires when a column
// that lives in a dimension (or in PATIENTS/ADMISSIONS) is referenced
// while its table is absent from the statement; the join is spliced in
// right after the base table and the column is qualified with the new
// table so it resolves.

var dimensionTables = map[string]bool{
	"D_ITEMS": true, "D_LABITEMS": true,
	"D_ICD_DIAGNOSES": true, "D_ICD_PROCEDURES": true,
	"PROVIDER": true, "CAREGIVER": true,
}

// patientColumns exist only in PATIENTS.
var patientColumns = []string{"GENDER", "ANCHOR_AGE", "ANCHOR_YEAR", "ANCHOR_YEAR_GROUP", "DOD"}

// admissionColumns exist only in ADMISSIONS.
var admissionColumns = []string{
	"ADMISSION_TYPE", "ADMISSION_LOCATION", "DISCHARGE_LOCATION",
	"INSURANCE", "MARITAL_STATUS", "RACE", "HOSPITAL_EXPIRE_FLAG",
	"ADMITTIME", "DISCHTIME", "DEATHTIME",
}

// needsDim reports whether col is referenced bare or qualified with the
// base reference, i.e. it cannot resolve without the dimension join.
func needsDim(sql, ref, col string) bool {
	return hasBare(sql, col) || hasWord(sql, ref+"."+col)
}

// spliceJoin inserts joinSQL after the FROM/JOIN reference to table.
func spliceJoin(sql, table, joinSQL string) string {
	span, _, ok := tableMatch(sql, table)
	if !ok {
		return sql
	}
	return sql[:span[1]] + joinSQL + sql[span[1]:]
}

// retargetColumn moves ref.col references onto owner and qualifies bare
// occurrences.
func retargetColumn(sql, ref, col, owner string) string {
	sql = replaceOutside(sql, wordRe(ref+"."+col), owner+"."+col)
	return qualify(sql, col, owner)
}

func dimensionJoin(sql, base, dim, col string, on func(ref string) string) string {
	_, ref, ok := tableMatch(sql, base)
	if !ok {
		return sql
	}
	sql = spliceJoin(sql, base, " JOIN "+dim+" ON "+on(ref))
	return retargetColumn(sql, ref, col, dim)
}

func joinRules() []rule {
	icdOn := func(dim string) func(ref string) string {
		return func(ref string) string {
			return ref + ".ICD_CODE = " + dim + ".ICD_CODE AND " +
				ref + ".ICD_VERSION = " + dim + ".ICD_VERSION"
		}
	}
	itemOn := func(dim string) func(ref string) string {
		return func(ref string) string { return ref + ".ITEMID = " + dim + ".ITEMID" }
	}

	dimRule := func(tag, base, dim, col string, on func(ref string) string) rule {
		return rule{
			tag: tag,
			detect: func(_ question, sql string) bool {
				if !hasWord(sql, base) || hasWord(sql, dim) {
					return false
				}
				_, ref, ok := tableMatch(sql, base)
				return ok && needsDim(sql, ref, col)
			},
			apply: func(_ question, sql string) string {
				return dimensionJoin(sql, base, dim, col, on)
			},
		}
	}

	return []rule{
		dimRule("join_d_labitems", "LABEVENTS", "D_LABITEMS", "LABEL", itemOn("D_LABITEMS")),
		dimRule("join_d_items", "CHARTEVENTS", "D_ITEMS", "LABEL", itemOn("D_ITEMS")),
		dimRule("join_d_icd_diagnoses", "DIAGNOSES_ICD", "D_ICD_DIAGNOSES", "LONG_TITLE", icdOn("D_ICD_DIAGNOSES")),
		dimRule("join_d_icd_procedures", "PROCEDURES_ICD", "D_ICD_PROCEDURES", "LONG_TITLE", icdOn("D_ICD_PROCEDURES")),
		demographicRule("join_patients", "PATIENTS", patientColumns, func(base, ref string) string {
			return ref + ".SUBJECT_ID = PATIENTS.SUBJECT_ID"
		}),
		demographicRule("join_admissions", "ADMISSIONS", admissionColumns, func(base, ref string) string {
			if base == "PATIENTS" {
				return ref + ".SUBJECT_ID = ADMISSIONS.SUBJECT_ID"
			}
			return ref + ".HADM_ID = ADMISSIONS.HADM_ID"
		}),
	}
}

// demographicRule inserts a PATIENTS or ADMISSIONS join when one of its
// columns appears bare in a statement rooted at another MIMIC table.
func demographicRule(tag, table string, cols []string, on func(base, ref string) string) rule {
	missing := func(sql string) []string {
		var out []string
		for _, c := range cols {
			if hasBare(sql, c) {
				out = append(out, c)
			}
		}
		return out
	}
	return rule{
		tag: tag,
		detect: func(_ question, sql string) bool {
			if hasWord(sql, table) {
				return false
			}
			base, _, ok := baseTable(sql)
			if !ok || !knownTables[base] || dimensionTables[base] {
				return false
			}
			return len(missing(sql)) > 0
		},
		apply: func(_ question, sql string) string {
			base, ref, ok := baseTable(sql)
			if !ok {
				return sql
			}
			cols := missing(sql)
			sql = spliceJoin(sql, base, " JOIN "+table+" ON "+on(base, ref))
			for _, c := range cols {
				sql = qualify(sql, c, table)
			}
			return sql
		},
	}
}
