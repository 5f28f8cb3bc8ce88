// Package cohort compiles CohortParams into a bundle of Oracle SQL
// statements sharing one CTE prefix, executes them, and derives metric
// snapshots, confidence intervals, life-table survival curves, and subgroup
// comparisons. The bundle is pure string construction: parameters are
// validated integers and enum strings, never free text.
package cohort

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/model"
)

// Bundle keys. Every entry is a complete runnable statement built on the
// same CTE prefix; CTE returns just the prefix.
const (
	KeyCohortCTE   = "cohort_cte"
	KeyMetrics     = "metrics_sql"
	KeyAgeSubgroup = "age_subgroup_sql"
	KeyGender      = "gender_subgroup_sql"
	KeyComorbidity = "comorbidity_subgroup_sql"
	KeyLifeTable   = "life_table_sql"
	KeyReadmit30d  = "readmit_30d_sql"
	KeyReadmit7d   = "readmit_7d_sql"
	KeyMortality   = "mortality_sql"
	KeyLOS         = "los_sql"
)

// sampleLimit bounds the base admission scan so simulation latency stays
// interactive on the full MIMIC-IV load.
const sampleLimit = 20000

// DayCuts are the fixed evaluation points of the life-table survival curve,
// in days since admission.
var DayCuts = []int{0, 7, 14, 21, 30, 45, 60, 75, 90, 120, 150, 180}

// SQLBundle maps bundle keys to runnable SQL. All entries share a
// byte-identical CTE prefix for the same params.
type SQLBundle map[string]string

// CTE returns the shared WITH prefix.
func (b SQLBundle) CTE() string { return b[KeyCohortCTE] }

// ageBandCase is the CASE expression behind the age subgroup grid. Oracle
// requires the full expression repeated in GROUP BY.
const ageBandCase = "CASE WHEN ANCHOR_AGE < 40 THEN '<40' " +
	"WHEN ANCHOR_AGE < 65 THEN '40-64' " +
	"WHEN ANCHOR_AGE < 80 THEN '65-79' " +
	"ELSE '80+' END"

// Bundle compiles the params into the full SQL set. Params must already be
// validated; unrecognized enum values are treated as "all" so a zero value
// can never inject text.
func Bundle(p model.CohortParams, groups []metadata.ComorbidityGroup) SQLBundle {
	cte := buildCTE(p)
	readmitPred := readmitWithin(p.ReadmitDays)

	b := SQLBundle{KeyCohortCTE: cte}
	add := func(key, body string) { b[key] = cte + "\n" + body }

	add(KeyMetrics, fmt.Sprintf(
		`SELECT COUNT(DISTINCT SUBJECT_ID) AS PATIENT_COUNT,
       COUNT(DISTINCT HADM_ID) AS ADMISSION_COUNT,
       AVG(%s) AS READMIT_RATE,
       AVG(CASE WHEN DAYS_TO_NEXT IS NOT NULL AND DAYS_TO_NEXT <= 30 THEN 1 ELSE 0 END) AS READMIT_30D_RATE,
       AVG(CASE WHEN DAYS_TO_NEXT IS NOT NULL AND DAYS_TO_NEXT <= 7 THEN 1 ELSE 0 END) AS READMIT_7D_RATE,
       AVG(HOSPITAL_EXPIRE_FLAG) AS MORTALITY_RATE,
       AVG(LOS_DAYS) AS LOS_MEAN,
       MEDIAN(LOS_DAYS) AS LOS_MEDIAN,
       STDDEV(LOS_DAYS) AS LOS_STDDEV,
       AVG(CASE WHEN LOS_DAYS >= %d THEN 1 ELSE 0 END) AS LONG_STAY_RATE,
       AVG(CASE WHEN STAY_ID IS NOT NULL THEN 1 ELSE 0 END) AS ICU_ADMISSION_RATE,
       AVG(CASE WHEN ADMISSION_LOCATION LIKE '%%EMERGENCY%%' THEN 1 ELSE 0 END) AS ER_ENTRY_RATE
FROM cohort`, readmitPred, p.LOSThreshold))

	add(KeyAgeSubgroup, fmt.Sprintf(
		`SELECT %s AS SUBGROUP,
       COUNT(*) AS N,
       AVG(%s) AS METRIC
FROM cohort
GROUP BY %s
ORDER BY SUBGROUP`, ageBandCase, readmitPred, ageBandCase))

	add(KeyGender, fmt.Sprintf(
		`SELECT GENDER AS SUBGROUP,
       COUNT(*) AS N,
       AVG(%s) AS METRIC
FROM cohort
GROUP BY GENDER
ORDER BY SUBGROUP`, readmitPred))

	add(KeyComorbidity, comorbiditySelect(groups, readmitPred))

	add(KeyLifeTable, lifeTableSelect())

	add(KeyReadmit30d,
		`SELECT AVG(CASE WHEN DAYS_TO_NEXT IS NOT NULL AND DAYS_TO_NEXT <= 30 THEN 1 ELSE 0 END) AS RATE,
       COUNT(*) AS N
FROM cohort`)
	add(KeyReadmit7d,
		`SELECT AVG(CASE WHEN DAYS_TO_NEXT IS NOT NULL AND DAYS_TO_NEXT <= 7 THEN 1 ELSE 0 END) AS RATE,
       COUNT(*) AS N
FROM cohort`)
	add(KeyMortality,
		`SELECT AVG(HOSPITAL_EXPIRE_FLAG) AS RATE,
       COUNT(*) AS N
FROM cohort`)
	add(KeyLOS,
		`SELECT AVG(LOS_DAYS) AS LOS_MEAN,
       MEDIAN(LOS_DAYS) AS LOS_MEDIAN,
       STDDEV(LOS_DAYS) AS LOS_STDDEV,
       COUNT(*) AS N
FROM cohort`)

	return b
}

// buildCTE renders the shared prefix: a sampled base join of admissions,
// patients, and each admission's first ICU stay, then the cohort filter the
// params describe.
func buildCTE(p model.CohortParams) string {
	var filters []string
	filters = append(filters, fmt.Sprintf("ANCHOR_AGE >= %d", p.AgeThreshold))
	if p.ICUOnly {
		filters = append(filters, "STAY_ID IS NOT NULL")
	}
	switch p.Gender {
	case "M":
		filters = append(filters, "GENDER = 'M'")
	case "F":
		filters = append(filters, "GENDER = 'F'")
	}
	switch p.EntryFilter {
	case "er":
		filters = append(filters, "ADMISSION_LOCATION LIKE '%EMERGENCY%'")
	case "non_er":
		filters = append(filters, "(ADMISSION_LOCATION IS NULL OR ADMISSION_LOCATION NOT LIKE '%EMERGENCY%')")
	}
	switch p.OutcomeFilter {
	case "survived":
		filters = append(filters, "HOSPITAL_EXPIRE_FLAG = 0")
	case "expired":
		filters = append(filters, "HOSPITAL_EXPIRE_FLAG = 1")
	}

	return fmt.Sprintf(`WITH base AS (
    SELECT adm.SUBJECT_ID,
           adm.HADM_ID,
           adm.ADMITTIME,
           adm.DISCHTIME,
           adm.ADMISSION_LOCATION,
           adm.HOSPITAL_EXPIRE_FLAG,
           pat.GENDER,
           pat.ANCHOR_AGE,
           pat.DOD,
           CAST(adm.DISCHTIME AS DATE) - CAST(adm.ADMITTIME AS DATE) AS LOS_DAYS,
           CAST(LEAD(adm.ADMITTIME) OVER (PARTITION BY adm.SUBJECT_ID ORDER BY adm.ADMITTIME) AS DATE)
               - CAST(adm.DISCHTIME AS DATE) AS DAYS_TO_NEXT,
           icu.STAY_ID,
           icu.INTIME
    FROM ADMISSIONS adm
    JOIN PATIENTS pat ON pat.SUBJECT_ID = adm.SUBJECT_ID
    LEFT JOIN (
        SELECT HADM_ID, STAY_ID, INTIME,
               ROW_NUMBER() OVER (PARTITION BY HADM_ID ORDER BY INTIME) AS STAY_RN
        FROM ICUSTAYS
    ) icu ON icu.HADM_ID = adm.HADM_ID AND icu.STAY_RN = 1
    WHERE ROWNUM <= %d
), cohort AS (
    SELECT base.* FROM base
    WHERE %s
)`, sampleLimit, strings.Join(filters, "\n      AND "))
}

// readmitWithin is the parameterized readmission indicator. DAYS_TO_NEXT is
// NULL on a patient's last sampled admission, which counts as no
// readmission.
func readmitWithin(days int) string {
	return fmt.Sprintf("CASE WHEN DAYS_TO_NEXT IS NOT NULL AND DAYS_TO_NEXT <= %d THEN 1 ELSE 0 END", days)
}

// comorbiditySelect emits one UNION ALL leg per comorbidity group. The
// group conditions come from the metadata loader (file or builtin).
func comorbiditySelect(groups []metadata.ComorbidityGroup, readmitPred string) string {
	legs := make([]string, 0, len(groups))
	for _, g := range groups {
		cond := g.Condition("d.ICD_CODE", "d.ICD_VERSION")
		legs = append(legs, fmt.Sprintf(
			`SELECT '%s' AS SUBGROUP,
       COUNT(*) AS N,
       AVG(%s) AS METRIC
FROM cohort c
WHERE EXISTS (
    SELECT 1 FROM DIAGNOSES_ICD d
    WHERE d.HADM_ID = c.HADM_ID AND %s
)`, strings.ReplaceAll(g.Key, "'", "''"), readmitPred, cond))
	}
	if len(legs) == 0 {
		// No groups configured: a single empty leg keeps the bundle shape.
		legs = append(legs, `SELECT 'none' AS SUBGROUP, 0 AS N, 0 AS METRIC FROM DUAL WHERE 1 = 0`)
	}
	return strings.Join(legs, "\nUNION ALL\n")
}

// lifeTableSelect buckets each cohort admission's event day (death from
// PATIENTS.DOD, otherwise censored at the last cut) into the DayCuts
// intervals and aggregates deaths and censors per bucket.
func lifeTableSelect() string {
	last := DayCuts[len(DayCuts)-1]

	var bucket strings.Builder
	bucket.WriteString("CASE")
	for i := 1; i < len(DayCuts); i++ {
		fmt.Fprintf(&bucket, " WHEN EVENT_DAY < %d THEN %d", DayCuts[i], i-1)
	}
	fmt.Fprintf(&bucket, " ELSE %d END", len(DayCuts)-1)

	return fmt.Sprintf(
		`SELECT %s AS BUCKET,
       SUM(DIED) AS DEATHS,
       SUM(1 - DIED) AS CENSORED
FROM (
    SELECT CASE WHEN DOD IS NOT NULL AND CAST(DOD AS DATE) - CAST(ADMITTIME AS DATE) <= %d
                THEN CAST(DOD AS DATE) - CAST(ADMITTIME AS DATE)
                ELSE %d END AS EVENT_DAY,
           CASE WHEN DOD IS NOT NULL AND CAST(DOD AS DATE) - CAST(ADMITTIME AS DATE) <= %d
                THEN 1 ELSE 0 END AS DIED
    FROM cohort
) events
GROUP BY %s
ORDER BY 1`, bucket.String(), last, last, last, bucket.String())
}
