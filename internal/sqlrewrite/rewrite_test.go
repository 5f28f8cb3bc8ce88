package sqlrewrite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRewriter() *Rewriter { return New(1000) }

func TestShortcutCountSampled(t *testing.T) {
	r := newTestRewriter()
	sql, tag, ok := r.Shortcut("Count rows in PATIENTS (sampled)")
	require.True(t, ok)
	assert.Equal(t, "SELECT COUNT(*) AS cnt FROM PATIENTS WHERE ROWNUM <= 1000", sql)
	assert.Equal(t, "tpl_count_sampled", tag)
}

func TestShortcutCountSampledAliasedTable(t *testing.T) {
	r := newTestRewriter()
	sql, _, ok := r.Shortcut("count rows in diagnosis_icd (sampled)?")
	require.True(t, ok)
	assert.Equal(t, "SELECT COUNT(*) AS cnt FROM DIAGNOSES_ICD WHERE ROWNUM <= 1000", sql)
}

func TestShortcutSampleRows(t *testing.T) {
	r := newTestRewriter()
	sql, tag, ok := r.Shortcut("Show sample ADMISSIONS rows with HADM_ID, ADMITTIME and DISCHTIME")
	require.True(t, ok)
	assert.Equal(t, "SELECT HADM_ID, ADMITTIME, DISCHTIME FROM ADMISSIONS WHERE ROWNUM <= 10", sql)
	assert.Equal(t, "tpl_sample_rows", tag)
}

func TestShortcutRejectsUnknownTable(t *testing.T) {
	r := newTestRewriter()
	_, _, ok := r.Shortcut("Count rows in SECRET_TABLE (sampled)")
	assert.False(t, ok)

	_, _, ok = r.Shortcut("how many pneumonia admissions last year?")
	assert.False(t, ok)
}

func TestSchemaAliasTables(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT * FROM PATIENT WHERE GENDER = 'F'")
	assert.Contains(t, res.SQL, "FROM PATIENTS")
	assert.Contains(t, res.Trace, "schema_alias_table")
}

func TestSchemaAliasNeverTouchesLiterals(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT * FROM PATIENT WHERE NOTE = 'the patient was stable'")
	assert.Contains(t, res.SQL, "FROM PATIENTS")
	assert.Contains(t, res.SQL, "'the patient was stable'")
}

func TestSchemaAliasIdentifierBoundary(t *testing.T) {
	// DIAGNOSES maps to DIAGNOSES_ICD, but DIAGNOSES_ICD itself must not
	// be rewritten again (underscore joins the word).
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT FROM DIAGNOSES_ICD WHERE ICD_VERSION = 10")
	assert.Contains(t, res.SQL, "FROM DIAGNOSES_ICD")
	assert.NotContains(t, res.SQL, "DIAGNOSES_ICD_ICD")
}

func TestColumnAliasMapping(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT ETHNICITY, COUNT(*) AS CNT FROM ADMISSIONS WHERE ADMITTIME IS NOT NULL GROUP BY ETHNICITY")
	assert.NotContains(t, res.SQL, "ETHNICITY")
	assert.Contains(t, res.SQL, "RACE")
}

func TestRoutePrescriptionsByDrugColumn(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("most prescribed drugs",
		"SELECT DRUG, COUNT(*) AS CNT FROM CHARTEVENTS WHERE DRUG IS NOT NULL GROUP BY DRUG")
	assert.Contains(t, res.SQL, "FROM PRESCRIPTIONS")
	assert.NotContains(t, res.SQL, "CHARTEVENTS")
	assert.Contains(t, res.Trace, "route_prescriptions")
}

func TestRouteICUStaysByLOS(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT AVG(LOS) FROM TRANSFERS WHERE LOS > 0")
	assert.Contains(t, res.SQL, "FROM ICUSTAYS")
	assert.Contains(t, res.Trace, "route_icustays")
}

func TestDimensionJoinLabevents(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT LABEL, VALUENUM FROM LABEVENTS WHERE VALUENUM IS NOT NULL")
	assert.Contains(t, res.SQL, "JOIN D_LABITEMS ON LABEVENTS.ITEMID = D_LABITEMS.ITEMID")
	assert.Contains(t, res.SQL, "D_LABITEMS.LABEL")
	assert.Contains(t, res.Trace, "join_d_labitems")
}

func TestDimensionJoinRespectsAlias(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT le.VALUENUM, LABEL FROM LABEVENTS le WHERE le.VALUENUM > 0")
	assert.Contains(t, res.SQL, "JOIN D_LABITEMS ON le.ITEMID = D_LABITEMS.ITEMID")
	assert.Contains(t, res.SQL, "D_LABITEMS.LABEL")
}

func TestDimensionJoinDiagnosisTitles(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT LONG_TITLE, COUNT(*) AS CNT FROM DIAGNOSES_ICD WHERE ICD_VERSION = 10 GROUP BY LONG_TITLE")
	assert.Contains(t, res.SQL, "JOIN D_ICD_DIAGNOSES ON DIAGNOSES_ICD.ICD_CODE = D_ICD_DIAGNOSES.ICD_CODE")
	assert.Contains(t, res.SQL, "DIAGNOSES_ICD.ICD_VERSION = D_ICD_DIAGNOSES.ICD_VERSION")
	assert.Contains(t, res.SQL, "D_ICD_DIAGNOSES.LONG_TITLE")
}

func TestDemographicJoinPatients(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT GENDER, COUNT(*) AS CNT FROM ADMISSIONS WHERE ADMITTIME IS NOT NULL GROUP BY GENDER")
	assert.Contains(t, res.SQL, "JOIN PATIENTS ON ADMISSIONS.SUBJECT_ID = PATIENTS.SUBJECT_ID")
	assert.Contains(t, res.SQL, "PATIENTS.GENDER")
	assert.NotContains(t, res.SQL, " GENDER,") // every occurrence qualified
	assert.Contains(t, res.Trace, "join_patients")
}

func TestDemographicJoinAdmissionsFromPatients(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT ANCHOR_AGE, ADMISSION_TYPE FROM PATIENTS WHERE ANCHOR_AGE > 65")
	assert.Contains(t, res.SQL, "JOIN ADMISSIONS ON PATIENTS.SUBJECT_ID = ADMISSIONS.SUBJECT_ID")
	assert.Contains(t, res.SQL, "ADMISSIONS.ADMISSION_TYPE")
}

func TestICUFlagBecomesExists(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT FROM PATIENTS WHERE HAS_ICU_STAY = 1")
	assert.Contains(t, res.SQL, "EXISTS (SELECT 1 FROM ICUSTAYS WHERE ICUSTAYS.SUBJECT_ID = PATIENTS.SUBJECT_ID)")
	assert.NotContains(t, res.SQL, "HAS_ICU_STAY")
	assert.Contains(t, res.Trace, "icu_flag_exists")
}

func TestICUFlagZeroBecomesNotExists(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT FROM PATIENTS WHERE ICU_FLAG = 0")
	assert.Contains(t, res.SQL, "NOT EXISTS (SELECT 1 FROM ICUSTAYS")
}

func TestExpireFlagNotNullBecomesEquals(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT FROM ADMISSIONS WHERE HOSPITAL_EXPIRE_FLAG IS NOT NULL")
	assert.Contains(t, res.SQL, "HOSPITAL_EXPIRE_FLAG = 1")
	assert.NotContains(t, strings.ToUpper(res.SQL), "HOSPITAL_EXPIRE_FLAG IS NOT NULL")
}

func TestLOSFromDateDifference(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT CAST(OUTTIME AS DATE) - CAST(INTIME AS DATE) FROM ICUSTAYS WHERE SUBJECT_ID = 1")
	assert.Contains(t, res.SQL, "SELECT LOS FROM ICUSTAYS")
}

func TestCanonicalAgeByAdmissionType(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("입원 유형별 평균 나이는?", "SELECT ADMISSION_TYPE FROM ADMISSIONS")
	assert.Contains(t, res.SQL, "ROUND(AVG(PATIENTS.ANCHOR_AGE), 1)")
	assert.Contains(t, res.SQL, "GROUP BY ADMISSIONS.ADMISSION_TYPE")
	assert.Contains(t, res.Trace, "canon_age_by_admission_type")
	// Hygiene follows canonicalization inside the same pass.
	assert.Contains(t, res.SQL, "PATIENTS.ANCHOR_AGE IS NOT NULL")
}

func TestCanonicalAvgPerAdmissionWrapsGrouped(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("average number of lab tests per admission",
		"SELECT HADM_ID, COUNT(*) AS CNT FROM LABEVENTS GROUP BY HADM_ID")
	assert.Contains(t, res.SQL, "SELECT AVG(CNT) AS AVG_PER_ADMISSION FROM (")
	assert.Contains(t, res.Trace, "canon_avg_per_admission")
}

func TestCountAliasRenamedWhenReserved(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT ADMISSION_TYPE, COUNT(*) AS NUMBER FROM ADMISSIONS WHERE ADMISSION_TYPE IS NOT NULL GROUP BY ADMISSION_TYPE ORDER BY NUMBER DESC")
	assert.Contains(t, res.SQL, "COUNT(*) AS CNT")
	assert.Contains(t, res.SQL, "ORDER BY CNT DESC")
	assert.Contains(t, res.Trace, "agg_alias_cnt")
}

func TestCountColumnReordered(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT, GENDER FROM PATIENTS WHERE GENDER IS NOT NULL GROUP BY GENDER")
	assert.True(t, strings.HasPrefix(res.SQL, "SELECT GENDER, COUNT(*) AS CNT FROM"))
	assert.Contains(t, res.Trace, "agg_count_col_order")
}

func TestGroupByGainsNullGuard(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT ADMISSION_TYPE, COUNT(*) AS CNT FROM ADMISSIONS GROUP BY ADMISSION_TYPE")
	assert.Contains(t, res.SQL, "WHERE ADMISSION_TYPE IS NOT NULL")
	assert.Contains(t, res.Trace, "agg_groupby_guard")
}

func TestRankingQuestionGainsOrderBy(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("환자 수가 가장 많은 입원 유형은?",
		"SELECT ADMISSION_TYPE, COUNT(*) AS CNT FROM ADMISSIONS GROUP BY ADMISSION_TYPE")
	assert.Contains(t, res.SQL, "ADMISSION_TYPE")
	assert.Contains(t, res.SQL, "GROUP BY")
	assert.Contains(t, res.SQL, "ORDER BY CNT DESC")
	assert.Contains(t, res.SQL, "WHERE ADMISSION_TYPE IS NOT NULL")
}

func TestLimitBecomesRownumWrapper(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT SUBJECT_ID FROM PATIENTS WHERE GENDER = 'F' ORDER BY SUBJECT_ID LIMIT 10")
	assert.Equal(t, "SELECT * FROM (SELECT SUBJECT_ID FROM PATIENTS WHERE GENDER = 'F' ORDER BY SUBJECT_ID) WHERE ROWNUM <= 10", res.SQL)
	assert.Contains(t, res.Trace, "limit_to_rownum")
}

func TestFetchFirstBecomesRownum(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT SUBJECT_ID FROM PATIENTS WHERE GENDER = 'M' FETCH FIRST 5 ROWS ONLY")
	assert.Contains(t, res.SQL, "WHERE ROWNUM <= 5")
	assert.NotContains(t, strings.ToUpper(res.SQL), "FETCH")
}

func TestSelectTopBecomesRownum(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT TOP 3 SUBJECT_ID FROM PATIENTS WHERE GENDER = 'F'")
	assert.NotContains(t, strings.ToUpper(res.SQL), "TOP 3")
	assert.Contains(t, res.SQL, "ROWNUM <= 3")
}

func TestWhereTrueBecomesOneEqualsOne(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT SUBJECT_ID FROM PATIENTS WHERE TRUE")
	assert.Contains(t, res.SQL, "WHERE 1=1")
}

func TestIntervalLiteralNormalized(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT * FROM ADMISSIONS WHERE ADMITTIME > SYSDATE - INTERVAL 30 DAYS")
	assert.Contains(t, res.SQL, "INTERVAL '30' DAY")

	res = r.Rewrite("", "SELECT * FROM ADMISSIONS WHERE ADMITTIME > SYSDATE - INTERVAL '6' MONTHS")
	assert.Contains(t, res.SQL, "INTERVAL '6' MONTH")
}

func TestTimestampDiffBecomesDateArithmetic(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT TIMESTAMPDIFF(DAY, ADMITTIME, DISCHTIME) FROM ADMISSIONS WHERE HADM_ID = 1")
	assert.Contains(t, res.SQL, "(CAST(DISCHTIME AS DATE) - CAST(ADMITTIME AS DATE))")
	assert.NotContains(t, strings.ToUpper(res.SQL), "TIMESTAMPDIFF")
}

func TestForUpdateStripped(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT * FROM PATIENTS WHERE SUBJECT_ID = 1 FOR UPDATE")
	assert.NotContains(t, strings.ToUpper(res.SQL), "FOR UPDATE")
	assert.Contains(t, res.Trace, "strip_for_update")
}

func TestTrailingSemicolonStripped(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT SUBJECT_ID FROM PATIENTS WHERE GENDER = 'F';")
	assert.False(t, strings.HasSuffix(res.SQL, ";"))
}

func TestRowCapInjectedForHeavyTable(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT CHARTTIME, VALUENUM FROM CHARTEVENTS WHERE ITEMID = 220045")
	assert.Contains(t, res.SQL, "ROWNUM <= 1000")
	assert.Contains(t, res.Trace, "row_cap")
}

func TestRowCapWrapsWhenOrdered(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT CHARTTIME, VALUENUM FROM CHARTEVENTS WHERE ITEMID = 220045 ORDER BY CHARTTIME")
	assert.True(t, strings.HasPrefix(res.SQL, "SELECT * FROM ("))
	assert.True(t, strings.HasSuffix(res.SQL, "WHERE ROWNUM <= 1000"))
}

func TestRowCapSkipsAggregates(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT COUNT(*) AS CNT FROM CHARTEVENTS WHERE ITEMID = 220045")
	assert.NotContains(t, res.SQL, "ROWNUM")
}

func TestGroupByCapStripped(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("admission counts by type",
		"SELECT ADMISSION_TYPE, COUNT(*) AS CNT FROM ADMISSIONS WHERE ROWNUM <= 100 GROUP BY ADMISSION_TYPE")
	assert.NotContains(t, strings.ToUpper(res.SQL), "ROWNUM")
	assert.Contains(t, res.Trace, "strip_groupby_cap")
}

func TestSampledQuestionKeepsCap(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("Count rows in PATIENTS (sampled)",
		"SELECT COUNT(*) AS cnt FROM PATIENTS WHERE ROWNUM <= 1000")
	assert.Contains(t, res.SQL, "ROWNUM <= 1000")
}

func TestPredicatePushdown(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("", "SELECT * FROM (SELECT SUBJECT_ID, GENDER FROM PATIENTS) WHERE ROWNUM <= 100 AND GENDER = 'F'")
	assert.Equal(t, "SELECT * FROM (SELECT SUBJECT_ID, GENDER FROM PATIENTS WHERE GENDER = 'F') WHERE ROWNUM <= 100", res.SQL)
	assert.Contains(t, res.Trace, "pushdown")
}

func TestRewriteIdempotent(t *testing.T) {
	drafts := []struct{ q, sql string }{
		{"", "SELECT * FROM PATIENT WHERE NOTE = 'the patient was stable'"},
		{"most prescribed drugs", "SELECT DRUG, COUNT(*) AS CNT FROM CHARTEVENTS GROUP BY DRUG"},
		{"", "SELECT LABEL, VALUENUM FROM LABEVENTS WHERE VALUENUM IS NOT NULL"},
		{"", "SELECT GENDER, COUNT(*) AS CNT FROM ADMISSIONS GROUP BY GENDER"},
		{"", "SELECT COUNT(*) AS CNT FROM PATIENTS WHERE HAS_ICU_STAY = 1"},
		{"", "SELECT COUNT(*) AS CNT FROM ADMISSIONS WHERE HOSPITAL_EXPIRE_FLAG IS NOT NULL"},
		{"입원 유형별 평균 나이는?", "SELECT ADMISSION_TYPE FROM ADMISSIONS"},
		{"환자 수가 가장 많은 입원 유형은?", "SELECT ADMISSION_TYPE, COUNT(*) AS CNT FROM ADMISSIONS GROUP BY ADMISSION_TYPE"},
		{"", "SELECT SUBJECT_ID FROM PATIENTS WHERE GENDER = 'F' ORDER BY SUBJECT_ID LIMIT 10"},
		{"", "SELECT CHARTTIME, VALUENUM FROM CHARTEVENTS WHERE ITEMID = 220045 ORDER BY CHARTTIME"},
		{"", "SELECT * FROM (SELECT SUBJECT_ID, GENDER FROM PATIENTS) WHERE ROWNUM <= 100 AND GENDER = 'F'"},
		{"", "SELECT TIMESTAMPDIFF(HOUR, INTIME, OUTTIME) FROM ICUSTAYS WHERE STAY_ID = 3"},
		{"", "SELECT ADMISSION_TYPE, COUNT(*) AS NUMBER FROM ADMISSIONS WHERE ROWNUM <= 50 GROUP BY ADMISSION_TYPE ORDER BY NUMBER DESC"},
	}
	r := newTestRewriter()
	for _, d := range drafts {
		once := r.Rewrite(d.q, d.sql)
		twice := r.Rewrite(d.q, once.SQL)
		assert.Equal(t, once.SQL, twice.SQL, "not idempotent for %q / %q", d.q, d.sql)
		assert.Empty(t, twice.Trace, "second pass fired rules for %q / %q", d.q, d.sql)
	}
}

func TestRewriteTraceOrderedAndNonEmpty(t *testing.T) {
	r := newTestRewriter()
	res := r.Rewrite("환자 수가 가장 많은 입원 유형은?",
		"SELECT ADMISSION_TYPE, COUNT(*) AS CNT FROM ADMISSIONS GROUP BY ADMISSION_TYPE LIMIT 5;")
	require.NotEmpty(t, res.Trace)
	// Dialect conversions must come after hygiene in the trace.
	semi := indexOf(res.Trace, "strip_semicolon")
	guard := indexOf(res.Trace, "agg_groupby_guard")
	require.GreaterOrEqual(t, semi, 0)
	require.GreaterOrEqual(t, guard, 0)
	assert.Less(t, guard, semi)
}

func indexOf(xs []string, want string) int {
	for i, x := range xs {
		if x == want {
			return i
		}
	}
	return -1
}
