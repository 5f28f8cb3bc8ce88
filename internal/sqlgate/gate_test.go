package sqlgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate() *Gate {
	return New(4, DefaultTables())
}

func TestGateRejectsWrites(t *testing.T) {
	g := newTestGate()

	writes := []string{
		"DELETE FROM PATIENTS",
		"delete from patients where subject_id = 1",
		"INSERT INTO ADMISSIONS VALUES (1)",
		"UPDATE PATIENTS SET GENDER = 'M'",
		"MERGE INTO PATIENTS USING DUAL ON (1=1)",
		"TRUNCATE TABLE ADMISSIONS",
		"WITH x AS (SELECT 1 FROM DUAL) DELETE FROM PATIENTS",
	}
	for _, sql := range writes {
		t.Run(sql, func(t *testing.T) {
			v := g.Check("", sql)
			require.False(t, v.Allowed)
			assert.Equal(t, ReasonWrite, v.Reason)
			assert.ErrorIs(t, v.Err, ErrWriteOperation)
		})
	}
}

func TestGateRejectsDDL(t *testing.T) {
	g := newTestGate()

	for _, sql := range []string{
		"DROP TABLE PATIENTS",
		"ALTER TABLE PATIENTS ADD (X NUMBER)",
		"CREATE TABLE X (A NUMBER)",
		"GRANT SELECT ON PATIENTS TO PUBLIC",
		"EXPLAIN PLAN FOR SELECT 1 FROM DUAL",
	} {
		t.Run(sql, func(t *testing.T) {
			v := g.Check("", sql)
			require.False(t, v.Allowed)
			assert.Equal(t, ReasonNotSelect, v.Reason)
			assert.ErrorIs(t, v.Err, ErrNotSelect)
		})
	}
}

func TestGateKeywordInsideLiteralAllowed(t *testing.T) {
	g := newTestGate()
	v := g.Check("", "SELECT * FROM ADMISSIONS WHERE DIAGNOSIS = 'DELETE ME'")
	assert.True(t, v.Allowed, "reason: %s", v.Reason)
}

func TestGateKeywordInsideCommentIgnored(t *testing.T) {
	g := newTestGate()
	v := g.Check("", "SELECT * FROM ADMISSIONS -- delete later\nWHERE ROWNUM <= 10")
	assert.True(t, v.Allowed, "reason: %s", v.Reason)
}

func TestGateJoinCap(t *testing.T) {
	g := New(2, DefaultTables())

	ok := `SELECT * FROM ADMISSIONS A
		JOIN PATIENTS P ON A.SUBJECT_ID = P.SUBJECT_ID
		JOIN ICUSTAYS I ON A.HADM_ID = I.HADM_ID
		WHERE ROWNUM <= 10`
	v := g.Check("", ok)
	assert.True(t, v.Allowed, "reason: %s", v.Reason)

	over := ok + " JOIN TRANSFERS T ON T.HADM_ID = A.HADM_ID"
	v = g.Check("", over)
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonJoinLimit, v.Reason)
	assert.ErrorIs(t, v.Err, ErrJoinLimit)
}

func TestGateTableScope(t *testing.T) {
	g := newTestGate()

	v := g.Check("", "SELECT * FROM SECRET_TABLE WHERE 1 = 1")
	require.False(t, v.Allowed)
	assert.Equal(t, "Table not allowed: SECRET_TABLE", v.Reason)
	assert.ErrorIs(t, v.Err, ErrTableScope)
	assert.True(t, TableReason(v.Reason))

	// Comma-joined FROM lists are scanned past the first table.
	v = g.Check("", "SELECT * FROM ADMISSIONS A, SECRET_TABLE S WHERE A.HADM_ID = S.HADM_ID")
	require.False(t, v.Allowed)
	assert.ErrorIs(t, v.Err, ErrTableScope)
}

func TestGateCTENamesAreNotTables(t *testing.T) {
	g := newTestGate()
	sql := `WITH cohort AS (
		SELECT HADM_ID FROM ADMISSIONS WHERE ADMISSION_TYPE = 'EMERGENCY'
	), metrics AS (
		SELECT COUNT(*) CNT FROM cohort
	)
	SELECT * FROM metrics WHERE ROWNUM <= 10`
	v := g.Check("", sql)
	assert.True(t, v.Allowed, "reason: %s", v.Reason)
}

func TestGateExtractFromIsNotATable(t *testing.T) {
	g := newTestGate()
	sql := `SELECT EXTRACT(YEAR FROM ADMITTIME) Y, COUNT(*) CNT
		FROM ADMISSIONS WHERE ADMITTIME IS NOT NULL GROUP BY EXTRACT(YEAR FROM ADMITTIME)`
	v := g.Check("", sql)
	assert.True(t, v.Allowed, "reason: %s", v.Reason)
}

func TestGateWherePolicy(t *testing.T) {
	g := newTestGate()

	// No WHERE, no aggregate question: rejected.
	v := g.Check("show me admissions", "SELECT * FROM ADMISSIONS")
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonWhereRequired, v.Reason)
	assert.ErrorIs(t, v.Err, ErrWhereRequired)

	// Aggregate question + aggregate SQL: allowed without WHERE.
	v = g.Check("how many admissions are there", "SELECT COUNT(*) AS CNT FROM ADMISSIONS")
	assert.True(t, v.Allowed, "reason: %s", v.Reason)

	v = g.Check("입원 유형별 건수", "SELECT ADMISSION_TYPE, COUNT(*) CNT FROM ADMISSIONS GROUP BY ADMISSION_TYPE")
	assert.True(t, v.Allowed, "reason: %s", v.Reason)

	// Aggregate question but non-aggregate SQL: still rejected.
	v = g.Check("how many admissions", "SELECT * FROM ADMISSIONS")
	require.False(t, v.Allowed)
	assert.ErrorIs(t, v.Err, ErrWhereRequired)
}

func TestGateMultiStatement(t *testing.T) {
	g := newTestGate()

	v := g.Check("", "SELECT 1 FROM DUAL; SELECT 2 FROM DUAL")
	require.False(t, v.Allowed)
	assert.ErrorIs(t, v.Err, ErrMultiStatement)

	// A single trailing semicolon is tolerated.
	v = g.Check("", "SELECT * FROM ADMISSIONS WHERE ROWNUM <= 5;")
	assert.True(t, v.Allowed, "reason: %s", v.Reason)
}

func TestGateForUpdate(t *testing.T) {
	g := newTestGate()
	v := g.Check("", "SELECT * FROM PATIENTS WHERE SUBJECT_ID = 1 FOR UPDATE")
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonForUpdate, v.Reason)
	assert.ErrorIs(t, v.Err, ErrForUpdate)
}

func TestGateEmptySQL(t *testing.T) {
	g := newTestGate()
	v := g.Check("", "   ")
	require.False(t, v.Allowed)
	assert.ErrorIs(t, v.Err, ErrEmptySQL)
}

func TestGateChecksRecorded(t *testing.T) {
	g := newTestGate()
	v := g.Check("count admissions", "SELECT COUNT(*) CNT FROM ADMISSIONS")
	require.True(t, v.Allowed)

	names := make([]string, len(v.Checks))
	for i, c := range v.Checks {
		names[i] = c.Name
		assert.True(t, c.Passed)
	}
	assert.Equal(t, []string{
		"non_empty", "single_statement", "read_only", "select_only",
		"no_lock", "join_cap", "table_scope", "where_policy",
	}, names)
}
