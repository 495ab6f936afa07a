package vista

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

const testSchema = `
CREATE TABLE bPREH (
	Employee   INTEGER,
	FirstName  TEXT,
	MidName    TEXT,
	LastName   TEXT,
	Email      TEXT,
	Phone      TEXT,
	PRDept     TEXT,
	Job        TEXT,
	udEmpTitle TEXT,
	Sex        TEXT,
	HireDate   TIMESTAMP,
	BirthDate  TIMESTAMP,
	ActiveYN   TEXT
);
CREATE TABLE bPRDT (
	PRDept      TEXT,
	Description TEXT,
	udRegion    TEXT
);
CREATE TABLE bJCJM (
	Job         TEXT,
	Description TEXT,
	udDeptCode  TEXT,
	JobStatus   INTEGER
);`

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "vista.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func insertEmployee(t *testing.T, db *sqlx.DB, id int, first, last, email, dept, job, title, active string, hired time.Time) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO bPREH
		(Employee, FirstName, MidName, LastName, Email, Phone, PRDept, Job, udEmpTitle, Sex, HireDate, BirthDate, ActiveYN)
		VALUES (?, ?, NULL, ?, ?, '555-0100', ?, ?, ?, 'M', ?, NULL, ?)`,
		id, first, last, email, dept, job, title, hired, active)
	require.NoError(t, err)
}

func newTestReader(t *testing.T, db *sqlx.DB, refresh time.Duration) *Reader {
	t.Helper()
	return NewReader(Config{DB: db, RefreshInterval: refresh, Logger: testLogger()})
}

func TestSnapshotLoadsActiveRows(t *testing.T) {
	db := newTestDB(t)
	hired := time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)
	insertEmployee(t, db, 100, "John", "Doe", "john.doe@example.com", "21", "23-070", "Foreman", "Y", hired)
	insertEmployee(t, db, 101, "Jane", "Roe", "", "44", "", "Project Manager", "Y", hired)
	insertEmployee(t, db, 102, "Gone", "Away", "", "21", "", "", "N", hired)

	_, err := db.Exec(`INSERT INTO bPRDT (PRDept, Description, udRegion) VALUES
		('21', 'Heavy Civil', 'North'),
		('44', 'Mechanical', NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO bJCJM (Job, Description, udDeptCode, JobStatus) VALUES
		('23-070', 'Riverfront Plant', '21', 1),
		('19-001', 'Closed Yard', '21', 0)`)
	require.NoError(t, err)

	snap, err := newTestReader(t, db, time.Hour).Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Employees, 2)
	emp := snap.Employees[0]
	assert.Equal(t, 100, emp.Employee)
	assert.Equal(t, "100", emp.EmpID())
	assert.Equal(t, "John Doe", emp.FullName())
	assert.Equal(t, "john.doe@example.com", emp.Email)
	assert.Equal(t, "21", emp.PRDept)
	assert.Equal(t, "23-070", emp.Job)
	assert.Equal(t, "Foreman", emp.Title)
	require.True(t, emp.HireDate.Valid)
	assert.Equal(t, 2021, emp.HireDate.Time.Year())
	assert.False(t, emp.BirthDate.Valid)
	assert.Equal(t, "", snap.Employees[1].Email)

	require.Len(t, snap.Departments, 2)
	assert.Equal(t, DepartmentRow{PRDept: "21", Description: "Heavy Civil", Region: "North"}, snap.Departments[0])
	assert.Equal(t, "", snap.Departments[1].Region)

	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, JobRow{Job: "23-070", Description: "Riverfront Plant", Dept: "21"}, snap.Jobs[0])
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestSnapshotCachedWithinRefreshWindow(t *testing.T) {
	db := newTestDB(t)
	hired := time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)
	insertEmployee(t, db, 100, "John", "Doe", "", "21", "", "", "Y", hired)

	r := newTestReader(t, db, 30*time.Minute)
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	first, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Employees, 1)

	// New source row is invisible until the window lapses.
	insertEmployee(t, db, 101, "Jane", "Roe", "", "21", "", "", "Y", hired)

	clock = clock.Add(10 * time.Minute)
	cached, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, cached)
	assert.Len(t, cached.Employees, 1)

	clock = clock.Add(25 * time.Minute)
	refreshed, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, refreshed.Employees, 2)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	db := newTestDB(t)
	hired := time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)
	insertEmployee(t, db, 100, "John", "Doe", "", "21", "", "", "Y", hired)

	r := newTestReader(t, db, time.Hour)
	first, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Employees, 1)

	insertEmployee(t, db, 101, "Jane", "Roe", "", "21", "", "", "Y", hired)
	r.Invalidate()

	refreshed, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, refreshed.Employees, 2)
}

func TestSnapshotServesStaleOnRefreshFailure(t *testing.T) {
	db := newTestDB(t)
	hired := time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)
	insertEmployee(t, db, 100, "John", "Doe", "", "21", "", "", "Y", hired)

	r := newTestReader(t, db, 30*time.Minute)
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	first, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Close())
	clock = clock.Add(time.Hour)

	stale, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, stale)
}

func TestSnapshotFailsWithoutPriorData(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Close())

	_, err := newTestReader(t, db, time.Hour).Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vista: list employees")
}

func TestSnapshotDedupesRepeatedRows(t *testing.T) {
	db := newTestDB(t)
	hired := time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)
	insertEmployee(t, db, 100, "John", "Doe", "", "21", "", "", "Y", hired)
	insertEmployee(t, db, 100, "John", "Duplicate", "", "21", "", "", "Y", hired)

	snap, err := newTestReader(t, db, time.Hour).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Employees, 1)
}

func TestDedupeByKeepsFirst(t *testing.T) {
	rows := []DepartmentRow{
		{PRDept: "21", Description: "first"},
		{PRDept: "44", Description: "other"},
		{PRDept: "21", Description: "second"},
	}
	out := DedupeBy(rows, func(d DepartmentRow) string { return d.PRDept })
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Description)
	assert.Equal(t, "44", out[1].PRDept)
}

func TestHealthy(t *testing.T) {
	db := newTestDB(t)
	r := newTestReader(t, db, time.Hour)
	require.NoError(t, r.Healthy(context.Background()))

	require.NoError(t, db.Close())
	err := r.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vista: ping")
}

func TestOpenReturnsUsableHandle(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.PingContext(context.Background()))
}
