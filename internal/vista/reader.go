// Package vista reads the ERP's payroll and job-cost views. Queries
// are read-only, parameterless templates; results are loaded as one
// snapshot shared by every syncer inside a refresh window, so a full
// sync cycle sees a consistent picture of the source.
package vista

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryActiveEmployees = `
SELECT Employee,
       COALESCE(FirstName, '')   AS FirstName,
       COALESCE(MidName, '')     AS MidName,
       COALESCE(LastName, '')    AS LastName,
       COALESCE(Email, '')       AS Email,
       COALESCE(Phone, '')       AS Phone,
       COALESCE(PRDept, '')      AS PRDept,
       COALESCE(Job, '')         AS Job,
       COALESCE(udEmpTitle, '')  AS udEmpTitle,
       COALESCE(Sex, '')         AS Sex,
       HireDate,
       BirthDate
FROM bPREH
WHERE ActiveYN = 'Y'
ORDER BY Employee`

const queryDepartments = `
SELECT PRDept,
       COALESCE(Description, '') AS Description,
       COALESCE(udRegion, '')    AS udRegion
FROM bPRDT
ORDER BY PRDept`

const queryActiveJobs = `
SELECT Job,
       COALESCE(Description, '') AS Description,
       COALESCE(udDeptCode, '') AS udDeptCode
FROM bJCJM
WHERE JobStatus = 1
ORDER BY Job`

// EmployeeRow is one active employee from the payroll view.
type EmployeeRow struct {
	Employee  int          `db:"Employee"`
	FirstName string       `db:"FirstName"`
	MidName   string       `db:"MidName"`
	LastName  string       `db:"LastName"`
	Email     string       `db:"Email"`
	Phone     string       `db:"Phone"`
	PRDept    string       `db:"PRDept"`
	Job       string       `db:"Job"`
	Title     string       `db:"udEmpTitle"`
	Sex       string       `db:"Sex"`
	HireDate  sql.NullTime `db:"HireDate"`
	BirthDate sql.NullTime `db:"BirthDate"`
}

// EmpID is the employee number as the correlation key string.
func (e EmployeeRow) EmpID() string {
	return strconv.Itoa(e.Employee)
}

// FullName joins the non-empty name parts.
func (e EmployeeRow) FullName() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{e.FirstName, e.LastName} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// DepartmentRow is one payroll department.
type DepartmentRow struct {
	PRDept      string `db:"PRDept"`
	Description string `db:"Description"`
	Region      string `db:"udRegion"`
}

// JobRow is one open job from the job-cost master. Dept links the job
// back to its payroll department for site placement.
type JobRow struct {
	Job         string `db:"Job"`
	Description string `db:"Description"`
	Dept        string `db:"udDeptCode"`
}

// Snapshot is one consistent read of the source views.
type Snapshot struct {
	Employees   []EmployeeRow
	Departments []DepartmentRow
	Jobs        []JobRow
	FetchedAt   time.Time
}

// Config wires a Reader.
type Config struct {
	DB *sqlx.DB
	// RefreshInterval bounds how often the views are re-queried.
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Reader caches one Snapshot of the source views.
type Reader struct {
	db      *sqlx.DB
	refresh time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	snapshot *Snapshot

	now func() time.Time
}

// NewReader builds a Reader.
func NewReader(cfg Config) *Reader {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		db:      cfg.DB,
		refresh: cfg.RefreshInterval,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Snapshot returns the cached source rows, re-querying once the cache
// is older than the refresh interval. When a refresh fails and a
// previous snapshot exists, the previous one is served so a source
// outage degrades instead of stopping the sync.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot != nil && r.now().Sub(r.snapshot.FetchedAt) < r.refresh {
		return r.snapshot, nil
	}

	snap, err := r.load(ctx)
	if err != nil {
		if r.snapshot != nil {
			r.logger.Warn("source refresh failed, serving previous snapshot",
				"error", err, "age", r.now().Sub(r.snapshot.FetchedAt))
			return r.snapshot, nil
		}
		return nil, err
	}
	r.snapshot = snap
	r.logger.Info("source snapshot refreshed",
		"employees", len(snap.Employees),
		"departments", len(snap.Departments),
		"jobs", len(snap.Jobs))
	return snap, nil
}

func (r *Reader) load(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := r.db.SelectContext(ctx, &snap.Employees, queryActiveEmployees); err != nil {
		return nil, fmt.Errorf("vista: list employees: %w", err)
	}
	if err := r.db.SelectContext(ctx, &snap.Departments, queryDepartments); err != nil {
		return nil, fmt.Errorf("vista: list departments: %w", err)
	}
	if err := r.db.SelectContext(ctx, &snap.Jobs, queryActiveJobs); err != nil {
		return nil, fmt.Errorf("vista: list jobs: %w", err)
	}

	snap.Employees = DedupeBy(snap.Employees, func(e EmployeeRow) string { return e.EmpID() })
	snap.Departments = DedupeBy(snap.Departments, func(d DepartmentRow) string { return d.PRDept })
	snap.Jobs = DedupeBy(snap.Jobs, func(j JobRow) string { return j.Job })
	snap.FetchedAt = r.now()
	return &snap, nil
}

// Invalidate drops the cached snapshot so the next read re-queries.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// Healthy reports database connectivity.
func (r *Reader) Healthy(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("vista: ping: %w", err)
	}
	return nil
}

// DedupeBy keeps the first row seen for each key, preserving order.
// Source feeds occasionally repeat rows; the earliest wins.
func DedupeBy[T any](rows []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(rows))
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		k := key(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

// Open prepares a connection pool for the configured driver. The pool
// connects lazily, so an unreachable ERP at startup does not fail the
// process; Healthy and the first snapshot query surface the outage.
// The driver must be registered by the importing binary.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("vista: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
