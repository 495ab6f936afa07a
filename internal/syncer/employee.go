package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/msgraph"
	"github.com/ii-safety/ampsync/internal/validate"
	"github.com/ii-safety/ampsync/internal/vista"
)

// EmployeeSyncer mirrors active payroll employees into SafetyAmp users.
type EmployeeSyncer struct {
	deps *Deps
}

func NewEmployeeSyncer(deps *Deps) *EmployeeSyncer {
	deps.normalize()
	return &EmployeeSyncer{deps: deps}
}

func (s *EmployeeSyncer) Type() model.SyncType { return model.SyncEmployees }

// employeeRefs are the target-side lookup maps, loaded through the
// cache before the session opens.
type employeeRefs struct {
	users         map[string]model.User
	titles        map[string]model.Title
	roles         map[string]int
	directory     map[string]msgraph.DirectoryUser
	siteByJob     map[string]int // site ext_id (job code) -> site id
	clusterByDept map[string]int // cluster external_code (dept) -> cluster id
	homeSite      map[int]int    // cluster id -> default site id
}

// resolveHomeSite walks the placement ladder: a job-coded site wins,
// then the department cluster's home office, else the row is skipped.
func (r *employeeRefs) resolveHomeSite(jobCode, dept string) (int, string) {
	if jobCode != "" {
		if id, ok := r.siteByJob[jobCode]; ok {
			return id, ""
		}
	}
	if cid, ok := r.clusterByDept[dept]; ok {
		if sid, ok := r.homeSite[cid]; ok {
			return sid, ""
		}
		return 0, fmt.Sprintf("department %s has no home office site", dept)
	}
	return 0, fmt.Sprintf("no site for job %q or department %q", jobCode, dept)
}

func (s *EmployeeSyncer) loadRefs(ctx context.Context) (*employeeRefs, error) {
	users, err := s.deps.cachedUsers(ctx)
	if err != nil {
		return nil, err
	}
	sites, err := s.deps.cachedSites(ctx)
	if err != nil {
		return nil, err
	}
	clusters, err := s.deps.cachedClusters(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := s.deps.cachedRoles(ctx)
	if err != nil {
		return nil, err
	}
	titles, err := s.deps.cachedTitles(ctx)
	if err != nil {
		return nil, err
	}
	directory, err := s.deps.cachedDirectoryUsers(ctx)
	if err != nil {
		return nil, err
	}

	refs := &employeeRefs{
		users:         users,
		titles:        titles,
		roles:         roles,
		directory:     directory,
		siteByJob:     make(map[string]int, len(sites)),
		clusterByDept: make(map[string]int),
		homeSite:      make(map[int]int),
	}
	for _, site := range sites {
		if site.ExtID != "" {
			refs.siteByJob[site.ExtID] = site.ID
		}
		// Lowest site id wins so the pick is stable across runs.
		if cur, ok := refs.homeSite[site.ClusterID]; !ok || site.ID < cur {
			refs.homeSite[site.ClusterID] = site.ID
		}
	}
	for _, c := range clusters {
		if c.ExternalCode != "" {
			refs.clusterByDept[c.ExternalCode] = c.ID
		}
	}
	s.deps.Logger.Debug("employee reference maps loaded",
		"users", len(users), "sites", len(sites), "clusters", len(clusters),
		"roles", len(roles), "titles", len(titles), "directory", len(directory))
	return refs, nil
}

func (s *EmployeeSyncer) Sync(ctx context.Context) (*Result, error) {
	snap, err := s.deps.Vista.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := s.loadRefs(ctx)
	if err != nil {
		return nil, err
	}

	r, err := begin(s.deps, model.SyncEmployees)
	if err != nil {
		return nil, err
	}

	var runErr error
	for _, row := range snap.Employees {
		if r.interrupted(ctx) {
			runErr = ctx.Err()
			break
		}
		r.row()
		if err := s.syncOne(ctx, r, refs, row); err != nil {
			runErr = err
			break
		}
	}
	if r.wrote {
		s.deps.invalidate(ctx, CacheUsers)
	}
	return r.finish(runErr)
}

func (s *EmployeeSyncer) syncOne(ctx context.Context, r *run, refs *employeeRefs, row vista.EmployeeRow) error {
	empID := row.EmpID()
	entity := string(model.EntityEmployee)

	siteID, skipReason := refs.resolveHomeSite(row.Job, row.PRDept)
	if skipReason != "" {
		s.deps.Events.RecordSkipped(entity, empID, skipReason)
		return nil
	}

	p := s.payloadFor(row, refs, siteID)
	p, verrs := validate.ValidateEmployee(p, empID, row.FullName())
	if len(verrs) > 0 {
		return r.fail(model.EntityEmployee, empID, "validate", asMap(p),
			&validationError{msg: strings.Join(verrs, "; ")})
	}

	if existing, ok := refs.users[empID]; ok {
		return s.update(ctx, r, existing, empID, p)
	}
	return s.create(ctx, r, empID, p)
}

// payloadFor builds the desired user from one source row. The identity
// provider's email wins over the payroll one when it knows the employee.
func (s *EmployeeSyncer) payloadFor(row vista.EmployeeRow, refs *employeeRefs, siteID int) model.UserPayload {
	p := model.UserPayload{
		EmpID:        row.EmpID(),
		FirstName:    row.FirstName,
		MiddleName:   row.MidName,
		LastName:     row.LastName,
		Email:        row.Email,
		MobilePhone:  row.Phone,
		Gender:       validate.NormalizeGender(row.Sex),
		HomeSiteID:   siteID,
		SystemAccess: model.IntPtr(1),
	}
	if row.BirthDate.Valid {
		p.DateOfBirth = validate.FormatDate(row.BirthDate.Time)
	}
	if row.Title != "" {
		if t, ok := refs.titles[row.Title]; ok {
			p.TitleID = t.ID
		}
	}
	if du, ok := refs.directory[row.EmpID()]; ok && du.Mail != "" {
		p.Email = du.Mail
	}
	return p
}

func (s *EmployeeSyncer) create(ctx context.Context, r *run, empID string, p model.UserPayload) error {
	entity := string(model.EntityEmployee)
	if s.deps.Failures.ShouldSkipRetry(ctx, entity, empID, p) {
		s.deps.Events.RecordSkipped(entity, empID, "previous create failure unresolved; payload unchanged")
		return nil
	}

	created, err := s.deps.SafetyAmp.CreateUser(ctx, p)
	if err != nil && httpx.StatusCode(err) == 422 {
		s.deps.Failures.RecordFailure(ctx, entity, empID, p, 422, httpx.ErrorBody(err))
		stripped := p
		stripped.Email, stripped.MobilePhone, stripped.WorkPhone = "", "", ""
		s.deps.Logger.Warn("user create rejected, retrying without contact fields",
			"emp_id", empID, "error", err)
		created, err = s.deps.SafetyAmp.CreateUser(ctx, stripped)
	}
	if err != nil {
		return r.fail(model.EntityEmployee, empID, "create", asMap(p), err)
	}

	s.deps.Failures.ClearFailure(ctx, entity, empID)
	payload := asMap(p)
	if created != nil {
		payload["id"] = created.ID
	}
	s.deps.Events.RecordCreated(entity, empID, payload)
	r.wrote = true
	r.ok()
	return nil
}

func (s *EmployeeSyncer) update(ctx context.Context, r *run, u model.User, empID string, p model.UserPayload) error {
	entity := string(model.EntityEmployee)
	changes, original := diffUser(p, u)
	if len(changes) == 0 {
		r.ok()
		return nil
	}

	body := patchBody(u, changes)
	if s.deps.Failures.ShouldSkipRetry(ctx, entity, empID, body) {
		s.deps.Events.RecordSkipped(entity, empID, "previous update failure unresolved; changed fields identical")
		return nil
	}

	if _, err := s.deps.SafetyAmp.UpdateUser(ctx, u.ID, body); err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, empID, body, 422, httpx.ErrorBody(err))
		}
		return r.fail(model.EntityEmployee, empID, "update", body, err)
	}
	s.deps.Failures.ClearFailure(ctx, entity, empID)
	s.deps.Events.RecordUpdated(entity, empID, changes, original)
	r.wrote = true
	r.ok()
	return nil
}

// diffUser compares the desired payload against the existing user
// after normalizing both sides. A field counts as changed only when
// the normalized values differ and the new value is non-empty;
// system_access is forced on because the source feed carries only
// active employees.
func diffUser(p model.UserPayload, u model.User) (changes, original map[string]any) {
	changes = map[string]any{}
	original = map[string]any{}
	add := func(field string, oldV, newV any) {
		changes[field] = newV
		original[field] = oldV
	}

	if p.FirstName != "" && p.FirstName != u.FirstName {
		add("first_name", u.FirstName, p.FirstName)
	}
	if p.LastName != "" && p.LastName != u.LastName {
		add("last_name", u.LastName, p.LastName)
	}
	if p.MiddleName != "" && p.MiddleName != u.MiddleName {
		add("middle_name", u.MiddleName, p.MiddleName)
	}
	if p.Email != "" && p.Email != validate.CleanEmail(u.Email) {
		add("email", u.Email, p.Email)
	}
	if p.MobilePhone != "" && p.MobilePhone != validate.CleanPhone(u.MobilePhone) {
		add("mobile_phone", u.MobilePhone, p.MobilePhone)
	}
	if p.WorkPhone != "" && p.WorkPhone != validate.CleanPhone(u.WorkPhone) {
		add("work_phone", u.WorkPhone, p.WorkPhone)
	}
	if p.Gender != nil && !intPtrEq(p.Gender, u.Gender) {
		add("gender", u.Gender, *p.Gender)
	}
	if p.DateOfBirth != "" && p.DateOfBirth != validate.FormatDate(u.DateOfBirth) {
		add("date_of_birth", u.DateOfBirth, p.DateOfBirth)
	}
	if p.HomeSiteID != 0 && p.HomeSiteID != u.HomeSiteID {
		add("home_site_id", u.HomeSiteID, p.HomeSiteID)
	}
	if p.TitleID != 0 && p.TitleID != u.TitleID {
		add("title_id", u.TitleID, p.TitleID)
	}
	if u.SystemAccess != 1 {
		add("system_access", u.SystemAccess, 1)
	}
	return changes, original
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// patchBody always carries the identity core from the existing record;
// the target API rejects partial updates without it. When the update
// enables system access nothing else rides along, so an unrelated
// field validation cannot mask the enablement.
func patchBody(u model.User, changes map[string]any) map[string]any {
	body := map[string]any{
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"email":      u.Email,
	}
	if _, flip := changes["system_access"]; flip {
		body["system_access"] = 1
		return body
	}
	for k, v := range changes {
		body[k] = v
	}
	return body
}

// validationError marks a validator rejection so classification does
// not fall through to unexpected_error.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func isValidationError(err error) bool {
	var v *validationError
	return errors.As(err, &v)
}
