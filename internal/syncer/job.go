package syncer

import (
	"context"
	"fmt"

	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/vista"
)

// defaultZip fills sites whose source job carries no postal code; the
// target API requires one.
const defaultZip = "00000"

// JobSyncer maps each open job to a site under its department cluster.
type JobSyncer struct {
	deps *Deps
}

func NewJobSyncer(deps *Deps) *JobSyncer {
	deps.normalize()
	return &JobSyncer{deps: deps}
}

func (s *JobSyncer) Type() model.SyncType { return model.SyncJobs }

func (s *JobSyncer) Sync(ctx context.Context) (*Result, error) {
	snap, err := s.deps.Vista.Snapshot(ctx)
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

	byExt := make(map[string]model.Site)
	byName := make(map[string]model.Site)
	keep := func(m map[string]model.Site, k string, site model.Site) {
		if cur, ok := m[k]; !ok || site.ID < cur.ID {
			m[k] = site
		}
	}
	for _, site := range sites {
		if site.ExtID != "" {
			keep(byExt, site.ExtID, site)
		}
		keep(byName, site.Name, site)
	}
	deptCluster := make(map[string]int)
	for _, c := range clusters {
		if c.ExternalCode != "" {
			deptCluster[c.ExternalCode] = c.ID
		}
	}

	r, err := begin(s.deps, model.SyncJobs)
	if err != nil {
		return nil, err
	}

	var runErr error
	for _, job := range snap.Jobs {
		if r.interrupted(ctx) {
			runErr = ctx.Err()
			break
		}
		r.row()
		if err := s.syncOne(ctx, r, job, byExt, byName, deptCluster); err != nil {
			runErr = err
			break
		}
	}
	if r.wrote {
		s.deps.invalidate(ctx, CacheSites)
	}
	return r.finish(runErr)
}

func (s *JobSyncer) syncOne(ctx context.Context, r *run, job vista.JobRow, byExt, byName map[string]model.Site, deptCluster map[string]int) error {
	entity := string(model.EntityJob)

	clusterID, ok := deptCluster[job.Dept]
	if !ok {
		s.deps.Events.RecordSkipped(entity, job.Job,
			fmt.Sprintf("no department cluster for %q", job.Dept))
		return nil
	}
	name := job.Job + " - " + job.Description

	existing, found := byExt[job.Job]
	if !found {
		// A site created by hand may match on name without carrying
		// the job code yet; claim it instead of creating a duplicate.
		if c, ok := byName[name]; ok && (c.ExtID == "" || c.ExtID == job.Job) {
			existing, found = c, true
		}
	}

	if !found {
		return s.create(ctx, r, job, name, clusterID, byExt)
	}

	changes := map[string]any{}
	original := map[string]any{}
	if existing.ClusterID != clusterID {
		changes["cluster_id"] = clusterID
		original["cluster_id"] = existing.ClusterID
	}
	if existing.ZipCode == "" {
		changes["zip_code"] = defaultZip
		original["zip_code"] = ""
	}
	if existing.ExtID != job.Job {
		changes["ext_id"] = job.Job
		original["ext_id"] = existing.ExtID
	}
	if existing.Name != name {
		changes["name"] = name
		original["name"] = existing.Name
	}
	if len(changes) == 0 {
		r.ok()
		return nil
	}

	// PATCH always carries the site name.
	body := map[string]any{"name": name}
	for k, v := range changes {
		body[k] = v
	}
	if s.deps.Failures.ShouldSkipRetry(ctx, entity, job.Job, body) {
		s.deps.Events.RecordSkipped(entity, job.Job, "previous update failure unresolved; changed fields identical")
		return nil
	}

	updated, err := s.deps.SafetyAmp.UpdateSite(ctx, existing.ID, body)
	if err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, job.Job, body, 422, httpx.ErrorBody(err))
		}
		return r.fail(model.EntityJob, job.Job, "update", body, err)
	}
	if updated != nil {
		byExt[job.Job] = *updated
	}
	s.deps.Failures.ClearFailure(ctx, entity, job.Job)
	s.deps.Events.RecordUpdated(entity, job.Job, changes, original)
	r.wrote = true
	r.ok()
	return nil
}

func (s *JobSyncer) create(ctx context.Context, r *run, job vista.JobRow, name string, clusterID int, byExt map[string]model.Site) error {
	entity := string(model.EntityJob)
	p := model.SitePayload{
		Name:      name,
		ClusterID: clusterID,
		ExtID:     job.Job,
		ZipCode:   defaultZip,
	}
	if s.deps.Failures.ShouldSkipRetry(ctx, entity, job.Job, p) {
		s.deps.Events.RecordSkipped(entity, job.Job, "previous create failure unresolved; payload unchanged")
		return nil
	}

	created, err := s.deps.SafetyAmp.CreateSite(ctx, p)
	if err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, job.Job, p, 422, httpx.ErrorBody(err))
		}
		return r.fail(model.EntityJob, job.Job, "create", asMap(p), err)
	}

	if created != nil {
		byExt[job.Job] = *created
	}
	s.deps.Failures.ClearFailure(ctx, entity, job.Job)
	payload := asMap(p)
	if created != nil {
		payload["id"] = created.ID
	}
	s.deps.Events.RecordCreated(entity, job.Job, payload)
	r.wrote = true
	r.ok()
	return nil
}
