package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/vista"
)

// rootClusterName anchors the three-level hierarchy: root, one
// cluster per region, one cluster per payroll department.
const rootClusterName = "I&I"

// DepartmentSyncer maintains the site-cluster hierarchy from payroll
// departments.
type DepartmentSyncer struct {
	deps *Deps
}

func NewDepartmentSyncer(deps *Deps) *DepartmentSyncer {
	deps.normalize()
	return &DepartmentSyncer{deps: deps}
}

func (s *DepartmentSyncer) Type() model.SyncType { return model.SyncDepartments }

// clusterSet is the mutable view of target clusters for one run;
// creates and reparents land here so later ensures see them.
type clusterSet struct {
	byID map[int]model.Cluster
}

// find matches by external code first, then by name with a compatible
// code. Lowest id wins when the target holds duplicates.
func (cs *clusterSet) find(name, ext string) (model.Cluster, bool) {
	var best model.Cluster
	found := false
	better := func(c model.Cluster) bool { return !found || c.ID < best.ID }

	if ext != "" {
		for _, c := range cs.byID {
			if c.ExternalCode == ext && better(c) {
				best, found = c, true
			}
		}
		if found {
			return best, true
		}
	}
	for _, c := range cs.byID {
		if c.Name == name && (ext == "" || c.ExternalCode == "" || c.ExternalCode == ext) && better(c) {
			best, found = c, true
		}
	}
	return best, found
}

func (s *DepartmentSyncer) Sync(ctx context.Context) (*Result, error) {
	snap, err := s.deps.Vista.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	clusters, err := s.deps.cachedClusters(ctx)
	if err != nil {
		return nil, err
	}
	cs := &clusterSet{byID: clusters}

	r, err := begin(s.deps, model.SyncDepartments)
	if err != nil {
		return nil, err
	}

	var runErr error
	rootID, err := s.ensure(ctx, r, cs, rootClusterName, nil, "")
	if err != nil {
		runErr = fmt.Errorf("syncer: ensure root cluster: %w", err)
	} else {
		runErr = s.syncDepartments(ctx, r, cs, rootID, snap.Departments)
	}

	if r.wrote {
		s.deps.invalidate(ctx, CacheClusters)
	}
	return r.finish(runErr)
}

func (s *DepartmentSyncer) syncDepartments(ctx context.Context, r *run, cs *clusterSet, rootID int, depts []vista.DepartmentRow) error {
	entity := string(model.EntityDepartment)
	regionID := make(map[string]int)
	regionFailed := make(map[string]bool)

	for _, dept := range depts {
		if r.interrupted(ctx) {
			return ctx.Err()
		}
		r.row()

		parent := rootID
		if region := strings.TrimSpace(dept.Region); region != "" {
			id, ok := regionID[region]
			if !ok {
				if regionFailed[region] {
					s.deps.Events.RecordSkipped(entity, dept.PRDept,
						fmt.Sprintf("region cluster %q unavailable", region))
					continue
				}
				rid, err := s.ensure(ctx, r, cs, region, &rootID, "")
				if errors.Is(err, ErrSafetyStop) {
					return err
				}
				if err != nil {
					regionFailed[region] = true
					s.deps.Events.RecordSkipped(entity, dept.PRDept,
						fmt.Sprintf("region cluster %q unavailable", region))
					continue
				}
				regionID[region] = rid
				id = rid
			}
			parent = id
		}

		name := dept.PRDept + " - " + dept.Description
		pid := parent
		if _, err := s.ensure(ctx, r, cs, name, &pid, dept.PRDept); err != nil {
			if errors.Is(err, ErrSafetyStop) {
				return err
			}
			// per-row failure already recorded
		}
	}
	return nil
}

// ensure is the idempotent create-or-reparent primitive: an existing
// cluster with the wrong parent is re-parented, a missing external
// code is claimed, and anything else is left untouched.
func (s *DepartmentSyncer) ensure(ctx context.Context, r *run, cs *clusterSet, name string, parentID *int, ext string) (int, error) {
	entity := string(model.EntityDepartment)
	entityID := ext
	if entityID == "" {
		entityID = name
	}

	if c, ok := cs.find(name, ext); ok {
		fields := map[string]any{}
		if !intPtrEq(c.ParentClusterID, parentID) {
			if parentID != nil {
				fields["parent_cluster_id"] = *parentID
			} else {
				fields["parent_cluster_id"] = nil
			}
		}
		if ext != "" && c.ExternalCode == "" {
			fields["external_code"] = ext
		}
		if len(fields) == 0 {
			r.ok()
			return c.ID, nil
		}

		if s.deps.Failures.ShouldSkipRetry(ctx, entity, entityID, fields) {
			s.deps.Events.RecordSkipped(entity, entityID, "previous update failure unresolved; changed fields identical")
			return 0, fmt.Errorf("syncer: cluster %q gated by prior failure", name)
		}

		original := map[string]any{}
		for k := range fields {
			switch k {
			case "parent_cluster_id":
				original[k] = c.ParentClusterID
			case "external_code":
				original[k] = c.ExternalCode
			}
		}
		if _, err := s.deps.SafetyAmp.UpdateCluster(ctx, c.ID, fields); err != nil {
			if httpx.StatusCode(err) == 422 {
				s.deps.Failures.RecordFailure(ctx, entity, entityID, fields, 422, httpx.ErrorBody(err))
			}
			if stop := r.fail(model.EntityDepartment, entityID, "update", fields, err); stop != nil {
				return 0, stop
			}
			return 0, err
		}

		c.ParentClusterID = parentID
		if ext != "" {
			c.ExternalCode = ext
		}
		cs.byID[c.ID] = c
		s.deps.Failures.ClearFailure(ctx, entity, entityID)
		s.deps.Events.RecordUpdated(entity, entityID, fields, original)
		r.wrote = true
		r.ok()
		return c.ID, nil
	}

	p := model.ClusterPayload{Name: name, ParentClusterID: parentID, ExternalCode: ext}
	if s.deps.Failures.ShouldSkipRetry(ctx, entity, entityID, p) {
		s.deps.Events.RecordSkipped(entity, entityID, "previous create failure unresolved; payload unchanged")
		return 0, fmt.Errorf("syncer: cluster %q gated by prior failure", name)
	}

	created, err := s.deps.SafetyAmp.CreateCluster(ctx, p)
	if err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, entityID, p, 422, httpx.ErrorBody(err))
		}
		if stop := r.fail(model.EntityDepartment, entityID, "create", asMap(p), err); stop != nil {
			return 0, stop
		}
		return 0, err
	}

	cs.byID[created.ID] = *created
	s.deps.Failures.ClearFailure(ctx, entity, entityID)
	payload := asMap(p)
	payload["id"] = created.ID
	s.deps.Events.RecordCreated(entity, entityID, payload)
	r.wrote = true
	r.ok()
	return created.ID, nil
}
