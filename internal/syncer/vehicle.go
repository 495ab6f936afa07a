package syncer

import (
	"context"
	"regexp"
	"strings"

	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/validate"
)

// empIDPattern finds the payroll number dispatch staff record in a
// driver's free-text notes.
var empIDPattern = regexp.MustCompile(`\d{4,}`)

// VehicleSyncer mirrors fleet vehicles into target assets, keyed by
// serial number.
type VehicleSyncer struct {
	deps *Deps
}

func NewVehicleSyncer(deps *Deps) *VehicleSyncer {
	deps.normalize()
	return &VehicleSyncer{deps: deps}
}

func (s *VehicleSyncer) Type() model.SyncType { return model.SyncVehicles }

// vehicleRefs are the lookup maps for driver-to-user resolution.
type vehicleRefs struct {
	assets  map[string]model.Asset
	drivers map[string]samsara.Driver
	users   map[string]model.User
}

func (s *VehicleSyncer) Sync(ctx context.Context) (*Result, error) {
	vehicles, err := s.deps.Samsara.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := s.deps.cachedAssets(ctx)
	if err != nil {
		return nil, err
	}
	drivers, err := s.deps.cachedDrivers(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.deps.cachedUsers(ctx)
	if err != nil {
		return nil, err
	}
	refs := &vehicleRefs{assets: assets, drivers: drivers, users: users}

	r, err := begin(s.deps, model.SyncVehicles)
	if err != nil {
		return nil, err
	}

	var runErr error
	for _, v := range vehicles {
		if r.interrupted(ctx) {
			runErr = ctx.Err()
			break
		}
		r.row()
		if err := s.syncOne(ctx, r, refs, v); err != nil {
			runErr = err
			break
		}
	}
	if r.wrote {
		s.deps.invalidate(ctx, CacheAssets)
	}
	return r.finish(runErr)
}

func (s *VehicleSyncer) syncOne(ctx context.Context, r *run, refs *vehicleRefs, v samsara.Vehicle) error {
	entity := string(model.EntityVehicle)

	serial := strings.TrimSpace(v.Serial)
	if serial == "" {
		s.deps.Events.RecordSkipped(entity, v.ID, "vehicle has no serial")
		return nil
	}

	p := s.payloadFor(v, refs)
	p, verrs := validate.ValidateVehicle(p, v.ID)
	if len(verrs) > 0 {
		return r.fail(model.EntityVehicle, serial, "validate", asMap(p),
			&validationError{msg: strings.Join(verrs, "; ")})
	}

	if existing, ok := refs.assets[serial]; ok {
		return s.update(ctx, r, serial, existing, p)
	}
	return s.create(ctx, r, serial, p)
}

// payloadFor transforms one vehicle. Site and asset type come from the
// configured overrides regardless of the driver's home site; the
// assignment ambiguity is deliberately collapsed to one fleet site.
func (s *VehicleSyncer) payloadFor(v samsara.Vehicle, refs *vehicleRefs) model.AssetPayload {
	p := model.AssetPayload{
		Name:        v.Name,
		Serial:      v.Serial,
		VIN:         v.VIN,
		Description: vehicleDescription(v),
		SiteID:      s.deps.VehicleSiteID,
		AssetTypeID: s.deps.VehicleAssetTypeID,
	}
	if ref := v.StaticAssignedDriver; ref != nil {
		if d, ok := refs.drivers[ref.ID]; ok {
			if empID := empIDPattern.FindString(d.Notes); empID != "" {
				if u, ok := refs.users[empID]; ok {
					p.CurrentUserID = model.IntPtr(u.ID)
				}
			}
		}
	}
	return p
}

func vehicleDescription(v samsara.Vehicle) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{v.Make, v.Model, v.Year} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

func (s *VehicleSyncer) create(ctx context.Context, r *run, serial string, p model.AssetPayload) error {
	entity := string(model.EntityVehicle)

	// The target rejects assigning a user to an asset that does not
	// exist yet; the next run picks up the assignment.
	p.CurrentUserID = nil

	if s.deps.Failures.ShouldSkipRetry(ctx, entity, serial, p) {
		s.deps.Events.RecordSkipped(entity, serial, "previous create failure unresolved; payload unchanged")
		return nil
	}

	created, err := s.deps.SafetyAmp.CreateAsset(ctx, p)
	if err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, serial, p, 422, httpx.ErrorBody(err))
		}
		return r.fail(model.EntityVehicle, serial, "create", asMap(p), err)
	}

	s.deps.Failures.ClearFailure(ctx, entity, serial)
	payload := asMap(p)
	if created != nil {
		payload["id"] = created.ID
	}
	s.deps.Events.RecordCreated(entity, serial, payload)
	r.wrote = true
	r.ok()
	return nil
}

// update touches only the assignment triple; names and descriptions
// are owned by the target after creation.
func (s *VehicleSyncer) update(ctx context.Context, r *run, serial string, existing model.Asset, p model.AssetPayload) error {
	entity := string(model.EntityVehicle)

	changes := map[string]any{}
	original := map[string]any{}
	if p.CurrentUserID != nil && !intPtrEq(p.CurrentUserID, existing.CurrentUserID) {
		changes["current_user_id"] = *p.CurrentUserID
		original["current_user_id"] = existing.CurrentUserID
	}
	if p.SiteID != 0 && p.SiteID != existing.SiteID {
		changes["site_id"] = p.SiteID
		original["site_id"] = existing.SiteID
	}
	if p.AssetTypeID != 0 && p.AssetTypeID != existing.AssetTypeID {
		changes["asset_type_id"] = p.AssetTypeID
		original["asset_type_id"] = existing.AssetTypeID
	}
	if len(changes) == 0 {
		r.ok()
		return nil
	}

	if s.deps.Failures.ShouldSkipRetry(ctx, entity, serial, changes) {
		s.deps.Events.RecordSkipped(entity, serial, "previous update failure unresolved; changed fields identical")
		return nil
	}

	if _, err := s.deps.SafetyAmp.UpdateAsset(ctx, existing.ID, changes); err != nil {
		if httpx.StatusCode(err) == 422 {
			s.deps.Failures.RecordFailure(ctx, entity, serial, changes, 422, httpx.ErrorBody(err))
		}
		return r.fail(model.EntityVehicle, serial, "update", changes, err)
	}
	s.deps.Failures.ClearFailure(ctx, entity, serial)
	s.deps.Events.RecordUpdated(entity, serial, changes, original)
	r.wrote = true
	r.ok()
	return nil
}
