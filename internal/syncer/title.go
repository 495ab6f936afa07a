package syncer

import (
	"context"
	"sort"
	"strings"

	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/model"
)

// TitleSyncer creates a target title for every distinct employee
// title in the source. One-way: titles are never renamed or deleted.
type TitleSyncer struct {
	deps *Deps
}

func NewTitleSyncer(deps *Deps) *TitleSyncer {
	deps.normalize()
	return &TitleSyncer{deps: deps}
}

func (s *TitleSyncer) Type() model.SyncType { return model.SyncTitles }

func (s *TitleSyncer) Sync(ctx context.Context) (*Result, error) {
	snap, err := s.deps.Vista.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	titles, err := s.deps.cachedTitles(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	distinct := make([]string, 0, 32)
	for _, row := range snap.Employees {
		title := strings.TrimSpace(row.Title)
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		distinct = append(distinct, title)
	}
	sort.Strings(distinct)

	r, err := begin(s.deps, model.SyncTitles)
	if err != nil {
		return nil, err
	}

	entity := string(model.EntityTitle)
	var runErr error
	for _, title := range distinct {
		if r.interrupted(ctx) {
			runErr = ctx.Err()
			break
		}
		r.row()
		if _, ok := titles[title]; ok {
			r.ok()
			continue
		}

		created, err := s.deps.SafetyAmp.CreateTitle(ctx, title)
		if err != nil {
			if httpx.StatusCode(err) == 422 {
				s.deps.Failures.RecordFailure(ctx, entity, title,
					map[string]any{"name": title}, 422, httpx.ErrorBody(err))
			}
			if stop := r.fail(model.EntityTitle, title, "create", map[string]any{"name": title}, err); stop != nil {
				runErr = stop
				break
			}
			continue
		}

		if created != nil {
			titles[title] = *created
		}
		s.deps.Failures.ClearFailure(ctx, entity, title)
		s.deps.Events.RecordCreated(entity, title, map[string]any{"name": title})
		r.wrote = true
		r.ok()
	}
	if r.wrote {
		s.deps.invalidate(ctx, CacheTitles)
	}
	return r.finish(runErr)
}
