/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package store

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/tenant"
)

// Store is one tenant's resource and sharing registry. Resource writes keep
// the attached share record in sync; both land atomically, so a reader sees
// either the old pair or the new resource with an old-but-consistent share,
// never a torn record.
type Store struct {
	fs    *FS
	paths tenant.Paths
	log   *zap.Logger
	now   func() time.Time
}

// New creates a registry over the shared filesystem layer.
func New(fs *FS, paths tenant.Paths, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{fs: fs, paths: paths, log: log, now: time.Now}
}

// WithClock overrides the store's clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Paths exposes the tenant path builder for sibling stores.
func (s *Store) Paths() tenant.Paths { return s.paths }

// Now reads the store's clock. Sibling components share it so expiry checks
// agree under test clocks.
func (s *Store) Now() time.Time { return s.now().UTC() }

// FS exposes the shared filesystem layer for sibling stores.
func (s *Store) FS() *FS { return s.fs }

// CreateResource validates, allocates an id when absent, writes the resource
// record, and initializes its empty share record.
func (s *Store) CreateResource(res *Resource) error {
	const op = "store.CreateResource"
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.TenantDomain == "" {
		res.TenantDomain = s.paths.Tenant().Domain
	}
	if res.TenantDomain != s.paths.Tenant().Domain {
		return fabric.E(fabric.KindCrossTenant, op, "Cross-tenant access denied")
	}
	now := s.now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	if err := res.Validate(); err != nil {
		return err
	}
	if err := s.fs.WriteJSON(s.paths.ResourceFile(res.ID), res); err != nil {
		return err
	}
	share := &Share{
		ResourceID:      res.ID,
		OwnerID:         res.OwnerID,
		AccessGroup:     res.AccessGroup,
		TeamMembers:     append([]string(nil), res.TeamMembers...),
		TeamPermissions: map[string]Permission{},
		IsActive:        true,
	}
	return s.fs.WriteJSON(s.paths.ShareFile(res.ID), share)
}

// GetResource loads one resource record.
func (s *Store) GetResource(id string) (*Resource, error) {
	var res Resource
	if err := s.fs.ReadJSON(s.paths.ResourceFile(id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateResource validates the mutated resource and rewrites both the
// resource record and the membership fields of its share record. Share
// permissions and expiry survive the rewrite.
func (s *Store) UpdateResource(res *Resource) error {
	const op = "store.UpdateResource"
	if res.TenantDomain != s.paths.Tenant().Domain {
		return fabric.E(fabric.KindCrossTenant, op, "Cross-tenant access denied")
	}
	res.UpdatedAt = s.now().UTC()
	if err := res.Validate(); err != nil {
		return err
	}
	if _, err := s.GetResource(res.ID); err != nil {
		return err
	}
	if err := s.fs.WriteJSON(s.paths.ResourceFile(res.ID), res); err != nil {
		return err
	}

	var share Share
	return s.fs.Mutate(s.paths.ShareFile(res.ID), &share, true, func() (any, error) {
		if share.ResourceID == "" {
			share = Share{ResourceID: res.ID, TeamPermissions: map[string]Permission{}, IsActive: true}
		}
		share.OwnerID = res.OwnerID
		share.AccessGroup = res.AccessGroup
		share.TeamMembers = append([]string(nil), res.TeamMembers...)
		return &share, nil
	})
}

// DeleteResource removes the resource and its share record.
func (s *Store) DeleteResource(id string) error {
	if err := s.fs.Remove(s.paths.ResourceFile(id)); err != nil {
		return err
	}
	if err := s.fs.Remove(s.paths.ShareFile(id)); err != nil && fabric.KindOf(err) != fabric.KindNotFound {
		return err
	}
	return nil
}

// ListResources returns every parseable resource record, sorted by id.
// Unparseable records are skipped and logged, never fatal.
func (s *Store) ListResources() ([]*Resource, error) {
	ids, err := s.fs.ListIDs(s.paths.ResourcesDir())
	if err != nil {
		return nil, err
	}
	out := make([]*Resource, 0, len(ids))
	for _, id := range ids {
		res, err := s.GetResource(id)
		if err != nil {
			if fabric.KindOf(err) == fabric.KindIntegrityError {
				s.log.Warn("skipping unparseable resource record",
					zap.String("tenant", s.paths.Tenant().Domain),
					zap.String("resource_id", id))
				continue
			}
			if fabric.KindOf(err) == fabric.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// GetShare loads the share record for a resource.
func (s *Store) GetShare(resourceID string) (*Share, error) {
	var share Share
	if err := s.fs.ReadJSON(s.paths.ShareFile(resourceID), &share); err != nil {
		return nil, err
	}
	return &share, nil
}

// PutShare replaces the share record after checking it references an
// existing resource and keeps the owner consistent.
func (s *Store) PutShare(share *Share) error {
	const op = "store.PutShare"
	res, err := s.GetResource(share.ResourceID)
	if err != nil {
		return err
	}
	if share.OwnerID == "" {
		share.OwnerID = res.OwnerID
	}
	if share.OwnerID != res.OwnerID {
		return fabric.E(fabric.KindInvalidInput, op, "share owner must match resource owner")
	}
	return s.fs.WriteJSON(s.paths.ShareFile(share.ResourceID), share)
}
