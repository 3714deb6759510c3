package service

import (
	"context"
	"fmt"

	"github.com/tapgame-core/internal/configsync"
	"github.com/tapgame-core/internal/domain"
)

// SaveConfigEntity writes entity and resyncs its variant so the change is
// visible to the next read.
func (s *PlayerService) SaveConfigEntity(ctx context.Context, entity domain.ConfigEntity) (configsync.VariantReport, error) {
	if _, err := s.configs.Save(ctx, entity); err != nil {
		return configsync.VariantReport{}, fmt.Errorf("saving %s %q: %w", entity.Kind(), entity.EntityID(), err)
	}
	return s.syncVariant(ctx, entity.Kind())
}

// DeleteConfigEntity removes an entity and resyncs its variant.
func (s *PlayerService) DeleteConfigEntity(ctx context.Context, v domain.Variant, id string) (configsync.VariantReport, error) {
	if err := s.configs.Delete(ctx, v, id); err != nil {
		return configsync.VariantReport{}, err
	}
	return s.syncVariant(ctx, v)
}

func (s *PlayerService) syncVariant(ctx context.Context, v domain.Variant) (configsync.VariantReport, error) {
	report, err := s.configs.SyncVariant(ctx, v)
	if err == nil && s.broadcaster != nil {
		s.broadcaster.BroadcastConfigUpdate(v, report.Generation, report.Loaded)
	}
	return report, err
}

// GetConfig returns one entity from the in-memory collection.
func (s *PlayerService) GetConfig(v domain.Variant, id string) (domain.ConfigEntity, error) {
	if _, err := domain.ParseVariant(string(v)); err != nil {
		return nil, err
	}
	entity, ok := s.configs.Get(v, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", domain.ErrNotFound, v, id)
	}
	return entity, nil
}

// ListConfig returns every entity of a variant, sorted by id.
func (s *PlayerService) ListConfig(v domain.Variant) ([]domain.ConfigEntity, error) {
	if _, err := domain.ParseVariant(string(v)); err != nil {
		return nil, err
	}
	return s.configs.List(v), nil
}

// SyncConfig reloads every variant.
func (s *PlayerService) SyncConfig(ctx context.Context) (configsync.SyncReport, error) {
	report, err := s.configs.SyncAll(ctx)
	if s.broadcaster != nil {
		for _, vr := range report.Variants {
			if vr.Error == "" {
				s.broadcaster.BroadcastConfigUpdate(vr.Variant, vr.Generation, vr.Loaded)
			}
		}
	}
	return report, err
}
