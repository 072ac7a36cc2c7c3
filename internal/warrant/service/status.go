package service

import (
	"context"
	"errors"

	"maskgate/internal/warrant/models"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/sentinel"
	"maskgate/pkg/requestcontext"
)

// Status returns the current record for warrantID. Records belonging to
// another enterprise than the authenticated caller are reported as not found.
func (s *Service) Status(ctx context.Context, warrantID string) (*models.AnchorRecord, error) {
	if warrantID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "warrant id is required")
	}
	rec, err := s.records.Get(ctx, warrantID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "warrant %s not found", warrantID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load anchor record")
	}
	if caller := requestcontext.EnterpriseID(ctx); caller != "" && caller != rec.EnterpriseID {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "warrant %s not found", warrantID)
	}
	s.metrics.IncStatusQuery()
	s.track(ctx, audit.EventStatusChecked, warrantID)
	return rec, nil
}
