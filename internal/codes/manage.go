package codes

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/apperr"
	"accessgate.org/internal/audit"
	"accessgate.org/internal/risk"
)

var errTransition = apperr.Of(apperr.KindValidation, apperr.CodeInvalidTransition)

// storeError maps store failures onto the boundary taxonomy.
func (s *Service) storeError(op, id string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeNotFound, apperr.MessageKey(apperr.CodeNotFound), err)
	}
	s.log.Error("code store failed", zap.String("op", op), zap.String("code_id", id), zap.Error(err))
	return apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err)
}

// settle marks a code whose expiry has passed as EXPIRED and reports
// whether it is terminal.
func settle(c *AccessCode, now time.Time) bool {
	if !c.Status.Terminal() && c.Expired(now) {
		c.Status = StatusExpired
	}
	return c.Status.Terminal()
}

// UpdateStatus applies an explicit patch. Active=true is the only way back
// from SUSPENDED; terminal codes reject every patch. A usage cap may not drop
// below the current usage count.
func (s *Service) UpdateStatus(ctx context.Context, id string, patch StatusPatch) (CodeView, error) {
	now := s.now()
	var from Status
	updated, err := s.store.Update(ctx, id, func(c *AccessCode) error {
		from = c.Status
		if settle(c, now) {
			return errTransition
		}
		if patch.MaxUsage != nil {
			if m := *patch.MaxUsage; m < 0 || (m > 0 && m < c.UsageCount) {
				return apperr.Of(apperr.KindValidation, apperr.CodeInvalidInput)
			}
			c.MaxUsage = *patch.MaxUsage
		}
		if patch.Active != nil {
			if *patch.Active {
				c.Status = StatusActive
				c.StatusReason = ""
			} else {
				c.Status = StatusSuspended
				c.StatusReason = patch.Reason
			}
		}
		for k, v := range patch.Metadata {
			if c.Metadata == nil {
				c.Metadata = make(map[string]string)
			}
			c.Metadata[k] = v
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return CodeView{}, s.storeError("update_status", id, err)
	}
	activity := audit.ActivityStatusUpdated
	if from == StatusActive && updated.Status == StatusSuspended {
		activity = audit.ActivityCodeSuspended
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      activity,
		InstitutionID: updated.InstitutionID,
		Success:       true,
		Details: map[string]any{
			"code_id":   id,
			"from":      string(from),
			"to":        string(updated.Status),
			"max_usage": updated.MaxUsage,
			"reason":    patch.Reason,
		},
	})
	return updated.View(), nil
}

// ExtendExpiry moves expiresAt forward by exactly hours.
func (s *Service) ExtendExpiry(ctx context.Context, id string, hours int) (CodeView, error) {
	if hours <= 0 || (s.cfg.MaxExtendHours > 0 && hours > s.cfg.MaxExtendHours) {
		return CodeView{}, apperr.Of(apperr.KindValidation, apperr.CodeInvalidInput)
	}
	now := s.now()
	var previous time.Time
	updated, err := s.store.Update(ctx, id, func(c *AccessCode) error {
		if settle(c, now) {
			return errTransition
		}
		previous = c.ExpiresAt
		c.ExpiresAt = c.ExpiresAt.Add(time.Duration(hours) * time.Hour)
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return CodeView{}, s.storeError("extend_expiry", id, err)
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityExpiryExtended,
		InstitutionID: updated.InstitutionID,
		Success:       true,
		Details: map[string]any{
			"code_id":     id,
			"hours":       hours,
			"previous":    previous,
			"expires_at":  updated.ExpiresAt,
			"usage_count": updated.UsageCount,
		},
	})
	return updated.View(), nil
}

// Deactivate suspends a code; it can be reactivated with UpdateStatus.
func (s *Service) Deactivate(ctx context.Context, id string) (CodeView, error) {
	now := s.now()
	updated, err := s.store.Update(ctx, id, func(c *AccessCode) error {
		if settle(c, now) {
			return errTransition
		}
		c.Status = StatusSuspended
		c.StatusReason = "deactivated"
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return CodeView{}, s.storeError("deactivate", id, err)
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityCodeDeactivated,
		InstitutionID: updated.InstitutionID,
		Success:       true,
		Details:       map[string]any{"code_id": id},
	})
	return updated.View(), nil
}

// Delete removes a code. Its secret no longer validates.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return s.storeError("delete", id, err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return s.storeError("delete", id, err)
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityCodeDeleted,
		InstitutionID: c.InstitutionID,
		Success:       true,
		Details:       map[string]any{"code_id": id, "status": string(c.Status), "usage_count": c.UsageCount},
	})
	return nil
}

// Match reports whether c satisfies f at now.
func (f Filter) Match(c AccessCode, now time.Time) bool {
	status := c.Status
	if !status.Terminal() && c.Expired(now) {
		status = StatusExpired
	}
	switch {
	case f.InstitutionID != "" && c.InstitutionID != f.InstitutionID:
		return false
	case f.Type != "" && c.Type != f.Type:
		return false
	case f.Status != "" && status != f.Status:
		return false
	case f.MinRisk > 0 && c.RiskScore < f.MinRisk:
		return false
	case !f.CreatedAfter.IsZero() && !c.CreatedAt.After(f.CreatedAfter):
		return false
	case !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore):
		return false
	case f.ExpiringIn > 0 && (status != StatusActive || c.ExpiresAt.Sub(now) > f.ExpiringIn):
		return false
	}
	return true
}

// SearchCodes returns sanitized codes matching f, newest first.
func (s *Service) SearchCodes(ctx context.Context, f Filter) ([]CodeView, error) {
	all, err := s.store.List(ctx, f.InstitutionID)
	if err != nil {
		return nil, s.storeError("search", "", err)
	}
	now := s.now()
	out := make([]CodeView, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		c := all[i]
		if !f.Match(c, now) {
			continue
		}
		settle(&c, now)
		out = append(out, c.View())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityCodesSearched,
		InstitutionID: f.InstitutionID,
		Success:       true,
		Details: map[string]any{
			"type":    f.Type,
			"status":  string(f.Status),
			"results": len(out),
		},
	})
	return out, nil
}

// GetStats reports usage for one code, or a service-wide summary when id is
// empty. UsagePercentage is usageCount/maxUsage*100 for capped codes, else 0.
func (s *Service) GetStats(ctx context.Context, id string) (Stats, error) {
	now := s.now()
	if id == "" {
		return s.summary(ctx, now)
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Stats{}, s.storeError("stats", id, err)
	}
	settle(&c, now)
	view := c.View()
	st := Stats{
		CodeID:         c.ID,
		UsageCount:     c.UsageCount,
		MaxUsage:       c.MaxUsage,
		FailedAttempts: c.FailedAttempts,
		RiskScore:      c.RiskScore,
		RiskLevel:      c.Risk.Overall,
		Status:         c.Status,
		LastAccessedAt: view.LastAccessedAt,
	}
	st.UsagePercentage = usagePercentage(c.UsageCount, c.MaxUsage)
	if c.Status == StatusActive {
		st.ExpiresIn = c.ExpiresAt.Sub(now)
	}
	if !c.Usage.EvaluatedAt.IsZero() {
		u := c.Clone().Usage
		st.Usage = &u
	}
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityStatsViewed,
		InstitutionID: c.InstitutionID,
		Success:       true,
		Details:       map[string]any{"code_id": id},
	})
	return st, nil
}

func usagePercentage(count, maxUsage int) float64 {
	if maxUsage <= 0 {
		return 0
	}
	return float64(count) * 100 / float64(maxUsage)
}

func (s *Service) summary(ctx context.Context, now time.Time) (Stats, error) {
	all, err := s.store.List(ctx, "")
	if err != nil {
		return Stats{}, s.storeError("stats", "", err)
	}
	st := Stats{ByStatus: map[Status]int{}, ByType: map[string]int{}}
	var capped, cappedUsage, cappedMax int
	var riskSum float64
	for i := range all {
		c := &all[i]
		settle(c, now)
		st.Total++
		st.ByStatus[c.Status]++
		st.ByType[c.Type]++
		st.TotalUsage += c.UsageCount
		st.FailedAttempts += c.FailedAttempts
		riskSum += c.RiskScore
		if c.Risk.Overall == risk.LevelHigh {
			st.HighRisk++
		}
		if c.MaxUsage > 0 {
			capped++
			cappedUsage += c.UsageCount
			cappedMax += c.MaxUsage
		}
	}
	st.UsageCount = st.TotalUsage
	if st.Total > 0 {
		st.RiskScore = riskSum / float64(st.Total)
	}
	if capped > 0 {
		st.UsagePercentage = usagePercentage(cappedUsage, cappedMax)
	}
	s.logActivity(ctx, audit.Entry{
		Activity: audit.ActivityStatsViewed,
		Success:  true,
		Details:  map[string]any{"scope": "all", "total": st.Total},
	})
	return st, nil
}
