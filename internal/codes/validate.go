package codes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/apperr"
	"accessgate.org/internal/audit"
	"accessgate.org/internal/grant"
	"accessgate.org/internal/obs"
	"accessgate.org/internal/ratelimit"
	"accessgate.org/internal/risk"
	"accessgate.org/internal/secret"
)

var limiterCodes = map[ratelimit.Reason]struct {
	kind     apperr.Kind
	code     string
	activity string
}{
	ratelimit.ReasonBlocked:            {apperr.KindRateLimit, apperr.CodeBlocked, audit.ActivityRateLimited},
	ratelimit.ReasonLockedOut:          {apperr.KindRateLimit, apperr.CodeLockedOut, audit.ActivityLockedOut},
	ratelimit.ReasonRateLimitExceeded:  {apperr.KindRateLimit, apperr.CodeRateLimitExceeded, audit.ActivityRateLimited},
	ratelimit.ReasonSuspiciousBehavior: {apperr.KindRateLimit, apperr.CodeSuspiciousBehavior, audit.ActivityRateLimited},
	ratelimit.ReasonAttackDetected:     {apperr.KindThreatDetected, apperr.CodeAttackDetected, audit.ActivityAttackDetected},
}

// ValidateCode runs the validation pipeline: rate-limit gate, attack
// signature scan, constant-time lookup, state checks, composite risk and
// usage accounting. Every outcome is audited.
func (s *Service) ValidateCode(ctx context.Context, raw, institutionID string, rc RequestContext) ValidationResult {
	now := s.now()
	req := s.limiterRequest(rc)
	base := audit.Entry{
		UserID:        rc.UserID,
		IP:            rc.IP,
		UserAgent:     rc.UserAgent,
		SessionID:     rc.SessionID,
		InstitutionID: institutionID,
	}

	dec := s.limiter.Check(ctx, req)
	if !dec.Allowed {
		m, ok := limiterCodes[dec.Reason]
		if !ok {
			m = limiterCodes[ratelimit.ReasonRateLimitExceeded]
		}
		e := apperr.Of(m.kind, m.code).WithRetryAfter(dec.RetryAfter)
		return s.deny(ctx, base, m.activity, e, dec.RiskScore, map[string]any{"reason": string(dec.Reason)})
	}
	if dec.Reason == ratelimit.ReasonSystemError {
		s.log.Warn("rate limiter failed open", zap.String("ip", rc.IP))
	}

	if matches := s.detector.Scan(raw); len(matches) > 0 {
		rec := s.limiter.HandleAttack(ctx, req, matches)
		s.assessor.Reputation().RecordThreat(rc.IP)
		var retry time.Duration
		if !rec.BannedUntil.IsZero() {
			retry = rec.BannedUntil.Sub(now)
		}
		e := apperr.Of(apperr.KindThreatDetected, apperr.CodeAttackDetected).WithRetryAfter(retry)
		return s.deny(ctx, base, audit.ActivityAttackDetected, e, float64(rec.Severity), map[string]any{
			"stage":     "validate",
			"families":  familyNames(matches),
			"threat_id": rec.ID,
			"severity":  rec.Severity,
		})
	}

	found, err := s.lookup(ctx, raw, institutionID)
	if err != nil {
		s.log.Error("code lookup failed", zap.Error(err))
		e := apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err)
		return s.deny(ctx, base, audit.ActivitySystemError, e, 0, map[string]any{"stage": "lookup"})
	}
	if found == nil {
		return s.reject(ctx, req, base, apperr.Of(apperr.KindNotFound, apperr.CodeInvalidCode), dec.RiskScore, nil)
	}
	base.InstitutionID = found.InstitutionID

	var (
		reject     *apperr.Error
		assessment risk.Assessment
	)
	updated, err := s.store.Update(ctx, found.ID, func(c *AccessCode) error {
		reject = nil
		rec := AccessRecord{At: now, IP: rc.IP, UserAgent: rc.UserAgent, SessionID: rc.SessionID}
		fail := func(code string, kind apperr.Kind) error {
			reject = apperr.Of(kind, code)
			rec.Reason = code
			rec.RiskScore = c.RiskScore
			c.FailedAttempts++
			c.UpdatedAt = now
			c.addHistory(rec, s.cfg.HistorySize)
			return nil
		}
		switch {
		case c.Status == StatusDeleted:
			return fail(apperr.CodeInvalidCode, apperr.KindNotFound)
		case c.Status == StatusExpired || c.Expired(now):
			c.Status = StatusExpired
			return fail(apperr.CodeExpired, apperr.KindNotFound)
		case !c.IsActive():
			return fail(apperr.CodeInactive, apperr.KindNotFound)
		case c.MaxUsage > 0 && c.UsageCount >= c.MaxUsage:
			return fail(apperr.CodeUsageExceeded, apperr.KindNotFound)
		}

		assessment = s.assess(c, rc, dec.RiskScore, now)
		c.RiskScore = assessment.Score
		c.Risk = RiskProfile{
			Score:       assessment.Score,
			Overall:     assessment.Level,
			Factors:     assessment.Factors,
			LastUpdated: now,
		}
		if assessment.Suspend {
			c.Status = StatusSuspended
			c.StatusReason = fmt.Sprintf("risk score %.0f at validation", assessment.Score)
			return fail(apperr.CodeRiskBlocked, apperr.KindRiskBlocked)
		}

		c.UsageCount++
		c.UpdatedAt = now
		rec.Success = true
		rec.RiskScore = assessment.Score
		c.addHistory(rec, s.cfg.HistorySize)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return s.reject(ctx, req, base, apperr.Of(apperr.KindNotFound, apperr.CodeInvalidCode), dec.RiskScore, nil)
	}
	if err != nil {
		s.log.Error("code update failed", zap.String("code_id", found.ID), zap.Error(err))
		e := apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err)
		return s.deny(ctx, base, audit.ActivitySystemError, e, 0, map[string]any{"stage": "update", "code_id": found.ID})
	}

	if reject != nil {
		details := map[string]any{"code_id": updated.ID}
		if reject.Code == apperr.CodeRiskBlocked {
			s.riskBlocked(ctx, req, base, updated, assessment)
			details["factors"] = factorNames(assessment.Factors)
		}
		return s.reject(ctx, req, base, reject, updated.RiskScore, details)
	}

	s.limiter.RecordSuccess(req)
	s.assessor.Reputation().RecordSuccess(rc.IP)
	obs.CodeValidations.WithLabelValues("valid").Inc()
	entry := base
	entry.Activity = audit.ActivityCodeValidated
	entry.Success = true
	entry.Details = map[string]any{
		"code_id":     updated.ID,
		"usage_count": updated.UsageCount,
		"risk_score":  assessment.Score,
		"risk_level":  string(assessment.Level),
	}
	s.logActivity(ctx, entry)

	view := updated.View()
	res := ValidationResult{Valid: true, RiskScore: assessment.Score, Code: &view}
	if s.granter != nil {
		token, _, err := s.granter.Issue(grant.Subject{
			CodeID:        updated.ID,
			InstitutionID: updated.InstitutionID,
			CodeType:      updated.Type,
			SessionID:     rc.SessionID,
			UserID:        rc.UserID,
		})
		if err != nil {
			s.log.Error("grant signing failed", zap.String("code_id", updated.ID), zap.Error(err))
		} else {
			res.Grant = token
		}
	}
	return res
}

// lookup finds the code matching raw. Candidates come from the signature
// index; each is confirmed with a constant-time signature comparison and the
// salted hash.
func (s *Service) lookup(ctx context.Context, raw, institutionID string) (*AccessCode, error) {
	if raw == "" {
		return nil, nil
	}
	sig := secret.SignHex(s.signer, raw)
	candidates, err := s.store.FindBySignature(ctx, sig)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if institutionID != "" && c.InstitutionID != institutionID {
			continue
		}
		if !secret.EqualString(c.Signature, sig) {
			continue
		}
		ok, err := s.hasher.Verify(raw, c.Hash)
		if err != nil {
			s.log.Warn("stored hash unreadable", zap.String("code_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			return c, nil
		}
	}
	return nil, nil
}

// assess runs the risk rules. A fault in a rule fails open with a neutral
// assessment.
func (s *Service) assess(c *AccessCode, rc RequestContext, behavior float64, now time.Time) (a risk.Assessment) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("risk assessment fault, failing open", zap.Any("panic", r), zap.String("code_id", c.ID))
			a = risk.Assessment{Level: risk.LevelLow}
		}
	}()
	in := risk.Input{
		At:            now,
		IP:            rc.IP,
		UserAgent:     rc.UserAgent,
		CodeCreatedAt: c.CreatedAt,
		CodeExpiresAt: c.ExpiresAt,
		UsageCount:    c.UsageCount,
		MaxUsage:      c.MaxUsage,
		BehaviorScore: behavior,
	}
	seen := map[string]bool{}
	for _, h := range c.History {
		if !h.Success {
			continue
		}
		in.Uses = append(in.Uses, h.At)
		if h.IP != "" && !seen[h.IP] {
			seen[h.IP] = true
			in.KnownIPs = append(in.KnownIPs, h.IP)
		}
	}
	return s.assessor.Assess(in)
}

// riskBlocked alerts on a risk suspension and blocklists the IP when the score
// reaches the block threshold.
func (s *Service) riskBlocked(ctx context.Context, req ratelimit.Request, base audit.Entry, c AccessCode, a risk.Assessment) {
	entry := base
	entry.Activity = audit.ActivityCodeSuspended
	entry.Details = map[string]any{"code_id": c.ID, "risk_score": a.Score, "trigger": "validation"}
	s.logActivity(ctx, entry)
	s.audit.CreateAlert("CODE_SUSPENDED",
		fmt.Sprintf("code %s suspended at risk score %.0f", c.ID, a.Score),
		audit.AlertHigh,
		map[string]any{"code_id": c.ID, "ip": req.IP, "risk_score": a.Score, "factors": factorNames(a.Factors)})
	if a.Block && req.IP != "" {
		s.limiter.Block(ratelimit.KindIP, req.IP, s.now().Add(s.cfg.RiskBlockDuration))
		s.assessor.Reputation().RecordThreat(req.IP)
	}
}

// reject records a failed attempt for the actor and reports LOCKED_OUT when
// that failure starts a lockout.
func (s *Service) reject(ctx context.Context, req ratelimit.Request, base audit.Entry, e *apperr.Error, score float64, details map[string]any) ValidationResult {
	s.assessor.Reputation().RecordFailure(req.IP)
	lock := s.limiter.RecordFailure(ctx, req)
	if details == nil {
		details = map[string]any{}
	}
	details["failures"] = lock.Failures
	activity := audit.ActivityValidationFailed
	if e.Kind == apperr.KindRiskBlocked {
		activity = audit.ActivityRiskBlocked
	}
	if lock.Locked {
		details["rejected_as"] = e.Code
		details["lockouts"] = lock.Count
		e = apperr.Of(apperr.KindRateLimit, apperr.CodeLockedOut).WithRetryAfter(lock.RetryAfter)
		activity = audit.ActivityLockedOut
	}
	return s.deny(ctx, base, activity, e, score, details)
}

// deny audits a failed validation and builds its result.
func (s *Service) deny(ctx context.Context, base audit.Entry, activity string, e *apperr.Error, score float64, details map[string]any) ValidationResult {
	obs.CodeValidations.WithLabelValues(e.Code).Inc()
	entry := base
	entry.Activity = activity
	entry.Details = details
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	entry.Details["error_code"] = e.Code
	if e.RetryAfter > 0 {
		entry.Details["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	s.logActivity(ctx, entry)
	return ValidationResult{
		Error:      e,
		ErrorCode:  e.Code,
		MessageKey: e.MessageKey,
		RiskScore:  score,
		RetryAfter: e.RetryAfter,
	}
}

func factorNames(fs []risk.Factor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}
