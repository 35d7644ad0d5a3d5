// Package codes issues and validates access codes. Validation is gated by
// the rate limiter, screened for attack signatures, verified in constant
// time, risk-assessed and audited.
package codes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/apperr"
	"accessgate.org/internal/audit"
	"accessgate.org/internal/grant"
	"accessgate.org/internal/ids"
	"accessgate.org/internal/obs"
	"accessgate.org/internal/ratelimit"
	"accessgate.org/internal/risk"
	"accessgate.org/internal/secret"
	"accessgate.org/internal/threat"
)

// Detector finds attack signatures in a raw code.
type Detector interface {
	Scan(text string) []threat.Match
}

// Granter signs access grants for successful validations.
type Granter interface {
	Issue(s grant.Subject) (string, time.Time, error)
}

// Service is the access-code engine. It is safe for concurrent use.
type Service struct {
	cfg      Config
	store    Store
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	assessor *risk.Assessor
	detector Detector
	hasher   secret.Hasher
	signer   secret.Signer
	granter  Granter
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Service.
type Option func(*Service) error

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithLogger sets the zap logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithAssessor overrides the risk assessor.
func WithAssessor(a *risk.Assessor) Option {
	return func(s *Service) error {
		if a != nil {
			s.assessor = a
		}
		return nil
	}
}

// WithDetector overrides the attack signature detector.
func WithDetector(d Detector) Option {
	return func(s *Service) error {
		if d != nil {
			s.detector = d
		}
		return nil
	}
}

// WithHasher overrides the hasher built from the config.
func WithHasher(h secret.Hasher) Option {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithSigner sets the lookup signer. Without it a random key is used, which
// only suits stores that do not outlive the process.
func WithSigner(sg secret.Signer) Option {
	return func(s *Service) error {
		if sg != nil {
			s.signer = sg
		}
		return nil
	}
}

// WithGranter enables access grants on successful validation.
func WithGranter(g Granter) Option {
	return func(s *Service) error {
		s.granter = g
		return nil
	}
}

// New constructs a Service.
func New(cfg Config, store Store, limiter *ratelimit.Limiter, auditLog *audit.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || limiter == nil || auditLog == nil {
		return nil, errors.New("codes: store, limiter and audit logger are required")
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		audit:   auditLog,
		now:     func() time.Time { return time.Now().UTC() },
		log:     obs.Logger().Named("codes"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.hasher == nil {
		h, err := secret.NewHasher(cfg.HashAlgorithm, cfg.Argon2, cfg.BcryptCost)
		if err != nil {
			return nil, err
		}
		s.hasher = h
	}
	if s.signer == nil {
		master, err := secret.RandomMasterKey()
		if err != nil {
			return nil, err
		}
		kr, err := secret.NewKeyring(master)
		if err != nil {
			return nil, err
		}
		if s.signer, err = kr.Signer("code-lookup"); err != nil {
			return nil, err
		}
	}
	if s.detector == nil {
		s.detector = threat.NewDetector()
	}
	if s.assessor == nil {
		a, err := risk.New(risk.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.assessor = a
	}
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// GenerateCode returns a random code honouring the composition policy.
func (s *Service) GenerateCode(length int, opts CharsetOptions) (string, error) {
	return s.cfg.GenerateCode(length, opts)
}

// ValidateStrength checks a code against the composition policy.
func (s *Service) ValidateStrength(code string) StrengthResult {
	return s.cfg.ValidateStrength(code)
}

// IssueCode creates a code and returns its raw secret once. Internal faults
// fail closed: nothing is issued.
func (s *Service) IssueCode(ctx context.Context, institutionID, codeType, customCode string, opts IssueOptions) (IssuedCode, error) {
	institutionID = strings.TrimSpace(institutionID)
	codeType = strings.ToLower(strings.TrimSpace(codeType))
	base := audit.Entry{
		UserID:        opts.Requester.UserID,
		IP:            opts.Requester.IP,
		UserAgent:     opts.Requester.UserAgent,
		SessionID:     opts.Requester.SessionID,
		InstitutionID: institutionID,
	}
	if institutionID == "" || codeType == "" || opts.MaxUsage < 0 || opts.ExpiryHours < 0 {
		return IssuedCode{}, s.issueFailed(ctx, base, apperr.Of(apperr.KindValidation, apperr.CodeInvalidInput), nil)
	}

	now := s.now()
	expiryHours := s.cfg.ExpiryHours
	if opts.ExpiryHours > 0 {
		expiryHours = opts.ExpiryHours
	}
	maxUsage := s.cfg.DefaultMaxUsage
	if opts.MaxUsage > 0 {
		maxUsage = opts.MaxUsage
	}
	level := SecurityStandard
	if s.cfg.privileged(codeType) {
		level = SecurityHigh
	}

	var (
		raw  string
		code AccessCode
	)
	for attempt := 0; ; attempt++ {
		var err error
		if raw, err = s.candidate(ctx, customCode, opts, base); err != nil {
			return IssuedCode{}, err
		}
		hash, err := s.hasher.Hash(raw)
		if err != nil {
			return IssuedCode{}, s.issueFailed(ctx, base, apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err), err)
		}
		code = AccessCode{
			ID:            ids.NewAt(now),
			InstitutionID: institutionID,
			Type:          codeType,
			Status:        StatusActive,
			SecurityLevel: level,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(time.Duration(expiryHours) * time.Hour),
			MaxUsage:      maxUsage,
			Risk:          RiskProfile{Overall: risk.LevelLow, LastUpdated: now},
			Metadata:      cloneMetadata(opts.Metadata),
			CreatedBy:     opts.Requester.UserID,
			Hash:          hash,
			Signature:     secret.SignHex(s.signer, raw),
		}
		err = s.store.Create(ctx, code)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicate) && (customCode != "" || attempt >= 2) {
			return IssuedCode{}, s.issueFailed(ctx, base, apperr.Wrap(apperr.KindValidation, apperr.CodeDuplicateCode, apperr.MessageKey(apperr.CodeDuplicateCode), err), nil)
		}
		if !errors.Is(err, ErrDuplicate) {
			return IssuedCode{}, s.issueFailed(ctx, base, apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err), err)
		}
	}

	obs.CodesIssued.WithLabelValues(codeType).Inc()
	entry := base
	entry.Activity = audit.ActivityCodeIssued
	entry.Success = true
	entry.Details = map[string]any{
		"code_id":        code.ID,
		"type":           code.Type,
		"security_level": string(code.SecurityLevel),
		"expires_at":     code.ExpiresAt,
		"max_usage":      code.MaxUsage,
		"custom":         customCode != "",
	}
	s.logActivity(ctx, entry)

	if level == SecurityHigh {
		entry.Activity = audit.ActivityHighSecurityIssued
		s.logActivity(ctx, entry)
		s.audit.CreateAlert("HIGH_SECURITY_CODE_CREATED",
			fmt.Sprintf("%s code issued for institution %s", codeType, institutionID),
			audit.AlertHigh,
			map[string]any{"code_id": code.ID, "institution_id": institutionID, "type": codeType, "issued_by": opts.Requester.UserID})
	}

	return IssuedCode{
		ID:            code.ID,
		RawCode:       raw,
		ExpiresAt:     code.ExpiresAt,
		Type:          code.Type,
		SecurityLevel: code.SecurityLevel,
	}, nil
}

// candidate returns the raw secret to issue. A custom code must be strong and
// free of attack signatures; a signature on it is handled as an attack by the
// requester. Generated codes carrying a signature are regenerated.
func (s *Service) candidate(ctx context.Context, customCode string, opts IssueOptions, base audit.Entry) (string, error) {
	if customCode != "" {
		if matches := s.detector.Scan(customCode); len(matches) > 0 {
			rec := s.limiter.HandleAttack(ctx, s.limiterRequest(opts.Requester), matches)
			s.assessor.Reputation().RecordThreat(opts.Requester.IP)
			entry := base
			entry.Activity = audit.ActivityAttackDetected
			entry.Details = map[string]any{
				"stage":     "issue",
				"families":  familyNames(matches),
				"threat_id": rec.ID,
				"severity":  rec.Severity,
			}
			s.logActivity(ctx, entry)
			return "", apperr.Of(apperr.KindThreatDetected, apperr.CodeAttackDetected)
		}
		if res := s.cfg.ValidateStrength(customCode); !res.Valid {
			err := apperr.Wrap(apperr.KindValidation, apperr.CodeWeakCode, apperr.MessageKey(apperr.CodeWeakCode),
				errors.New(strings.Join(res.Errors, "; ")))
			return "", s.issueFailed(ctx, base, err, nil)
		}
		return customCode, nil
	}
	for i := 0; i < 3; i++ {
		raw, err := s.cfg.GenerateCode(opts.Length, opts.Charset)
		if err != nil {
			return "", s.issueFailed(ctx, base, apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err), err)
		}
		if len(s.detector.Scan(raw)) == 0 {
			return raw, nil
		}
	}
	err := errors.New("generated codes kept matching attack signatures")
	return "", s.issueFailed(ctx, base, apperr.Wrap(apperr.KindSystem, apperr.CodeSystemError, apperr.MessageKey(apperr.CodeSystemError), err), err)
}

func (s *Service) issueFailed(ctx context.Context, base audit.Entry, e *apperr.Error, cause error) error {
	entry := base
	entry.Activity = audit.ActivityCodeIssueFailed
	entry.Details = map[string]any{"error_code": e.Code}
	if e.Kind == apperr.KindValidation && e.Cause() != nil {
		entry.Details["problems"] = e.Cause().Error()
	}
	s.logActivity(ctx, entry)
	if cause != nil {
		s.log.Error("code issuance failed", zap.String("institution_id", base.InstitutionID), zap.Error(cause))
	}
	return e
}

func (s *Service) logActivity(ctx context.Context, e audit.Entry) {
	if _, err := s.audit.LogActivity(ctx, e); err != nil {
		s.log.Warn("audit write failed", zap.String("activity", e.Activity), zap.Error(err))
	}
}

func (s *Service) limiterRequest(rc RequestContext) ratelimit.Request {
	path := rc.Path
	if path == "" {
		path = s.cfg.ValidatePath
	}
	return ratelimit.Request{
		IP:        rc.IP,
		UserID:    rc.UserID,
		SessionID: rc.SessionID,
		APIKey:    rc.APIKey,
		Path:      path,
		UserAgent: rc.UserAgent,
		Headers:   rc.Headers,
	}
}

func familyNames(matches []threat.Match) []string {
	fams := threat.Families(matches)
	out := make([]string, len(fams))
	for i, f := range fams {
		out[i] = string(f)
	}
	return out
}

// GetAlerts returns queued alerts matching f, newest first.
func (s *Service) GetAlerts(f audit.AlertFilter) []audit.Alert { return s.audit.Alerts(f) }

// AcknowledgeAlert marks an alert acknowledged.
func (s *Service) AcknowledgeAlert(ctx context.Context, id string) (audit.Alert, error) {
	a, err := s.audit.AcknowledgeAlert(ctx, id)
	if errors.Is(err, audit.ErrAlertNotFound) {
		return audit.Alert{}, apperr.Wrap(apperr.KindNotFound, apperr.CodeNotFound, "errors.alert.not_found", err)
	}
	return a, err
}

// GenerateUsageReport delegates to the audit logger.
func (s *Service) GenerateUsageReport(window time.Duration) audit.UsageReport {
	return s.audit.GenerateUsageReport(window)
}

// GetSecurityTrends delegates to the audit logger.
func (s *Service) GetSecurityTrends(window time.Duration) audit.SecurityTrends {
	return s.audit.GetSecurityTrends(window)
}
