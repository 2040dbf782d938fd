package escalation

import (
	"context"
	"fmt"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

const policiesCacheKey = "policies"

// PolicyResolver picks the escalation policy for an incident. The policy list is cached
// for ttl; a zero ttl reads the store on every call.
type PolicyResolver struct {
	repo  repository.PolicyRepository
	cache *ttlcache.Cache[string, []entity.Policy]
	ttl   time.Duration
}

func NewPolicyResolver(repo repository.PolicyRepository, ttl time.Duration) *PolicyResolver {
	return &PolicyResolver{
		repo:  repo,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []entity.Policy](ttl),
			ttlcache.WithDisableTouchOnHit[string, []entity.Policy](),
		),
		ttl:   ttl,
	}
}

func (r *PolicyResolver) policies(ctx context.Context) ([]entity.Policy, error) {
	if r.ttl > 0 {
		if item := r.cache.Get(policiesCacheKey); item != nil {
			return item.Value(), nil
		}
	}
	policies, err := r.repo.Policies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	for i := range policies {
		policies[i].Normalize()
	}
	if r.ttl > 0 {
		r.cache.Set(policiesCacheKey, policies, ttlcache.DefaultTTL)
	}
	return policies, nil
}

// Invalidate drops the cached policy list after an administrative change.
func (r *PolicyResolver) Invalidate() {
	r.cache.DeleteAll()
}

// Resolve returns a copy of the most specific enabled policy matching the incident:
// an exact type beats the wildcard, then the highest severity threshold wins, then the lowest id.
func (r *PolicyResolver) Resolve(ctx context.Context, incidentType string, severity int) (*entity.Policy, error) {
	policies, err := r.policies(ctx)
	if err != nil {
		return nil, err
	}
	var best *entity.Policy
	for i := range policies {
		p := &policies[i]
		if !p.Matches(incidentType, severity) {
			continue
		}
		if best == nil || p.Specificity() > best.Specificity() ||
			(p.Specificity() == best.Specificity() && p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: type=%s severity=%d", ErrPolicyNotFound, incidentType, severity)
	}
	out := *best
	out.Steps = append([]entity.Step(nil), best.Steps...)
	return &out, nil
}
