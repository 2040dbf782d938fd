package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

// Catalog administers policies and templates. Changes apply to incidents created afterwards;
// existing incidents keep the steps they were scheduled with.
type Catalog struct {
	policies  repository.PolicyRepository
	templates repository.TemplateRepository
	resolver  *PolicyResolver
	validate  *validator.Validate
	now       func() time.Time
}

func NewCatalog(policies repository.PolicyRepository, templates repository.TemplateRepository, resolver *PolicyResolver, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{
		policies:  policies,
		templates: templates,
		resolver:  resolver,
		validate:  validator.New(),
		now:       now,
	}
}

func (c *Catalog) Policies(ctx context.Context) ([]entity.Policy, error) {
	return c.policies.Policies(ctx)
}

func (c *Catalog) Policy(ctx context.Context, id string) (*entity.Policy, error) {
	p, err := c.policies.PolicyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p, nil
}

// SavePolicy validates and stores p. Every step must name a template of its own channel.
func (c *Catalog) SavePolicy(ctx context.Context, p *entity.Policy) error {
	p.Normalize()
	if err := c.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for n, s := range p.Steps {
		t, err := c.templates.TemplateByID(ctx, s.TemplateID)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: step %d: %w: %s", ErrInvalidPolicy, n, ErrTemplateNotFound, s.TemplateID)
		}
		if t.Channel != s.Channel {
			return fmt.Errorf("%w: step %d: template %s is for %s", ErrInvalidPolicy, n, t.ID, t.Channel)
		}
	}
	p.UpdatedAt = c.now()
	if err := c.policies.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}
	c.resolver.Invalidate()
	return nil
}

func (c *Catalog) DeletePolicy(ctx context.Context, id string) error {
	if _, err := c.Policy(ctx, id); err != nil {
		return err
	}
	if err := c.policies.DeletePolicy(ctx, id); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	c.resolver.Invalidate()
	return nil
}

func (c *Catalog) Templates(ctx context.Context) ([]entity.Template, error) {
	return c.templates.Templates(ctx)
}

func (c *Catalog) Template(ctx context.Context, id string) (*entity.Template, error) {
	t, err := c.templates.TemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// SaveTemplate also parses the template so syntax errors surface here instead of at dispatch.
func (c *Catalog) SaveTemplate(ctx context.Context, t *entity.Template) error {
	if err := c.validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	for _, text := range []string{t.Subject, t.Body} {
		if _, err := parse(t.ID, text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	t.UpdatedAt = c.now()
	if err := c.templates.SaveTemplate(ctx, t); err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTemplate refuses while a policy step still points at the template.
func (c *Catalog) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := c.Template(ctx, id); err != nil {
		return err
	}
	policies, err := c.policies.Policies(ctx)
	if err != nil {
		return err
	}
	for _, p := range policies {
		for _, s := range p.Steps {
			if s.TemplateID == id {
				return fmt.Errorf("%w: %s is used by policy %s", ErrTemplateInUse, id, p.ID)
			}
		}
	}
	if err := c.templates.DeleteTemplate(ctx, id); err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	return nil
}

// Seed stores templates first so that policies can reference them.
func (c *Catalog) Seed(ctx context.Context, policies []entity.Policy, templates []entity.Template) error {
	for i := range templates {
		if err := c.SaveTemplate(ctx, &templates[i]); err != nil {
			return err
		}
	}
	for i := range policies {
		if err := c.SavePolicy(ctx, &policies[i]); err != nil {
			return err
		}
	}
	return nil
}
