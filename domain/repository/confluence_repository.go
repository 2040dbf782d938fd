package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Songmu/retry"
	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
	goconfluence "github.com/virtomize/confluence-go-api"
)

// ConfluenceRepository exports review documents as pages under an optional ancestor.
type ConfluenceRepository struct {
	ancestorID string
	spaceKey   string
	siteURL    string
	client     *goconfluence.API
	sanitize   *bluemonday.Policy
}

func NewConfluenceRepository(domain, user, password, spaceKey, ancestorID string) (*ConfluenceRepository, error) {
	siteURL := fmt.Sprintf("https://%s.atlassian.net/wiki", domain)
	api, err := goconfluence.NewAPI(siteURL+"/rest/api", user, password)
	if err != nil {
		return nil, fmt.Errorf("create confluence api: %w", err)
	}
	return &ConfluenceRepository{
		ancestorID: ancestorID,
		spaceKey:   spaceKey,
		siteURL:    siteURL,
		client:     api,
		sanitize:   bluemonday.UGCPolicy(),
	}, nil
}

// StorageBody converts the markdown review to sanitized XHTML for the storage representation.
func (c *ConfluenceRepository) StorageBody(markdown string) string {
	return string(c.sanitize.SanitizeBytes(blackfriday.Run([]byte(markdown))))
}

func (c *ConfluenceRepository) page(title, markdown string) *goconfluence.Content {
	p := &goconfluence.Content{
		Type:  "page",
		Title: title,
		Body: goconfluence.Body{
			Storage: goconfluence.Storage{Value: c.StorageBody(markdown), Representation: "storage"},
		},
		Version: &goconfluence.Version{Number: 1},
	}
	if c.ancestorID != "" {
		p.Ancestors = []goconfluence.Ancestor{{ID: c.ancestorID}}
	}
	if c.spaceKey != "" {
		p.Space = &goconfluence.Space{Key: c.spaceKey}
	}
	return p
}

// ExportPostMortem creates the page and returns its URL.
func (c *ConfluenceRepository) ExportPostMortem(_ context.Context, title, markdown string) (string, error) {
	p := c.page(title, markdown)
	var created *goconfluence.Content
	err := retry.Retry(3, 2*time.Second, func() error {
		var err error
		created, err = c.client.CreateContent(p)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create confluence page %q: %w", title, err)
	}
	return fmt.Sprintf("%s/pages/viewpage.action?pageId=%s", c.siteURL, created.ID), nil
}
