package app

import (
	"context"
	"errors"
	"fmt"

	"aegis/internal/catalog"
	"aegis/internal/config"
	"aegis/internal/repo"
)

const defaultSiteID = "default-site"

// ResolveSiteAndConfig picks the active site and ensures a config and protocol
// catalog exist in the DB, seeding the built-in defaults on first use. It
// prefers the override, then the single configured site, then a fresh default.
func ResolveSiteAndConfig(ctx context.Context, siteOverride string, r repo.Repo) (string, *config.Config, error) {
	siteID := siteOverride
	if siteID == "" {
		id, err := r.SingleSite(ctx)
		switch {
		case err == nil:
			siteID = id
		case errors.Is(err, repo.ErrNotFound):
			siteID = defaultSiteID
		default:
			return "", nil, err
		}
	}
	cfg, err := r.GetSiteConfig(ctx, siteID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(siteID)
		if err := ImportConfig(ctx, r, siteID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed site config: %w", err)
		}
	}
	cfg.Site.ID = siteID
	return siteID, cfg, nil
}

// ImportConfig stores the config for a site and upserts its protocol
// definitions into the catalog.
func ImportConfig(ctx context.Context, r repo.Repo, siteID string, cfg *config.Config) error {
	if err := r.UpsertSiteConfig(ctx, siteID, cfg); err != nil {
		return err
	}
	if _, err := (catalog.Catalog{Repo: r}).Import(ctx, cfg); err != nil {
		return err
	}
	return nil
}
