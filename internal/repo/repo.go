package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"aegis/internal/config"
	"aegis/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertProtocol stores a protocol template. Step templates and compliance
// metadata are serialized as JSON columns.
func (r Repo) UpsertProtocol(ctx context.Context, p domain.Protocol) error {
	return r.UpsertProtocolTx(ctx, nil, p)
}

func (r Repo) UpsertProtocolTx(ctx context.Context, tx *sql.Tx, p domain.Protocol) error {
	if p.ID == "" {
		return errors.New("protocol id required")
	}
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal protocol steps: %w", err)
	}
	complianceJSON, err := json.Marshal(p.Compliance)
	if err != nil {
		return fmt.Errorf("marshal protocol compliance: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	created := p.CreatedAt
	if created == "" {
		created = now
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO protocols(id,name,alert_type,alert_priority,active,steps_json,compliance_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			alert_type=excluded.alert_type,
			alert_priority=excluded.alert_priority,
			active=excluded.active,
			steps_json=excluded.steps_json,
			compliance_json=excluded.compliance_json,
			updated_at=excluded.updated_at`,
		p.ID, p.Name, p.AlertType, nullable(p.AlertPriority), boolInt(p.Active),
		string(stepsJSON), string(complianceJSON), created, now)
	return err
}

func scanProtocol(scan func(dest ...any) error) (domain.Protocol, error) {
	var (
		p              domain.Protocol
		priority       sql.NullString
		active         int
		stepsJSON      string
		complianceJSON sql.NullString
	)
	err := scan(&p.ID, &p.Name, &p.AlertType, &priority, &active, &stepsJSON, &complianceJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AlertPriority = priority.String
	p.Active = active != 0
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return p, fmt.Errorf("unmarshal protocol %s steps: %w", p.ID, err)
	}
	if complianceJSON.Valid && complianceJSON.String != "" {
		if err := json.Unmarshal([]byte(complianceJSON.String), &p.Compliance); err != nil {
			return p, fmt.Errorf("unmarshal protocol %s compliance: %w", p.ID, err)
		}
	}
	return p, nil
}

const protocolColumns = `id,name,alert_type,alert_priority,active,steps_json,compliance_json,created_at,updated_at`

func (r Repo) GetProtocol(ctx context.Context, id string) (domain.Protocol, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id=?`, id)
	return scanProtocol(row.Scan)
}

func (r Repo) ListProtocols(ctx context.Context) ([]domain.Protocol, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+protocolColumns+` FROM protocols ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListActiveProtocolsByType returns active protocols targeting the alert type.
func (r Repo) ListActiveProtocolsByType(ctx context.Context, alertType string) ([]domain.Protocol, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE alert_type=? AND active=1 ORDER BY id`, alertType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetProtocolActive toggles a protocol's eligibility for selection.
func (r Repo) SetProtocolActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE protocols SET active=?, updated_at=? WHERE id=?`,
		boolInt(active), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProtocol(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM protocols WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSiteConfig stores the imported config YAML for a site.
func (r Repo) UpsertSiteConfig(ctx context.Context, siteID string, cfg *config.Config) error {
	return r.UpsertSiteConfigTx(ctx, nil, siteID, cfg)
}

func (r Repo) UpsertSiteConfigTx(ctx context.Context, tx *sql.Tx, siteID string, cfg *config.Config) error {
	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO site_config(site_id,config_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(site_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		siteID, data, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r Repo) GetSiteConfig(ctx context.Context, siteID string) (*config.Config, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM site_config WHERE site_id=?`, siteID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

// SingleSite returns the only configured site, or ErrNotFound.
func (r Repo) SingleSite(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT site_id FROM site_config`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var sites []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		sites = append(sites, id)
	}
	if len(sites) == 0 {
		return "", ErrNotFound
	}
	if len(sites) > 1 {
		return "", fmt.Errorf("multiple sites configured; specify --site")
	}
	return sites[0], nil
}

// LatestEvents returns the newest journal rows, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, siteID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(site_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if cursor > 0 {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
	if siteID != "" {
		query += ` AND site_id=?`
		args = append(args, siteID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns journal rows with id greater than cursor, oldest first.
// The webhook dispatcher pages through the journal with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, siteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(site_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ?`
	args := []any{cursor}
	if siteID != "" {
		query += ` AND site_id=?`
		args = append(args, siteID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the newest journal row id for a site, or 0.
func (r Repo) LatestEventID(ctx context.Context, siteID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if siteID != "" {
		query += ` WHERE site_id=?`
		args = append(args, siteID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SiteID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalConfig(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", errors.New("config required")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
