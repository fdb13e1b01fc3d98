package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

const credentialColumns = `id, institution_id, institution_name, endpoint_id, vendor,
	base_url, counter_version, customer_id, requestor_id, api_key, platform,
	params, reports, max_concurrency, requests_per_second, namespace`

// Credentials reads the active SUSHI credentials from the sushi_credentials
// table.
type Credentials struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewCredentials(pool *pgxpool.Pool) *Credentials {
	return &Credentials{pool: pool, timeout: DefaultTimeout}
}

func (c *Credentials) ListCredentials(ctx context.Context, filter harvest.CredentialFilter) ([]sushi.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM sushi_credentials WHERE active`
	var args []any
	if len(filter.IDs) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, filter.IDs)
	}
	query += ` ORDER BY id`

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sushi.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func scanCredential(row pgx.Row) (sushi.Credential, error) {
	var (
		c      sushi.Credential
		params []byte
	)
	err := row.Scan(
		&c.ID, &c.InstitutionID, &c.InstitutionName, &c.EndpointID, &c.Vendor,
		&c.BaseURL, &c.Version, &c.CustomerID, &c.RequestorID, &c.APIKey, &c.Platform,
		&params, &c.Reports, &c.MaxConcurrency, &c.RequestsPerSecond, &c.Namespace,
	)
	if err != nil {
		return c, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return c, fmt.Errorf("credential %s params: %w", c.ID, err)
		}
	}
	return c, nil
}

// Put inserts or replaces a credential and marks it active.
func (c *Credentials) Put(ctx context.Context, cred sushi.Credential) error {
	const query = `INSERT INTO sushi_credentials (` + credentialColumns + `, active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, TRUE)
	ON CONFLICT (id) DO UPDATE SET
		institution_id = EXCLUDED.institution_id,
		institution_name = EXCLUDED.institution_name,
		endpoint_id = EXCLUDED.endpoint_id,
		vendor = EXCLUDED.vendor,
		base_url = EXCLUDED.base_url,
		counter_version = EXCLUDED.counter_version,
		customer_id = EXCLUDED.customer_id,
		requestor_id = EXCLUDED.requestor_id,
		api_key = EXCLUDED.api_key,
		platform = EXCLUDED.platform,
		params = EXCLUDED.params,
		reports = EXCLUDED.reports,
		max_concurrency = EXCLUDED.max_concurrency,
		requests_per_second = EXCLUDED.requests_per_second,
		namespace = EXCLUDED.namespace,
		active = TRUE`

	params := cred.Params
	if params == nil {
		params = map[string]string{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	reports := cred.Reports
	if reports == nil {
		reports = []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err = c.pool.Exec(ctx, query,
		cred.ID, cred.InstitutionID, cred.InstitutionName, cred.EndpointID, cred.Vendor,
		cred.BaseURL, cred.Version, cred.CustomerID, cred.RequestorID, cred.APIKey, cred.Platform,
		rawParams, reports, cred.MaxConcurrency, cred.RequestsPerSecond, cred.Namespace,
	)
	return err
}

// Deactivate stops harvesting a credential without deleting its history.
func (c *Credentials) Deactivate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.pool.Exec(ctx, `UPDATE sushi_credentials SET active = FALSE WHERE id = $1`, id)
	return err
}
