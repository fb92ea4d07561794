package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"

	"eventbroker/internal/types"
)

// Source loads the complete mapping from its backing store.
type Source interface {
	Name() string
	Load(ctx context.Context) (map[string]string, error)
}

// DBTX is the query subset of *pgxpool.Pool the Postgres source needs.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectWebhooks = `SELECT client_id, webhook_url FROM client_webhooks WHERE enabled`

// PostgresSource reads the client_webhooks table.
type PostgresSource struct {
	db     DBTX
	logger *slog.Logger
}

func NewPostgresSource(db DBTX, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{db: db, logger: logger}
}

func (p *PostgresSource) Name() string { return "postgres" }

func (p *PostgresSource) Load(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.Query(ctx, selectWebhooks)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalRegistry, "failed to query client webhooks", err)
	}
	defer rows.Close()

	webhooks := make(map[string]string)
	for rows.Next() {
		var clientID, webhookURL string
		if err := rows.Scan(&clientID, &webhookURL); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalRegistry, "failed to scan client webhook row", err)
		}
		p.add(webhooks, clientID, webhookURL)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalRegistry, "error iterating client webhook rows", err)
	}
	return webhooks, nil
}

func (p *PostgresSource) add(dst map[string]string, clientID, webhookURL string) {
	if err := validWebhookURL(webhookURL); err != nil {
		p.logger.Warn("skipping invalid webhook registration", "client_id", clientID, "error", err.Error())
		return
	}
	dst[clientID] = webhookURL
}

// fileRegistry is the on-disk YAML layout:
//
//	webhooks:
//	  abc123: https://rp.example/events
type fileRegistry struct {
	Webhooks map[string]string `yaml:"webhooks"`
}

// FileSource reads a YAML mapping file. It serves local development and
// deployments that template the mapping into the container.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Load(_ context.Context) (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalRegistry, "failed to read registry file", err)
	}
	var doc fileRegistry
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalRegistry, "failed to parse registry file", err)
	}
	for clientID, webhookURL := range doc.Webhooks {
		if clientID == "" {
			return nil, types.NewAppError(types.ErrCodeInternalRegistry, "registry file contains an empty client id", nil)
		}
		if err := validWebhookURL(webhookURL); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalRegistry,
				fmt.Sprintf("invalid webhook for client %q", clientID), err)
		}
	}
	if doc.Webhooks == nil {
		doc.Webhooks = map[string]string{}
	}
	return doc.Webhooks, nil
}

func validWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
