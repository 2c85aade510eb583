package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BatchWriter stores a batch of rows.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []*EventRow) error
	Close() error
}

// BigQueryConfig holds configuration for the BigQuery dataset and table.
type BigQueryConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// NewBigQueryClient creates a BigQuery client. It uses Application Default
// Credentials unless a credentials file is given.
func NewBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryWriter streams EventRows into a BigQuery table.
type BigQueryWriter struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryWriter connects to the configured table, creating it with a
// schema inferred from EventRow when it does not exist.
func NewBigQueryWriter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryWriter").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		schema, err := bigquery.InferSchema(EventRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer event row schema: %w", err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created.")
	}

	return &BigQueryWriter{table: table, inserter: table.Inserter(), logger: logger}, nil
}

// WriteBatch streams rows to BigQuery.
func (w *BigQueryWriter) WriteBatch(ctx context.Context, rows []*EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := w.inserter.Put(ctx, rows); err != nil {
		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			for _, rowErr := range multi {
				w.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	w.logger.Debug().Int("batch_size", len(rows)).Msg("Inserted audit rows.")
	return nil
}

// Close does not close the injected client.
func (w *BigQueryWriter) Close() error {
	return nil
}
