package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamo"
)

// Options selects and configures a backend.
type Options struct {
	Backend        string
	DatabaseURL    string
	AWSRegion      string
	DynamoEndpoint string
	DynamoTables   DynamoTables
}

// Open builds the configured backend. Postgres schemas are migrated on open.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil

	case BackendPostgres:
		db, err := ConnectPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil

	case BackendDynamo:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if opts.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(opts.DynamoEndpoint)
			}
		})
		return NewDynamoStore(client, opts.DynamoTables), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
