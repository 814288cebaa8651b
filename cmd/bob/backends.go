package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metocean/bob-the-builder/internal/config"
	"github.com/metocean/bob-the-builder/internal/db"
	"github.com/metocean/bob-the-builder/internal/queue"
	"github.com/metocean/bob-the-builder/internal/store"
)

// backends holds the task store and queue selected by config. pool is nil
// unless one of them is postgres.
type backends struct {
	store store.Store
	queue queue.Queue
	pool  *pgxpool.Pool
}

func (b *backends) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
	}

	var sess *session.Session
	if cfg.StoreBackend == config.BackendDynamoDB || cfg.QueueBackend == config.BackendSQS {
		awsCfg := aws.NewConfig()
		if cfg.AWSRegion != "" {
			awsCfg = awsCfg.WithRegion(cfg.AWSRegion)
		}
		if cfg.AWSEndpoint != "" {
			awsCfg = awsCfg.WithEndpoint(cfg.AWSEndpoint)
		}
		s, err := session.NewSession(awsCfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("aws session: %w", err)
		}
		sess = s
	}

	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		b.store = store.NewDynamoDB(dynamodb.New(sess), cfg.TableName)
	default:
		b.store = store.NewPostgres(b.pool, cfg.TableName)
	}
	switch cfg.QueueBackend {
	case config.BackendSQS:
		b.queue = queue.NewSQS(sqs.New(sess), cfg.QueueName, cfg.VisibilityTimeout)
	default:
		b.queue = queue.NewPostgres(b.pool, cfg.QueueName, cfg.VisibilityTimeout, 0)
	}
	return b, nil
}
