package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/config"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/utils"
)

// ConnectDatabase dials MongoDB with the pool and timeout settings from cfg,
// ensures the indexes and returns a store over it.
func ConnectDatabase(ctx context.Context, cfg config.DatabaseConfig, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
	if cfg.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout, 5*time.Minute))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout, 30*time.Second))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat, 10*time.Second))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s (id %d)", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (id %d, %s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	if err := ensureIndexes(connectCtx, db); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	operationTimeout := utils.ParseStringTime(cfg.OperationTimeout, 5*time.Second)
	logger.InfoF("[database] connected to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return NewMongoStore(client, db, operationTimeout, cfg.CacheSize), nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	models := map[string][]mongo.IndexModel{
		SessionCollectionName: {{
			Keys:    bson.D{{Key: "device.id", Value: 1}, {Key: "created", Value: 1}},
			Options: options.Index().SetName("sessions_device_created"),
		}},
		HistoryCollectionName: {{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetName("history_session_id"),
		}},
		RecoveryPointCollectionName: {{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("recovery_points_session_sequence_unique"),
		}},
	}
	for _, name := range collectionsList {
		indexes, ok := models[name]
		if !ok {
			continue
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("error occured while creating %s indexes: %w", name, err)
		}
	}
	return nil
}
