package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kong/db-cluster-pool/pkg/adapter/pgxconn"
	"github.com/kong/db-cluster-pool/pkg/pool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestReplicas are the read servers SetupTestDatabase configures. They all
// point at the same container as the primary, under their own names.
var TestReplicas = map[string]int{"replica-a": 2, "replica-b": 1}

// SetupTestDatabase starts postgres, migrates it and returns a cluster pool
// with a primary and TestReplicas.
func SetupTestDatabase(ctx context.Context) (testcontainers.Container, *pgxconn.ClusterPool, string, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute),
		Env: map[string]string{
			"POSTGRES_DB":       "koko",
			"POSTGRES_PASSWORD": "koko",
			"POSTGRES_USER":     "koko",
		},
	}
	dbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		return nil, nil, "", err
	}
	port, err := dbContainer.MappedPort(ctx, "5432")
	if err != nil {
		return dbContainer, nil, "", err
	}
	host, err := dbContainer.Host(ctx)
	if err != nil {
		return dbContainer, nil, "", err
	}

	dbURI := fmt.Sprintf("postgres://koko:koko@%v:%v/koko?sslmode=disable", host, port.Port())
	if err := MigrateDb(dbURI); err != nil {
		return dbContainer, nil, "", err
	}

	logger, err := SetupLogging("info")
	if err != nil {
		return dbContainer, nil, "", err
	}
	servers := []pool.ServerConfig{{Name: "primary", DSN: dbURI, Primary: true}}
	for name, weight := range TestReplicas {
		servers = append(servers, pool.ServerConfig{Name: name, DSN: dbURI, Weight: pool.Weight(weight)})
	}
	connPool, err := pgxconn.New(ctx, &pool.Config{Adapter: "pgx", Servers: servers}, logger)
	if err != nil {
		return dbContainer, nil, "", err
	}
	return dbContainer, connPool, dbURI, nil
}

// SetupLogging builds a development logger at logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}
