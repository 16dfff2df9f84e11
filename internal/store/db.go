package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/apimeter/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client owns the process-wide mongo connection. It is created once by the
// entry point and injected into MongoStore. After Close, the next call to
// Database dials again.
type Client struct {
	uri     string
	dbName  string
	timeout time.Duration

	mu     sync.Mutex
	client *mongo.Client
}

// NewClient returns an unconnected Client.
func NewClient(cfg config.DatabaseConfig) *Client {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		uri:     cfg.MongoURL(),
		dbName:  cfg.Name,
		timeout: timeout,
	}
}

// Connect creates a Client and dials it eagerly, so that an unreachable
// database fails startup.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	c := NewClient(cfg)
	if _, err := c.Database(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Database returns the configured database, dialing first if needed.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	mc, err := c.mongo(ctx)
	if err != nil {
		return nil, err
	}
	return mc.Database(c.dbName), nil
}

// Name is the configured database name.
func (c *Client) Name() string {
	return c.dbName
}

func (c *Client) mongo(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := options.Client().ApplyURI(c.uri).SetServerSelectionTimeout(c.timeout)
	mc, err := mongo.Connect(dialCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := mc.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c.client = mc
	return mc, nil
}

// Ping checks connectivity of the current connection.
func (c *Client) Ping(ctx context.Context) error {
	mc, err := c.mongo(ctx)
	if err != nil {
		return err
	}
	return mc.Ping(ctx, readpref.Primary())
}

// Close disconnects. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client = nil
	if err != nil {
		return fmt.Errorf("disconnect database: %w", err)
	}
	return nil
}
