package testcontainers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultRedisPort  = "6379"
	defaultRedisImage = "redis:7-alpine"
)

// RedisConfig holds the connection parameters of the test Redis.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// URL returns the redis:// form understood by the queue configuration.
func (c *RedisConfig) URL() string {
	if c.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/0", c.Password, c.Host, c.Port)
	}

	return fmt.Sprintf("redis://%s:%d/0", c.Host, c.Port)
}

// RedisContainer is a started Redis instance without authentication.
type RedisContainer struct {
	testcontainers.Container
	Host     string
	Port     int
	Password string
}

func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        defaultRedisImage,
		ExposedPorts: []string{defaultRedisPort + "/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort(defaultRedisPort+"/tcp"),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, port, err := endpoint(ctx, container, defaultRedisPort)
	if err != nil {
		return nil, err
	}

	return &RedisContainer{Container: container, Host: host, Port: port}, nil
}

// GetAddress returns the Redis address in host:port format.
func (c *RedisContainer) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func endpoint(ctx context.Context, container testcontainers.Container, port string) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", 0, fmt.Errorf("failed to get container port: %w", err)
	}

	p, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse port: %w", err)
	}

	return host, p, nil
}
