// Package common holds small helpers shared by the blockscan binaries.
package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/blockscan/pkg/common/logger"
)

// ConnectConfig bounds how long ConnectWithRetry keeps trying.
type ConnectConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultConnectConfig retries from 1s for up to one minute.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{InitialInterval: time.Second, MaxElapsedTime: time.Minute}
}

// ConnectWithRetry calls connect with exponential backoff until it succeeds,
// the elapsed time budget runs out or ctx is done. It is meant for startup
// dependencies such as databases and brokers that may still be coming up.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg ConnectConfig,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		c, err := connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn(ctx, "failed to connect, will retry", "dependency", name, "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, attempt, err)
	}
	return conn, nil
}
