package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	unimart "github.com/unimart/sdk/golang"
	"github.com/unimart/sdk/golang/internal/logger"
)

// actionTimeout bounds how long a command waits for the server to confirm.
const actionTimeout = 15 * time.Second

// mustConfig loads the config and exits when no token is configured.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'unimart init <token>' first.")
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg *Config) *unimart.Client {
	opts := []unimart.ClientOption{
		unimart.WithLogger(logger.New(os.Stderr, valueOrDefault(cfg.Default.LogLevel, "warn"), logger.FormatText)),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, unimart.WithBaseURL(cfg.Default.BaseURL))
	}
	return unimart.NewClient(cfg.Auth.Token, opts...)
}

// stateStore opens the configured UI state backend for userID.
func stateStore(cfg *Config, userID string) (unimart.StateStore, func(), error) {
	switch cfg.Default.State {
	case "memory":
		return unimart.NewMemoryStateStore(), func() {}, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Default.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		return unimart.NewRedisStateStore(rdb, userID), func() { rdb.Close() }, nil
	default:
		path, err := unimart.DefaultStatePath()
		if err != nil {
			return nil, nil, err
		}
		return unimart.NewFileStateStore(path, userID), func() {}, nil
	}
}

// newSession builds a session for the configured user without connecting.
// The returned func closes the session and the state backend.
func newSession(ctx context.Context) (*unimart.Session, func(), error) {
	cfg := mustConfig()
	client := newClient(cfg)

	id, err := client.Identity(ctx)
	if err != nil {
		return nil, nil, err
	}
	state, closeState, err := stateStore(cfg, id.UserID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := client.NewSession(ctx, &unimart.SessionConfig{Identity: &id, State: state})
	if err != nil {
		closeState()
		return nil, nil, err
	}
	return sess, func() {
		sess.Close()
		closeState()
	}, nil
}

// openSession starts a session and waits for the first request and
// conversation lists. The returned func closes everything.
func openSession(ctx context.Context) (*unimart.Session, func(), error) {
	sess, closeSession, err := newSession(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := sess.Start(ctx); err != nil {
		closeSession()
		return nil, nil, fmt.Errorf("cannot connect: %w", err)
	}
	err = awaitStore(ctx, sess.Store(), func(p unimart.Projection) (bool, error) {
		return p.RequestsLoaded && p.ConversationsLoaded, nil
	})
	if err != nil {
		closeSession()
		return nil, nil, fmt.Errorf("initial sync: %w", err)
	}
	return sess, closeSession, nil
}

// awaitStore blocks until cond reports done for the current or a later
// projection. cond's error is returned as the result.
func awaitStore(ctx context.Context, store *unimart.Store, cond func(unimart.Projection) (bool, error)) error {
	result := make(chan error, 1)
	check := func(p unimart.Projection) {
		if done, err := cond(p); done {
			select {
			case result <- err:
			default:
			}
		}
	}
	unsub := store.Subscribe(check)
	defer unsub()
	check(store.Snapshot())

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no confirmation from the server: %w", ctx.Err())
	}
}

// awaitRequestSince waits until the request satisfies done, or the server
// reports an error newer than prev for it.
func awaitRequestSince(ctx context.Context, store *unimart.Store, prev *unimart.ServerError, requestID string, done func(unimart.Request) bool) error {
	return awaitStore(ctx, store, func(p unimart.Projection) (bool, error) {
		if e := p.LastError; e != nil && e != prev && (e.RequestID == "" || e.RequestID == requestID) {
			return true, e
		}
		if r, ok := p.FindRequest(requestID); ok {
			return done(r), nil
		}
		return false, nil
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain turns SDK errors into short messages for the terminal.
func explain(err error) error {
	var se *unimart.ServerError
	switch {
	case errors.As(err, &se):
		return fmt.Errorf("server rejected the action: %s", se.Reason)
	case errors.Is(err, unimart.ErrIllegalTransition):
		return fmt.Errorf("that status change is not allowed for this request")
	case errors.Is(err, unimart.ErrUnknownRequest):
		return fmt.Errorf("no such request in your list")
	}
	return err
}
