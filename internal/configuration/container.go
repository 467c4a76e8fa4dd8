package configuration

import (
	"context"

	"go.uber.org/zap"

	"astrolink/internal/broker"
	"astrolink/internal/conn"
	"astrolink/internal/media"
	"astrolink/internal/pending"
	"astrolink/internal/router"
	"astrolink/internal/session"
)

// Container wires the connection/session core together. The UI layer reads
// the components; only Connect/Close mutate the wiring.
type Container struct {
	Manager *conn.Manager
	Router  *router.Router
	Queue   *pending.Queue
	Broker  *broker.Broker
	Session *session.Machine
	Config  Config
	Logger  *zap.Logger

	cancel context.CancelFunc
}

// BuildContainer assembles the core from a config file. engine may be nil for
// chat-only embeddings. Handlers are registered at build time, before any
// connection exists, so no reconnect can open a window where events arrive
// with no handler attached.
func BuildContainer(configPath string, engine media.Engine, logger *zap.Logger) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	mgr := conn.NewManager(conn.Config{
		Endpoint:          config.Connection.Endpoint,
		BaseDelay:         config.Connection.Reconnect.BaseDelay(),
		CapDelay:          config.Connection.Reconnect.CapDelay(),
		MaxAttempts:       config.Connection.Reconnect.MaxAttempts,
		HeartbeatInterval: config.Connection.HeartbeatInterval(),
	}, conn.NewWSDialer(), logger)

	rt := router.New(mgr, logger, config.Connection.AckTimeout())
	queue := pending.New(rt, logger, config.Pending.MaxAge())
	brk := broker.New(rt, queue, logger)
	sess := session.NewMachine(rt, engine, logger)

	ctx, cancel := context.WithCancel(context.Background())

	// single dispatch loop: every inbound event is routed on this goroutine
	go rt.Run(ctx, mgr.Inbound())

	// fail in-flight acks as soon as the connection drops instead of letting
	// them run out their full timeout against a dead transport
	states, unsubscribe := mgr.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				if s != conn.StateConnected {
					rt.AbandonPending()
				}
			}
		}
	}()

	return &Container{
		Manager: mgr,
		Router:  rt,
		Queue:   queue,
		Broker:  brk,
		Session: sess,
		Config:  *config,
		Logger:  logger,
		cancel:  cancel,
	}, nil
}

// Connect starts the connection with the configured credentials.
func (c *Container) Connect() error {
	return c.Manager.Connect(&conn.Credentials{
		Token:    c.Config.Auth.Token,
		Identity: c.Config.Auth.Identity,
		Role:     c.Config.Auth.Role,
	})
}

// Close gracefully shuts down all components, symmetric to BuildContainer.
func (c *Container) Close() error {
	if c.Session != nil {
		c.Session.Close()
	}
	if c.Broker != nil {
		c.Broker.Close()
	}
	if c.Queue != nil {
		c.Queue.Close()
	}
	if c.Manager != nil {
		c.Manager.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return nil
}
