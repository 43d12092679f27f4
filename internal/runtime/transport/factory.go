package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/flowbus/transport/transports"
)

// Set is everything a factory produced for one bus: the consumption client
// and any publish-only bridges keyed by transport name.
type Set struct {
	Name         string
	Client       transport.Client
	Capabilities transport.Capabilities
	Bridges      map[string]transport.Publisher
}

// Bridge returns the named bridge publisher.
func (s Set) Bridge(name string) (transport.Publisher, bool) {
	p, ok := s.Bridges[name]
	return p, ok
}

// BridgeNames lists the configured bridges in sorted order.
func (s Set) BridgeNames() []string {
	names := make([]string, 0, len(s.Bridges))
	for name := range s.Bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every bridge and the client when they hold connections.
func (s Set) Close() error {
	var errs []error
	for _, name := range s.BridgeNames() {
		if c, ok := s.Bridges[name].(transport.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	if c, ok := s.Client.(transport.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Factory abstracts how the bus initialises its transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Set, error)
}

// DefaultFactory returns the built-in factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: transport.DefaultRegistry}
}

// NewFactory builds transports from a specific registry.
func NewFactory(registry *transport.Registry) Factory {
	return defaultFactory{registry: registry}
}

type defaultFactory struct {
	registry *transport.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Set, error) {
	if conf == nil {
		return Set{}, fmt.Errorf("config is required")
	}

	built, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Set{}, err
	}
	if built.Client == nil {
		return Set{}, fmt.Errorf("transport %q cannot consume messages", conf.Transport)
	}

	set := Set{
		Name:         conf.Transport,
		Client:       built.Client,
		Capabilities: f.registry.GetCapabilities(conf.Transport),
		Bridges:      map[string]transport.Publisher{},
	}
	for _, name := range configuredBridges(conf) {
		bridge, err := f.registry.BuildNamed(ctx, name, conf, logger)
		if err != nil {
			_ = set.Close()
			return Set{}, fmt.Errorf("bridge %s: %w", name, err)
		}
		set.Bridges[name] = bridge.Publisher
	}
	return set, nil
}

// configuredBridges lists the bridges whose connection settings are present.
func configuredBridges(conf *config.Config) []string {
	var names []string
	if len(conf.KafkaBrokers) > 0 {
		names = append(names, "kafka")
	}
	if conf.RabbitMQURL != "" {
		names = append(names, "rabbitmq")
	}
	if conf.NATSURL != "" {
		names = append(names, "nats")
	}
	if conf.HTTPPublisherURL != "" {
		names = append(names, "http")
	}
	return names
}
