// Package channel provides an in-process Go channel bridge for flowbus.
// Published envelopes can be observed by subscribing to the shared
// gochannel pub/sub, which is useful for wiring local observers.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel bridge.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return transport.Transport{Publisher: &Bridge{WatermillPublisher: transport.NewWatermillPublisher(pubSub), PubSub: pubSub}}, nil
}

// Bridge publishes into a GoChannel and exposes it for subscribers.
type Bridge struct {
	*transport.WatermillPublisher
	PubSub *gochannel.GoChannel
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
