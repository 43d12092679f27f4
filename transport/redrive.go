package transport

import (
	"fmt"

	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// RedrivePolicy is the queue attribute that moves a message to a dead letter
// queue after MaxReceiveCount deliveries. The pipeline never enforces it; it
// is provided for provisioning tools.
type RedrivePolicy struct {
	MaxReceiveCount int    `json:"maxReceiveCount"`
	DeadLetterQueue string `json:"deadLetterTargetArn"`
}

// String renders the policy in the JSON form queue services expect.
func (p RedrivePolicy) String() string {
	out, err := jsoncodec.MarshalString(p)
	if err != nil {
		return ""
	}
	return out
}

// ParseRedrivePolicy reads the JSON form produced by String.
func ParseRedrivePolicy(raw string) (RedrivePolicy, error) {
	var p RedrivePolicy
	if err := jsoncodec.UnmarshalString(raw, &p); err != nil {
		return RedrivePolicy{}, fmt.Errorf("redrive policy: %w", err)
	}
	if p.MaxReceiveCount <= 0 {
		return RedrivePolicy{}, fmt.Errorf("redrive policy: maxReceiveCount must be positive, got %d", p.MaxReceiveCount)
	}
	return p, nil
}
