// Package bus provides topic and routing-key publish/subscribe behind one
// interface, with an in-process router and a NATS JetStream adapter. Both
// adapters route with Match, so a pattern selects the same keys on either.
package bus

import (
	"context"
	"strconv"
	"strings"

	"github.com/c360/modkit/errors"
)

// Handler processes one delivered payload. Returning ErrStop ends the
// subscription cleanly. Handlers must not retain or modify payload.
type Handler func(ctx context.Context, payload []byte) error

// ErrStop is returned by a Handler to end its subscription without error.
var ErrStop = errors.New("bus: stop subscription")

// ErrHandlerPanic wraps a recovered handler panic
var ErrHandlerPanic = errors.New("bus: handler panicked")

// Bus is the messaging service handed to modules.
type Bus interface {
	// Publish routes payload to every subscriber of topic whose pattern
	// matches routingKey.
	Publish(ctx context.Context, topic, routingKey string, payload []byte) error
	// Subscribe delivers matching messages to h until the handler returns
	// ErrStop, the subscription is stopped, ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, topic, pattern string, h Handler) (*Subscription, error)
	// Close stops every subscription and waits for their handlers to return.
	Close(ctx context.Context) error
}

const (
	wildcardOne  = "*"
	wildcardMany = "#"
)

// ValidateTopic checks a topic name: dot-separated, non-empty ASCII tokens
// without whitespace or wildcards.
func ValidateTopic(topic string) error {
	return validateTokens("topic", topic, false)
}

// ValidateRoutingKey checks a published routing key. Wildcards are not allowed.
func ValidateRoutingKey(key string) error {
	return validateTokens("routing key", key, false)
}

// ValidatePattern checks a subscription pattern. "*" and "#" are allowed as
// whole tokens only.
func ValidatePattern(pattern string) error {
	return validateTokens("pattern", pattern, true)
}

func validateTokens(kind, value string, wildcards bool) error {
	invalid := func(reason string) error {
		return errors.WrapInvalid(errors.ErrInvalidData, "bus", "validate",
			kind+" "+strconv.Quote(value)+": "+reason)
	}
	if value == "" {
		return invalid("empty")
	}
	for _, token := range strings.Split(value, ".") {
		if token == "" {
			return invalid("empty segment")
		}
		if wildcards && (token == wildcardOne || token == wildcardMany) {
			continue
		}
		for i := 0; i < len(token); i++ {
			c := token[i]
			switch {
			case c > 0x7e || c <= ' ':
				return invalid("non-printable or whitespace character")
			case c == '*' || c == '#' || c == '>':
				return invalid("wildcard character inside token")
			}
		}
	}
	return nil
}
