// Package notify publishes operator actions to an external message broker
// so other systems can follow what the dashboard operator did. Publishing is
// best effort: the caller bounds each publish with a short timeout and only
// logs failures, so an unreachable broker slows a mutation but never fails it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tphummel/building_energy/internal/config"
	"github.com/tphummel/building_energy/internal/models"
)

// ErrUnknownBackend is returned by New for an unsupported backend name.
var ErrUnknownBackend = errors.New("notify: unknown backend")

// Publisher delivers operator actions to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	Close() error
}

// New builds the publisher selected by cfg.Backend.
func New(cfg config.NotifyConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "mqtt":
		p, err := DialMQTT(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "kafka":
		return NewKafka(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, models.Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

func encode(ev models.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return b, nil
}

// topicSegment makes s safe for use as a single MQTT topic level.
func topicSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unassigned"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
