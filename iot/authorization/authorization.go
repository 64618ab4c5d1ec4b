// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package authorization

import (
	"context"
	"fmt"
	"strings"

	"github.com/relabs-tech/fleetstore/core"
)

// DefaultTopicPrefix is the project prefix of all device namespaces
const DefaultTopicPrefix = "bravo"

// maxIdentityLength bounds identities to what fits into MQTT client ids
const maxIdentityLength = 128

// Binder decides whether an identity has a policy binding
type Binder interface {
	Bound(ctx context.Context, identity string) (bool, error)
}

// BinderFunc is an adapter to use ordinary functions as Binder
type BinderFunc func(ctx context.Context, identity string) (bool, error)

// Bound calls f(ctx, identity)
func (f BinderFunc) Bound(ctx context.Context, identity string) (bool, error) {
	return f(ctx, identity)
}

// Capabilities is the set of operations an identity may perform on the broker.
// Publish, Subscribe and Receive are topic patterns in which * matches any suffix.
type Capabilities struct {
	Identity  string   `json:"identity"`
	Connect   string   `json:"connect"`
	Publish   []string `json:"publish"`
	Subscribe []string `json:"subscribe"`
	Receive   []string `json:"receive"`
}

// Evaluator derives capabilities from identities
type Evaluator struct {
	binder Binder
	prefix string
}

// Builder is a builder helper for the Evaluator
type Builder struct {
	// Binder resolves policy bindings. This is mandatory.
	Binder Binder
	// TopicPrefix is the project prefix of the device namespaces. The default is DefaultTopicPrefix
	TopicPrefix string
}

// New returns a new evaluator
func New(b *Builder) *Evaluator {
	if b.Binder == nil {
		panic("binder missing")
	}
	prefix := strings.Trim(b.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Evaluator{binder: b.Binder, prefix: strings.ToLower(prefix)}
}

// Namespace returns the topic namespace owned by identity, without trailing slash
func (e *Evaluator) Namespace(identity string) string {
	return e.prefix + "/devices/" + identity
}

// CapabilitiesFor returns the capabilities of identity. It fails with core.ErrUnknownIdentity
// if the identity is malformed or has no binding.
func (e *Evaluator) CapabilitiesFor(ctx context.Context, identity string) (*Capabilities, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	bound, err := e.binder.Bound(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve binding of %s: %w", identity, err)
	}
	if !bound {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownIdentity, identity)
	}
	pattern := e.Namespace(identity) + "/*"
	return &Capabilities{
		Identity:  identity,
		Connect:   identity,
		Publish:   []string{pattern},
		Subscribe: []string{pattern},
		Receive:   []string{pattern},
	}, nil
}

func validIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", core.ErrUnknownIdentity)
	}
	if len(identity) > maxIdentityLength || strings.ContainsAny(identity, "/+#*\x00") {
		return fmt.Errorf("%w: malformed identity %q", core.ErrUnknownIdentity, identity)
	}
	return nil
}

// CanConnect returns true if clientID may connect
func (c *Capabilities) CanConnect(clientID string) bool {
	return c != nil && clientID == c.Connect
}

// CanPublish returns true if topic may be published to. Topic names never contain wildcards.
func (c *Capabilities) CanPublish(topic string) bool {
	return c != nil && !strings.ContainsAny(topic, "+#") && matchAny(c.Publish, topic)
}

// CanReceive returns true if messages on topic may be delivered
func (c *Capabilities) CanReceive(topic string) bool {
	return c != nil && matchAny(c.Receive, topic)
}

// CanSubscribe returns true if filter may be subscribed to. Filters are matched literally,
// so MQTT wildcards are only allowed inside the namespace.
func (c *Capabilities) CanSubscribe(filter string) bool {
	return c != nil && matchAny(c.Subscribe, filter)
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if Match(p, s) {
			return true
		}
	}
	return false
}

// Match reports whether s matches pattern, where * matches any sequence of characters
// including the topic separator.
func Match(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
