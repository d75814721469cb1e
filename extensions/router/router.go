// Package router dispatches received messages to handlers selected by
// topic filter and message attributes.
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqterm"
)

// Handler processes an MQTT message.
type Handler func(msg *mqterm.Message)

// matcher is one predicate of a route. All predicates must hold.
type matcher func(msg *mqterm.Message) bool

// Condition is the set of predicates a message must satisfy to reach a
// handler. The zero Condition matches everything.
type Condition struct {
	filter   string
	matchers []matcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic restricts the route to topics matching filter (+ and #
// wildcards). It also makes filter visible through Filters.
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.filter = filter
		c.add(func(msg *mqterm.Message) bool { return mqterm.TopicMatch(filter, msg.Topic) })
	}
}

func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool { return msg.QoS == qos })
	}
}

// WithPayload matches the raw payload against pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool { return pattern.Match(msg.Payload) })
	}
}

func WithContentType(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool { return pattern.MatchString(msg.ContentType) })
	}
}

func WithResponseTopic(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool { return pattern.MatchString(msg.ResponseTopic) })
	}
}

// WithUserProperty requires a user property whose key and value both match.
// Repeat it to require several properties.
func WithUserProperty(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool {
			return slices.ContainsFunc(msg.UserProperties, func(p mqterm.StringPair) bool {
				return keyPattern.MatchString(p.Key) && valuePattern.MatchString(p.Value)
			})
		})
	}
}

// WithoutUserProperty matches only messages that carry no user property
// named key.
func WithoutUserProperty(key string) ConditionOption {
	return func(c *Condition) {
		c.add(func(msg *mqterm.Message) bool {
			_, ok := msg.UserProperty(key)
			return !ok
		})
	}
}

func (c *Condition) add(m matcher) {
	c.matchers = append(c.matchers, m)
}

func (c *Condition) matches(msg *mqterm.Message) bool {
	for _, m := range c.matchers {
		if !m(msg) {
			return false
		}
	}
	return true
}

type route struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to every handler whose condition matches, in
// registration order.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback Handler
}

func New() *Router {
	return &Router{}
}

// Handle registers handler under the conditions built from opts.
//
//	r.Handle(h, WithTopic("dev/tty/in"), WithPayload(regexp.MustCompile(`^ls\b`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.routes = append(r.routes, route{handler: handler, condition: cond})
	r.mu.Unlock()
}

// HandleDefault sets the handler called when no registration matches.
func (r *Router) HandleDefault(handler Handler) {
	r.mu.Lock()
	r.fallback = handler
	r.mu.Unlock()
}

// Route calls every matching handler, or the default handler when none
// match, outside the router lock. It returns the number of handlers called.
func (r *Router) Route(msg *mqterm.Message) int {
	if msg == nil {
		return 0
	}

	r.mu.RLock()
	var targets []Handler
	for _, rt := range r.routes {
		if rt.condition.matches(msg) {
			targets = append(targets, rt.handler)
		}
	}
	if len(targets) == 0 && r.fallback != nil {
		targets = append(targets, r.fallback)
	}
	r.mu.RUnlock()

	for _, h := range targets {
		h(msg)
	}
	return len(targets)
}

// Filters returns the distinct topic filters in registration order, ready
// to be subscribed.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filters []string
	for _, rt := range r.routes {
		if f := rt.condition.filter; f != "" && !slices.Contains(filters, f) {
			filters = append(filters, f)
		}
	}
	return filters
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Clear removes all handlers, including the default.
func (r *Router) Clear() {
	r.mu.Lock()
	r.routes = nil
	r.fallback = nil
	r.mu.Unlock()
}

// MessageHandler adapts the router for Client.SubscribeFunc.
func (r *Router) MessageHandler() mqterm.MessageHandler {
	return func(msg *mqterm.Message) {
		r.Route(msg)
	}
}
