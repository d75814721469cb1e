package mqterm

import (
	"context"
	"sync"
)

// Subscription is a registered topic filter. Matching messages are queued
// on it in arrival order and read from Messages.
type Subscription struct {
	option SubscribeOption
	match  string
	client *Client
	queue  *mailbox[*Message]

	// Owned by the client goroutine.
	acked bool
	ready chan<- error

	mu  sync.Mutex
	err error
}

func newSubscription(c *Client, opt SubscribeOption) *Subscription {
	return &Subscription{
		option: opt,
		match:  matchFilter(opt.TopicFilter),
		client: c,
		queue:  newMailbox[*Message](),
	}
}

// Filter returns the topic filter as subscribed.
func (s *Subscription) Filter() string { return s.option.TopicFilter }

// QoS returns the requested maximum QoS.
func (s *Subscription) QoS() byte { return s.option.QoS }

// Messages returns the channel of matching messages. It is closed when the
// subscription ends.
func (s *Subscription) Messages() <-chan *Message { return s.queue.out }

// Err returns why the subscription ended, or nil while it is active or after
// a plain unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe removes the subscription from the client.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.Unsubscribe(ctx, s)
}

func (s *Subscription) deliver(msg *Message) {
	s.queue.put(msg)
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.queue.close()
}

func (s *Subscription) resolve(err error) {
	if s.ready == nil {
		return
	}
	s.ready <- err
	s.ready = nil
}

// SubscriptionManager keeps subscriptions in registration order and routes
// topics to every matching one. It is owned by the client goroutine.
type SubscriptionManager struct {
	subs     []*Subscription
	byFilter map[string]*Subscription
}

// NewSubscriptionManager returns an empty registry.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{byFilter: make(map[string]*Subscription)}
}

// Add registers sub. Filters are unique.
func (m *SubscriptionManager) Add(sub *Subscription) error {
	if _, ok := m.byFilter[sub.Filter()]; ok {
		return ErrDuplicateSubscription
	}
	m.byFilter[sub.Filter()] = sub
	m.subs = append(m.subs, sub)
	return nil
}

// Get returns the subscription for filter.
func (m *SubscriptionManager) Get(filter string) (*Subscription, bool) {
	sub, ok := m.byFilter[filter]
	return sub, ok
}

// Remove unregisters filter and returns its subscription.
func (m *SubscriptionManager) Remove(filter string) (*Subscription, bool) {
	sub, ok := m.byFilter[filter]
	if !ok {
		return nil, false
	}
	delete(m.byFilter, filter)
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	return sub, true
}

// Match returns every subscription whose filter matches topic, in
// registration order.
func (m *SubscriptionManager) Match(topic string) []*Subscription {
	var out []*Subscription
	for _, s := range m.subs {
		if TopicMatch(s.match, topic) {
			out = append(out, s)
		}
	}
	return out
}

// Replay returns the subscriptions to send on a new connection, in
// registration order: all of them when the server has no session, otherwise
// only those never acknowledged.
func (m *SubscriptionManager) Replay(sessionPresent bool) []*Subscription {
	var out []*Subscription
	for _, s := range m.subs {
		if sessionPresent && s.acked {
			continue
		}
		s.acked = false
		out = append(out, s)
	}
	return out
}

// All returns the registered subscriptions in order.
func (m *SubscriptionManager) All() []*Subscription {
	return append([]*Subscription(nil), m.subs...)
}

// Len returns the number of subscriptions.
func (m *SubscriptionManager) Len() int {
	return len(m.subs)
}
