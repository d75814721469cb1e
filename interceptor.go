package mqterm

// ProducerInterceptor may rewrite a message before it is published.
// Returning nil drops the message.
type ProducerInterceptor interface {
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor may rewrite a received message before it is routed to
// subscriptions. Returning nil drops the message.
type ConsumerInterceptor interface {
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// intercept runs msg through the chain. A panicking interceptor is skipped
// and logged.
func intercept[I any](logger Logger, chain []I, msg *Message, apply func(I, *Message) *Message) *Message {
	for _, i := range chain {
		if msg == nil {
			return nil
		}
		msg = safeApply(logger, i, msg, apply)
	}
	return msg
}

func safeApply[I any](logger Logger, i I, msg *Message, apply func(I, *Message) *Message) (out *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("interceptor panic", LogFields{LogFieldTopic: msg.Topic, LogFieldError: r})
			out = msg
		}
	}()
	return apply(i, msg)
}

func (c *Client) interceptSend(msg *Message) *Message {
	return intercept(c.log, c.opts.producerInterceptors, msg, ProducerInterceptor.OnSend)
}

func (c *Client) interceptConsume(msg *Message) *Message {
	return intercept(c.log, c.opts.consumerInterceptors, msg, ConsumerInterceptor.OnConsume)
}
