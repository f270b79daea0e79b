package memory

import (
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
)

type Producer struct {
	id        domain.ProducerID
	kind      domain.Kind
	params    domain.RtpParameters
	codec     domain.CodecCapability
	transport *Transport

	mu        sync.Mutex
	closed    bool
	onClose   []func(error)
	consumers map[domain.ConsumerID]*Consumer
}

var _ port.Producer = (*Producer)(nil)

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.Kind                   { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) OnClose(fn func(error)) {
	p.mu.Lock()
	if !p.closed {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(nil)
}

func (p *Producer) Close() error {
	p.closeWith(nil)
	return nil
}

// Fail closes the producer as if its inbound stream died.
func (p *Producer) Fail(cause error) { p.closeWith(cause) }

func (p *Producer) closeWith(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	handlers := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(cause)
	}
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport
	params    domain.RtpParameters

	mu      sync.Mutex
	closed  bool
	onClose []func(error)
}

var _ port.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                   { return c.producer.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) OnClose(fn func(error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(nil)
}

func (c *Consumer) Close() error {
	c.closeWith(nil)
	return nil
}

// Fail closes the consumer as if sending to the peer broke.
func (c *Consumer) Fail(cause error) { c.closeWith(cause) }

func (c *Consumer) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	p := c.producer
	p.mu.Lock()
	delete(p.consumers, c.id)
	p.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()

	for _, fn := range handlers {
		fn(cause)
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
