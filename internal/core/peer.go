package core

import (
	"sync"

	"github.com/dkeye/voice-sfu/internal/domain"
	"github.com/dkeye/voice-sfu/internal/engine"
)

// Producer is an engine producer plus the opaque appData its owner sent.
type Producer struct {
	engine.Producer
	AppData map[string]any
	Source  domain.ProducerSource
}

type PeerSummary struct {
	PeerID domain.PeerID `json:"peerId"`
	UserID domain.UserID `json:"userId"`
	User   domain.User   `json:"user"`
	domain.PeerState
}

// Peer is the per participant bookkeeping of a room. All engine calls
// happen outside the peer lock.
type Peer struct {
	ID     domain.PeerID
	UserID domain.UserID
	RoomID domain.RoomID

	mu    sync.Mutex
	user  domain.User
	state domain.PeerState

	sendTransportID string
	recvTransportID string
	transports      map[string]engine.Transport
	producers       map[string]*Producer
	consumers       map[string]engine.Consumer
	// consumerByProducer answers "do I already consume this producer",
	// producerByConsumer the reverse.
	consumerByProducer map[string]string
	producerByConsumer map[string]string
	closed             bool
}

func NewPeer(id domain.PeerID, user domain.User, roomID domain.RoomID) *Peer {
	return &Peer{
		ID:                 id,
		UserID:             user.ID,
		RoomID:             roomID,
		user:               user,
		transports:         make(map[string]engine.Transport),
		producers:          make(map[string]*Producer),
		consumers:          make(map[string]engine.Consumer),
		consumerByProducer: make(map[string]string),
		producerByConsumer: make(map[string]string),
	}
}

func (p *Peer) User() domain.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *Peer) SetUser(u domain.User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

func (p *Peer) State() domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// UpdateState merges patch over the current state and returns the result.
func (p *Peer) UpdateState(patch domain.PeerStatePatch) domain.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.state.Apply(patch)
	return p.state
}

func (p *Peer) Summary() PeerSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerSummary{PeerID: p.ID, UserID: p.UserID, User: p.user, PeerState: p.state}
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// DetachTransport forgets the current transport of direction d and
// returns it so the caller can close it.
func (p *Peer) DetachTransport(d domain.Direction) engine.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.transportIDLocked(d)
	if id == "" {
		return nil
	}
	t := p.transports[id]
	delete(p.transports, id)
	p.setTransportIDLocked(d, "")
	return t
}

// AttachTransport records t as the current transport of direction d. It
// reports false if the peer is already closed.
func (p *Peer) AttachTransport(d domain.Direction, t engine.Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.transports[t.ID()] = t
	p.setTransportIDLocked(d, t.ID())
	return true
}

// RemoveTransport drops id from bookkeeping. It is safe to call for ids
// already replaced or removed.
func (p *Peer) RemoveTransport(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.transports[id]; !ok {
		return false
	}
	delete(p.transports, id)
	if p.sendTransportID == id {
		p.sendTransportID = ""
	}
	if p.recvTransportID == id {
		p.recvTransportID = ""
	}
	return true
}

func (p *Peer) TransportID(d domain.Direction) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transportIDLocked(d)
}

func (p *Peer) Transport(id string) (engine.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) transportIDLocked(d domain.Direction) string {
	if d == domain.DirectionSend {
		return p.sendTransportID
	}
	return p.recvTransportID
}

func (p *Peer) setTransportIDLocked(d domain.Direction, id string) {
	if d == domain.DirectionSend {
		p.sendTransportID = id
	} else {
		p.recvTransportID = id
	}
}

func (p *Peer) AddProducer(pr *Producer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.producers[pr.ID()] = pr
	return true
}

func (p *Peer) Producer(id string) (*Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

// RemoveProducer reports whether id was still owned. Exactly one caller
// observes true for a given producer.
func (p *Peer) RemoveProducer(id string) (*Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	if ok {
		delete(p.producers, id)
	}
	return pr, ok
}

func (p *Peer) Producers() []*Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

func (p *Peer) AddConsumer(c engine.Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.ID()] = c
	p.consumerByProducer[c.ProducerID()] = c.ID()
	p.producerByConsumer[c.ID()] = c.ProducerID()
	return true
}

func (p *Peer) Consumer(id string) (engine.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// ConsumerFor returns the consumer this peer already has for producerID.
func (p *Peer) ConsumerFor(producerID string) (engine.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.consumerByProducer[producerID]
	if !ok {
		return nil, false
	}
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) ProducerOf(consumerID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.producerByConsumer[consumerID]
	return id, ok
}

func (p *Peer) RemoveConsumer(id string) (engine.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	if !ok {
		return nil, false
	}
	delete(p.consumers, id)
	if pid, ok := p.producerByConsumer[id]; ok {
		delete(p.producerByConsumer, id)
		if p.consumerByProducer[pid] == id {
			delete(p.consumerByProducer, pid)
		}
	}
	return c, true
}

// Counts reports transports, producers and consumers.
func (p *Peer) Counts() (transports, producers, consumers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}

// Close forgets every resource and tears them down: consumers first, then
// producers, then transports. It returns the ids of the producers the
// peer owned. Only the first call does any work.
func (p *Peer) Close() []string {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers, producers, transports := p.consumers, p.producers, p.transports
	p.consumers = make(map[string]engine.Consumer)
	p.producers = make(map[string]*Producer)
	p.transports = make(map[string]engine.Transport)
	clear(p.consumerByProducer)
	clear(p.producerByConsumer)
	p.sendTransportID, p.recvTransportID = "", ""
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	ids := make([]string, 0, len(producers))
	for id, pr := range producers {
		ids = append(ids, id)
		_ = pr.Close()
	}
	for _, t := range transports {
		_ = t.Close()
	}
	return ids
}
