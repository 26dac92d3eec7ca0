package channel

// Request methods understood by a media worker. Target is the id of the
// object the method applies to (empty for worker-level methods).
const (
	MethodCreateRouter            = "worker.createRouter"
	MethodRouterClose             = "router.close"
	MethodCreateWebRtcTransport   = "router.createWebRtcTransport"
	MethodTransportConnect        = "transport.connect"
	MethodTransportProduce        = "transport.produce"
	MethodTransportConsume        = "transport.consume"
	MethodTransportClose          = "transport.close"
	MethodProducerClose           = "producer.close"
	MethodConsumerResume          = "consumer.resume"
	MethodConsumerRequestKeyFrame = "consumer.requestKeyFrame"
	MethodConsumerClose           = "consumer.close"
)

// EventClosed is emitted once for every router, transport, producer and
// consumer that goes away, whatever the cause. Target carries the id.
const EventClosed = "closed"
