// Package mqterm is an MQTT v5 client engine for remote terminal devices.
//
// It implements the MQTT Version 5.0 OASIS Standard on the client side:
// https://docs.oasis-open.org/mqtt/mqtt/v5.0/mqtt-v5.0.html
//
// # Packets
//
// Every control packet has a struct with Encode, Decode and Validate.
// DecodePacket works on partial buffers and reports ErrNeedMoreData until a
// whole packet has arrived; Decoder wraps it for streams:
//
//	dec := mqterm.NewDecoder(mqterm.MaxPacketSizeDefault)
//	dec.Feed(chunk)
//	pkt, err := dec.Next()
//
// Unknown properties survive a decode/encode round trip unchanged.
//
// # Client
//
// A Client runs one goroutine that owns the connection, QoS state and
// subscriptions. Public methods pass work to it and wait for the answer:
//
//	client, err := mqterm.Dial(
//	    mqterm.WithServers("tcp://localhost:1883"),
//	    mqterm.WithClientID("device-1"),
//	    mqterm.OnEvent(func(c *mqterm.Client, ev error) {
//	        log.Println(ev)
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sub, err := client.Subscribe(ctx, "devices/+/tty/in", 1)
//	for msg := range sub.Messages() {
//	    fmt.Println(msg.Topic, string(msg.Payload))
//	}
//
// Server URLs select the transport: tcp://, tls://, ws://, wss://, quic://
// and unix://. Connections lost after Dial are re-established with
// exponential backoff; unfinished QoS 1/2 deliveries are resent and
// subscriptions replayed according to the server's session state.
//
// # Events
//
// Lifecycle changes arrive on the OnEvent handler as errors. Match them with
// errors.Is and errors.As:
//
//	var lost *mqterm.ConnectionLostError
//	switch {
//	case errors.Is(ev, mqterm.ErrConnected):
//	case errors.As(ev, &lost):
//	case errors.Is(ev, mqterm.ErrReconnecting):
//	}
//
// # Extensions
//
// extensions/rpc layers request/response with chunked payloads over
// ResponseTopic and CorrelationData. extensions/terminal serves shell-like
// jobs to remote callers on top of it.
package mqterm
