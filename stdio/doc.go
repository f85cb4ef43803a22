// Package stdio serves a gateway over stdin and stdout. It is intended for
// running the publisher as a subprocess of a desktop agent.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 connection
//	Auth             : OS user (lightweight implicit principal)
//	Framing          : one JSON-RPC envelope per line, in both directions
//
// Each line read is handed to the gateway exactly like a POSTed body. Lines
// the gateway rejects are answered in place with their error envelope;
// everything else, responses and notifications alike, arrives through the
// connection's sink.
//
// Example:
//
//	gw := gateway.New(r)
//	h := stdio.NewHandler(gw)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// End of input closes the connection, which cancels any request still
// running.
package stdio
