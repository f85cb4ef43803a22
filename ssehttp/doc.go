// Package ssehttp exposes a gateway over HTTP as a pair of endpoints that
// together form one duplex channel.
//
// A client first opens the push stream:
//
//	GET {base}/sse
//	Accept: text/event-stream
//
// The first event names the message endpoint for this connection:
//
//	event: endpoint
//	data: {base}/messages?connectionId=01J...
//
// Every later event carries one JSON-RPC envelope (a response, or a
// notification) with a ULID event id. Idle streams receive a keepalive
// comment.
//
// The client then posts envelopes to the announced endpoint. A well-formed
// envelope is acknowledged with 204 and answered over the stream, including
// routing errors such as an unknown method. A body that is not a JSON object
// gets 400; a JSON object that is not a valid envelope gets 200 with the
// correlated error envelope. Posting without connectionId is direct mode:
// the response is returned in the POST body.
//
// With WithAuthenticator every request needs a bearer token and a connection
// accepts posts only from the user that opened it.
package ssehttp
