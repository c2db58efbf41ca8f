/*
Package server exposes one session over HTTP, for driving a worker from another process or host.

Routes:

	GET  /state   session state and running time
	POST /run     run one call: {"Func": "add", "Args": [1, 2]}
	POST /close   shut the worker down
	GET  /attach  WebSocket raw REPL

Access to the session is serialized, so concurrent requests queue up rather than failing as busy.

The attach protocol uses two messages, described in types.go. The client sends an attach request per
line of input. The server streams the worker's stdout and stderr back as response messages while the
line is evaluated, and then sends a response with Done set. Either side may close the connection
between lines.
*/
package server
