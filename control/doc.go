/*
Package control implements the line-oriented status protocol spoken over a session's control channel.

The control channel is a dedicated bidirectional stream, separate from the worker's stdout and stderr.
Each message is a single line:

	<code> <text>\n

Codes come from a fixed registry (see the Code constants). When text starts with PayloadMarker, the
remainder is a standard base64 encoding of an opaque binary object, which is decoded into Message.Payload.
The worker uses payloads to carry codec-encoded conditions (301) and crash descriptions (501, 502).

Messages flowing from the supervisor to the worker use CodeExpect. The worker treats them as
acknowledgements, they never change session state.
*/
package control
