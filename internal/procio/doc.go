/*
Package procio spawns a worker process wired to four streams: stdin, stdout, stderr, and a dedicated
bidirectional control socket that the child sees as file descriptor ControlFD.

Parent-side ends are raw non-blocking file descriptors. Nothing in this package starts goroutines:
callers multiplex the streams with Poll and consume them with the non-blocking Stream reads. The child
is placed in its own process group so that a terminal interrupt aimed at the supervisor is not also
delivered to the worker; interrupts are forwarded explicitly.

Processes are reaped with wait4(WNOHANG), so the exec.Cmd's Wait method must never be called.
*/
package procio
