/*
Package worker is the runtime linked into worker binaries.

A worker registers the functions it is willing to run and then serves: it announces readiness on
the control channel, reads instructions from stdin one line at a time, evaluates them, writes the
outcome to the result path named by the instruction, and reports completion on the control channel.

	rt, err := worker.New()
	if err != nil {
		log.Fatal(err)
	}
	rt.MustRegister("add", func(a, b int) int { return a + b })
	rt.Main()

Registered functions may take a *Call as their first parameter to observe interrupts through its
context and to raise conditions. They may return nothing, a value, an error, or a value and an error.
Errors and panics are reported back to the supervisor as call data.

Lines on stdin that are not instructions are evaluated as REPL expressions:

	add(1, 2)
	x = add(1, 2)
	echo($x)
	ls()
*/
package worker
