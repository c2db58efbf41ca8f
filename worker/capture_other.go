//go:build !linux

package worker

func (rt *Runtime) capture(stdoutPath, stderrPath string) (func(), error) {
	return func() {}, nil
}
