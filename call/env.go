package call

import "fmt"

// Environment variables the supervisor sets for the worker.
const (
	EnvControlFD = "CALLSESS_CONTROL_FD"
	EnvCodec     = "CALLSESS_CODEC"
	EnvErrorMode = "CALLSESS_ERROR_MODE"
	EnvLibPath   = "CALLSESS_LIB_PATH"
)

// ErrorMode controls how much the worker reports about failed calls.
type ErrorMode string

const (
	// ModePlain reports only the error message.
	ModePlain ErrorMode = "plain"
	// ModeStack adds the captured stack to RemoteError.
	ModeStack ErrorMode = "stack"
	// ModeDump also keeps a crash dump in the worker for post-mortem debugging.
	ModeDump ErrorMode = "dump"
)

func ParseErrorMode(s string) (ErrorMode, error) {
	switch m := ErrorMode(s); m {
	case ModePlain, ModeStack, ModeDump:
		return m, nil
	case "":
		return ModeDump, nil
	default:
		return "", fmt.Errorf("unsupported error mode %q", s)
	}
}
