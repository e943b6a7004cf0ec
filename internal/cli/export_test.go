package cli

import "io"

// SetLogOutput redirects the records of SetSlog to w until the returned function is called.
func SetLogOutput(w io.Writer) (restore func()) {
	prev := logOutput
	logOutput = w
	return func() { logOutput = prev }
}
