package routine

import "os"

// pluginSink is the sink handed to routines inside a plugin process. The
// host relays the process's stdout and stderr into its own sink.
func pluginSink() Sink {
	return Sink{Stdout: os.Stdout, Stderr: os.Stderr}
}
