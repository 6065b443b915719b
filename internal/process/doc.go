// Package process provides subprocess lifecycle management for long-lived
// external binaries such as ffmpeg.
//
// Process wraps os/exec for a single detached subprocess:
//   - Started in its own process group so it outlives the request that
//     spawned it and ignores the parent's terminal signals
//   - A supervision goroutine collects output and the exit status
//   - Graceful shutdown with SIGINT and a bounded wait
//   - Force kill of the whole process group with SIGKILL on timeout
//   - Output streaming with pluggable log parsing
//
// Processes this binary did not spawn (started by another worker, or by a
// previous instance of the daemon) are found through the Scanner, which reads
// the OS process table, and are stopped with TerminatePID.
//
// Example:
//
//	proc := process.New("cam-7", args, logger)
//	proc.SetLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel)
//	if err := proc.Start(); err != nil {
//	    return err
//	}
//	res := proc.Terminate(5 * time.Second)
package process
