package streams

import (
	"path/filepath"
	"time"

	"github.com/kidcam/camhls/internal/ffmpeg"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/process"
)

// Launcher spawns the transcoder for a source. Launch returns once the
// process is running or failed to spawn; it does not wait for output.
type Launcher interface {
	Launch(src SourceDescriptor, loc hlspath.Locator) (*process.Process, error)
}

// FFmpegLauncher launches ffmpeg HLS transcodes.
type FFmpegLauncher struct {
	Binary      string
	Params      ffmpeg.HLSParams // Template; input and output are filled per source
	StopTimeout time.Duration
	KillTimeout time.Duration
	// LogDir receives one {hash}.log per source when set. Output then no
	// longer flows through this process, so transcoders outlive it.
	LogDir string
	Logger logging.Logger
}

// Launch implements Launcher.
func (l *FFmpegLauncher) Launch(src SourceDescriptor, loc hlspath.Locator) (*process.Process, error) {
	p := l.Params
	p.InputURL = src.ConnectionURI
	p.OutputDir = loc.Dir
	p.MasterPlaylist = hlspath.PlaylistName

	args, err := ffmpeg.BuildHLSArgs(l.Binary, p)
	if err != nil {
		return nil, err
	}

	proc := process.New(src.ID, args, l.Logger)
	proc.SetLogParser(logging.GetLogger("ffmpeg").With("source_id", src.ID), ffmpeg.ParseLogLevel)
	proc.SetTimeouts(l.StopTimeout, l.KillTimeout)
	if l.LogDir != "" {
		proc.SetLogFile(filepath.Join(l.LogDir, loc.ContentHash+".log"))
	}

	if err := proc.Start(); err != nil {
		return nil, err
	}
	return proc, nil
}
