package ffmpeg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Validation errors returned by the builders.
var (
	ErrNoInput  = errors.New("ffmpeg: input url is required")
	ErrNoOutput = errors.New("ffmpeg: output is required")
)

// Base returns the argv prefix shared by every command.
func Base(binary, logLevel string) []string {
	if logLevel == "" {
		logLevel = DefaultLogLevel
	}
	return []string{binary, "-hide_banner", "-nostdin", "-loglevel", "level+" + logLevel}
}

// inputArgs returns the input section for url.
func inputArgs(url, transport string) []string {
	var args []string
	if strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://") {
		if transport == "" {
			transport = DefaultRTSPTransport
		}
		args = append(args, "-rtsp_transport", transport)
	}
	return append(args, "-analyzeduration", analyzeDuration, "-probesize", probeSize, "-i", url)
}

// BuildHLSArgs builds the argv for a live HLS transcode of p.InputURL into
// p.OutputDir. The result is deterministic for equal params, and every
// output path in it is under OutputDir.
func BuildHLSArgs(binary string, p HLSParams) ([]string, error) {
	if p.InputURL == "" {
		return nil, ErrNoInput
	}
	if p.OutputDir == "" {
		return nil, ErrNoOutput
	}

	master := p.MasterPlaylist
	if master == "" {
		master = DefaultMasterPlaylist
	}
	seg := p.SegmentSeconds
	if seg <= 0 {
		seg = DefaultSegmentSeconds
	}
	size := p.ListSize
	if size <= 0 {
		size = DefaultListSize
	}

	args := Base(binary, p.LogLevel)
	args = append(args, inputArgs(p.InputURL, p.RTSPTransport)...)

	hls := []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(seg),
		"-hls_list_size", strconv.Itoa(size),
		"-hls_flags", "delete_segments+independent_segments",
	}

	// Passthrough: one variant written straight to the master playlist name
	if p.Encoder == "copy" {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0?", "-c:v", "copy", "-c:a", "aac")
		args = append(args, hls...)
		args = append(args,
			"-hls_segment_filename", filepath.Join(p.OutputDir, "seg_%05d.ts"),
			filepath.Join(p.OutputDir, master),
		)
		return args, nil
	}

	ladder := p.Renditions
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	encoder := p.Encoder
	if encoder == "" {
		encoder = DefaultEncoder
	}
	preset := p.Preset
	if preset == "" {
		preset = DefaultPreset
	}

	streamMap := make([]string, 0, len(ladder))
	for i, r := range ladder {
		if r.Name == "" || r.Size == "" || r.Bitrate == "" {
			return nil, fmt.Errorf("ffmpeg: rendition %d incomplete", i)
		}
		args = append(args, "-map", "0:v:0")
		streamMap = append(streamMap, fmt.Sprintf("v:%d,name:%s", i, r.Name))
	}

	args = append(args, "-c:v", encoder)
	if !isHardwareEncoder(encoder) {
		args = append(args, "-preset", preset)
	}
	for i, r := range ladder {
		args = append(args,
			fmt.Sprintf("-b:v:%d", i), r.Bitrate,
			fmt.Sprintf("-s:v:%d", i), r.Size,
		)
	}
	// Keyframe every segment so each segment starts independently decodable
	args = append(args, "-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg))

	args = append(args, hls...)
	args = append(args,
		"-hls_segment_filename", filepath.Join(p.OutputDir, "%v_%05d.ts"),
		"-master_pl_name", master,
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.Join(p.OutputDir, "%v.m3u8"),
	)
	return args, nil
}

// BuildRecordArgs builds the argv for a stream-copy recording of
// p.Duration into p.Output.
func BuildRecordArgs(binary string, p RecordParams) ([]string, error) {
	if p.InputURL == "" {
		return nil, ErrNoInput
	}
	if p.Output == "" {
		return nil, ErrNoOutput
	}
	if p.Duration <= 0 {
		return nil, fmt.Errorf("ffmpeg: recording duration must be positive, got %s", p.Duration)
	}

	args := Base(binary, p.LogLevel)
	args = append(args, "-y")
	args = append(args, inputArgs(p.InputURL, p.RTSPTransport)...)
	args = append(args,
		"-t", strconv.FormatFloat(p.Duration.Seconds(), 'f', -1, 64),
		"-c:v", "copy",
		"-c:a", "aac",
	)
	if ext := filepath.Ext(p.Output); ext == ".mp4" || ext == ".mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, p.Output), nil
}

// isHardwareEncoder reports whether the encoder ignores -preset.
func isHardwareEncoder(encoder string) bool {
	return strings.Contains(encoder, "vaapi") ||
		strings.Contains(encoder, "rkmpp") ||
		strings.Contains(encoder, "qsv") ||
		strings.Contains(encoder, "v4l2m2m")
}
