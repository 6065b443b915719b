package app

import (
	"fmt"
	"time"

	"github.com/kidcam/camhls/internal/logging"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `doc:"Path to configuration file" short:"c" default:"camhls.toml" env:"CONFIG"`

	// Stream settings
	StreamsRoot         string `doc:"Root directory for HLS output" default:"/var/lib/camhls/streams" toml:"streams.root" env:"STREAMS_ROOT"`
	StreamsStartupGrace string `doc:"How long a new transcoder must survive to count as started" default:"2s" toml:"streams.startup_grace" env:"STREAMS_STARTUP_GRACE"`
	StreamsStopTimeout  string `doc:"Graceful stop timeout before SIGKILL" default:"5s" toml:"streams.stop_timeout" env:"STREAMS_STOP_TIMEOUT"`
	StreamsAdoptWindow  string `doc:"Age below which a transcoder without a playlist is still warming up" default:"20s" toml:"streams.adopt_window" env:"STREAMS_ADOPT_WINDOW"`
	StreamsStopOnExit   bool   `doc:"Stop all transcoders when the daemon exits" default:"false" toml:"streams.stop_on_exit" env:"STREAMS_STOP_ON_EXIT"`
	StreamsLogDir       string `doc:"Directory for per-source ffmpeg logs (empty = daemon log)" default:"/var/log/camhls" toml:"streams.log_dir" env:"STREAMS_LOG_DIR"`

	// FFmpeg settings
	FFmpegBinary        string `doc:"ffmpeg binary" default:"ffmpeg" toml:"ffmpeg.binary" env:"FFMPEG_BINARY"`
	FFmpegEncoder       string `doc:"Video encoder, or copy to pass through" default:"libx264" toml:"ffmpeg.encoder" env:"FFMPEG_ENCODER"`
	FFmpegPreset        string `doc:"Encoder preset" default:"fast" toml:"ffmpeg.preset" env:"FFMPEG_PRESET"`
	FFmpegRTSPTransport string `doc:"RTSP transport (tcp, udp)" default:"tcp" toml:"ffmpeg.rtsp_transport" env:"FFMPEG_RTSP_TRANSPORT"`
	FFmpegLogLevel      string `doc:"ffmpeg -loglevel" default:"warning" toml:"ffmpeg.log_level" env:"FFMPEG_LOG_LEVEL"`
	HLSSegmentSeconds   int    `doc:"HLS segment length in seconds" default:"5" toml:"hls.segment_seconds" env:"HLS_SEGMENT_SECONDS"`
	HLSListSize         int    `doc:"Segments kept in each playlist" default:"10" toml:"hls.list_size" env:"HLS_LIST_SIZE"`

	// Reconciliation settings
	ReconcileInterval     string `doc:"Reconciliation interval" default:"50s" toml:"reconcile.interval" env:"RECONCILE_INTERVAL"`
	ReconcileConcurrency  int    `doc:"Sources started in parallel per pass" default:"4" toml:"reconcile.concurrency" env:"RECONCILE_CONCURRENCY"`
	ReconcileStartTimeout string `doc:"Per-source start timeout during a pass" default:"15s" toml:"reconcile.start_timeout" env:"RECONCILE_START_TIMEOUT"`

	// Catalog settings
	CatalogDriver string `doc:"Camera catalog (file, postgres, sqlite)" default:"file" toml:"catalog.driver" env:"CATALOG_DRIVER"`
	CatalogFile   string `doc:"Camera file for the file catalog" default:"cameras.toml" toml:"catalog.file" env:"CATALOG_FILE"`
	CatalogDSN    string `doc:"Database DSN for SQL catalogs" default:"" toml:"catalog.dsn" env:"CATALOG_DSN"`

	// Lease settings
	LeaseRedisAddr     string `doc:"Redis address for start leases (empty = in-process only)" default:"" toml:"lease.redis_addr" env:"LEASE_REDIS_ADDR"`
	LeaseRedisPassword string `doc:"Redis password" default:"" toml:"lease.redis_password" env:"LEASE_REDIS_PASSWORD"`
	LeaseRedisDB       int    `doc:"Redis database" default:"0" toml:"lease.redis_db" env:"LEASE_REDIS_DB"`
	LeaseTTL           string `doc:"Start lease TTL" default:"30s" toml:"lease.ttl" env:"LEASE_TTL"`

	// Recording settings
	RecordingsRoot        string `doc:"Root directory for recordings" default:"/var/lib/camhls/recordings" toml:"recordings.root" env:"RECORDINGS_ROOT"`
	RecordingsMaxDuration string `doc:"Longest allowed recording" default:"5m" toml:"recordings.max_duration" env:"RECORDINGS_MAX_DURATION"`

	// Metrics settings
	MetricsAddr string `doc:"Prometheus listen address (empty disables)" default:":9464" toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel     string `doc:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat    string `doc:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingStreams   string `doc:"Streams logging level" default:"info" toml:"logging.streams" env:"LOGGING_STREAMS"`
	LoggingProcess   string `doc:"Process logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingFFmpeg    string `doc:"ffmpeg output logging level" default:"info" toml:"logging.ffmpeg" env:"LOGGING_FFMPEG"`
	LoggingCatalog   string `doc:"Catalog logging level" default:"info" toml:"logging.catalog" env:"LOGGING_CATALOG"`
	LoggingRecording string `doc:"Recording logging level" default:"info" toml:"logging.recording" env:"LOGGING_RECORDING"`
	LoggingLease     string `doc:"Lease logging level" default:"info" toml:"logging.lease" env:"LOGGING_LEASE"`
}

// LoggingConfig returns the logging configuration the options describe.
func (o *Options) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"streams":   o.LoggingStreams,
			"process":   o.LoggingProcess,
			"ffmpeg":    o.LoggingFFmpeg,
			"catalog":   o.LoggingCatalog,
			"recording": o.LoggingRecording,
			"lease":     o.LoggingLease,
		},
	}
}

// timings holds the parsed duration options.
type timings struct {
	startupGrace     time.Duration
	stopTimeout      time.Duration
	adoptWindow      time.Duration
	reconcile        time.Duration
	startTimeout     time.Duration
	leaseTTL         time.Duration
	maxRecordingTime time.Duration
}

func (o *Options) timings() (timings, error) {
	var t timings
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"streams.startup_grace", o.StreamsStartupGrace, &t.startupGrace},
		{"streams.stop_timeout", o.StreamsStopTimeout, &t.stopTimeout},
		{"streams.adopt_window", o.StreamsAdoptWindow, &t.adoptWindow},
		{"reconcile.interval", o.ReconcileInterval, &t.reconcile},
		{"reconcile.start_timeout", o.ReconcileStartTimeout, &t.startTimeout},
		{"lease.ttl", o.LeaseTTL, &t.leaseTTL},
		{"recordings.max_duration", o.RecordingsMaxDuration, &t.maxRecordingTime},
	}
	for _, f := range fields {
		if f.value == "" {
			continue // component default
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return t, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return t, nil
}
