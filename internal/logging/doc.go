// Package logging configures slog for camhls with a level per module.
//
// Call Initialize once, then fetch a logger per component:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"streams": "debug"},
//	})
//	log := logging.GetLogger("streams").With("source_id", id)
//
// Every module logger carries a module attribute. Levels are held in
// slog.LevelVar values, so ApplyLevels and SetModuleLevel take effect on
// loggers that were handed out earlier; the daemon calls ApplyLevels when
// the config file changes.
//
// Output routing:
//
//	started by systemd (stdout is a journal stream)  journal only
//	journald reachable, stdout elsewhere             stdout and journal
//	no journald                                      stdout
//
// Journal entries are structured. Attribute keys become field names in
// upper case, groups are joined with underscores:
//
//	journalctl -t camhls MODULE=streams SOURCE_ID=cam-7
//	journalctl -t camhls -p err --since -1h
package logging
