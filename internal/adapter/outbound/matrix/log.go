package matrix

import (
	"encoding/json"
	"log/slog"
)

// slogWriter forwards the mautrix client's zerolog output into the
// engine's slog logger so everything lands in one stream.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Write(line []byte) (int, error) {
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		w.log.Debug("mautrix", "message", string(line))
		return len(line), nil
	}
	message, _ := entry["message"].(string)
	level, _ := entry["level"].(string)
	attrs := make([]any, 0, len(entry)*2)
	for key, value := range entry {
		if key == "message" || key == "level" || key == "time" {
			continue
		}
		attrs = append(attrs, key, value)
	}
	switch level {
	case "error", "fatal", "panic":
		w.log.Error(message, attrs...)
	case "warn":
		w.log.Warn(message, attrs...)
	case "info":
		w.log.Info(message, attrs...)
	default:
		w.log.Debug(message, attrs...)
	}
	return len(line), nil
}
