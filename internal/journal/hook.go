package journal

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DeviceField is the log field copied into Record.Device.
const DeviceField = "device"

// Hook mirrors logrus entries into a journal.
type Hook struct {
	journal *Journal
	levels  []logrus.Level
}

// NewHook returns a hook recording entries at minLevel or more severe.
func NewHook(j *Journal, minLevel logrus.Level) *Hook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &Hook{journal: j, levels: levels}
}

// Attach registers a hook for j on logger.
func Attach(logger *logrus.Logger, j *Journal, minLevel logrus.Level) *Hook {
	h := NewHook(j, minLevel)
	logger.AddHook(h)
	return h
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	rec := Record{
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
	}
	for k, v := range entry.Data {
		if k == DeviceField {
			rec.Device = fmt.Sprint(v)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]string, len(entry.Data))
		}
		rec.Fields[k] = fmt.Sprint(v)
	}
	return h.journal.Append(rec)
}
