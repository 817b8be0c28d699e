package waypoint

import "context"

// NullEventLogger is a no-op implementation of EventLogger.
type NullEventLogger struct{}

func NewNullEventLogger() *NullEventLogger {
	return &NullEventLogger{}
}

func (l *NullEventLogger) LogEvent(ctx context.Context, entry *EventLogEntry) error {
	return nil
}

func (l *NullEventLogger) GetEventHistory(ctx context.Context, runID string) ([]*EventLogEntry, error) {
	return nil, nil
}
