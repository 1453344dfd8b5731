package ws

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ConnInfo describes one subscriber connection for logs and traces.
type ConnInfo struct {
	ConnID      string
	ThreadID    int64
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Fields renders the connection as structured log fields.
func (i ConnInfo) Fields() logrus.Fields {
	fields := logrus.Fields{
		"conn_id":   i.ConnID,
		"thread_id": i.ThreadID,
		"user_id":   i.UserID,
		"ip":        i.IP,
	}
	if i.DeviceID != "" {
		fields["device_id"] = i.DeviceID
	}
	if i.RequestID != "" {
		fields["request_id"] = i.RequestID
	}
	if i.TraceID != "" {
		fields["trace_id"] = i.TraceID
	}
	return fields
}
