package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/snag/domain"
)

// SchemaVersion is carried in every envelope and hello.
const SchemaVersion = 1

// MessageType identifies the content of an envelope.
type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeRecord  MessageType = "record"
	TypePing    MessageType = "ping"
	TypePong    MessageType = "pong"
	TypeBye     MessageType = "bye"
	TypeControl MessageType = "control"
)

// ErrUnsupportedVersion is returned for envelopes from a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported schema version")

// Envelope is the payload of a single frame. Exactly one of the optional fields is set,
// matching Type.
type Envelope struct {
	V       int         `json:"v" cbor:"v"`
	Type    MessageType `json:"type" cbor:"type"`
	Hello   *Hello      `json:"hello,omitempty" cbor:"hello,omitempty"`
	Record  *Record     `json:"record,omitempty" cbor:"record,omitempty"`
	Control *Control    `json:"control,omitempty" cbor:"control,omitempty"`
	Reason  string      `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Hello is the handshake payload exchanged by both sides after connecting.
type Hello struct {
	ProjectName       string `json:"projectName" cbor:"projectName"`
	AppIcon           string `json:"appIcon,omitempty" cbor:"appIcon,omitempty"` // base64
	DeviceName        string `json:"deviceName" cbor:"deviceName"`
	DeviceDescription string `json:"deviceDescription" cbor:"deviceDescription"`
	DeviceID          string `json:"deviceId" cbor:"deviceId"`
	Codec             string `json:"codec" cbor:"codec"`
	SchemaVersion     int    `json:"schemaVersion" cbor:"schemaVersion"`
}

// NewHello builds the hello a side presents for its device and project.
func NewHello(device domain.Device, project domain.Project, codec string) *Hello {
	hello := &Hello{
		ProjectName:       project.Name,
		DeviceName:        device.Name,
		DeviceDescription: device.Description,
		DeviceID:          device.ID,
		Codec:             codec,
		SchemaVersion:     SchemaVersion,
	}
	if project.HasIcon() {
		hello.AppIcon = base64.StdEncoding.EncodeToString(project.Icon)
	}
	return hello
}

// Device returns the device described by the hello.
func (h *Hello) Device() domain.Device {
	return domain.Device{Name: h.DeviceName, Description: h.DeviceDescription, ID: h.DeviceID}
}

// Project returns the project described by the hello. An icon that does not decode is dropped.
func (h *Hello) Project() domain.Project {
	project := domain.Project{Name: h.ProjectName}
	if h.AppIcon != "" {
		if icon, err := base64.StdEncoding.DecodeString(h.AppIcon); err == nil {
			project.Icon = icon
		}
	}
	return project
}

// Control kinds.
const (
	ControlAppInfoRequest      = "appInfoRequest"
	ControlAppInfoResponse     = "appInfoResponse"
	ControlLogStreamingControl = "logStreamingControl"
)

// Control carries out-of-band requests between the viewer and the producer.
type Control struct {
	Kind             string `json:"kind" cbor:"kind"`
	ShouldStreamLogs *bool  `json:"shouldStreamLogs,omitempty" cbor:"shouldStreamLogs,omitempty"`
	AppInfo          *Hello `json:"appInfo,omitempty" cbor:"appInfo,omitempty"`
}

// Record is the wire form of a domain.CaptureRecord.
type Record struct {
	ID              string         `json:"id" cbor:"id"`
	Direction       string         `json:"direction" cbor:"direction"`
	Timestamp       int64          `json:"timestamp" cbor:"timestamp"` // unix milliseconds
	Complete        bool           `json:"complete" cbor:"complete"`
	RequestMethod   string         `json:"requestMethod,omitempty" cbor:"requestMethod,omitempty"`
	URL             string         `json:"url,omitempty" cbor:"url,omitempty"`
	RequestHeaders  domain.Headers `json:"requestHeaders,omitempty" cbor:"requestHeaders,omitempty"`
	RequestBody     []byte         `json:"requestBody,omitempty" cbor:"requestBody,omitempty"`
	ResponseStatus  int            `json:"responseStatus,omitempty" cbor:"responseStatus,omitempty"`
	ResponseHeaders domain.Headers `json:"responseHeaders,omitempty" cbor:"responseHeaders,omitempty"`
	ResponseBody    []byte         `json:"responseBody,omitempty" cbor:"responseBody,omitempty"`
	DurationMillis  float64        `json:"durationMillis,omitempty" cbor:"durationMillis,omitempty"`
	Log             *LogEntry      `json:"log,omitempty" cbor:"log,omitempty"`
}

// LogEntry is the wire form of a domain.Log.
type LogEntry struct {
	ID        string            `json:"id" cbor:"id"`
	Timestamp int64             `json:"timestamp" cbor:"timestamp"` // unix milliseconds
	Level     string            `json:"level" cbor:"level"`
	Message   string            `json:"message" cbor:"message"`
	Tag       string            `json:"tag,omitempty" cbor:"tag,omitempty"`
	Details   map[string]string `json:"details,omitempty" cbor:"details,omitempty"`
	Context   map[string]any    `json:"context,omitempty" cbor:"context,omitempty"`
	RequestID string            `json:"requestId,omitempty" cbor:"requestId,omitempty"`
}

// FromRecord converts a capture record into its wire form.
func FromRecord(record *domain.CaptureRecord) *Record {
	out := &Record{
		ID:        record.ID.String(),
		Direction: string(record.Direction),
		Timestamp: record.Timestamp.UnixMilli(),
		Complete:  record.Frozen(),
	}

	if record.Direction == domain.DirectionLog {
		if record.Log != nil {
			out.Log = fromLog(record.Log)
		}
		return out
	}

	out.RequestMethod = record.Request.Method
	out.URL = record.Request.URL
	out.RequestHeaders = record.Request.Headers
	out.RequestBody = record.Request.Body
	if res := record.Response; res != nil {
		out.ResponseStatus = res.StatusCode
		out.ResponseHeaders = res.Headers
		out.ResponseBody = res.Body
		out.DurationMillis = float64(res.Duration) / float64(time.Millisecond)
	}
	return out
}

// CaptureRecord converts the wire form back into a capture record.
func (r *Record) CaptureRecord() (*domain.CaptureRecord, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing record id %q : %w", r.ID, err)
	}

	switch domain.Direction(r.Direction) {
	case domain.DirectionLog:
		if r.Log == nil {
			return nil, fmt.Errorf("log record %s has no log entry", r.ID)
		}
		log, err := r.Log.domainLog()
		if err != nil {
			return nil, err
		}
		record := domain.NewLogRecord(log)
		record.ID = id
		return record, nil
	case domain.DirectionRequest, domain.DirectionResponse:
	default:
		return nil, fmt.Errorf("record %s has unknown direction %q", r.ID, r.Direction)
	}

	record := &domain.CaptureRecord{
		ID:        id,
		Direction: domain.DirectionRequest,
		Timestamp: time.UnixMilli(r.Timestamp),
		Request: domain.RequestInfo{
			Method:  r.RequestMethod,
			URL:     r.URL,
			Headers: r.RequestHeaders,
			Body:    r.RequestBody,
		},
	}
	if domain.Direction(r.Direction) == domain.DirectionResponse {
		err := record.SetResponse(domain.ResponseInfo{
			StatusCode: r.ResponseStatus,
			Headers:    r.ResponseHeaders,
			Body:       r.ResponseBody,
			Duration:   time.Duration(r.DurationMillis * float64(time.Millisecond)),
		})
		if err != nil {
			return nil, err
		}
	}
	if r.Complete {
		record.Freeze()
	}
	return record, nil
}

func fromLog(log *domain.Log) *LogEntry {
	entry := &LogEntry{
		ID:        log.ID.String(),
		Timestamp: log.Timestamp.UnixMilli(),
		Level:     log.Level,
		Message:   log.Message,
		Tag:       log.Tag,
		Details:   log.Details,
		Context:   log.Context,
	}
	if log.RequestID != nil {
		entry.RequestID = log.RequestID.String()
	}
	return entry
}

func (e *LogEntry) domainLog() (*domain.Log, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing log id %q : %w", e.ID, err)
	}
	log := &domain.Log{
		ID:        id,
		Timestamp: time.UnixMilli(e.Timestamp),
		Level:     e.Level,
		Message:   e.Message,
		Tag:       e.Tag,
		Details:   e.Details,
		Context:   e.Context,
	}
	if e.RequestID != "" {
		requestID, err := uuid.Parse(e.RequestID)
		if err != nil {
			return nil, fmt.Errorf("parsing log request id %q : %w", e.RequestID, err)
		}
		log.RequestID = &requestID
	}
	return log, nil
}

// NewHelloEnvelope wraps a hello.
func NewHelloEnvelope(hello *Hello) *Envelope {
	return &Envelope{V: SchemaVersion, Type: TypeHello, Hello: hello}
}

// NewRecordEnvelope wraps a capture record.
func NewRecordEnvelope(record *domain.CaptureRecord) *Envelope {
	return &Envelope{V: SchemaVersion, Type: TypeRecord, Record: FromRecord(record)}
}

// NewControlEnvelope wraps a control message.
func NewControlEnvelope(control *Control) *Envelope {
	return &Envelope{V: SchemaVersion, Type: TypeControl, Control: control}
}

func Ping() *Envelope { return &Envelope{V: SchemaVersion, Type: TypePing} }
func Pong() *Envelope { return &Envelope{V: SchemaVersion, Type: TypePong} }

// Bye tells the peer the connection is closing on purpose.
func Bye(reason string) *Envelope {
	return &Envelope{V: SchemaVersion, Type: TypeBye, Reason: reason}
}
