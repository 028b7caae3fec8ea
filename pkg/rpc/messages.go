// Package rpc defines the wire protocol of the insulate service: the
// message types exchanged between clients, the orchestration server, and
// the per-worker agents, together with hand-registered gRPC service
// descriptors for the Isolate and Agent services.
//
// Messages travel as JSON over gRPC via the codec in codec.go. Clients
// select it with grpc.CallContentSubtype(rpc.CodecName); DefaultDialOptions
// does this for you.
package rpc

// LogLevel is the severity of a streamed log line.
type LogLevel int32

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// LogSource identifies which part of the pipeline emitted a log line.
type LogSource int32

const (
	SourceBuilder LogSource = iota
	SourceBridge
	SourceUser
)

func (s LogSource) String() string {
	switch s {
	case SourceBuilder:
		return "builder"
	case SourceBridge:
		return "bridge"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// Log is a single log line forwarded on a run stream.
type Log struct {
	Message string    `json:"message"`
	Level   LogLevel  `json:"level"`
	Source  LogSource `json:"source"`
}

// SerializedObject carries an opaque serialized value together with the
// name of the codec that produced it. When the value is the outcome of a
// user function that raised, WasItRaised is set and StringizedTraceback
// holds the formatted trace.
type SerializedObject struct {
	Method              string `json:"method"`
	Definition          []byte `json:"definition"`
	WasItRaised         bool   `json:"was_it_raised"`
	StringizedTraceback string `json:"stringized_traceback,omitempty"`
}

// EnvironmentDefinition describes one environment of a run. Configuration
// is opaque to the wire layer; each builder kind decodes its own shape.
type EnvironmentDefinition struct {
	Kind          string         `json:"kind"`
	Configuration map[string]any `json:"configuration"`
	Force         bool           `json:"force"`
}

// BoundFunction is the request of Run and the payload of Submit: a
// serialized callable bound to the environments it should run in. The
// first environment is the primary one; the rest are layered under it.
type BoundFunction struct {
	Environments []*EnvironmentDefinition `json:"environments"`
	Function     *SerializedObject        `json:"function"`
	SetupFunc    *SerializedObject        `json:"setup_func,omitempty"`
}

// FunctionCall is what the server dispatches to an agent.
type FunctionCall struct {
	Function  *SerializedObject `json:"function"`
	SetupFunc *SerializedObject `json:"setup_func,omitempty"`
}

// PartialRunResult is one element of a run stream. At most one element has
// IsComplete set, it is the last one, and it carries the final result.
type PartialRunResult struct {
	IsComplete bool              `json:"is_complete"`
	Logs       []*Log            `json:"logs,omitempty"`
	Result     *SerializedObject `json:"result,omitempty"`
}

// SubmitRequest schedules a background run of the given function.
type SubmitRequest struct {
	Function *BoundFunction `json:"function"`
}

// SubmitResponse returns the identifier of the scheduled task.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// ListRequest asks for the currently known background tasks.
type ListRequest struct{}

// TaskInfo describes one background task.
type TaskInfo struct {
	TaskID string `json:"task_id"`
}

// ListResponse is a snapshot of the non-terminal background tasks.
type ListResponse struct {
	Tasks []*TaskInfo `json:"tasks,omitempty"`
}

// CancelRequest asks for cancellation of a background task. Unknown ids
// are accepted silently.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse is empty. It is sent once the task has reached a
// terminal state, or right away for an unknown id.
type CancelResponse struct{}
