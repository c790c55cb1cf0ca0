package wire

// taskpb mirrors the gRPC-shaped submission service of spec §6. The spec's Non-goals exclude
// generated RPC stubs ("only the wire shape is specified") so these are hand-written Go structs
// carried over google.golang.org/grpc with the JSON codec in codec.go, rather than protoc-gen-go
// output.

// TaskResponseStatus enumerates TaskResponse.status (spec §6).
type TaskResponseStatus int32

const (
	TaskStatusPending   TaskResponseStatus = 0
	TaskStatusSuccess   TaskResponseStatus = 1
	TaskStatusFailed    TaskResponseStatus = 2
	TaskStatusCancelled TaskResponseStatus = 3
)

// TaskRequest is the SubmitTask request (spec §6).
type TaskRequest struct {
	TaskID  string `json:"task_id"`
	Method  string `json:"method"`
	Args    []Any  `json:"args"`
	Deps    []string `json:"deps"`
	IsAsync bool   `json:"is_async"`

	// Submission-only fields not named in the minimal §6 shape but present on Task (spec §3);
	// the wire shape in §6 is the canonical minimum, these are additive and default to zero
	// values when absent so a minimal client still round-trips.
	Priority       int               `json:"priority,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	PluginSelector string            `json:"plugin_selector,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TaskResponse is the SubmitTask response (spec §6).
type TaskResponse struct {
	TaskID string             `json:"task_id"`
	Status TaskResponseStatus `json:"status"`
	Result string             `json:"result"`
}

// ResultRequest is the GetResult/CancelTask request (spec §6: both take a {task_id}-shaped
// message named ResultRequest).
type ResultRequest struct {
	TaskID string `json:"task_id"`
}

// ResultResponse is the GetResult response (spec §6).
type ResultResponse struct {
	Status  TaskResponseStatus `json:"status"`
	Result  string             `json:"result"`
	IsReady bool               `json:"is_ready"`
}

// CancelResponse is CancelTask's {success: bool} response (spec §6).
type CancelResponse struct {
	Success bool `json:"success"`
}
