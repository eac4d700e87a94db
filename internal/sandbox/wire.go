package sandbox

// wire message types exchanged between the host and a sandbox worker
// process over stdin/stdout, one JSON document per message.
const (
	msgExec       = "exec"        // host -> worker: run a script
	msgCall       = "call"        // worker -> host: invoke a bound method
	msgCallResult = "call_result" // host -> worker: bound method outcome
	msgResult     = "result"      // worker -> host: script succeeded
	msgError      = "error"       // worker -> host: script failed
)

// wireMessage is the envelope for all worker protocol messages. Fields
// are populated per message type.
type wireMessage struct {
	Type string `json:"type"`

	// exec
	Code string `json:"code,omitempty"`
	// Groups lists the bound API surface (group -> method names) so the
	// worker can install proxy stubs before running the script.
	Groups map[string][]string `json:"groups,omitempty"`

	// call / call_result
	ID     uint64                 `json:"id,omitempty"`
	Group  string                 `json:"group,omitempty"`
	Method string                 `json:"method,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`

	// result / error / call_result
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Stack   string      `json:"stack,omitempty"`
	Console string      `json:"console,omitempty"`

	// worker-side accounting, reported with the terminal message
	CPUTimeMS    int64   `json:"cpuTimeMs,omitempty"`
	MemoryUsedMB float64 `json:"memoryUsedMb,omitempty"`
}
