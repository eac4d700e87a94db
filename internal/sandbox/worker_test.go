package sandbox

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// runScript drives runWorkerScript with an in-memory host side. callReplies
// are decoded in order when the script invokes bindings.
func runScript(t *testing.T, req wireMessage, callReplies ...wireMessage) (wireMessage, []wireMessage) {
	t.Helper()

	var hostIn bytes.Buffer // worker -> host
	replies := &bytes.Buffer{}
	enc := json.NewEncoder(replies)
	for _, r := range callReplies {
		if err := enc.Encode(r); err != nil {
			t.Fatal(err)
		}
	}

	out := runWorkerScript(req, json.NewEncoder(&hostIn), json.NewDecoder(replies))

	var calls []wireMessage
	dec := json.NewDecoder(&hostIn)
	for {
		var m wireMessage
		if err := dec.Decode(&m); err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		calls = append(calls, m)
	}
	return out, calls
}

func TestRunWorkerScript_Success(t *testing.T) {
	out, _ := runScript(t, wireMessage{Type: msgExec, Code: "return 21 * 2"})
	if out.Type != msgResult {
		t.Fatalf("expected result message, got %q: %s", out.Type, out.Error)
	}
	if toFloat64(out.Result) != 42 {
		t.Errorf("expected 42, got %v", out.Result)
	}
}

func TestRunWorkerScript_ScriptError(t *testing.T) {
	out, _ := runScript(t, wireMessage{Type: msgExec, Code: `throw new Error("bad")`})
	if out.Type != msgError {
		t.Fatalf("expected error message, got %q", out.Type)
	}
	if !strings.Contains(out.Error, "bad") {
		t.Errorf("expected script error preserved, got %q", out.Error)
	}
	if out.Stack == "" {
		t.Error("expected a stack")
	}
}

func TestRunWorkerScript_ConsoleCapture(t *testing.T) {
	out, _ := runScript(t, wireMessage{Type: msgExec, Code: `console.log("hi"); return 1`})
	if out.Type != msgResult {
		t.Fatalf("expected result, got %q: %s", out.Type, out.Error)
	}
	if !strings.Contains(out.Console, "[log] hi") {
		t.Errorf("expected captured console output, got %q", out.Console)
	}
}

func TestRunWorkerScript_BindingCallRoundTrip(t *testing.T) {
	req := wireMessage{
		Type: msgExec,
		Code: `return await pg.query({sql: "SELECT 1"})`,
		Groups: map[string][]string{
			"pg": {"query"},
		},
	}
	reply := wireMessage{Type: msgCallResult, ID: 1, Result: "one row"}

	out, calls := runScript(t, req, reply)
	if out.Type != msgResult {
		t.Fatalf("expected result, got %q: %s", out.Type, out.Error)
	}
	if out.Result != "one row" {
		t.Errorf("expected proxied result, got %v", out.Result)
	}

	if len(calls) != 1 {
		t.Fatalf("expected exactly one call message, got %d", len(calls))
	}
	if calls[0].Type != msgCall || calls[0].Group != "pg" || calls[0].Method != "query" {
		t.Errorf("unexpected call message %+v", calls[0])
	}
	if calls[0].Params["sql"] != "SELECT 1" {
		t.Errorf("expected params forwarded, got %v", calls[0].Params)
	}
}

func TestRunWorkerScript_BindingErrorThrows(t *testing.T) {
	req := wireMessage{
		Type:   msgExec,
		Code:   `return await pg.query({})`,
		Groups: map[string][]string{"pg": {"query"}},
	}
	reply := wireMessage{Type: msgCallResult, ID: 1, Error: "pg.query: no such table"}

	out, _ := runScript(t, req, reply)
	if out.Type != msgError {
		t.Fatalf("expected error, got %q", out.Type)
	}
	if !strings.Contains(out.Error, "no such table") {
		t.Errorf("expected binding error surfaced as script error, got %q", out.Error)
	}
}

func TestRunWorkerScript_RejectsNonExec(t *testing.T) {
	out, _ := runScript(t, wireMessage{Type: msgExec, Code: ""})
	// Empty code still wraps to an empty function body: undefined result.
	if out.Type != msgResult {
		t.Fatalf("expected result for empty code, got %q: %s", out.Type, out.Error)
	}
}
