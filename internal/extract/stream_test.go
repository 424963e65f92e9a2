package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

func lines(events ...string) string {
	return strings.Join(events, "\n") + "\n"
}

func TestMessageStreamTurnWithoutBlocks(t *testing.T) {
	stdout := lines(
		`{"type":"message_start","message":{"role":"assistant","model":"m1","usage":{"input_tokens":3}}}`,
		`{"type":"message_stop"}`,
	)

	rec, err := MessageStream(stdout)
	require.NoError(t, err)

	assert.Equal(t, 0, *rec.ToolCalls)
	assert.Equal(t, 1, *rec.LLMCalls)
	assert.Equal(t, telemetry.ModelUsage{"m1": {PromptTokens: 3, TotalTokens: 3}}, rec.ModelsUsage)
}

func TestMessageStreamUnterminatedTurn(t *testing.T) {
	stdout := lines(
		`{"type":"message_start","message":{"role":"assistant","model":"m1","id":"r1","usage":{"input_tokens":3}}}`,
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1"}}`,
	)

	rec, err := MessageStream(stdout)
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
	assert.Empty(t, rec.ModelsUsage)
	assert.Nil(t, rec.LLMCalls)
}

func TestMessageStreamFullTurns(t *testing.T) {
	stdout := lines(
		"plain progress text",
		`{"type":"stream_event","event":{"type":"message_start","message":{"role":"assistant","model":"m1","id":"r1","usage":{"input_tokens":10,"cache_read_input_tokens":5}}}}`,
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1"}}`,
		`{"type":"message_delta","usage":{"output_tokens":4}}`,
		`{"type":"message_stop"}`,
		`{"type":"message_start","message":{"role":"assistant","model":"m1","id":"r2","usage":{"input_tokens":20}}}`,
		`{"type":"content_block_start","content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"message_delta","usage":{"output_tokens":6}}`,
		`{"type":"message_stop"}`,
	)

	rec, err := MessageStream(stdout)
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"m1": {35, 10, 45}}, rec.ModelsUsage)
	assert.Equal(t, 2, *rec.LLMCalls)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "Hello world", *rec.Response)
}

func TestMessageStreamRejectsBrokenLine(t *testing.T) {
	stdout := lines(
		`{"type":"message_start","message":{"role":"assistant","model":"m1","usage":{"input_tokens":3}}}`,
		`{"type":"message_stop"`,
	)
	_, err := MessageStream(stdout)
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}

func TestAssistantEnvelopesDeduplicates(t *testing.T) {
	stdout := lines(
		`{"type":"assistant","message":{"id":"a","model":"m","usage":{"input_tokens":5,"output_tokens":1},"content":[{"type":"tool_use","id":"t1"}]}}`,
		`{"type":"assistant","message":{"id":"a","model":"m","usage":{"input_tokens":5,"output_tokens":2},"content":[{"type":"tool_use","id":"t1"}]}}`,
		`{"type":"assistant","message":{"id":"b","model":"m","usage":{"input_tokens":7,"output_tokens":3},"content":[{"type":"text","text":"fin"}]}}`,
	)

	rec, err := AssistantEnvelopes(stdout)
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"m": {12, 5, 17}}, rec.ModelsUsage)
	assert.Equal(t, 2, *rec.LLMCalls)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "fin", *rec.Response)
}

func TestQoderMessages(t *testing.T) {
	stdout := lines(
		`{"type":"qoder_message","message":{"role":"user","content":"hi"}}`,
		`{"type":"qoder_message","message":{"role":"assistant","content":"","tool_calls":[{},{}],"response_meta":{"model_name":"q1","request_id":"r1"},"usage":{"total_prompt_tokens":10,"total_completed_tokens":2,"total_tokens":12}}}`,
		`{"type":"qoder_message","message":{"role":"assistant","content":"ok","response_meta":{"model_name":"q1","request_id":"r2"},"usage":{"total_prompt_tokens":4,"total_completed_tokens":1,"total_tokens":5}}}`,
	)

	rec, err := QoderMessages(stdout)
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"q1": {14, 3, 17}}, rec.ModelsUsage)
	assert.Equal(t, 2, *rec.LLMCalls)
	assert.Equal(t, 2, *rec.ToolCalls)
	assert.Equal(t, "ok", *rec.Response)
}

func TestCodexEvents(t *testing.T) {
	stdout := lines(
		`{"type":"thread.started","thread_id":"0199a213-81c0-7800-8aa1-bbab2a035a53"}`,
		`{"type":"item.started","item":{"id":"i1","type":"command_execution"}}`,
		`{"type":"item.completed","item":{"id":"i1","type":"command_execution"}}`,
		`{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"done"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":100,"cached_input_tokens":50,"output_tokens":10}}`,
	)

	rec, err := CodexEvents(stdout, "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"gpt-5": {150, 10, 160}}, rec.ModelsUsage)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "done", *rec.Response)

	id, err := CodexThreadID(stdout)
	require.NoError(t, err)
	assert.Equal(t, "0199a213-81c0-7800-8aa1-bbab2a035a53", id)

	_, err = CodexEvents(`{"type":"turn.completed","usage":{"input_tokens":1,"output_tokens":1}}`, "")
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}

func TestToolCallEvents(t *testing.T) {
	stdout := lines(
		`{"type":"system","subtype":"init","model":"sonnet"}`,
		`{"type":"tool_call","subtype":"started","call_id":"c1"}`,
		`{"type":"tool_call","subtype":"completed","call_id":"c1"}`,
		`{"type":"tool_call","subtype":"started","call_id":"c2"}`,
	)
	rec, err := ToolCallEvents(stdout)
	require.NoError(t, err)
	assert.Equal(t, 2, *rec.ToolCalls)
	assert.Equal(t, "sonnet", rec.Model)
}

func TestRoleMessages(t *testing.T) {
	stdout := lines(
		`{"role":"assistant","content":[{"type":"text","text":"thinking"}],"tool_calls":[{"id":"1"}]}`,
		`{"role":"tool","content":"output"}`,
		`{"role":"assistant","content":"final"}`,
	)
	rec, err := RoleMessages(stdout)
	require.NoError(t, err)
	assert.Equal(t, 2, *rec.LLMCalls)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "final", *rec.Response)
	assert.Empty(t, rec.ModelsUsage)
}

func TestSessionID(t *testing.T) {
	id, err := SessionID(lines(
		`{"type":"step_start","sessionID":"ses_1"}`,
		`not json`,
		`{"type":"text","sessionID":"ses_1"}`,
	), "sessionID")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", id)

	_, err = SessionID(lines(`{"sessionID":"a"}`, `{"sessionID":"b"}`), "sessionID")
	assert.ErrorIs(t, err, telemetry.ErrUnusable)

	_, err = SessionID(`{"type":"text"}`, "sessionID")
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}

func TestTextParts(t *testing.T) {
	rec, err := TextParts(lines(
		`{"type":"text","part":{"type":"text","text":"first"}}`,
		`{"type":"tool_use","part":{"type":"tool"}}`,
		`{"type":"text","part":{"type":"text","text":"  done  "}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, "done", *rec.Response)

	_, err = TextParts(`{"type":"step_finish"}`)
	assert.ErrorIs(t, err, telemetry.ErrUnusable)

	_, err = TextParts(`{"type":"text","part":{"type":"text","text":42}}`)
	assert.ErrorIs(t, err, telemetry.ErrUnusable, "mistyped text fails closed")
}

func TestGooseStream(t *testing.T) {
	rec, err := GooseStream(lines(
		`{"type":"model_change","model":"gpt-a"}`,
		`{"type":"message","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Hel"}]}}`,
		`{"type":"message","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"lo"}]}}`,
		`{"type":"model_change","model":"gpt-b"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, "gpt-b", rec.Model)
	assert.Equal(t, "Hello", *rec.Response)
	assert.Nil(t, rec.LLMCalls)

	_, err = GooseStream(`{"type":"complete"}`)
	assert.ErrorIs(t, err, telemetry.ErrUnusable)

	for _, bad := range []string{
		`{"type":"model_change","model":7}`,
		`{"type":"message","message":{"role":["assistant"],"content":[]}}`,
		`{"type":"message","message":{"id":1,"role":"assistant","content":[{"type":"text","text":"x"}]}}`,
	} {
		_, err = GooseStream(bad)
		assert.ErrorIs(t, err, telemetry.ErrUnusable, bad)
	}
}
