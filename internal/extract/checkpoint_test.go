package extract

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

const jsonCheckpoint = `{"v": 1, "channel_values": {"messages": [
  {"type": "human", "content": "list files"},
  {"type": "ai", "content": "", "tool_calls": [{"name": "ls"}, {"name": "read_file"}],
   "usage_metadata": {"input_tokens": 100, "output_tokens": 20},
   "response_metadata": {"model_name": "gpt-5"}},
  {"type": "tool", "content": "a.go"},
  {"type": "ai", "content": [{"type": "text", "text": "Found a.go"}, "and nothing else"],
   "usage_metadata": {"input_tokens": 150, "output_tokens": 10},
   "response_metadata": {"model_name": "gpt-5"}}
]}}`

func TestCheckpointMessages(t *testing.T) {
	cp, err := DecodeCheckpoint("json", []byte(jsonCheckpoint))
	require.NoError(t, err)
	rec, err := CheckpointMessages(cp)
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"gpt-5": {250, 30, 280}}, rec.ModelsUsage)
	assert.Equal(t, 2, *rec.LLMCalls)
	assert.Equal(t, 2, *rec.ToolCalls)
	assert.Equal(t, "Found a.go\nand nothing else", *rec.Response)
}

func TestCheckpointMessagesFailsClosed(t *testing.T) {
	tests := map[string]string{
		"no ai messages": `{"channel_values": {"messages": [{"type": "human", "content": "hi"}]}}`,
		"no usage":       `{"channel_values": {"messages": [{"type": "ai", "content": "x", "response_metadata": {"model_name": "m"}}]}}`,
		"no model": `{"channel_values": {"messages": [{"type": "ai", "content": "x",
			"usage_metadata": {"input_tokens": 1, "output_tokens": 1}, "response_metadata": {}}]}}`,
		"no channel": `{"v": 1}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			cp, err := DecodeCheckpoint("json", []byte(doc))
			require.NoError(t, err)
			_, err = CheckpointMessages(cp)
			assert.ErrorIs(t, err, telemetry.ErrUnusable)
		})
	}
}

// aiMessage packs a message the way LangGraph's serializer does: an
// extension whose payload is a (module, class, fields, method) tuple.
func aiMessage(t *testing.T, fields map[string]any) msgpack.RawMessage {
	t.Helper()
	payload, err := msgpack.Marshal([]any{"langchain_core.messages.ai", "AIMessage", fields, "model_validate_json"})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).EncodeExtHeader(5, len(payload)))
	buf.Write(payload)
	return msgpack.RawMessage(buf.Bytes())
}

func msgpackCheckpoint(t *testing.T) []byte {
	t.Helper()
	data, err := msgpack.Marshal(map[string]any{
		"v": 1,
		"channel_values": map[string]any{"messages": []any{
			aiMessage(t, map[string]any{
				"type":              "ai",
				"content":           "done",
				"tool_calls":        []any{map[string]any{"name": "write_file"}},
				"usage_metadata":    map[string]any{"input_tokens": 40, "output_tokens": 8},
				"response_metadata": map[string]any{"model_name": "qwen3-coder"},
			}),
		}},
	})
	require.NoError(t, err)
	return data
}

func TestDecodeCheckpointMsgpack(t *testing.T) {
	cp, err := DecodeCheckpoint("msgpack", msgpackCheckpoint(t))
	require.NoError(t, err)
	rec, err := CheckpointMessages(cp)
	require.NoError(t, err)
	assert.Equal(t, telemetry.ModelUsage{"qwen3-coder": {40, 8, 48}}, rec.ModelsUsage)
	assert.Equal(t, 1, *rec.ToolCalls)
	assert.Equal(t, "done", *rec.Response)

	_, err = DecodeCheckpoint("pickle", nil)
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
	_, err = DecodeCheckpoint("msgpack", []byte{0xc1})
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}

func TestThreadCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE checkpoints (thread_id TEXT, checkpoint_ns TEXT, checkpoint_id TEXT,
		parent_checkpoint_id TEXT, type TEXT, checkpoint BLOB, metadata BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO checkpoints (thread_id, checkpoint_id, type, checkpoint) VALUES
		('1a2b3c4d', '01', 'json', '{"channel_values": {"messages": []}}'),
		('1a2b3c4d', '02', 'msgpack', ?),
		('ffffffff', '03', 'json', '{}')`, msgpackCheckpoint(t))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cp, err := ThreadCheckpoint(context.Background(), path, "1a2b3c4d")
	require.NoError(t, err)
	rec, err := CheckpointMessages(cp)
	require.NoError(t, err)
	assert.Equal(t, 1, *rec.LLMCalls)

	_, err = ThreadCheckpoint(context.Background(), path, "00000000")
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
	_, err = ThreadCheckpoint(context.Background(), filepath.Join(t.TempDir(), "absent.db"), "1a2b3c4d")
	assert.ErrorIs(t, err, telemetry.ErrUnusable)
}
