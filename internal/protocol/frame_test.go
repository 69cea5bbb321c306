package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"timestamp":"2025-01-01T00:00:00Z"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDataNestedAndFlattened(t *testing.T) {
	nested, err := Decode([]byte(`{"type":"decision","data":{"decision_type":"execute_A","confidence_server":92}}`))
	require.NoError(t, err)
	d := nested.Data()
	assert.Equal(t, "execute_A", Str(d, "decision_type"))
	assert.Equal(t, 92, Int(d, "confidence_server", 0))

	flat, err := Decode([]byte(`{"type":"decision","device_id":"dev-1","decision_type":"block","_nonce":"n"}`))
	require.NoError(t, err)
	d = flat.Data()
	assert.Equal(t, "block", Str(d, "decision_type"))
	// Envelope keys never leak into the payload view.
	assert.NotContains(t, d, "type")
	assert.NotContains(t, d, "device_id")
	assert.NotContains(t, d, "_nonce")
}

func TestNewFrameShape(t *testing.T) {
	f := New(TypeHeartbeat, "dev-9", map[string]any{"uptime_seconds": 12})
	assert.Equal(t, TypeHeartbeat, f.Type())
	assert.Equal(t, "dev-9", f.DeviceID())
	assert.NotEmpty(t, f["timestamp"])
	assert.Equal(t, 12, Int(f.Data(), "uptime_seconds", 0))
}

func TestFieldAccessors(t *testing.T) {
	m := map[string]any{
		"count":  float64(7),
		"ratio":  0.5,
		"flag":   true,
		"name":   "spooler",
		"items":  []any{"a", "b", 3},
		"params": map[string]any{"k": "v"},
		"steps":  []any{map[string]any{"action": "restart"}, "junk"},
	}
	assert.Equal(t, 7, Int(m, "count", 0))
	assert.Equal(t, 4, Int(m, "missing", 4))
	assert.Equal(t, 0.5, Float(m, "ratio", 0))
	assert.True(t, Bool(m, "flag", false))
	assert.Equal(t, "spooler", Str(m, "name"))
	assert.Equal(t, "fallback", StrOr(m, "missing", "fallback"))
	assert.Equal(t, []string{"a", "b"}, StrList(m, "items"))
	assert.Equal(t, "v", Str(Map(m, "params"), "k"))

	steps := MapList(m, "steps")
	require.Len(t, steps, 1)
	assert.Equal(t, "restart", Str(steps[0], "action"))
}

func TestSignVerifyRoundtrip(t *testing.T) {
	s := NewSigner("shared-secret")
	f := New(TypePlaybook, "dev-1", map[string]any{"playbook_id": "pb-1"})
	require.NoError(t, s.Sign(f))
	require.NotEmpty(t, f["_signature"])
	require.NotEmpty(t, f["_nonce"])

	require.NoError(t, s.Verify(f))

	// Any payload tamper invalidates the MAC.
	f["data"].(map[string]any)["playbook_id"] = "pb-2"
	assert.ErrorIs(t, s.Verify(f), ErrInvalidSignature)
}

func TestVerifyUnsignedWithSecret(t *testing.T) {
	s := NewSigner("shared-secret")
	f := New(TypePlaybook, "dev-1", nil)
	assert.ErrorIs(t, s.Verify(f), ErrUnsigned)
}

func TestVerifyDisabledPassesEverything(t *testing.T) {
	s := NewSigner("")
	assert.False(t, s.Enabled())
	f := New(TypePlaybook, "dev-1", nil)
	require.NoError(t, s.Sign(f))
	assert.NotContains(t, f, "_signature")
	assert.NoError(t, s.Verify(f))
}

func TestRotateInvalidatesOldSignatures(t *testing.T) {
	s := NewSigner("old-secret")
	f := New(TypeKeyRotation, "dev-1", map[string]any{"new_key": "zzz"})
	require.NoError(t, s.Sign(f))

	s.Rotate("new-secret")
	assert.ErrorIs(t, s.Verify(f), ErrInvalidSignature)

	fresh := New(TypeHeartbeat, "dev-1", nil)
	require.NoError(t, s.Sign(fresh))
	assert.NoError(t, s.Verify(fresh))
}

func TestRequiresSignature(t *testing.T) {
	for _, typ := range []string{TypePlaybook, TypeExecutePlaybook, TypeDiagnosticRequest, TypeExecutePendingAction, TypeCancelPendingAction, TypeKeyRotation} {
		assert.True(t, RequiresSignature(typ), typ)
	}
	assert.False(t, RequiresSignature(TypeWelcome))
	assert.False(t, RequiresSignature(TypePong))
}
