package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", base, KindUnknown},
		{"wrapped kind", Wrap(KindValidation, "op", base), KindValidation},
		{"kind behind fmt wrap", fmt.Errorf("outer: %w", Wrap(KindAuthorization, "op", base)), KindAuthorization},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"errorf", Errorf(KindVersionConflict, "v%d", 2), KindVersionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("connection reset")))
	assert.Equal(t, KindValidation, Classify(Errorf(KindValidation, "bad")))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "op", nil))

	base := errors.New("boom")
	err := Wrap(KindTransient, "send", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "send: transient: boom", err.Error())
	assert.True(t, Is(err, KindTransient))
	assert.False(t, Is(err, KindTimeout))
}

func TestKind_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]Kind{"kind": KindVersionConflict})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"version_conflict"}`, string(data))

	var decoded map[string]Kind
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindVersionConflict, decoded["kind"])

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("nope")))
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindEngineFault.Retryable())
}
