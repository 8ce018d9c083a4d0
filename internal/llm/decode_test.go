package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type speakReply struct {
	Message *string `json:"spoken_message"`
}

func (r speakReply) Validate() error {
	if r.Message == nil {
		return errors.New("missing spoken_message")
	}
	return nil
}

func TestDecodeAcceptsFencedJSON(t *testing.T) {
	t.Parallel()

	var r speakReply
	require.NoError(t, Decode("```json\n{\"spoken_message\": \"hi\"}\n```", &r))
	assert.Equal(t, "hi", *r.Message)
}

func TestDecodeRejectsProse(t *testing.T) {
	t.Parallel()

	var r speakReply
	err := Decode(`Sure! Here you go: {"spoken_message": "hi"}`, &r)
	require.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	var r speakReply
	err := Decode(`{"spoken_message": "a"} {"spoken_message": "b"}`, &r)
	require.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeRunsValidator(t *testing.T) {
	t.Parallel()

	var r speakReply
	err := Decode(`{"other": 1}`, &r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing spoken_message")
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	var r speakReply
	require.ErrorIs(t, Decode("   ", &r), ErrEmptyResponse)
	require.ErrorIs(t, Decode("```\n```", &r), ErrEmptyResponse)
}

func TestCompact(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, Compact("```json\n{ \"a\" : 1 }\n```"))
	assert.Equal(t, "not json", Compact("not json"))
}
