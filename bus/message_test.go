package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	in := Message{Kind: KindBootReply, ComponentID: 0x10000024, Text: "component up"}

	frame, err := EncodeMessage(in)
	require.NoError(t, err)
	assert.Equal(t, byte(KindBootReply), frame[0], "kind rides as the first frame byte")

	out, err := DecodeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.Error(t, err)
}
