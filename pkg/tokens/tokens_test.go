package tokens

import (
	"testing"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	n, err := Count("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = Count("Hello world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	long, err := Count("Hello world, this is a much longer sentence than before.")
	require.NoError(t, err)
	assert.Greater(t, long, n)
}

func TestCountMessages(t *testing.T) {
	assert.Equal(t, 0, CountMessages(nil))

	msgs := []providers.Message{
		{Role: providers.RoleUser, Content: "Hello world"},
		{Role: providers.RoleAssistant, Content: "Hi"},
	}
	got := CountMessages(msgs)
	want := replyPriming +
		2*tokensPerMessage +
		CountSimple("user") + CountSimple("Hello world") +
		CountSimple("assistant") + CountSimple("Hi")
	assert.Equal(t, want, got)
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("gpt-4", "")
	require.NoError(t, err)
	ids, _, err := c.Encode("Hello world")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = CodecFor("", "no-such-encoding")
	assert.Error(t, err)

	c, err = CodecFor("some/unknown-model", "")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
