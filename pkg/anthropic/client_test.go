package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartwise-health/chartwise/internal/config"
	"github.com/chartwise-health/chartwise/internal/resilience"
)

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: `{"conditions":`},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: `[]}`},
	}}
	assert.Equal(t, `{"conditions":[]}`, resp.Text())
}

func TestMessageResponse_Text_Empty(t *testing.T) {
	resp := &MessageResponse{}
	assert.Equal(t, "", resp.Text())
}

func TestToSDKMessages_Roles(t *testing.T) {
	out := toSDKMessages([]Message{
		{Role: "user", Content: "extract the conditions"},
		{Role: "assistant", Content: "{"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
}

func TestClassifyError_PlainErrorStaysPermanent(t *testing.T) {
	err := classifyError(errors.New("invalid request"))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestNewClient_LimiterDefaults(t *testing.T) {
	c := NewClient(config.AnthropicConfig{Key: "test-key"}).(*sdkClient)
	assert.Equal(t, float64(5), float64(c.limiter.Limit()))
	assert.Equal(t, 10, c.limiter.Burst())
}

func TestNewClient_LimiterFromConfig(t *testing.T) {
	c := NewClient(config.AnthropicConfig{Key: "test-key", RatePerSecond: 2, RateBurst: 4}).(*sdkClient)
	assert.Equal(t, float64(2), float64(c.limiter.Limit()))
	assert.Equal(t, 4, c.limiter.Burst())
}
