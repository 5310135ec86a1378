package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBuildUnknownStrategy(t *testing.T) {
	_, err := Build("definitely_not_registered", Spawn{ID: 10, Name: "x", Symbol: "ETH-USD"}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestDecodeOptionsRejectsUnknownKeys(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("known: 1\nmystery: 2\n"), &node))

	var out struct {
		Known int `yaml:"known"`
	}
	err := DecodeOptions(node.Content[0], &out)
	require.Error(t, err, "未知键必须拒绝（ConfigError）")
}

func TestDecodeOptionsNilNode(t *testing.T) {
	var out struct{}
	assert.NoError(t, DecodeOptions(nil, &out))
}

func TestBaseClampsWakeInterval(t *testing.T) {
	deps := Deps{BlockTimeMS: 3000}

	// 低于 2×block_time 的节奏被静默钳制
	b := NewBase(Spawn{ID: 10, Name: "fast", Symbol: "ETH-USD"}, deps, 1000)
	assert.Equal(t, uint64(6000), b.WakeIntervalMS)

	// 合法节奏保持不变
	b = NewBase(Spawn{ID: 11, Name: "slow", Symbol: "ETH-USD"}, deps, 10_000)
	assert.Equal(t, uint64(10_000), b.WakeIntervalMS)
}
