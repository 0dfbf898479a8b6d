package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentNode(id, agentType string) Node {
	return Node{ID: id, Kind: NodeKindAgent, Type: agentType}
}

func fullGraphPipeline() *Pipeline {
	return &Pipeline{
		Name:        "full-stack",
		TriggerMode: TriggerPeriodic,
		Symbols:     []string{"BTCUSDT"},
		Mode:        ModePaper,
		Nodes: []Node{
			agentNode("report", AgentReporting),
			agentNode("trade", AgentTradeManager),
			agentNode("risk", AgentRiskManager),
			agentNode("strategy", AgentStrategy),
			agentNode("bias", AgentBiasAnalysis),
			agentNode("market", AgentMarketData),
			agentNode("trigger", AgentTimeTrigger),
		},
		Edges: []Edge{
			{From: "trigger", To: "market"},
			{From: "market", To: "bias"},
			{From: "bias", To: "strategy"},
			{From: "strategy", To: "risk"},
			{From: "risk", To: "trade"},
			{From: "trade", To: "report"},
		},
	}
}

func TestLinearizeFollowsEdges(t *testing.T) {
	p := fullGraphPipeline()

	ordered, err := Linearize(p)
	require.NoError(t, err)
	require.Len(t, ordered, 7)

	ids := make([]string, len(ordered))
	for i, n := range ordered {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"trigger", "market", "bias", "strategy", "risk", "trade", "report"}, ids)
}

func TestLinearizeCategoryTieBreak(t *testing.T) {
	// No edges at all: every node is ready at once and the category rank
	// decides the order, with the node id as the secondary key.
	p := &Pipeline{
		Name: "unordered",
		Nodes: []Node{
			agentNode("report", AgentReporting),
			agentNode("risk", AgentRiskManager),
			agentNode("b-strategy", AgentStrategy),
			agentNode("a-bias", AgentBiasAnalysis),
			agentNode("market", AgentMarketData),
			agentNode("trigger", AgentSignalTrigger),
		},
	}

	ordered, err := Linearize(p)
	require.NoError(t, err)

	ids := make([]string, len(ordered))
	for i, n := range ordered {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"trigger", "market", "a-bias", "b-strategy", "risk", "report"}, ids)
}

func TestLinearizeUnknownAgentRunsAfterAnalysis(t *testing.T) {
	p := &Pipeline{
		Name: "custom-agent",
		Nodes: []Node{
			agentNode("risk", AgentRiskManager),
			agentNode("custom", "sentiment_agent"),
			agentNode("trigger", AgentTimeTrigger),
		},
	}

	ordered, err := Linearize(p)
	require.NoError(t, err)

	ids := []string{ordered[0].ID, ordered[1].ID, ordered[2].ID}
	assert.Equal(t, []string{"trigger", "custom", "risk"}, ids)
}

func TestLinearizeIgnoresToolNodes(t *testing.T) {
	p := &Pipeline{
		Name: "with-tools",
		Nodes: []Node{
			agentNode("trigger", AgentTimeTrigger),
			agentNode("market", AgentMarketData),
			{ID: "binance", Kind: NodeKindTool, Type: "broker_binance"},
		},
		Edges: []Edge{
			{From: "trigger", To: "market"},
			{From: "binance", To: "market"}, // tool attachment, not a dependency
		},
	}

	ordered, err := Linearize(p)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "trigger", ordered[0].ID)
	assert.Equal(t, "market", ordered[1].ID)
}

func TestLinearizeCycleDetected(t *testing.T) {
	p := &Pipeline{
		Name: "cyclic",
		Nodes: []Node{
			agentNode("a", AgentMarketData),
			agentNode("b", AgentStrategy),
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}

	_, err := Linearize(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLinearizeEmptyPipeline(t *testing.T) {
	p := &Pipeline{Name: "empty"}
	_, err := Linearize(p)
	require.Error(t, err)
}
