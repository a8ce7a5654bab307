package prompts

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(args map[string]string) mcp.GetPromptRequest {
	var req mcp.GetPromptRequest
	req.Params.Name = "attack_risk_review"
	req.Params.Arguments = args
	return req
}

func TestRiskReviewHandler(t *testing.T) {
	res, err := riskReviewHandler(context.Background(), promptRequest(map[string]string{
		"vertices": "VERTICES.CSV",
		"arcs":     "ARCS.CSV",
		"rules":    "running_rules.P",
		"goal":     "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Attack graph risk review for node 1", res.Description)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, mcp.RoleUser, res.Messages[0].Role)

	text, ok := mcp.AsTextContent(res.Messages[0].Content)
	require.True(t, ok)
	assert.Contains(t, text.Text, `vertices="VERTICES.CSV"`)
	assert.Contains(t, text.Text, `rules="running_rules.P"`)
	assert.Contains(t, text.Text, `targets="1"`)
}

func TestRiskReviewHandler_NoGoal(t *testing.T) {
	res, err := riskReviewHandler(context.Background(), promptRequest(map[string]string{
		"vertices": "v.csv",
		"arcs":     "a.csv",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Attack graph risk review", res.Description)

	text, ok := mcp.AsTextContent(res.Messages[0].Content)
	require.True(t, ok)
	assert.NotContains(t, text.Text, "rules=")
	assert.Contains(t, text.Text, "no targets")

	_, err = riskReviewHandler(context.Background(), promptRequest(map[string]string{"arcs": "a.csv"}))
	assert.Error(t, err)
}
