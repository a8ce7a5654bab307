package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func RegisterRiskPrompts(s *server.MCPServer) {
	prompt := mcp.NewPrompt("attack_risk_review",
		mcp.WithPromptDescription("Assess how likely an attacker reaches a goal in a MulVAL attack graph"),
		mcp.WithArgument("vertices", mcp.RequiredArgument(), mcp.ArgumentDescription("Path to VERTICES.CSV")),
		mcp.WithArgument("arcs", mcp.RequiredArgument(), mcp.ArgumentDescription("Path to ARCS.CSV")),
		mcp.WithArgument("rules", mcp.ArgumentDescription("Path to the interaction rules file")),
		mcp.WithArgument("goal", mcp.ArgumentDescription("Node id of the attacker goal")),
	)
	s.AddPrompt(prompt, riskReviewHandler)
}

func riskReviewHandler(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	args := request.Params.Arguments
	vertices, arcs := args["vertices"], args["arcs"]
	if vertices == "" || arcs == "" {
		return nil, fmt.Errorf("vertices and arcs are required")
	}

	var steps strings.Builder
	fmt.Fprintf(&steps, "1. Call attack_model_load with vertices=%q and arcs=%q", vertices, arcs)
	if rules := args["rules"]; rules != "" {
		fmt.Fprintf(&steps, " and rules=%q", rules)
	}
	steps.WriteString(". Report any warnings it returns.\n")

	goal := args["goal"]
	if goal != "" {
		fmt.Fprintf(&steps, "2. Call attack_probability with targets=%q to get the prior probability of the goal.\n", goal)
		steps.WriteString("3. For each direct precondition of the goal, call attack_probability again with that node observed as 0 and compare.\n")
	} else {
		steps.WriteString("2. Call attack_probability with no targets and list the ten most likely compromised nodes.\n")
		steps.WriteString("3. For the most likely node, find which observed preconditions lower its probability the most.\n")
	}
	steps.WriteString("4. Summarise which mitigations reduce the risk the most, quoting the probabilities.")

	description := "Attack graph risk review"
	if goal != "" {
		description = fmt.Sprintf("Attack graph risk review for node %s", goal)
	}

	return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(steps.String())),
	}), nil
}
