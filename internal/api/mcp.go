package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/outreach"
	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/storage"
)

const recentLeadsLimit = 10

// NewMCPServer creates an MCP server exposing scoring, lookup and outreach
// tools plus the recent-leads resource.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"leadscore",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadscore scores company websites as sales leads and drafts outreach for them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("score_company",
			mcp.WithDescription("Fetch a company website, score it as a lead and store the result."),
			mcp.WithString("url", mcp.Description("Company website URL"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Page text or HTML to score instead of fetching the URL")),
			mcp.WithBoolean("compose", mcp.Description("Also draft an outreach message")),
		),
		mcpScoreCompany(deps),
	)

	s.AddTool(
		mcp.NewTool("get_lead",
			mcp.WithDescription("Return a stored lead with its feature, analysis and score history."),
			mcp.WithString("key", mcp.Description("Company domain or URL"), mcp.Required()),
		),
		mcpGetLead(deps),
	)

	s.AddTool(
		mcp.NewTool("compose_outreach",
			mcp.WithDescription("Draft an outreach email for a scored lead."),
			mcp.WithString("key", mcp.Description("Company domain or URL"), mcp.Required()),
		),
		mcpComposeOutreach(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"leads://recent",
			"Recent Leads",
			mcp.WithResourceDescription(fmt.Sprintf("The %d most recently updated leads with their latest score", recentLeadsLimit)),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpScoreCompany(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		it := pipeline.Item{URL: url}
		if body := req.GetString("content", ""); body != "" {
			it.Content = &lead.RawCompanyContent{URL: url, Body: body, StatusCode: 200}
		}

		out := deps.Pipeline.ProcessItem(ctx, it)
		if out.Status == pipeline.StatusFailed {
			return mcpError(fmt.Sprintf("scoring failed: %v", out.Err)), nil
		}
		text := describeOutcome(out)
		for _, w := range out.Warnings {
			text += "\nwarning: " + w.Error()
		}

		if req.GetBool("compose", false) && deps.Composer != nil {
			l, err := pipeline.ComposeForLead(ctx, deps.Store, deps.Composer, out.Lead.Key)
			if err != nil {
				text += "\nwarning: " + err.Error()
			} else {
				text += "\n\n" + formatMessage(*l.Message)
			}
		}
		return mcpText(text), nil
	}
}

func mcpGetLead(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		key, err := aggregate.CanonicalKey(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		l, err := deps.Store.GetLeadByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("lead %s not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get lead: %v", err)), nil
		}

		b, err := json.Marshal(l)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal lead: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpComposeOutreach(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Composer == nil {
			return mcpError("outreach composer not configured"), nil
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		l, err := pipeline.ComposeForLead(ctx, deps.Store, deps.Composer, key)
		var pre *lead.PreconditionError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("lead %s not found; score it first", key)), nil
		case errors.As(err, &pre):
			return mcpError(pre.Reason), nil
		case err != nil:
			return mcpError(fmt.Sprintf("compose failed: %v", err)), nil
		}
		return mcpText(formatMessage(*l.Message)), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		leads, err := deps.Store.ListLeads(ctx, storage.ListOptions{Limit: recentLeadsLimit})
		if err != nil {
			return nil, fmt.Errorf("failed to list leads: %w", err)
		}

		type leadSummary struct {
			Key         string  `json:"key"`
			CompanyName string  `json:"company_name,omitempty"`
			Score       float64 `json:"score"`
			Tier        string  `json:"tier"`
			UpdatedAt   string  `json:"updated_at"`
		}

		summaries := make([]leadSummary, len(leads))
		for i, l := range leads {
			score, _ := l.LatestScore()
			summaries[i] = leadSummary{
				Key:         l.Key,
				CompanyName: l.CompanyName,
				Score:       score.Score,
				Tier:        outreach.Tier(score.Score),
				UpdatedAt:   l.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal leads: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func describeOutcome(o pipeline.Outcome) string {
	if o.Lead == nil {
		return fmt.Sprintf("%s: %s (%v)", o.URL, o.Status, o.Err)
	}
	score, _ := o.Lead.LatestScore()
	return fmt.Sprintf("%s: %s, score %.2f [%s] (model %s)",
		o.Lead.Key, o.Status, score.Score, outreach.Tier(score.Score), score.ModelVersion)
}

func formatMessage(m lead.Message) string {
	return "Subject: " + m.Subject + "\n\n" + m.Body
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
