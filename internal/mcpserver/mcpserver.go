// Package mcpserver is the MCP Tool Surface (C7): exposes job submission,
// inspection, listing, and cancellation as MCP tools, and job status plus
// artifacts as MCP resources, for code-agent executors and their harnesses
// that speak MCP instead of the HTTP Bridge.
//
// Grounded on the composition-root shape of an MCP server built with
// mark3labs/mcp-go: one place that constructs the server, registers every
// tool and resource, and hands back a value the caller runs over a
// transport. Tool and resource handlers here hold no state of their own;
// all of it lives in the Engine and the artifact store they wrap.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskrelay/internal/artifacts"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/repo"
	"taskrelay/internal/wireschema"
)

const (
	serverName    = "taskrelay"
	serverVersion = "1.0.0"
)

// New builds the MCP server with every tool and resource registered, wired
// against the same Engine and artifact Store the HTTP Bridge and Worker
// Pool use. The caller is responsible for running it over a transport
// (server.ServeStdio for the "stdio" transport).
func New(e engine.Engine, store artifacts.Store) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)

	h := &handlers{engine: e, store: store}

	s.AddTool(mcp.NewTool("jobs_submit",
		mcp.WithDescription("Submit a new job for asynchronous execution and return its id."),
		mcp.WithObject("spec",
			mcp.Required(),
			mcp.Description("A JobSpec object: repo, task, scope, execution, idempotencyKey, and optional context/notify."),
		),
	), h.jobsSubmit)

	s.AddTool(mcp.NewTool("jobs_get",
		mcp.WithDescription("Fetch a job's current status, including a pr summary once one has been produced."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("The job id returned by jobs_submit.")),
	), h.jobsGet)

	s.AddTool(mcp.NewTool("jobs_list",
		mcp.WithDescription("List jobs, optionally filtered by state, by priority (P0 first) and then oldest first."),
		mcp.WithString("state", mcp.Description("One of QUEUED, RUNNING, WAITING_ON_ANSWER, STALE, SUCCEEDED, FAILED, CANCELED, EXPIRED.")),
		mcp.WithNumber("limit", mcp.Description("Max items to return, 1-100. Defaults to 20.")),
		mcp.WithNumber("offset", mcp.Description("Offset into the result set. Defaults to 0.")),
	), h.jobsList)

	s.AddTool(mcp.NewTool("jobs_cancel",
		mcp.WithDescription("Request cancellation of a job. Returns the resulting state."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("The job id to cancel.")),
	), h.jobsCancel)

	s.AddResourceTemplate(mcp.NewResourceTemplate(
		"mcp://jobs/{jobId}/status",
		"job-status",
		mcp.WithTemplateDescription("The current status document for a job, same shape as jobs_get."),
		mcp.WithTemplateMIMEType("application/json"),
	), h.readStatusResource)

	s.AddResourceTemplate(mcp.NewResourceTemplate(
		"mcp://jobs/{jobId}/artifacts/{kind}",
		"job-artifact",
		mcp.WithTemplateDescription("One produced artifact for a job: patch.diff, out.md, logs.txt, or pr.json."),
	), h.readArtifactResource)

	return s
}

type handlers struct {
	engine engine.Engine
	store  artifacts.Store
}

// jobView is the shape returned by jobs_get, jobs_list items, and the
// status resource: id, state, summary, lastUpdate, reasonCode, and the pr
// summary once a pr.json artifact exists. It carries no attempt count.
type jobView struct {
	ID         string          `json:"id"`
	State      domain.JobState `json:"state"`
	Summary    *string         `json:"summary,omitempty"`
	LastUpdate int64           `json:"lastUpdate"`
	ReasonCode *string         `json:"reasonCode,omitempty"`
	PR         json.RawMessage `json:"pr,omitempty"`
}

func (h *handlers) jobView(ctx context.Context, job domain.Job) jobView {
	v := jobView{
		ID:         job.ID,
		State:      job.State,
		Summary:    job.Summary,
		LastUpdate: job.LastUpdate(),
		ReasonCode: job.ReasonCode,
	}
	meta, err := h.engine.Repo.GetArtifact(ctx, job.ID, domain.ArtifactPRJson)
	if err != nil {
		return v
	}
	data, err := h.store.Read(ctx, job.ID, domain.ArtifactPRJson)
	if err != nil {
		return v
	}
	_ = meta
	v.PR = json.RawMessage(data)
	return v
}

func (h *handlers) jobsSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	raw, ok := args["spec"]
	if !ok {
		return mcp.NewToolResultError("missing required argument: spec"), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("spec: %v", err)), nil
	}
	if err := wireschema.ValidateJobSpec(encoded); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("spec: %v", err)), nil
	}
	var spec domain.JobSpec
	if err := json.Unmarshal(encoded, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("spec: invalid JobSpec: %v", err)), nil
	}
	job, err := h.engine.Submit(ctx, spec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(map[string]string{"jobId": job.ID})
}

func (h *handlers) jobsGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := h.engine.Get(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(notFoundOr(err, "job")), nil
	}
	return toolResultJSON(h.jobView(ctx, job))
}

func (h *handlers) jobsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	f := repo.JobFilters{Limit: 20}
	if s, ok := args["state"].(string); ok && s != "" {
		state := domain.JobState(s)
		f.State = &state
	}
	if n, ok := args["limit"].(float64); ok && n > 0 {
		f.Limit = int(n)
		if f.Limit > 100 {
			f.Limit = 100
		}
	}
	if n, ok := args["offset"].(float64); ok && n > 0 {
		f.Offset = int(n)
	}
	jobs, err := h.engine.List(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	total, err := h.engine.Repo.CountJobs(ctx, f.State)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, h.jobView(ctx, job))
	}
	hasMore := f.Offset+len(items) < total
	return toolResultJSON(map[string]any{
		"items":   items,
		"total":   total,
		"hasMore": hasMore,
	})
}

func (h *handlers) jobsCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, ok, err := h.engine.Cancel(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(notFoundOr(err, "job")), nil
	}
	return toolResultJSON(map[string]any{"ok": ok, "state": job.State})
}

func (h *handlers) readStatusResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jobID, err := jobIDFromURI(req.Params.URI, "/status")
	if err != nil {
		return nil, err
	}
	job, err := h.engine.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(h.jobView(ctx, job))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (h *handlers) readArtifactResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jobID, kind, err := jobAndKindFromURI(req.Params.URI)
	if err != nil {
		return nil, err
	}
	data, err := h.store.Read(ctx, jobID, kind)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: artifacts.MIMEFor(kind), Text: string(data)},
	}, nil
}

func toolResultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func notFoundOr(err error, what string) string {
	if err == repo.ErrNotFound {
		return fmt.Sprintf("%s not found", what)
	}
	return err.Error()
}

// jobIDFromURI strips a fixed suffix (e.g. "/status") from a
// "mcp://jobs/{jobId}<suffix>" resource URI, since mcp-go hands the handler
// the resolved request URI rather than pre-split template variables.
func jobIDFromURI(uri, suffix string) (string, error) {
	const prefix = "mcp://jobs/"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("mcpserver: malformed resource uri %q", uri)
	}
	jobID := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	if jobID == "" {
		return "", fmt.Errorf("mcpserver: malformed resource uri %q", uri)
	}
	return jobID, nil
}

// jobAndKindFromURI parses "mcp://jobs/{jobId}/artifacts/{kind}".
func jobAndKindFromURI(uri string) (string, domain.ArtifactKind, error) {
	const prefix = "mcp://jobs/"
	const marker = "/artifacts/"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("mcpserver: malformed resource uri %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	idx := strings.Index(rest, marker)
	if idx < 0 {
		return "", "", fmt.Errorf("mcpserver: malformed resource uri %q", uri)
	}
	jobID := rest[:idx]
	kind := rest[idx+len(marker):]
	if jobID == "" || kind == "" {
		return "", "", fmt.Errorf("mcpserver: malformed resource uri %q", uri)
	}
	switch domain.ArtifactKind(kind) {
	case domain.ArtifactPatchDiff, domain.ArtifactOutMd, domain.ArtifactLogsTxt, domain.ArtifactPRJson:
		return jobID, domain.ArtifactKind(kind), nil
	default:
		return "", "", fmt.Errorf("mcpserver: unknown artifact kind %q", kind)
	}
}

