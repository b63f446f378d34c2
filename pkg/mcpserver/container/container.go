// Package container serves container management as MCP tools.
package container

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nstogner/godagent/pkg/container"
)

// NewServer returns an MCP server that manages containers through e.
func NewServer(e container.Engine) *server.MCPServer {
	srv := server.NewMCPServer("container", "1.0.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("list_containers",
		mcp.WithDescription("List containers."),
		mcp.WithBoolean("all", mcp.Description("Include stopped containers."), mcp.DefaultBool(true)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := e.List(ctx, req.GetBool("all", true))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "count": len(list), "containers": list})
	})

	srv.AddTool(mcp.NewTool("run_container",
		mcp.WithDescription("Run a new container from an image, pulling it if needed."),
		mcp.WithString("image", mcp.Required(), mcp.Description("Image to run, e.g. nginx:latest.")),
		mcp.WithString("name", mcp.Description("Optional container name.")),
		mcp.WithString("ports", mcp.Description("Port mapping host:container, e.g. 8080:80.")),
		mcp.WithArray("env", mcp.Description("Environment variables as KEY=VALUE."), mcp.WithStringItems()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		image, err := req.RequireString("image")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		spec := container.RunSpec{
			Image: image,
			Name:  req.GetString("name", ""),
			Env:   req.GetStringSlice("env", nil),
			Pull:  true,
		}
		if p := req.GetString("ports", ""); p != "" {
			spec.Ports = []string{p}
		}
		s, err := e.Run(ctx, spec)
		if err != nil {
			return mcp.NewToolResultError("Failed to run container from image '" + image + "': " + err.Error()), nil
		}
		return jsonResult(map[string]any{
			"success":   true,
			"container": s,
			"message":   "Successfully started container from image '" + image + "'",
		})
	})

	ref := mcp.WithString("container", mcp.Required(), mcp.Description("Container ID or name."))

	action := func(name, desc, done string, fn func(context.Context, string) error) {
		srv.AddTool(mcp.NewTool(name, mcp.WithDescription(desc), ref),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				c, err := req.RequireString("container")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				if err := fn(ctx, c); err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return jsonResult(map[string]any{"success": true, "message": "Container '" + c + "' " + done})
			})
	}
	action("start_container", "Start a stopped container.", "started", e.Start)
	action("stop_container", "Stop a running container.", "stopped", e.Stop)

	srv.AddTool(mcp.NewTool("delete_container",
		mcp.WithDescription("Delete a container."),
		ref,
		mcp.WithBoolean("force", mcp.Description("Remove even when running."), mcp.DefaultBool(false)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := req.RequireString("container")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := e.Remove(ctx, c, req.GetBool("force", false)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "message": "Container '" + c + "' deleted"})
	})

	srv.AddTool(mcp.NewTool("inspect_container",
		mcp.WithDescription("Show the state, image, ports and IP address of a container."),
		ref,
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := req.RequireString("container")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s, err := e.Inspect(ctx, c)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(s)
	})

	srv.AddTool(mcp.NewTool("get_logs",
		mcp.WithDescription("Fetch the most recent log lines of a container."),
		ref,
		mcp.WithNumber("tail", mcp.Description("Number of lines from the end."), mcp.DefaultNumber(100)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := req.RequireString("container")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		logs, err := e.Logs(ctx, c, req.GetInt("tail", 100))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(logs), nil
	})

	srv.AddTool(mcp.NewTool("system_status",
		mcp.WithDescription("Check whether the container engine is reachable."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := e.Ping(ctx); err != nil {
			return jsonResult(map[string]any{"running": false, "error": err.Error()})
		}
		return jsonResult(map[string]any{"running": true})
	})

	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
