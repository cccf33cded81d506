package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/metrics"
	"github.com/usblink/usblink/proto"
)

// Bridge is what the MCP tools need from the running server.
type Bridge interface {
	Metrics() *metrics.Collector
	QueueDepth() int
	ClientCount() int
	Enqueue(raw []byte) (proto.Priority, error)
}

// Client registers bridge tools on an MCP server. Peers is optional;
// without it list_peers reports an empty list.
type Client struct {
	mcpServer *MCPServer
	bridge    Bridge
	peers     func() []discovery.Peer
}

func NewClient(mcpServer *MCPServer, bridge Bridge, peers func() []discovery.Peer) *Client {
	return &Client{mcpServer: mcpServer, bridge: bridge, peers: peers}
}

// Start registers the tools and serves until the stdio stream closes.
func (c *Client) Start() error {
	c.registerTools()
	return c.mcpServer.Run()
}

func (c *Client) registerTools() {
	statusTool := mcp.NewTool("bridge_status",
		mcp.WithDescription("Get bridge health: connected clients, queue depth, and traffic metrics"),
	)
	c.mcpServer.Server.AddTool(statusTool, c.handleStatus)

	sendCommandTool := mcp.NewTool("send_command",
		mcp.WithDescription("Send a raw command to the shared device; priority is derived from the command content"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Raw command bytes, e.g. a G-code line"),
		),
	)
	c.mcpServer.Server.AddTool(sendCommandTool, c.handleSendCommand)

	listPeersTool := mcp.NewTool("list_peers",
		mcp.WithDescription("List bridge servers discovered on the local network"),
	)
	c.mcpServer.Server.AddTool(listPeersTool, c.handleListPeers)
}

func (c *Client) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{
		"timestamp":   time.Now().Unix(),
		"clients":     c.bridge.ClientCount(),
		"queue_depth": c.bridge.QueueDepth(),
		"metrics":     c.bridge.Metrics().Snapshot(),
	}
	resultBytes, _ := json.Marshal(status)
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (c *Client) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required and must be a string"), err
	}
	if command == "" {
		return mcp.NewToolResultError("command must not be empty"), fmt.Errorf("empty command")
	}

	priority, err := c.bridge.Enqueue([]byte(command))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to enqueue command: %v", err)), err
	}

	return mcp.NewToolResultText(fmt.Sprintf("Command accepted with %s priority", priority.String())), nil
}

func (c *Client) handleListPeers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	peers := []discovery.Peer{}
	if c.peers != nil {
		peers = c.peers()
	}
	result := map[string]any{
		"peers": peers,
		"count": len(peers),
	}
	resultBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(resultBytes)), nil
}
