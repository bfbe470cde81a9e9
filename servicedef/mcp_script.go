package servicedef

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// DefaultProtocolVersion is the MCP protocol version offered by the default script.
const DefaultProtocolVersion = "2024-11-05"

const (
	defaultClientName    = "test-client"
	defaultClientVersion = "1.0.0"
)

// DefaultMCPScript is the handshake used when no script file is given: initialize, the
// initialized notification, and a tools/list call.
func DefaultMCPScript() Script {
	initParams := &mcp.InitializeParams{
		ProtocolVersion: DefaultProtocolVersion,
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: defaultClientName, Version: defaultClientVersion},
	}
	return Script{
		Name: "mcp-handshake",
		Requests: []Request{
			{Name: "Initialize", Method: "initialize", ID: ldvalue.Int(1), Params: toValue(initParams)},
			{Name: "Initialized", Method: "notifications/initialized", Notification: true},
			{Name: "List Tools", Method: "tools/list", ID: ldvalue.Int(2), Params: toValue(&mcp.ListToolsParams{})},
		},
	}
}

func toValue(params interface{}) ldvalue.Value {
	data, err := json.Marshal(params)
	if err != nil {
		return ldvalue.Null()
	}
	return ldvalue.Parse(data)
}
