package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// connectionView is the JSON shape returned by GET /v1/connections, mirroring
// internal/api.Server's handleListConnections response.
type connectionView struct {
	DeviceID     string `json:"device_id"`
	Peer         string `json:"peer"`
	State        string `json:"state"`
	IsServer     bool   `json:"is_server"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// formatConnections renders a slice of connections in the requested format.
func formatConnections(conns []connectionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatConnectionsJSON(conns)
	case formatTable:
		return formatConnectionsTable(conns)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatConnectionsTable(conns []connectionView) (string, error) {
	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Device", "Peer", "State", "Role", "Last Activity"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, c := range conns {
		role := "client"
		if c.IsServer {
			role = "server"
		}
		table.Append([]string{c.DeviceID, c.Peer, c.State, role, c.LastActivity})
	}

	table.Render()
	return buf.String(), nil
}

func formatConnectionsJSON(conns []connectionView) (string, error) {
	data, err := json.MarshalIndent(conns, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal connections to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
