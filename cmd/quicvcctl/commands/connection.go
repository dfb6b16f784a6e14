package commands

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var (
	errDeviceIDRequired = errors.New("--device flag is required")
	errAddrRequired     = errors.New("--addr flag is required")
)

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage QUICVC connections",
	}

	cmd.AddCommand(connectionListCmd())
	cmd.AddCommand(connectionGetCmd())
	cmd.AddCommand(connectionConnectCmd())
	cmd.AddCommand(connectionDisconnectCmd())
	cmd.AddCommand(connectionSendCmd())

	return cmd
}

// --- connection list ---

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all QUICVC connections",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var conns []connectionView
			if err := getJSON("/v1/connections", &conns); err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatConnections(conns, outputFormat)
			if err != nil {
				return fmt.Errorf("format connections: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- connection get ---

func connectionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <device-id>",
		Short: "Show a single QUICVC connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var conn connectionView
			if err := getJSON("/v1/connections/"+args[0], &conn); err != nil {
				return fmt.Errorf("get connection: %w", err)
			}

			out, err := formatConnections([]connectionView{conn}, outputFormat)
			if err != nil {
				return fmt.Errorf("format connection: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- connection connect ---

func connectionConnectCmd() *cobra.Command {
	var (
		deviceID     string
		addr         string
		port         uint16
		credID       string
		issuer       string
		subject      string
		deviceType   string
		proofEncoded string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Establish a QUICVC connection to a peer, presenting a credential",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if deviceID == "" {
				return errDeviceIDRequired
			}
			if addr == "" {
				return errAddrRequired
			}

			if proofEncoded == "" {
				return fmt.Errorf("--proof is required (base64-encoded credential proof)")
			}
			if _, err := base64.StdEncoding.DecodeString(proofEncoded); err != nil {
				return fmt.Errorf("decode --proof: %w", err)
			}

			req := connectAPIRequest{
				DeviceID: deviceID,
				Addr:     addr,
				Port:     port,
			}
			req.Credential.ID = credID
			req.Credential.Issuer = issuer
			req.Credential.Subject = subject
			req.Credential.DeviceID = deviceID
			req.Credential.DeviceType = deviceType
			req.Credential.Proof = proofEncoded

			var resp map[string]string
			if err := postJSON("/v1/connect", req, &resp); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			fmt.Printf("Status: %s\n", resp["status"])

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&deviceID, "device", "", "device id (required)")
	flags.StringVar(&addr, "addr", "", "peer IP address (required)")
	flags.Uint16Var(&port, "port", 49497, "peer UDP port")
	flags.StringVar(&credID, "cred-id", "", "credential id")
	flags.StringVar(&issuer, "issuer", "", "credential issuer")
	flags.StringVar(&subject, "subject", "", "credential subject")
	flags.StringVar(&deviceType, "device-type", "", "credential device type")
	flags.StringVar(&proofEncoded, "proof", "", "base64-encoded credential proof (required)")

	return cmd
}

type connectAPIRequest struct {
	DeviceID string `json:"device_id"`
	Addr     string `json:"addr"`
	Port     uint16 `json:"port"`

	Credential struct {
		ID         string `json:"id"`
		Issuer     string `json:"issuer"`
		Subject    string `json:"subject"`
		DeviceID   string `json:"device_id"`
		DeviceType string `json:"device_type"`
		Proof      string `json:"proof"`
	} `json:"credential"`
}

// --- connection disconnect ---

func connectionDisconnectCmd() *cobra.Command {
	var (
		deviceID string
		addr     string
		port     uint16
	)

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Close a QUICVC connection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if deviceID == "" {
				return errDeviceIDRequired
			}

			req := map[string]any{"device_id": deviceID, "addr": addr, "port": port}

			var resp map[string]string
			if err := postJSON("/v1/disconnect", req, &resp); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}

			fmt.Printf("Status: %s\n", resp["status"])

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&deviceID, "device", "", "device id (required)")
	flags.StringVar(&addr, "addr", "", "peer IP address (optional, narrows the match)")
	flags.Uint16Var(&port, "port", 0, "peer UDP port")

	return cmd
}

// --- connection send ---

func connectionSendCmd() *cobra.Command {
	var (
		deviceID string
		streamID uint64
		data     string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send service data on a stream of an established connection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if deviceID == "" {
				return errDeviceIDRequired
			}

			req := map[string]any{
				"device_id": deviceID,
				"stream_id": streamID,
				"data":      base64.StdEncoding.EncodeToString([]byte(data)),
			}

			var resp map[string]string
			if err := postJSON("/v1/service-data", req, &resp); err != nil {
				return fmt.Errorf("send: %w", err)
			}

			fmt.Printf("Status: %s\n", resp["status"])

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&deviceID, "device", "", "device id (required)")
	flags.Uint64Var(&streamID, "stream", 0, "stream id")
	flags.StringVar(&data, "data", "", "service data (sent as UTF-8 bytes)")

	return cmd
}
