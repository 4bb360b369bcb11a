package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/memeperp/memeperp/pkg/api"
)

// adminClient posts to the admin endpoints of a running daemon.
type adminClient struct {
	base string
	hc   *http.Client
}

func newAdminCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate a running daemon",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "daemon base URL")

	client := func() *adminClient {
		return &adminClient{base: addr, hc: &http.Client{Timeout: 10 * time.Second}}
	}

	tokenCmd := &cobra.Command{Use: "token", Short: "Token lifecycle"}
	for _, action := range []string{"register", "activate", "pause", "resume", "delist"} {
		action := action
		tokenCmd.AddCommand(&cobra.Command{
			Use:   action + " <token-address>",
			Short: action + " a token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tok, err := parseTokenArg(args[0])
				if err != nil {
					return err
				}
				return client().tokenAction(cmd, action, tok)
			},
		})
	}

	paramsCmd := &cobra.Command{Use: "params", Short: "Per-token parameters"}
	paramsCmd.AddCommand(&cobra.Command{
		Use:   "set <token-address> <key> <value>",
		Short: "set one per-token parameter",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := parseTokenArg(args[0])
			if err != nil {
				return err
			}
			return client().setParam(cmd, tok, args[1], args[2])
		},
	})

	cmd.AddCommand(tokenCmd, paramsCmd)
	return cmd
}

func parseTokenArg(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, exitErr(exitBadConfig, "%q is not a hex token address", s)
	}
	return common.HexToAddress(s), nil
}

func (c *adminClient) tokenAction(cmd *cobra.Command, action string, tok common.Address) error {
	path := fmt.Sprintf("/api/v1/admin/tokens/%s/%s", tok.Hex(), action)
	var body any
	if action == "pause" {
		body = api.AdminPauseRequest{Reason: "operator"}
	}
	out, err := c.post(path, body)
	if err != nil {
		return err
	}
	cmd.Printf("%s %s: ok\n", action, tok.Hex())
	if action == "delist" {
		cmd.Printf("closed pairs: %d\n", out.ClosedPairs)
	}
	return nil
}

func (c *adminClient) setParam(cmd *cobra.Command, tok common.Address, key, value string) error {
	path := fmt.Sprintf("/api/v1/admin/tokens/%s/params", tok.Hex())
	if _, err := c.post(path, api.AdminParamRequest{Key: key, Value: value}); err != nil {
		return err
	}
	cmd.Printf("set %s=%s on %s: ok\n", key, value, tok.Hex())
	return nil
}

// adminReply is the shared shape of the admin endpoint responses.
type adminReply struct {
	Success     bool           `json:"success"`
	ClosedPairs int            `json:"closedPairs"`
	Error       *api.ErrorBody `json:"error"`
}

func (c *adminClient) post(path string, body any) (adminReply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return adminReply{}, err
	}
	resp, err := c.hc.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return adminReply{}, fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var out adminReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return adminReply{}, fmt.Errorf("bad response from %s: %w", path, err)
	}
	if !out.Success {
		if out.Error != nil {
			return out, fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message)
		}
		return out, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return out, nil
}
