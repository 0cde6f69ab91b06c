package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

/*
	These commands are convenience CLI tools that operate on a
	running xmrgate by calling the admin REST API.
*/

type SubCommandArgs struct {
	RemoteAdminServer string
	Token             string
}

func adminCommands(c *gate.Config, s *SubCommandArgs) []*cobra.Command {
	var confirmations, expiration int64
	var description string

	// SetSyncHeight makes the scanner rescan from a block height. It is
	// also how a scanner halted by a chain discontinuity is resumed.
	//
	// WARNING: on a busy gateway, new payments are only seen again once
	// the rescan has caught up with the tip. USE WITH CAUTION.
	syncCmd := &cobra.Command{
		Use:   "setsyncheight <height>",
		Short: "Rescan the chain from a block height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid block height: %s", args[0])
			}
			return adminRequest(*c, *s, "POST", "/admin/setsyncheight/"+args[0], nil)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the scanner status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(*c, *s, "GET", "/admin/status", nil)
		},
	}

	newInvoiceCmd := &cobra.Command{
		Use:   "newinvoice <amount-xmr>",
		Short: "Create an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount: %s", args[0])
			}
			req := gate.InvoiceCreateRequest{Amount: amount, Description: description}
			if confirmations >= 0 {
				n := uint64(confirmations)
				req.Confirmations = &n
			}
			if expiration >= 0 {
				n := uint64(expiration)
				req.ExpirationBlocks = &n
			}
			return adminRequest(*c, *s, "POST", "/invoice", req)
		},
	}
	newInvoiceCmd.Flags().Int64Var(&confirmations, "confirmations", -1, "Confirmations required (default: from config)")
	newInvoiceCmd.Flags().Int64Var(&expiration, "expiration-blocks", -1, "Blocks until expiry (default: from config)")
	newInvoiceCmd.Flags().StringVar(&description, "description", "", "Free-form description")

	invoiceCmd := &cobra.Command{
		Use:   "invoice <index>",
		Short: "Show an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(*c, *s, "GET", "/invoice/"+url.PathEscape(args[0]), nil)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "rminvoice <index>",
		Short: "Stop watching an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(*c, *s, "DELETE", "/invoice/"+url.PathEscape(args[0]), nil)
		},
	}

	var cursor, limit int
	listCmd := &cobra.Command{
		Use:   "invoices",
		Short: "List invoices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(*c, *s, "GET", fmt.Sprintf("/invoices?cursor=%d&limit=%d", cursor, limit), nil)
		},
	}
	listCmd.Flags().IntVar(&cursor, "cursor", 0, "Cursor from the previous page")
	listCmd.Flags().IntVar(&limit, "limit", 10, "Page size (max 100)")

	return []*cobra.Command{syncCmd, statusCmd, newInvoiceCmd, invoiceCmd, removeCmd, listCmd}
}

// addressCmd derives a subaddress locally from the configured keys.
func addressCmd(c *gate.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "address <index>",
		Short: "Print the subaddress for an index (offline)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := gate.ParseSubaddressIndex(args[0])
			if err != nil {
				return err
			}
			keys, err := xmr.LoadViewPair(*c)
			if err != nil {
				return err
			}
			address, err := keys.Address(idx)
			if err != nil {
				return err
			}
			fmt.Println(address)
			return nil
		},
	}
}

// work out the remote admin URL from args or config and return
// a complete path with our best guess
func adminAPIURL(c gate.Config, s SubCommandArgs, path string) (string, error) {
	base := ""
	if s.RemoteAdminServer != "" {
		base = s.RemoteAdminServer
	} else {
		host := c.WebAPI.AdminBind
		if host == "" {
			host = "localhost"
		}
		scheme := "http"
		if c.WebAPI.TLSCert != "" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s:%s/", scheme, host, c.WebAPI.AdminPort)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	p, err := url.Parse(path)
	if err != nil {
		return "", err
	}

	return u.ResolveReference(p).String(), nil
}

// adminRequest calls the admin API and prints the JSON reply.
func adminRequest(c gate.Config, s SubCommandArgs, method string, path string, body any) error {
	target, err := adminAPIURL(c, s, path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request body: %v", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token := s.Token
	if token == "" {
		token = c.WebAPI.Token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, reply, "", "  ") == nil {
		reply = pretty.Bytes()
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, string(reply))
		return fmt.Errorf("unexpected response status code: %d", resp.StatusCode)
	}
	fmt.Println(string(reply))
	return nil
}
