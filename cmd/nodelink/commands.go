package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/nodelink/pkg/credentials"
	"github.com/backkem/nodelink/pkg/discovery"
	"github.com/backkem/nodelink/pkg/middleware"
)

// withApp loads the configuration, wires the client, runs fn and closes
// everything again.
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Load persisted state and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.mw.Hydrate(ctx); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.mw.Snapshot())
			})
		},
	}
}

func handshakeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Establish or renew the channel and session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.mw.EnsureSessionValid(ctx); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.mw.Snapshot())
			})
		},
	}
}

func invokeCmd(opts *options) *cobra.Command {
	var (
		data     string
		dataFile string
		headers  []string
	)
	cmd := &cobra.Command{
		Use:   "invoke METHOD PATH",
		Short: "Send an encrypted request and print the decrypted response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(data)
			if dataFile != "" {
				if data != "" {
					return fmt.Errorf("--data and --data-file are mutually exclusive")
				}
				b, err := os.ReadFile(dataFile)
				if err != nil {
					return err
				}
				body = b
			}
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if len(body) > 0 && h.Get("Accept") == "" {
				h.Set("Accept", "application/json")
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				resp, err := a.mw.Invoke(ctx, middleware.Request{
					Method: strings.ToUpper(args[0]),
					Path:   args[1],
					Header: h,
					Body:   body,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if _, err := out.Write(resp.Body); err != nil {
					return err
				}
				if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the request body from a file")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header, \"Name: value\"")
	return cmd
}

func parseHeaders(lines []string) (http.Header, error) {
	h := make(http.Header)
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

func revokeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Forget the session and keep the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.mw.RevokeSession(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session revoked")
				return nil
			})
		},
	}
}

func resetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the channel and the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.mw.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "state reset")
				return nil
			})
		},
	}
}

func discoverCmd() *cobra.Command {
	var (
		service string
		domain  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List research nodes advertised via DNS-SD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := discovery.NewResolver(discovery.ResolverConfig{
				Service:       service,
				Domain:        domain,
				BrowseTimeout: timeout,
			})
			if err != nil {
				return err
			}
			nodes, err := r.Browse(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tNODE\tURL")
			for n := range nodes {
				u, err := n.BaseURL()
				if err != nil {
					u = "(" + err.Error() + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", n.InstanceName, n.NodeID(), u)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&service, "service", discovery.DefaultService, "DNS-SD service type")
	cmd.Flags().StringVar(&domain, "domain", discovery.DefaultDomain, "DNS-SD domain")
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultBrowseTimeout, "browse duration")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		nodeID   string
		validFor time.Duration
		certFile string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a self-signed P-384 identity for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, signer, err := credentials.GenerateIdentity(nodeID, validFor)
			if err != nil {
				return err
			}
			keyPEM, err := signer.EncodePEM()
			if err != nil {
				return err
			}
			if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(certFile, credentials.EncodeCertificatePEM(id.Certificate), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %s\nfingerprint %s\n", id.NodeID, id.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identifier (certificate common name)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	cmd.Flags().StringVar(&certFile, "cert", "identity.pem", "certificate output file")
	cmd.Flags().StringVar(&keyFile, "key", "identity-key.pem", "private key output file")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}
