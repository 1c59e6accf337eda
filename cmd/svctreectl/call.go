package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/svctree/internal/app"
	"github.com/danmuck/svctree/internal/services"
)

func newCallCmd(flags *rootFlags) *cobra.Command {
	var (
		remote string
		token  string
		caFile string
	)
	cmd := &cobra.Command{
		Use:   "call <path> <capability> [key=value ...]",
		Short: "Invoke a capability on a node of the tree",
		Long: `Invoke a capability in-process as the owner, or with --remote through a
running tree's admin API.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			var out any
			if remote != "" {
				out, err = callRemote(remoteTarget{addr: remote, token: token, caFile: caFile}, args[0], args[1], callArgs)
			} else {
				out, err = callLocal(cmd, flags, args[0], args[1], callArgs)
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "admin API address, e.g. 127.0.0.1:7380")
	cmd.Flags().StringVar(&token, "token", "", "owner bearer token for --remote")
	cmd.Flags().StringVar(&caFile, "ca", "", "PEM bundle trusted for an https --remote")
	return cmd
}

func parseArgs(raw []string) (services.Args, error) {
	out := services.Args{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("argument %q is not key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func callLocal(cmd *cobra.Command, flags *rootFlags, path, capability string, args services.Args) (any, error) {
	cfg, err := flags.load(cmd)
	if err != nil {
		return nil, err
	}
	tree, err := app.Build(cfg)
	if err != nil {
		return nil, err
	}
	target, err := services.Lookup(tree.Root, path)
	if err != nil {
		return nil, err
	}
	return services.Call(cmd.Context(), target, capability, args)
}

type remoteResponse struct {
	Output any    `json:"output"`
	Error  string `json:"error"`
}

type remoteTarget struct {
	addr   string
	token  string
	caFile string
}

func (r remoteTarget) client() (*http.Client, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	if r.caFile == "" {
		return client, nil
	}
	pem, err := os.ReadFile(r.caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca bundle %s holds no certificates", r.caFile)
	}
	client.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}
	return client, nil
}

func (r remoteTarget) baseURL() string {
	base := strings.TrimRight(r.addr, "/")
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return base
	}
	if r.caFile != "" {
		return "https://" + base
	}
	return "http://" + base
}

func callRemote(target remoteTarget, path, capability string, args services.Args) (any, error) {
	body, err := json.Marshal(map[string]any{"path": path, "capability": capability, "args": args})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, target.baseURL()+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if target.token != "" {
		req.Header.Set("Authorization", "Bearer "+target.token)
	}
	client, err := target.client()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote call failed (%d): %s", resp.StatusCode, decoded.Error)
	}
	return decoded.Output, nil
}

func printResult(w io.Writer, out any) error {
	switch v := out.(type) {
	case nil:
		_, err := fmt.Fprintln(w, "ok")
		return err
	case string:
		_, err := fmt.Fprintln(w, v)
		return err
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
