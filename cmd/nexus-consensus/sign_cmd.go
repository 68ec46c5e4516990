package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nexus/pkg/auth"
)

func newSignCmd(o *rootOptions) *cobra.Command {
	var nodeID, secret, method, path, body string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signed-request headers for a call",
		Long: `sign prints the four X-Nexus-* headers for one request, for use with
curl or other clients. The path must include any query string.`,
		Args: noArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("NEXUS_NODE_SECRET")
			}
			if nodeID == "" || secret == "" || path == "" {
				return usageError(fmt.Errorf("--node, --path and --secret (or NEXUS_NODE_SECRET) are required"))
			}
			req := auth.NewSigner(nodeID, []byte(secret)).Sign(method, path, []byte(body))
			for _, h := range [][2]string{
				{auth.HeaderNodeID, req.NodeID},
				{auth.HeaderTimestamp, req.Timestamp},
				{auth.HeaderNonce, req.Nonce},
				{auth.HeaderSignature, req.Signature},
			} {
				if _, err := fmt.Fprintf(o.stdout, "%s: %s\n", h[0], h[1]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&nodeID, "node", "", "node id")
	f.StringVar(&secret, "secret", "", "shared HMAC secret (default $NEXUS_NODE_SECRET)")
	f.StringVar(&method, "method", "GET", "HTTP method")
	f.StringVar(&path, "path", "", "request path including query")
	f.StringVar(&body, "body", "", "request body")
	return cmd
}
