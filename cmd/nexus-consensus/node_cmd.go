package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nexus/pkg/store"
)

func newNodeCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage registered nodes",
		Args:  noArgs,
	}
	cmd.AddCommand(newNodeRegisterCmd(o), newNodeStatusCmd(o))
	return cmd
}

func newNodeRegisterCmd(o *rootOptions) *cobra.Command {
	var endpoint, secret string
	cmd := &cobra.Command{
		Use:   "register <node-id>",
		Short: "Register a PENDING node awaiting a NODE_ADMISSION vote",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("NEXUS_NODE_SECRET")
			}
			if secret == "" {
				return usageError(fmt.Errorf("--secret or NEXUS_NODE_SECRET is required"))
			}
			svc, err := o.openServices(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(cmd.Context()) }()

			node, err := svc.Store.RegisterNode(cmd.Context(), args[0], endpoint, secret)
			if err != nil {
				return err
			}
			return writeJSON(o.stdout, node)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "node endpoint URL")
	cmd.Flags().StringVar(&secret, "secret", "", "shared HMAC secret (default $NEXUS_NODE_SECRET)")
	return cmd
}

func newNodeStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <node-id> <PENDING|ACTIVE|REJECTED|SUSPENDED>",
		Short: "Set a node's status",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := store.NodeStatus(strings.ToUpper(args[1]))
			switch status {
			case store.NodePending, store.NodeActive, store.NodeRejected, store.NodeSuspended:
			default:
				return usageError(fmt.Errorf("unknown node status %q", args[1]))
			}
			svc, err := o.openServices(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(cmd.Context()) }()

			if err := svc.Store.SetNodeStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			node, err := svc.Store.GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(o.stdout, node)
		},
	}
}
