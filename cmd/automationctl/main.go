// automationctl is the operator CLI for the automation engine. It talks to
// the admin API: kill switch control, idempotency key inspection, decision
// history, the approval queue, spend reporting, DLQ, and health.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"procurement-automation/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	client := &adminClient{baseURL: cfg.AdminAPIURL}

	root := &cobra.Command{
		Use:           "automationctl",
		Short:         "Operate the procurement automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.baseURL, "api", cfg.AdminAPIURL, "admin API base URL")
	root.PersistentFlags().StringVar(&client.token, "token", os.Getenv("ADMIN_TOKEN"), "bearer token for mutating commands")

	root.AddCommand(
		newKillSwitchCommand(client),
		newIdempotencyCommand(client),
		newDecisionsCommand(client),
		newApprovalsCommand(client),
		newOrderCommand(client),
		newSpendCommand(client),
		newDLQCommand(client),
		newHealthCommand(client),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newKillSwitchCommand(client *adminClient) *cobra.Command {
	var tenant, reason string

	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Control the automation kill switch",
	}
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant scope (empty = global)")

	on := &cobra.Command{
		Use:   "on",
		Short: "Activate the kill switch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.post(cmd.Context(), "/admin/killswitch", map[string]string{
				"tenant_id": tenant,
				"reason":    reason,
			})
		},
	}
	on.Flags().StringVar(&reason, "reason", "", "why automation is being disabled")

	off := &cobra.Command{
		Use:   "off",
		Short: "Deactivate the kill switch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.delete(cmd.Context(), "/admin/killswitch?tenant_id="+tenant)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show kill switch state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), "/admin/killswitch?tenant_id="+tenant)
		},
	}

	cmd.AddCommand(on, off, status)
	return cmd
}

func newIdempotencyCommand(client *adminClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Inspect and clear idempotency records",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Show the record for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/admin/idempotency/"+args[0])
		},
	}

	clear := &cobra.Command{
		Use:   "clear <key>",
		Short: "Delete the record so the action can be replayed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.delete(cmd.Context(), "/admin/idempotency/"+args[0])
		},
	}

	cmd.AddCommand(get, clear)
	return cmd
}

func newDecisionsCommand(client *adminClient) *cobra.Command {
	var tenant string
	var limit int

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent automation decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), fmt.Sprintf("/admin/decisions?tenant_id=%s&limit=%d", tenant, limit))
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().IntVar(&limit, "limit", 20, "max decisions to return")
	return cmd
}

func newApprovalsCommand(client *adminClient) *cobra.Command {
	var tenant string
	var limit int
	var resolvedBy string

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Work the manual approval queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), fmt.Sprintf("/admin/approvals?tenant_id=%s&limit=%d", tenant, limit))
		},
	}
	list.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	list.Flags().IntVar(&limit, "limit", 20, "max requests to return")

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.post(cmd.Context(), "/admin/approvals/"+args[0], map[string]string{
				"status":      "approved",
				"resolved_by": resolvedBy,
			})
		},
	}
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.post(cmd.Context(), "/admin/approvals/"+args[0], map[string]string{
				"status":      "rejected",
				"resolved_by": resolvedBy,
			})
		},
	}
	for _, sub := range []*cobra.Command{approve, reject} {
		sub.Flags().StringVar(&resolvedBy, "by", "", "operator resolving the request")
	}

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func newOrderCommand(client *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "order <id>",
		Short: "Show an auto-created purchase order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/admin/orders/"+args[0])
		},
	}
}

func newSpendCommand(client *adminClient) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Show today's auto-created purchase order value",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), "/admin/spend?tenant_id="+tenant)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant to report on")
	return cmd
}

func newDLQCommand(client *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "Peek at dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), "/admin/dlq")
		},
	}
}

func newHealthCommand(client *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store reachability and kill switch state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.get(cmd.Context(), "/healthz")
		},
	}
}
