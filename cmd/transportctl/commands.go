package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcartres/proyectofinal-sub001/internal/auth"
	"github.com/fcartres/proyectofinal-sub001/internal/billing"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/reconcile"
)

func reconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [request-id]",
		Short: "Apply approved gateway payments that never arrived by webhook",
		Long: `Search the payment gateway for approved payments of open requests and
apply them. With a request id only that request is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			p := reconcile.New(store, a.locker, a.gateway, events.Nop{}, a.logger)
			p.Now = a.now
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid request id %q", args[0])
				}
				n, err := p.ReconcileRequest(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "solicitud %d: %d payment(s) applied\n", id, n)
				return nil
			}
			res, err := p.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d request(s), applied %d payment(s)\n", res.Checked, res.Applied)
			return err
		},
	}
}

func chargesCmd(a *app) *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Create the pending monthly charge of every active service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.now()
			if month != "" {
				var err error
				if m, err = parseMonth(month); err != nil {
					return err
				}
			}
			store, closeStore, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := billing.New(store, a.cfg.BillingDueDay, a.logger).GenerateMonthlyCharges(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d charge(s) created\n", models.MonthOf(m).Format("2006-01"), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month to bill as YYYY-MM (default current month)")
	return cmd
}

func overdueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "Mark pending payments past their due date as overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := billing.New(store, a.cfg.BillingDueDay, a.logger).MarkOverdue(cmd.Context(), a.now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d payment(s) marked overdue\n", n)
			return nil
		},
	}
}

func tokenCmd(a *app) *cobra.Command {
	var (
		userID int64
		role   string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive id")
			}
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("--role must be %q or %q", models.RoleParent, models.RoleDriver)
			}
			tok, err := auth.NewIssuer(a.cfg.JWTSecret, a.cfg.JWTIssuer, ttl).
				Issue(auth.Identity{UserID: userID, Email: email, Role: r})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id placed in the subject claim")
	cmd.Flags().StringVar(&role, "role", string(models.RoleParent), "padre or conductor")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func parseMonth(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --month %q, want YYYY-MM", s)
	}
	return t, nil
}
