package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

func newBanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Manage banned IP addresses",
		Long:  "List, add, and lift IP bans recorded by the threat ledger.",
	}

	cmd.AddCommand(newBanListCmd())
	cmd.AddCommand(newBanAddCmd())
	cmd.AddCommand(newBanRemoveCmd())

	return cmd
}

// ---------- ban list ----------

func newBanListCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List banned IP addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBanList(jsonOutput, all)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "Include lifted and expired bans")

	return cmd
}

func runBanList(jsonOutput, all bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bans, err := st.ListBans(context.Background(), !all)
	if err != nil {
		return fmt.Errorf("list bans: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bans)
	}

	if len(bans) == 0 {
		fmt.Println("No bans recorded.")
		return nil
	}

	fmt.Printf("%-40s %-6s %-8s %-20s\n", "IP", "COUNT", "ACTIVE", "EXPIRES")
	fmt.Printf("%-40s %-6s %-8s %-20s\n", "--", "-----", "------", "-------")
	for _, b := range bans {
		active := "yes"
		if !b.IsActive {
			active = "no"
		}
		expires := "never"
		if b.ExpiresAt != nil {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-40s %-6d %-8s %-20s\n", b.IP, b.BanCount, active, expires)
	}

	return nil
}

// ---------- ban add ----------

func newBanAddCmd() *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <ip>",
		Short: "Ban an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBanAdd(args[0], reason, duration)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "banned by operator", "Ban reason")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "Ban duration")

	return cmd
}

func runBanAdd(ip, reason string, duration time.Duration) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	now := time.Now().UTC()
	expires := now.Add(duration)
	b := &model.BannedIP{
		IP:        ip,
		Reason:    reason,
		BanCount:  1,
		IsActive:  true,
		BannedAt:  now,
		ExpiresAt: &expires,
	}
	if err := st.CreateBan(context.Background(), b); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("a ban record for %s already exists (lift it first with 'keygate ban remove')", ip)
		}
		return fmt.Errorf("create ban: %w", err)
	}

	fmt.Printf("Banned %s until %s (%s)\n", ip, expires.Format(time.RFC3339), reason)
	return nil
}

// ---------- ban remove ----------

func newBanRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <ip>",
		Aliases: []string{"rm", "lift"},
		Short:   "Lift an IP ban",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBanRemove(args[0])
		},
	}

	return cmd
}

func runBanRemove(ip string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetBan(ctx, ip); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no ban found for %s", ip)
		}
		return fmt.Errorf("look up ban: %w", err)
	}
	if err := st.DeactivateBan(ctx, ip); err != nil {
		return fmt.Errorf("lift ban: %w", err)
	}

	fmt.Printf("Lifted ban on %s\n", ip)
	return nil
}
