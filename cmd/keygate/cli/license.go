package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Inspect and revoke licenses",
	}

	cmd.AddCommand(newLicenseCreateCmd())
	cmd.AddCommand(newLicenseListCmd())
	cmd.AddCommand(newLicenseShowCmd())
	cmd.AddCommand(newLicenseRevokeCmd())

	return cmd
}

// ---------- license create ----------

func newLicenseCreateCmd() *cobra.Command {
	var (
		typeSlug      string
		customerName  string
		customerEmail string
		days          int
		seats         int
	)

	cmd := &cobra.Command{
		Use:   "create <product-id>",
		Short: "Issue a new license",
		Long: `Issue a license from one of the product's license types. The key is
generated and printed; the customer activates it from their machine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseCreate(args[0], typeSlug, customerName, customerEmail, days, seats)
		},
	}

	cmd.Flags().StringVar(&typeSlug, "type", "", "License type slug (required)")
	cmd.Flags().StringVar(&customerName, "name", "", "Customer name")
	cmd.Flags().StringVar(&customerEmail, "email", "", "Customer email")
	cmd.Flags().IntVar(&days, "days", 0, "Validity in days (overrides the type default, 0 keeps it)")
	cmd.Flags().IntVar(&seats, "seats", 0, "Seat limit (overrides the type default, 0 keeps it)")
	cmd.MarkFlagRequired("type")

	return cmd
}

func runLicenseCreate(productID, typeSlug, customerName, customerEmail string, days, seats int) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	lt, err := st.GetLicenseType(ctx, productID, typeSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("license type %q not found for product %q", typeSlug, productID)
		}
		return fmt.Errorf("load license type: %w", err)
	}

	key, err := license.NewLicenseKey()
	if err != nil {
		return fmt.Errorf("generate license key: %w", err)
	}

	now := time.Now().UTC()
	if days == 0 {
		days = lt.DefaultDurationDays
	}
	var exp *time.Time
	if days > 0 {
		e := now.AddDate(0, 0, days)
		exp = &e
	}
	if seats <= 0 {
		seats = lt.DefaultMaxSeats
	}

	l := &model.License{
		ID:              uuid.NewString(),
		LicenseKey:      key,
		ProductID:       productID,
		LicenseTypeID:   lt.ID,
		CustomerName:    customerName,
		CustomerEmail:   customerEmail,
		CreationDate:    now,
		ExpirationDate:  exp,
		IsActive:        true,
		AllowedVersions: lt.DefaultAllowedVersions,
		MaxSeats:        seats,
	}
	if err := st.CreateLicense(ctx, l); err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	st.AppendHistory(ctx, l.ID, model.HistoryCreated, "cli", "created via cli", now)

	fmt.Printf("Created license for type %q\n", typeSlug)
	fmt.Printf("  ID:  %s\n", l.ID)
	fmt.Printf("  Key: %s\n", l.LicenseKey)
	if exp != nil {
		fmt.Printf("  Expires: %s\n", exp.Format(time.DateOnly))
	} else {
		fmt.Println("  Expires: never")
	}
	return nil
}

// ---------- license list ----------

func newLicenseListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list <product-id>",
		Aliases: []string{"ls"},
		Short:   "List licenses for a product",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseList(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseList(productID string, jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	licenses, err := st.ListLicenses(context.Background(), productID)
	if err != nil {
		return fmt.Errorf("list licenses: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(licenses)
	}

	if len(licenses) == 0 {
		fmt.Println("No licenses found for this product.")
		return nil
	}

	fmt.Printf("%-26s %-26s %-8s %-12s\n", "KEY", "CUSTOMER", "ACTIVE", "EXPIRES")
	fmt.Printf("%-26s %-26s %-8s %-12s\n", "---", "--------", "------", "-------")
	for _, l := range licenses {
		active := "yes"
		if !l.IsActive {
			active = "no"
		}
		expires := "never"
		if l.ExpirationDate != nil {
			expires = l.ExpirationDate.Format(time.DateOnly)
		}
		fmt.Printf("%-26s %-26s %-8s %-12s\n", l.LicenseKey, l.CustomerEmail, active, expires)
	}

	return nil
}

// ---------- license show ----------

func newLicenseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <license-id>",
		Short: "Show a license with its seats and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseShow(args[0])
		},
	}

	return cmd
}

func runLicenseShow(licenseID string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	l, err := st.GetLicenseByID(ctx, licenseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("license %q not found", licenseID)
		}
		return fmt.Errorf("load license: %w", err)
	}

	seats, err := st.ListSeats(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("load seats: %w", err)
	}
	history, err := st.ListHistory(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	out := map[string]interface{}{
		"license": l,
		"seats":   seats,
		"history": history,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ---------- license revoke ----------

func newLicenseRevokeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <license-id>",
		Short: "Revoke a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseRevoke(args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "Revocation reason shown to the client")

	return cmd
}

func runLicenseRevoke(licenseID, reason string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.RevokeLicense(context.Background(), licenseID, reason, "cli", time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("license %q not found", licenseID)
		}
		return fmt.Errorf("revoke license: %w", err)
	}

	fmt.Printf("Revoked license %s (%s)\n", licenseID, reason)
	return nil
}
