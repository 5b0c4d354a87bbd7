package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

func newLicenseTypeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license-type",
		Short: "Manage license types",
		Long:  "License types are the policy templates licenses are issued from: default duration, seat limit, allowed versions and the feature bag.",
	}

	cmd.AddCommand(newLicenseTypeImportCmd())
	cmd.AddCommand(newLicenseTypeListCmd())

	return cmd
}

// ---------- license-type import ----------

// licenseTypeFile is the YAML shape accepted by the import command.
type licenseTypeFile struct {
	Types []struct {
		Slug            string            `yaml:"slug"`
		DurationDays    int               `yaml:"duration_days"`
		Recurring       bool              `yaml:"recurring"`
		AllowedVersions string            `yaml:"allowed_versions"`
		MaxSeats        int               `yaml:"max_seats"`
		Features        map[string]string `yaml:"features"`
	} `yaml:"types"`
}

func newLicenseTypeImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <product-id> <file.yaml>",
		Short: "Import license types from a YAML file",
		Long: `Import license types for a product from a YAML file of the form:

  types:
    - slug: pro
      duration_days: 365
      recurring: true
      allowed_versions: "2.x"
      max_seats: 2
      features:
        tier: pro

Slugs that already exist on the product are skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseTypeImport(args[0], args[1])
		},
	}

	return cmd
}

func runLicenseTypeImport(productID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var file licenseTypeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Types) == 0 {
		return fmt.Errorf("%s defines no types", path)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("product %q not found", productID)
		}
		return fmt.Errorf("load product: %w", err)
	}

	created, skipped := 0, 0
	for _, t := range file.Types {
		if t.Slug == "" {
			return fmt.Errorf("%s: every type needs a slug", path)
		}
		seats := t.MaxSeats
		if seats < 1 {
			seats = 1
		}
		lt := &model.LicenseType{
			ProductID:              productID,
			Slug:                   t.Slug,
			DefaultDurationDays:    t.DurationDays,
			IsRecurring:            t.Recurring,
			DefaultAllowedVersions: t.AllowedVersions,
			DefaultMaxSeats:        seats,
			Features:               model.Features(t.Features),
		}
		if err := st.CreateLicenseType(ctx, lt); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				fmt.Printf("  skipped %q (already exists)\n", t.Slug)
				skipped++
				continue
			}
			return fmt.Errorf("create type %q: %w", t.Slug, err)
		}
		fmt.Printf("  created %q\n", t.Slug)
		created++
	}

	fmt.Printf("Imported %d type(s), skipped %d.\n", created, skipped)
	return nil
}

// ---------- license-type list ----------

func newLicenseTypeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list <product-id>",
		Aliases: []string{"ls"},
		Short:   "List a product's license types",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseTypeList(args[0])
		},
	}

	return cmd
}

func runLicenseTypeList(productID string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	types, err := st.ListLicenseTypes(context.Background(), productID)
	if err != nil {
		return fmt.Errorf("list license types: %w", err)
	}

	if len(types) == 0 {
		fmt.Println("No license types for this product. Use 'keygate license-type import' to add some.")
		return nil
	}

	fmt.Printf("%-16s %-10s %-10s %-8s %-16s\n", "SLUG", "DAYS", "RECURRING", "SEATS", "VERSIONS")
	fmt.Printf("%-16s %-10s %-10s %-8s %-16s\n", "----", "----", "---------", "-----", "--------")
	for _, t := range types {
		fmt.Printf("%-16s %-10d %-10v %-8d %-16s\n", t.Slug, t.DefaultDurationDays, t.IsRecurring, t.DefaultMaxSeats, t.DefaultAllowedVersions)
	}

	return nil
}
