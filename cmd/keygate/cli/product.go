package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/signer"
	"github.com/keygatehq/keygate/internal/store"
)

func newProductCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage products",
		Long:  "Create and list products. Each root product owns an RSA signing key pair and an API secret for its client applications.",
	}

	cmd.AddCommand(newProductCreateCmd())
	cmd.AddCommand(newProductListCmd())
	cmd.AddCommand(newProductRotateKeysCmd())

	return cmd
}

// ---------- product create ----------

func newProductCreateCmd() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new product",
		Long: `Create a new product. Root products get a fresh RSA signing key pair;
sub-products inherit signing keys from their parent. The API secret is
printed once and cannot be recovered later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProductCreate(args[0], parentID)
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "Parent product id (sub-products share the parent's signing keys)")

	return cmd
}

func runProductCreate(name, parentID string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	p := &model.Product{
		ID:   uuid.NewString(),
		Name: name,
	}

	if parentID != "" {
		if _, err := st.GetProduct(ctx, parentID); err != nil {
			return fmt.Errorf("parent product %q: %w", parentID, err)
		}
		p.ParentProductID = &parentID
	} else {
		priv, pub, err := signer.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate signing keys: %w", err)
		}
		p.PrivateKey = priv
		p.PublicKey = pub
	}

	secret, err := newAPISecret()
	if err != nil {
		return fmt.Errorf("generate api secret: %w", err)
	}
	p.APISecretHash = store.HashSecret(secret)
	p.APISecretPrefix = secret[:11]

	if err := st.CreateProduct(ctx, p); err != nil {
		return fmt.Errorf("create product: %w", err)
	}

	fmt.Printf("Created product %q\n", name)
	fmt.Printf("  ID:         %s\n", p.ID)
	fmt.Printf("  API secret: %s\n", secret)
	fmt.Println()
	fmt.Println("Store the API secret now. It is only shown once.")
	return nil
}

// newAPISecret generates a product API secret with a recognizable prefix.
func newAPISecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "kg_" + hex.EncodeToString(buf), nil
}

// ---------- product rotate-keys ----------

func newProductRotateKeysCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rotate-keys <product-id>",
		Short: "Replace a product's RSA signing key pair",
		Long: `Generate a fresh RSA signing key pair for a root product. Every
credential signed with the old pair stops verifying, so all installed
clients must re-activate. This is an emergency measure for a leaked key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProductRotateKeys(args[0], yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runProductRotateKeys(productID string, yes bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	p, err := st.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("product %q not found", productID)
		}
		return fmt.Errorf("load product: %w", err)
	}
	if p.ParentProductID != nil {
		return fmt.Errorf("product %q is a sub-product; rotate the keys on its parent %s", p.Name, *p.ParentProductID)
	}

	if !yes {
		fmt.Printf("Rotating the signing keys of %q invalidates every issued credential.\n", p.Name)
		fmt.Print("Type the product name to confirm: ")
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != p.Name {
			return fmt.Errorf("confirmation did not match, keys left unchanged")
		}
	}

	priv, pub, err := signer.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate signing keys: %w", err)
	}
	if err := st.UpdateProductKeys(ctx, p.ID, priv, pub); err != nil {
		return fmt.Errorf("store new keys: %w", err)
	}

	fmt.Printf("Rotated signing keys for %q. Existing credentials no longer verify.\n", p.Name)
	return nil
}

// ---------- product list ----------

func newProductListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProductList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runProductList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	products, err := st.ListProducts(context.Background())
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(products)
	}

	if len(products) == 0 {
		fmt.Println("No products configured. Use 'keygate product create' to create one.")
		return nil
	}

	fmt.Printf("%-38s %-24s %-14s %-12s\n", "ID", "NAME", "SECRET PREFIX", "CREATED")
	fmt.Printf("%-38s %-24s %-14s %-12s\n", "--", "----", "-------------", "-------")
	for _, p := range products {
		fmt.Printf("%-38s %-24s %-14s %-12s\n", p.ID, p.Name, p.APISecretPrefix, p.CreatedAt.Format(time.DateOnly))
	}

	return nil
}
