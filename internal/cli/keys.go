package cli

import (
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/apresai/domain-analyzer/internal/mcpserver"
)

var (
	flagKeysTable  string
	flagKeysRegion string
	flagKeysUser   string
	flagKeysName   string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys for the hosted MCP server",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for a user (the key is printed once)",
	Args:  cobra.NoArgs,
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke an API key by its 8-character prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd)

	table := os.Getenv("DYNAMODB_TABLE")
	if table == "" {
		table = "apresai-analyses-prod"
	}
	keysCmd.PersistentFlags().StringVar(&flagKeysTable, "table", table, "DynamoDB table")
	keysCmd.PersistentFlags().StringVar(&flagKeysRegion, "region", "us-east-1", "AWS region")

	keysCreateCmd.Flags().StringVar(&flagKeysUser, "user", "", "User ID that owns the key")
	keysCreateCmd.Flags().StringVar(&flagKeysName, "name", "cli", "Key name")
	_ = keysCreateCmd.MarkFlagRequired("user")
}

func keyStore(cmd *cobra.Command) (*mcpserver.Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(cmd.Context(), awsconfig.WithRegion(flagKeysRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return mcpserver.NewStore(dynamodb.NewFromConfig(cfg), flagKeysTable), nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	store, err := keyStore(cmd)
	if err != nil {
		return err
	}
	user, err := store.GetUser(cmd.Context(), flagKeysUser)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s not found", flagKeysUser)
	}

	key, prefix, err := store.CreateAPIKey(cmd.Context(), flagKeysUser, flagKeysName)
	if err != nil {
		return err
	}
	fmt.Printf("Created key %s for %s (%s)\n", prefix, flagKeysUser, user.Status)
	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Store it now; it cannot be shown again.")
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	store, err := keyStore(cmd)
	if err != nil {
		return err
	}
	if err := store.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Revoked key %s\n", args[0])
	return nil
}
