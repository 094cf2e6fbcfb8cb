package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"floodworker/pkg/auth"
	"floodworker/pkg/bootstrap"
)

var apikeyFlags struct {
	name    string
	owner   string
	role    string
	expires time.Duration
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage the API keys workers accept (stored in Redis)",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a key and print it once",
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys of an owner",
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	pf := apikeyCmd.PersistentFlags()
	pf.StringVar(&apikeyFlags.owner, "owner", "ops", "Key owner")

	f := apikeyCreateCmd.Flags()
	f.StringVar(&apikeyFlags.name, "name", "", "Key name (required)")
	f.StringVar(&apikeyFlags.role, "role", string(auth.RoleService), "Role: service or admin")
	f.DurationVar(&apikeyFlags.expires, "expires", 0, "Lifetime, 0 for no expiry")
	_ = apikeyCreateCmd.MarkFlagRequired("name")

	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
}

func keyStore() (*auth.RedisAPIKeyStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	queue, err := bootstrap.Queue(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	if queue == nil {
		return nil, nil, errors.New("REDIS_HOST is not configured")
	}
	return auth.NewRedisAPIKeyStore(queue.Client()), func() { queue.Close() }, nil
}

func runAPIKeyCreate(cmd *cobra.Command, _ []string) error {
	role := auth.Role(apikeyFlags.role)
	if role != auth.RoleService && role != auth.RoleAdmin {
		return fmt.Errorf("unsupported role %q", apikeyFlags.role)
	}
	store, done, err := keyStore()
	if err != nil {
		return err
	}
	defer done()

	info := auth.APIKeyInfo{Name: apikeyFlags.name, OwnerID: apikeyFlags.owner, Role: role}
	if apikeyFlags.expires > 0 {
		info.ExpiresAt = time.Now().Add(apikeyFlags.expires).Unix()
	}
	key, err := store.CreateKey(cmd.Context(), info)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", labelColor.Sprint("Key:"), okColor.Sprint(key))
	fmt.Fprintln(out, dimColor.Sprint("Store it now; it cannot be shown again."))
	return nil
}

func runAPIKeyList(cmd *cobra.Command, _ []string) error {
	store, done, err := keyStore()
	if err != nil {
		return err
	}
	defer done()

	keys, err := store.ListKeys(cmd.Context(), apikeyFlags.owner)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintf(out, "No keys for %s.\n", apikeyFlags.owner)
		return nil
	}
	for _, k := range keys {
		expiry := "never"
		if k.ExpiresAt > 0 {
			expiry = time.Unix(k.ExpiresAt, 0).Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s  %-20s  %-8s  expires %s\n", k.ID, k.Name, k.Role, dimColor.Sprint(expiry))
	}
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	store, done, err := keyStore()
	if err != nil {
		return err
	}
	defer done()

	if err := store.RevokeKey(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return fmt.Errorf("no key with id %s", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", failColor.Sprint("Revoked"), args[0])
	return nil
}
