package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/recording"
	"meeting-transcript-pipeline/internal/vault"
)

func newTenantCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant provider credentials",
	}
	cmd.AddCommand(newTenantSetCmd(d), newTenantDeleteCmd(d))
	return cmd
}

func (d *deps) vault(cmd *cobra.Command) (*vault.Vault, error) {
	st, err := d.Store(cmd.Context())
	if err != nil {
		return nil, err
	}
	cipher, err := vault.NewCipher(d.cfg.CredentialEncryptionKey)
	if err != nil {
		return nil, err
	}
	return vault.New(st, cipher, d.cfg.CredentialCacheTTL), nil
}

// forgetToken drops the shared provider token so workers re-authenticate with
// the new credentials.
func (d *deps) forgetToken(cmd *cobra.Command, tenantID string) {
	recording.NewClient(recording.ClientConfig{Redis: d.Redis()}).ForgetToken(cmd.Context(), tenantID)
}

func newTenantSetCmd(d *deps) *cobra.Command {
	var creds vault.Credentials
	cmd := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Store or rotate a tenant's credentials",
		Long: `Store or rotate a tenant's provider credentials. The previous row is
deactivated and the new secrets are encrypted with CREDENTIAL_ENCRYPTION_KEY.

Example:
  pipelinectl tenant set acme --client-id abc --client-secret s3cr3t --account-id acct --webhook-secret whsec`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := d.vault(cmd)
			if err != nil {
				return err
			}
			creds.TenantID = args[0]
			if err := v.UpsertCredentials(cmd.Context(), creds); err != nil {
				return err
			}
			d.forgetToken(cmd, creds.TenantID)
			d.log.Info("tenant credentials stored", logging.F("credentials", creds.String()))
			fmt.Fprintf(cmd.OutOrStdout(), "credentials stored for %s\n", creds.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&creds.ClientID, "client-id", "", "Provider OAuth client id")
	cmd.Flags().StringVar(&creds.ClientSecret, "client-secret", "", "Provider OAuth client secret")
	cmd.Flags().StringVar(&creds.AccountID, "account-id", "", "Provider account id")
	cmd.Flags().StringVar(&creds.WebhookSecret, "webhook-secret", "", "Webhook secret token")
	_ = cmd.MarkFlagRequired("client-id")
	_ = cmd.MarkFlagRequired("client-secret")
	_ = cmd.MarkFlagRequired("account-id")
	return cmd
}

func newTenantDeleteCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Deactivate a tenant's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := d.vault(cmd)
			if err != nil {
				return err
			}
			if err := v.DeleteCredentials(cmd.Context(), args[0]); err != nil {
				return err
			}
			d.forgetToken(cmd, args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "credentials deactivated for %s\n", args[0])
			return nil
		},
	}
}
