package cli

import (
	"fmt"

	"autotrader/api"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *options) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := api.NewAuthenticator(opts.cfg.API.JWTSecret, "", opts.cfg.API.TokenTTL)
			if err != nil {
				return fmt.Errorf("%w（请配置 api.jwt_secret 或 API_JWT_SECRET）", err)
			}
			token, err := auth.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "令牌持有人")
	return cmd
}

func newOTPCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "Generate a TOTP secret for enable-trading confirmation",
		// 不依赖配置文件
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, url, err := api.GenerateOTPSecret(account)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secret: %s\n", secret)
			fmt.Fprintf(out, "url:    %s\n", url)
			fmt.Fprintln(out, "将 secret 写入 api.otp_secret 或 API_OTP_SECRET 后重启")
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "operator", "验证器中显示的账户名")
	return cmd
}
