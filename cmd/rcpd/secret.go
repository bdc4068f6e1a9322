package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/rcp/internal/auth"
)

var hashScheme string

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Hash a pre-shared secret for auth.psk_hash",
	Long: `hash-secret prints the stored form of a pre-shared secret. Without an
argument it generates a random secret and prints it first; hand that one
to clients and put the hash in the server config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			var err error
			if secret, err = auth.GenerateSecret(); err != nil {
				return err
			}
			fmt.Fprintf(out, "secret: %s\n", secret)
		}
		hash, err := auth.HashSecret(secret, hashScheme)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "psk_hash: %s\n", hash)
		return nil
	},
}

func init() {
	hashSecretCmd.Flags().StringVar(&hashScheme, "scheme", "argon2id", "hash scheme: argon2id or sha256")
	rootCmd.AddCommand(hashSecretCmd)
}
