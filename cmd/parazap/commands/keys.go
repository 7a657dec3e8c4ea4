package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hlandau/parazap/curvesession"
	"github.com/hlandau/parazap/handler/static"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Hash a PLAIN password for authenticator.users",
	Long: `Prints the bcrypt hash of a password for use in the authenticator.users
section of the configuration. The password is read from standard input when
not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		hash, err := static.HashPassword(password)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a CURVE key pair",
	Long: `Generates a CURVE key pair. The secret key goes in server.curve_secret_key;
the public key is given to clients, or listed in authenticator.curve_keys for a
client key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, sec, err := curvesession.GenerateKeyPair()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "public: %s\n", hex.EncodeToString(pub[:]))
		fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\n", hex.EncodeToString(sec[:]))
		return nil
	},
}
