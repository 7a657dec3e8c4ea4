package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/handler"
	"github.com/hlandau/parazap/handler/static"
)

var authenticatorCmd = &cobra.Command{
	Use:   "authenticator",
	Short: "Run the example ZAP authenticator",
	Long: `Answers ZAP requests on authenticator.listen using the static policy in
the authenticator section: a NULL allow flag, bcrypt-hashed PLAIN users and an
allow list of CURVE client keys.

Point a server at it with zap.transport "zmtp" and zap.endpoint.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		policy, err := static.New(cfg.Authenticator.Policy())
		if err != nil {
			return fmt.Errorf("invalid authenticator configuration: %w", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		srv := &handler.Server{Policy: policy}
		return srv.ListenAndServe(ctx, cfg.Authenticator.Listen, parazap.SessionConfig{
			Mechanism: "NULL",
			MaxRead:   cfg.Authenticator.MaxFrameSize,
		})
	},
}
