package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/config"
	"github.com/hlandau/parazap/curvesession"
	"github.com/hlandau/parazap/event"
	"github.com/hlandau/parazap/gate"
	"github.com/hlandau/parazap/handler"
	"github.com/hlandau/parazap/handler/static"
	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/metrics"
	"github.com/hlandau/parazap/transport/inproc"
	"github.com/hlandau/parazap/transport/zmtp"
	"github.com/hlandau/parazap/zap"
)

var printEvents bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a ZMTP echo endpoint whose handshakes are gated by ZAP",
	Long: `Listens on server.listen and holds every handshake until the ZAP
authenticator has ruled on it. Allowed peers get their messages echoed back
when the socket type can reply.

With zap.transport "inproc" the authenticator section is evaluated in this
process; with "zmtp" requests go to the authenticator at zap.endpoint, for
example one started with "parazap authenticator".

Examples:
  # Gate NULL connections with the in-process policy
  parazap serve --config ./config.yaml

  # Print one line per handshake outcome
  parazap serve --events`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&printEvents, "events", false, "print handshake events to standard output")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := metrics.NewZAPMetrics(newRegistry(ctx, cfg.Metrics))

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}

	monitor := event.NewMonitor(cfg.ZAP.MonitorBuffer, m)
	defer monitor.Close()
	go consumeEvents(monitor, cmd.OutOrStdout())

	auth := gate.New(transport, gate.Options{
		Timeout: cfg.ZAP.Timeout,
		Emitter: event.Multi{event.LogEmitter{}, monitor},
		Metrics: m,
		Domain:  cfg.ZAP.Domain,
	})
	defer auth.Close()

	go func() {
		if err := auth.Run(ctx); err == nil {
			// The transport went away; no handshake can complete any more.
			logger.Error("ZAP transport closed, shutting down")
			cancel()
		}
	}()

	scfg, err := sessionConfig(cfg, auth)
	if err != nil {
		return err
	}

	l, err := parazap.Listen(cfg.Server.Listen, scfg)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	defer l.Close()

	logger.Info("Server is running. Press Ctrl+C to stop.",
		logger.KeyListen, l.Endpoint(),
		logger.KeyMechanism, cfg.Server.Mechanism,
		"socket_type", cfg.Server.SocketType,
		"zap_transport", cfg.ZAP.Transport)

	if err := l.Serve(ctx, echo(cfg.Server.SocketType)); err != nil {
		return err
	}

	logger.Info("Server stopped")
	return nil
}

func newTransport(ctx context.Context, cfg *config.Config) (zap.Transport, error) {
	if cfg.ZAP.Transport == "zmtp" {
		return zmtp.Dial(ctx, cfg.ZAP.Endpoint, parazap.SessionConfig{})
	}

	policy, err := static.New(cfg.Authenticator.Policy())
	if err != nil {
		return nil, fmt.Errorf("invalid authenticator configuration: %w", err)
	}

	logger.Info("Using in-process ZAP authenticator", logger.KeyEndpoint, inproc.Endpoint)
	return inproc.New(&handler.Server{Policy: policy}, inproc.Config{Workers: 4}), nil
}

func sessionConfig(cfg *config.Config, auth *gate.Authenticator) (parazap.SessionConfig, error) {
	scfg := parazap.SessionConfig{
		SocketType:    cfg.Server.SocketType,
		Mechanism:     cfg.Server.Mechanism,
		IsServer:      true,
		Authenticator: auth,
		ZAPDomain:     cfg.ZAP.Domain,
		MaxRead:       cfg.Server.MaxFrameSize,
	}

	if cfg.Server.Mechanism == curvesession.Mechanism {
		key, err := static.ParseKey(cfg.Server.CurveSecretKey)
		if err != nil {
			return scfg, fmt.Errorf("invalid server.curve_secret_key: %w", err)
		}
		pub, err := curvesession.PublicKey(key)
		if err != nil {
			return scfg, err
		}

		scfg.CurveSecretKey = key
		logger.Info("CURVE server key", "public_key", hex.EncodeToString(pub[:]))
	}

	return scfg, nil
}

func consumeEvents(monitor *event.Monitor, w io.Writer) {
	for e := range monitor.Events() {
		if printEvents {
			fmt.Fprintf(w, "%s %s route=%d address=%s\n",
				e.Time.Format("15:04:05.000"), e, e.Route, e.Address)
		}
	}
}

// Echoes messages back on socket types that can reply and logs them
// otherwise.
func echo(socketType string) func(parazap.Session) {
	canReply := false
	switch socketType {
	case parazap.REP, parazap.ROUTER, parazap.DEALER, parazap.PAIR:
		canReply = true
	}

	return func(s parazap.Session) {
		addr := s.RemoteAddr().String()
		logger.Info("Peer connected",
			logger.KeyAddress, addr,
			logger.KeyUserID, s.RemoteMetadata()["User-Id"])

		for {
			msg, err := s.Read()
			if err != nil {
				logger.Debug("Peer disconnected", logger.KeyAddress, addr, logger.KeyError, err)
				return
			}

			if !canReply {
				logger.Info("Message received", logger.KeyAddress, addr, logger.KeyFrames, len(msg))
				continue
			}

			if err := s.Write(msg); err != nil {
				logger.Debug("Peer write failed", logger.KeyAddress, addr, logger.KeyError, err)
				return
			}
		}
	}
}
