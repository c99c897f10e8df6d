package main

import (
	"os/signal"
	"syscall"

	printmirror "github.com/mirrorlab/PrintMirror"
	"github.com/mirrorlab/PrintMirror/internal/config"
	"github.com/mirrorlab/PrintMirror/pkg/cloud"
	"github.com/mirrorlab/PrintMirror/pkg/storage"
	"github.com/mirrorlab/PrintMirror/pkg/telemetry"
	"github.com/mirrorlab/PrintMirror/pkg/webui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		flagListenAddr string
		flagNoWeb      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status agent and the cloud login page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return err
			}
			if flagListenAddr != "" {
				cfg.ListenAddr = flagListenAddr
			}

			account := cloud.NewClient(cfg.Region, cloud.Options{})
			tokens := storage.NewTokenStore(cfg.AuthTokenFile)
			auth := printmirror.NewCloudAuthStateMachine(account, tokens, printmirror.Credentials{
				Region:   cfg.Region,
				Email:    cfg.Email,
				Password: cfg.Password,
			})

			tracker := printmirror.NewPrintJobTracker()
			covers := printmirror.NewCoverFetcher(account, tracker, cfg.Serial, cfg.CoverDir)

			agentCfg := printmirror.AgentConfig{
				Auth:            auth,
				Tracker:         tracker,
				Covers:          covers,
				PollInterval:    cfg.PollInterval,
				RefreshInterval: cfg.RefreshInterval,
			}

			stream := telemetry.NewClient(cfg.TelemetryURL, cfg.AccessCode)
			agentCfg.Telemetry = stream

			if cfg.HistoryDB != "" {
				history, err := storage.OpenHistory(cfg.HistoryDB)
				if err != nil {
					return err
				}
				defer history.Close()
				agentCfg.History = history
			}

			agent, err := printmirror.NewAgent(agentCfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream.Connect(ctx)
			defer stream.Close()

			group := printmirror.NewSafeGroup(ctx)
			group.GoSafe("agent", agent.Run)
			if !flagNoWeb {
				server := webui.NewServer(auth, cfg.ListenAddr)
				log.Info().
					Str("serial", cfg.Serial).
					Str("telemetry_url", cfg.TelemetryURL).
					Str("login_url", server.LoginURL()).
					Msg("starting printmirror agent")
				group.GoSafe("webui", server.Run)
			} else {
				log.Info().
					Str("serial", cfg.Serial).
					Str("telemetry_url", cfg.TelemetryURL).
					Msg("starting printmirror agent without web login")
			}
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&flagListenAddr, "listen", "", "Login page listen address (overrides config)")
	cmd.Flags().BoolVar(&flagNoWeb, "no-web", false, "Disable the login web page")

	return cmd
}
