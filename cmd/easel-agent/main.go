package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/config"
	"github.com/MarcoPoloResearchLab/easel/internal/logging"
	"github.com/MarcoPoloResearchLab/easel/internal/peer"
	"github.com/MarcoPoloResearchLab/easel/internal/queue"
	"github.com/MarcoPoloResearchLab/easel/internal/session"
	"github.com/MarcoPoloResearchLab/easel/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "easel-agent",
		Short: "Easel collaborative canvas agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("author-id", defaults.GetString("author.id"), "Author identifier stamped on operations")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("relay.url"), "Relay base URL")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "Offline queue database path")
	cmd.PersistentFlags().Int("peer-port", defaults.GetInt("peer.port"), "Peer channel listen port")
	cmd.PersistentFlags().String("peer-instance", defaults.GetString("peer.instance"), "mDNS instance name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "author.id", "author-id")
	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "queue.path", "queue-path")
	bindFlag(cmd, "peer.port", "peer-port")
	bindFlag(cmd, "peer.instance", "peer-instance")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An unreadable queue degrades the session instead of failing start.
	var durableQueue *queue.Store
	durableQueue, err = queue.Open(queue.StoreConfig{Path: appConfig.QueuePath, Logger: logger})
	if err != nil {
		logger.Warn("offline queue unavailable, continuing online-only", zap.Error(err))
		durableQueue = nil
	} else {
		defer durableQueue.Close()
	}

	relayClient, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.RelayURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	connection, err := transport.NewConnection(transport.ConnectionConfig{
		Client: relayClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	peerHub := peer.NewHub(logger)
	editSession, err := session.New(session.Config{
		AuthorID:          appConfig.AuthorID,
		Sender:            relayClient,
		Queue:             durableQueue,
		PeerBroadcast:     peerHub.Broadcast,
		MaxHistoryEntries: appConfig.MaxHistoryEntries,
		FlushInterval:     time.Duration(appConfig.FlushSeconds) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	go connection.Run(signalCtx)
	go peerHub.Run(signalCtx)
	go editSession.Run(signalCtx, connection.Events(), peerHub.Inbound())

	if err := startPeerListener(signalCtx, peerHub, appConfig, logger); err != nil {
		return err
	}

	logger.Info("agent running",
		zap.String("author_id", appConfig.AuthorID),
		zap.String("relay_url", appConfig.RelayURL))
	<-signalCtx.Done()
	return nil
}

func startPeerListener(ctx context.Context, peerHub *peer.Hub, appConfig config.AgentConfig, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", peerHub.ServeWS)
	peerServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", appConfig.PeerPort),
		Handler: mux,
	}
	go func() {
		if err := peerServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("peer listener failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		peerServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	instance := appConfig.PeerInstance
	if instance == "" {
		host, hostErr := os.Hostname()
		if hostErr != nil {
			host = appConfig.AuthorID
		}
		instance = fmt.Sprintf("easel-%s", host)
	}
	if err := peer.Advertise(ctx, peer.DiscoveryConfig{
		Instance: instance,
		Port:     appConfig.PeerPort,
		Logger:   logger,
	}); err != nil {
		logger.Warn("peer discovery advertise failed", zap.Error(err))
	}
	go func() {
		err := peer.Browse(ctx, logger, func(endpoint string) {
			if dialErr := peerHub.Dial(ctx, endpoint); dialErr != nil {
				logger.Debug("peer dial failed", zap.String("endpoint", endpoint), zap.Error(dialErr))
			}
		})
		if err != nil {
			logger.Warn("peer discovery browse failed", zap.Error(err))
		}
	}()
	return nil
}
