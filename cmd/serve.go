package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/handlers"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/mqttbridge"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/nestauth"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/protect"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/sdmapi"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/statestore"
	"github.com/jdtait/nest-protect-gateway/pkg/middlewares"
)

var _serveCmdOpts struct {
	stateFile      string
	projectID      string
	clientID       string
	clientSecret   string
	refreshToken   string
	updateInterval time.Duration
	apiTimeout     time.Duration
	statusPort     uint16
	mqttBroker     string
	mqttUsername   string
	mqttPassword   string
	mqttPrefix     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServe(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("google.device-access.project",
			"google.oauth.client-id", "google.oauth.client-secret",
			"gateway.state-file")
	},
}

func init() {
	serveCmd.Flags().StringVar(&_serveCmdOpts.stateFile, "state-file", "", "File holding durable gateway state (tokens, device cache)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.projectID, "sdm-project", "", "Google Smart Device project ID from Device Access console")
	serveCmd.Flags().StringVar(&_serveCmdOpts.clientID, "oauth-clientid", "", "OAuth Client ID from the Google Cloud console")
	serveCmd.Flags().StringVar(&_serveCmdOpts.clientSecret, "oauth-clientsecret", "", "OAuth Client Secret from the Google Cloud console")
	serveCmd.Flags().StringVar(&_serveCmdOpts.refreshToken, "oauth-refresh-token", "", "OAuth refresh token from the Device Access authorization flow")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.updateInterval, "update-interval", time.Second*60, "device state refresh interval, eg. 1m or 10s (0 disables)")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.apiTimeout, "googleapi-timeout", time.Second*15, "maximum duration of a Google API call, eg. 1m or 10s")
	serveCmd.Flags().Uint16Var(&_serveCmdOpts.statusPort, "status-port", 8181, "local status/health listener port (0 disables)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttBroker, "mqtt-broker", "", "MQTT broker URL, eg. tcp://localhost:1883 (empty disables)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttUsername, "mqtt-username", "", "MQTT username")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttPassword, "mqtt-password", "", "MQTT password")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttPrefix, "mqtt-topic-prefix", "nest/protect/", "MQTT topic prefix")

	errPanic(viper.GetViper().BindPFlag("gateway.state-file", serveCmd.Flags().Lookup("state-file")))
	errPanic(viper.GetViper().BindPFlag("gateway.update-interval", serveCmd.Flags().Lookup("update-interval")))
	errPanic(viper.GetViper().BindPFlag("google.device-access.project", serveCmd.Flags().Lookup("sdm-project")))
	errPanic(viper.GetViper().BindPFlag("google.device-access.api-timeout", serveCmd.Flags().Lookup("googleapi-timeout")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.client-id", serveCmd.Flags().Lookup("oauth-clientid")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.client-secret", serveCmd.Flags().Lookup("oauth-clientsecret")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.refresh-token", serveCmd.Flags().Lookup("oauth-refresh-token")))
	errPanic(viper.GetViper().BindPFlag("status.port", serveCmd.Flags().Lookup("status-port")))
	errPanic(viper.GetViper().BindPFlag("mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker")))
	errPanic(viper.GetViper().BindPFlag("mqtt.username", serveCmd.Flags().Lookup("mqtt-username")))
	errPanic(viper.GetViper().BindPFlag("mqtt.password", serveCmd.Flags().Lookup("mqtt-password")))
	errPanic(viper.GetViper().BindPFlag("mqtt.topic-prefix", serveCmd.Flags().Lookup("mqtt-topic-prefix")))

	rootCmd.AddCommand(serveCmd)
}

func doServe() error {
	cfg := protect.Config{
		ProjectID:      viper.GetString("google.device-access.project"),
		ClientID:       viper.GetString("google.oauth.client-id"),
		ClientSecret:   viper.GetString("google.oauth.client-secret"),
		RefreshToken:   viper.GetString("google.oauth.refresh-token"),
		UpdateInterval: viper.GetDuration("gateway.update-interval"),
	}
	apiTimeout := viper.GetDuration("google.device-access.api-timeout")
	statusPort := viper.GetUint("status.port")
	mqttBroker := viper.GetString("mqtt.broker")

	store := statestore.New(viper.GetString("gateway.state-file"))
	tokens := nestauth.New(nestauth.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		ProjectID:    cfg.ProjectID,
	}, store)
	api := sdmapi.NewLiveClient(cfg.ProjectID, tokens).WithTimeout(apiTimeout)
	svc := protect.New(cfg, store, tokens, api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Initialize(ctx); err != nil {
		return err
	}

	// Optional MQTT side-channel
	var bridge *mqttbridge.Bridge
	if mqttBroker != "" {
		bridge = mqttbridge.New(mqttbridge.Options{
			BrokerURL:   mqttBroker,
			Username:    viper.GetString("mqtt.username"),
			Password:    viper.GetString("mqtt.password"),
			TopicPrefix: viper.GetString("mqtt.topic-prefix"),
		})
		if err := bridge.Connect(); err != nil {
			return err
		}
		defer bridge.Close()

		svc.AddListener(bridge.EventListener())
	}

	// Optional status/health listener
	var statusServer *http.Server
	if statusPort != 0 {
		sh := handlers.NewStatusHandler(svc)

		r := mux.NewRouter()
		r.Use(middlewares.NewLoggingMw())
		r.Use(middlewares.NewRecoveryMw())
		r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
		sh.Register(r)

		statusServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", statusPort),
			ReadTimeout:  time.Second * 15,
			WriteTimeout: time.Second * 15,
			IdleTimeout:  time.Second * 60,
			Handler:      r,
		}

		logging.Logger(nil).Infof("status listener on port %d", statusPort)
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Logger(nil).WithError(err).Error("running status listener")
			}
		}()
	}

	// Demand-driven refresh loop; the core does not require one
	if cfg.UpdateInterval > 0 {
		go refreshLoop(ctx, svc, bridge, cfg.UpdateInterval)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c
	logging.Logger(nil).Info("shutting down")
	cancel()

	if statusServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second*15)
		defer scancel()
		if err := statusServer.Shutdown(sctx); err != nil {
			logging.Logger(nil).WithError(err).Error("shutting down status listener")
		}
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		logging.Logger(nil).WithError(err).Error("shutting down gateway")
	}

	logging.Logger(nil).Info("exiting")
	return nil
}

func refreshLoop(ctx context.Context, svc *protect.Service, bridge *mqttbridge.Bridge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger(nil).Info("refresh-loop: shutting down")
			return
		case <-ticker.C:
		}

		if err := svc.RefreshDevices(ctx); err != nil {
			logging.Logger(nil).WithError(err).Warn("refresh-loop: updating devices")
			continue
		}

		if bridge != nil {
			devices, err := svc.ListDevices(ctx)
			if err == nil {
				bridge.PublishStates(ctx, devices)
			}
		}
	}
}
