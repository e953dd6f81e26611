package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	restful "github.com/emicklei/go-restful/v3"
	"github.com/go-openapi/spec"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/eventbus"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/reconciler"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/registry"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/service"
	"github.com/mesh-stack/mesh-operator/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// set by the build
var version = "devel"

var (
	logger *slog.Logger
	rc     *registry.Client
	nsq    eventbus.NSQClient
)

var rootCmd = &cobra.Command{
	Use:     "mesh-operator",
	Short:   "an operator reconciling bluetooth mesh device provisioning",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		return initRegistry()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "failed executing root command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringP("log-level", "", "info", "the application log level")

	rootCmd.Flags().StringP("bind-addr", "", "127.0.0.1", "the bind addr of the ops server")
	rootCmd.Flags().IntP("port", "", 8080, "the port to serve on")

	rootCmd.Flags().StringP("registry-url", "", "http://localhost:8081", "the base url of the device registry")
	rootCmd.Flags().StringP("registry-token", "", "", "the bearer token to access the device registry")

	rootCmd.Flags().StringP("application", "", "btmesh", "the registry application whose devices are reconciled")
	rootCmd.Flags().StringP("group-id", "", "mesh-operator", "the consumer group, instances sharing it split the acknowledgment stream")

	rootCmd.Flags().StringP("nsqd-addr", "", "nsqd:4150", "the address of the nsqd")
	rootCmd.Flags().StringP("nsqd-http-addr", "", "nsqd:4151", "the address of the nsqd rest endpoint")
	rootCmd.Flags().StringP("nsqlookupd-addr", "", "", "the addresses of the nsqlookupds as a commalist")

	rootCmd.Flags().DurationP("reconcile-interval", "", 20*time.Second, "the duration between two reconcile ticks")
	rootCmd.Flags().DurationP("command-timeout", "", 0, "the deadline for command acknowledgments, defaults to twice the reconcile interval")
	rootCmd.Flags().UintP("max-retries", "", 5, "the retry budget per device before it is marked failed")
	rootCmd.Flags().DurationP("backoff-max", "", 5*time.Minute, "the upper bound of the exponential retry backoff")

	must(viper.BindPFlags(rootCmd.Flags()))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MESH_OPERATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initLogging() {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		fmt.Fprintf(os.Stderr, "unparsable log level %q: %v\n", viper.GetString("log-level"), err)
		os.Exit(1)
	}

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger = slog.New(jsonHandler).With("app", "mesh-operator")
	slog.SetDefault(logger)
}

// initRegistry creates the registry client and fails fast when the registry
// rejects the credentials, a misconfigured operator must not start looping.
func initRegistry() error {
	rc = registry.New(&registry.Config{
		Log:   logger,
		URL:   viper.GetString("registry-url"),
		Token: viper.GetString("registry-token"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rc.Check(ctx, viper.GetString("application")); err != nil {
		if mesh.IsTransportUnavailable(err) {
			// the registry may simply not be up yet, the reconcile loop
			// skips ticks until it is
			logger.Warn("registry not reachable yet, starting anyway", "error", err)
			return nil
		}
		return fmt.Errorf("cannot access device registry: %w", err)
	}

	logger.Info("registry connected", "url", viper.GetString("registry-url"))
	return nil
}

func initEventBus() *eventbus.Consumer {
	application := viper.GetString("application")

	nsq = eventbus.NewNSQ(&eventbus.PublisherConfig{
		TCPAddress:   viper.GetString("nsqd-addr"),
		HTTPEndpoint: viper.GetString("nsqd-http-addr"),
	}, logger, eventbus.NewPublisher)

	nsq.WaitForPublisher()
	nsq.WaitForTopicsCreated(application, mesh.Topics)

	var lookupds []string
	if addrs := viper.GetString("nsqlookupd-addr"); addrs != "" {
		lookupds = strings.Split(addrs, ",")
	}

	return eventbus.NewConsumer(&eventbus.ConsumerConfig{
		Log:              logger,
		TCPAddress:       viper.GetString("nsqd-addr"),
		LookupdAddresses: lookupds,
	})
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := viper.GetString("application")
	groupID := viper.GetString("group-id")

	consumer := initEventBus()
	defer nsq.Publisher.Stop()
	defer consumer.Stop()

	r := reconciler.New(&reconciler.Config{
		Log:               logger,
		Registry:          rc,
		Publisher:         nsq.Publisher,
		Application:       application,
		ReconcileInterval: viper.GetDuration("reconcile-interval"),
		CommandTimeout:    viper.GetDuration("command-timeout"),
		MaxRetries:        viper.GetUint("max-retries"),
		BackoffMax:        viper.GetDuration("backoff-max"),
	})

	// all instances of the group share the acknowledgment stream, an ack is
	// handled by exactly one of them
	if err := consumer.Subscribe(ctx, mesh.TopicAck.GetFQN(application), groupID, r.HandleAckMessage); err != nil {
		return err
	}
	if err := consumer.Subscribe(ctx, mesh.TopicDevice.GetFQN(application), groupID, r.HandleDeviceEventMessage); err != nil {
		return err
	}

	container := restful.NewContainer()
	container.Add(service.NewDevice(logger, r))
	container.Add(health.New(logger, func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return rc.Check(checkCtx, application)
	}))
	container.Add(restfulspec.NewOpenAPIService(restfulspec.Config{
		WebServices:                   container.RegisteredWebServices(),
		APIPath:                       "/apidocs.json",
		PostBuildSwaggerObjectHandler: enrichSwaggerObject,
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", container)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", viper.GetString("bind-addr"), viper.GetInt("port")),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("start mesh operator", "version", version, "addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func enrichSwaggerObject(swo *spec.Swagger) {
	swo.Info = &spec.Info{
		InfoProps: spec.InfoProps{
			Title:       "mesh-operator",
			Description: "Resource for reconciling bluetooth mesh device provisioning",
			Version:     version,
		},
	}
	swo.Tags = []spec.Tag{
		{TagProps: spec.TagProps{
			Name:        "device",
			Description: "Inspecting and resetting tracked devices"}},
		{TagProps: spec.TagProps{
			Name:        "health",
			Description: "Checking the operator's health"}},
	}
}
