package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/piscreen/piscreen/internal/psdisplay"
	"github.com/piscreen/piscreen/internal/psstore"
)

// Config holds everything the on-device server needs. Values come from the
// environment, with an optional TOML file overriding individual fields.
type Config struct {
	CacheDir  string `env:"CACHE_DIR" envDefault:"content-cache" toml:"cache_dir"`
	CertFile  string `env:"TLS_CERT" toml:"tls_cert"`
	KeyFile   string `env:"TLS_KEY" toml:"tls_key"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" toml:"log_level"`
	Password  string `env:"PASSWORD" envDefault:"password" toml:"password"`
	Port      int    `env:"PORT" envDefault:"4443" toml:"port"`
	StateFile string `env:"STATE_FILE" envDefault:"content.json" toml:"state_file"`
}

func main() {
	var (
		configPath string
		host       string
		insecure   bool
		password   string
		plainHTTP  bool
		port       int
	)

	rootCmd := &cobra.Command{
		Use:   "piscreen",
		Short: "Digital-signage player control plane and client",
		Long: strings.TrimSpace(`
On-device control plane for a digital-signage screen. The server holds the
set of content items the screen rotates through, schedules which one plays
next, and exposes an authenticated HTTP API for fleet management. The other
subcommands are a client for that API.

Running with no arguments starts the server.
		`),
		Example: strings.TrimSpace(`
# start the control plane on $PORT
piscreen serve

# install a web page in the rotation of a remote screen
piscreen add --name weather --type url --content https://example.com/weather
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(configPath); err != nil {
				abortErr(err)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "hostname or IP address of the screen (client actions)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "P", 4443, "port number of the screen (client actions)")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "password", "shared secret used to authenticate requests")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", true, "skip TLS certificate verification (screens use self-signed certificates)")
	rootCmd.PersistentFlags().BoolVar(&plainHTTP, "plain-http", false, "talk plain HTTP instead of HTTPS (local testing)")

	newClient := func() *Client {
		scheme := "https"
		if plainHTTP {
			scheme = "http"
		}
		return NewClient(fmt.Sprintf("%s://%s:%d", scheme, host, port), password, insecure)
	}

	// piscreen serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start the screen's control plane",
			Long: strings.TrimSpace(`
Starts the control-plane server: restores the content rotation from its
snapshot file, begins driving the display loop, and serves the fleet API.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(configPath); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file (overrides environment)")
		rootCmd.AddCommand(cmd)
	}

	// piscreen ping
	{
		cmd := &cobra.Command{
			Use:   "ping",
			Short: "Check that a screen is up and reachable",
			Run: func(cmd *cobra.Command, args []string) {
				runClientAction(func(ctx context.Context) (*Envelope, error) {
					return newClient().Ping(ctx)
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// piscreen list
	{
		cmd := &cobra.Command{
			Use:   "list",
			Short: "List every content item installed on a screen",
			Run: func(cmd *cobra.Command, args []string) {
				runClientAction(func(ctx context.Context) (*Envelope, error) {
					return newClient().List(ctx)
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// piscreen show
	{
		cmd := &cobra.Command{
			Use:     "show <name>",
			Aliases: []string{"get"},
			Short:   "Show details for one content item",
			Args:    cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runClientAction(func(ctx context.Context) (*Envelope, error) {
					return newClient().Show(ctx, args[0])
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// piscreen delete
	{
		cmd := &cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a content item, purging any resources it holds",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runClientAction(func(ctx context.Context) (*Envelope, error) {
					return newClient().Delete(ctx, args[0])
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// piscreen add
	{
		var (
			caption     string
			content     string
			contentType string
			duration    int
			except      []string
			expire      string
			name        string
			only        []string
		)

		cmd := &cobra.Command{
			Use:   "add",
			Short: "Upload and install a new content item on a screen",
			Long: strings.TrimSpace(`
Installs a new content item. For url content, --content is the URL itself;
for image and html content it names a local file to upload.

--expire takes YYYYMMDD, optionally extended with hours, minutes, and
seconds. --only and --except take time windows like MWF:08:20-09:10 (only
display Monday/Wednesday/Friday mornings) or 14:45-16:45 (every day), and
may be repeated.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				spec, err := buildAddSpec(name, contentType, content, duration, expire, only, except, caption)
				if err != nil {
					abortErr(err)
				}
				runClientAction(func(ctx context.Context) (*Envelope, error) {
					return newClient().Add(ctx, spec)
				})
			},
		}
		cmd.Flags().StringVar(&name, "name", "", "name of the new content item (required)")
		cmd.Flags().StringVar(&contentType, "type", "", "one of url, image, or html (required)")
		cmd.Flags().StringVar(&content, "content", "", "URL, or path to the file to upload (required)")
		cmd.Flags().IntVar(&duration, "duration", 0, "display duration in seconds")
		cmd.Flags().StringVar(&expire, "expire", "", "expiration date/time, YYYYMMDD[HH[MM[SS]]]")
		cmd.Flags().StringArrayVar(&only, "only", nil, "only display inside this time window (repeatable)")
		cmd.Flags().StringArrayVar(&except, "except", nil, "never display inside this time window (repeatable)")
		cmd.Flags().StringVar(&caption, "caption", "", "caption for image content")
		_ = cmd.MarkFlagRequired("name")
		_ = cmd.MarkFlagRequired("type")
		_ = cmd.MarkFlagRequired("content")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func runClientAction(action func(ctx context.Context) (*Envelope, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	envelope, err := action(ctx)
	if err != nil {
		abortErr(err)
	}
	printEnvelope(envelope)
}

func loadConfig(configPath string) (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, xerrors.Errorf("error reading config file %s: %w", configPath, err)
		}
	}

	return config, nil
}

func runServe(configPath string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	fs := afero.NewOsFs()

	// Bootstrap the image cache directory. An already-existing directory is
	// the steady state, so failure here isn't fatal.
	if err := fs.MkdirAll(config.CacheDir, 0o755); err != nil {
		logger.WithError(err).Warnf("Could not create cache directory %s", config.CacheDir)
	}

	store := psstore.NewStore(logger, fs, config.StateFile)
	store.Restore()

	// The render drive loop. Headless builds log what the screen would be
	// showing; the device's web-view widget plugs in as another Renderer.
	shutdown := make(chan struct{})
	loopDone := make(chan struct{})
	loop := psdisplay.NewLoop(logger, store, psdisplay.NewLogRenderer(logger))
	go func() {
		defer close(loopDone)
		loop.Run(shutdown)
	}()

	server := NewServer(logger, store, fs, config)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infof("Received %v; shutting down", sig)

		close(shutdown)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.WithError(err).Error("Error stopping HTTP server")
		}
	}()

	if err := server.Start(); err != nil {
		return err
	}

	<-loopDone
	store.Shutdown()
	return nil
}
