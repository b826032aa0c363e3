// Command binlogcat replicates from a MySQL server (or replays a relay
// directory written by an earlier run) and prints each decoded event as
// JSON (one object per line) or YAML (one document per event).
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/binlogcore/binlogcore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var format string

	root := &cobra.Command{
		Use:   "binlogcat",
		Short: "Tail and print a MySQL binlog stream",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file (see binlog.Config)")
	root.PersistentFlags().StringVar(&format, "format", "json", "output format: json or yaml")

	root.AddCommand(newTailCmd(&configPath, &format))
	root.AddCommand(newRelayCmd(&configPath))
	root.AddCommand(newReplayCmd(&format))
	root.AddCommand(newFilesCmd(&configPath))
	root.AddCommand(newInspectCmd())
	return root
}

// newFilesCmd lists binary logs on a live server, or relay files already
// captured to disk, depending on which flag is given.
func newFilesCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List binlog files (on the server, or in a relay directory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				files, err := binlog.ListFiles(dir)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			c, err := connectedClient(cfg, zap.NewNop(), nil)
			if err != nil {
				return err
			}
			defer c.Close()
			files, err := c.ListBinaryLogs()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Println(f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "list relay files in this directory instead of querying a live server")
	return cmd
}

func loadConfig(path string) (*binlog.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return binlog.LoadConfig(path)
}

func newPrinter(format string) (func(pos binlog.StreamPosition, ev binlog.Event) error, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		return func(pos binlog.StreamPosition, ev binlog.Event) error {
			return enc.Encode(struct {
				Position binlog.StreamPosition `json:"position"`
				Header   binlog.EventHeader    `json:"header"`
				Data     interface{}            `json:"data"`
			}{pos, ev.Header, ev.Data})
		}, nil
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		return func(pos binlog.StreamPosition, ev binlog.Event) error {
			return enc.Encode(struct {
				Position binlog.StreamPosition `yaml:"position"`
				Header   binlog.EventHeader    `yaml:"header"`
				Data     interface{}            `yaml:"data"`
			}{pos, ev.Header, ev.Data})
		}, nil
	default:
		return nil, fmt.Errorf("unknown --format %q (want json or yaml)", format)
	}
}

func connectedClient(cfg *binlog.Config, log *zap.Logger, met *binlog.Metrics) (*binlog.Client, error) {
	c, err := binlog.Dial("tcp", cfg.Server.Address(), binlog.WithLogger(log), binlog.WithMetrics(met))
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(cfg.Server.User, cfg.Server.Password); err != nil {
		_ = c.Close()
		return nil, err
	}
	if cfg.Server.HeartbeatPeriod > 0 {
		if err := c.SetHeartbeatPeriod(cfg.Server.HeartbeatPeriod); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func startPositionFromConfig(c *binlog.Client, cfg *binlog.Config) (file string, pos uint32, err error) {
	if cfg.Position.File != "" {
		return cfg.Position.File, cfg.Position.Pos, nil
	}
	return c.MasterStatus()
}

// newTailCmd drives a live Client.Stream through a Sink that prints every
// event, the primary use case named alongside the sink interface.
func newTailCmd(configPath, format *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Stream events from a live server and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := binlog.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			var met *binlog.Metrics
			if cfg.Metrics.Addr != "" {
				reg := prometheus.NewRegistry()
				met = binlog.NewMetrics(reg)
				go serveMetrics(cfg.Metrics.Addr, reg, log)
			}

			c, err := connectedClient(cfg, log, met)
			if err != nil {
				return err
			}
			defer c.Close()

			file, pos, err := startPositionFromConfig(c, cfg)
			if err != nil {
				return err
			}
			if err := c.RequestBinlog(cfg.Server.ServerID, file, pos); err != nil {
				return err
			}
			sr, err := c.Stream()
			if err != nil {
				return err
			}

			print, err := newPrinter(*format)
			if err != nil {
				return err
			}
			sink := binlog.SinkFunc(func(pos binlog.StreamPosition, ev binlog.Event) binlog.Ack {
				if err := print(pos, ev); err != nil {
					fmt.Fprintln(os.Stderr, err)
					return binlog.Stop
				}
				return binlog.Accept
			})
			if err := binlog.Drive(sr, sink); err != nil && err != io.EOF {
				return err
			}
			return nil
		},
	}
}

// newRelayCmd is the disk-relay supplement: it never decodes events, just
// forwards the raw wire stream to dir so `replay` (or another process) can
// consume it later, independent of how fast that consumer runs.
func newRelayCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Copy the raw binlog stream to a directory of relay files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := binlog.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			c, err := connectedClient(cfg, log, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			file, pos, err := startPositionFromConfig(c, cfg)
			if err != nil {
				return err
			}
			if err := c.RequestBinlog(cfg.Server.ServerID, file, pos); err != nil {
				return err
			}
			return c.Relay(dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "relay directory to write to (required)")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// newReplayCmd reads back a relay directory written by `relay`, the offline
// counterpart to `tail`.
func newReplayCmd(format *string) *cobra.Command {
	var dir, file string
	var pos uint32
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print events from a relay directory written by the relay subcommand",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				var err error
				file, pos, err = binlog.ReadStatus(dir)
				if err != nil {
					return err
				}
			}
			fs, err := binlog.OpenFileStreamSource(dir, file, pos)
			if err != nil {
				return err
			}
			print, err := newPrinter(*format)
			if err != nil {
				return err
			}
			sink := binlog.SinkFunc(func(pos binlog.StreamPosition, ev binlog.Event) binlog.Ack {
				if err := print(pos, ev); err != nil {
					fmt.Fprintln(os.Stderr, err)
					return binlog.Stop
				}
				return binlog.Accept
			})
			err = binlog.Drive(fs.Stream(), sink)
			if err == io.EOF {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "relay directory to read from (required)")
	cmd.Flags().StringVar(&file, "file", "", "relay file to start from (default: resume from the last recorded position)")
	cmd.Flags().Uint32Var(&pos, "pos", 4, "byte offset within --file to start from")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// newInspectCmd reports the binlog protocol version a single relay file was
// recorded with, without replaying the whole thing.
func newInspectCmd() *cobra.Command {
	var dir, file string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the binlog_version a relay file was recorded with",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := binlog.FileBinlogVersion(dir, file)
			if err != nil {
				return err
			}
			fmt.Printf("%s: binlog_version %d\n", file, v)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "relay directory containing file (required)")
	cmd.Flags().StringVar(&file, "file", "", "relay file to inspect (required)")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
