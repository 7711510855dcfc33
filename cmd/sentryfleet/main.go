package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentryfleet/sentryfleet/pkg/autoscaler"
	"github.com/sentryfleet/sentryfleet/pkg/classifier"
	"github.com/sentryfleet/sentryfleet/pkg/config"
	"github.com/sentryfleet/sentryfleet/pkg/dispatcher"
	"github.com/sentryfleet/sentryfleet/pkg/events"
	"github.com/sentryfleet/sentryfleet/pkg/fleetcontroller"
	"github.com/sentryfleet/sentryfleet/pkg/fleetprovider"
	"github.com/sentryfleet/sentryfleet/pkg/log"
	"github.com/sentryfleet/sentryfleet/pkg/metrics"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/protocol"
	"github.com/sentryfleet/sentryfleet/pkg/types"
	"github.com/sentryfleet/sentryfleet/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentryfleet",
	Short: "Sentryfleet - elastic text-classification compute cluster",
	Long: `Sentryfleet runs a three-tier control plane - a Fleet Controller,
a Dispatcher, and a pool of Workers - that classifies text comments
for toxicity and autoscales the worker pool to match load.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sentryfleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(instanceManagerCmd)
	rootCmd.AddCommand(nodeManagerCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(fmt.Sprintf("sentryfleet: load config: %v", err))
	}
	return cfg
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func maybeServePprof(cmd *cobra.Command) {
	enabled, _ := cmd.Flags().GetBool("enable-pprof")
	if !enabled {
		return
	}
	addr := "127.0.0.1:6060"
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error(fmt.Sprintf("pprof server exited: %v", err))
		}
	}()
	log.Info(fmt.Sprintf("pprof endpoints enabled at http://%s/debug/pprof/", addr))
}

// instance_manager: runs the Fleet Controller singleton.
var instanceManagerCmd = &cobra.Command{
	Use:   "instance_manager",
	Short: "Run the Fleet Controller",
	Long:  `instance_manager runs the Fleet Controller, the singleton that owns the instance table and drives the autoscaler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		debug, _ := cmd.Flags().GetBool("debug")
		gitPull, _ := cmd.Flags().GetString("git-pull")

		log.Info(fmt.Sprintf("starting fleet controller (debug=%v)", debug))

		var provider fleetprovider.Provider
		if debug {
			fake := fleetprovider.NewFakeProvider(3 * time.Second)
			fake.Seed(types.RoleDispatcher, 1)
			fake.Seed(types.RoleWorker, 2)
			provider = fake
		} else {
			ec2Provider, err := fleetprovider.NewEC2Provider(fleetprovider.EC2Config{
				Region: cfg.AWSRegion,
			})
			if err != nil {
				return fmt.Errorf("create ec2 provider: %w", err)
			}
			provider = ec2Provider
		}

		as := autoscaler.New(cfg.WindowSize, float64(cfg.MinJobsPerWorker), float64(cfg.MaxJobsPerWorker), cfg.MaxWorkers)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		store, err := fleetcontroller.NewStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open fleet controller store: %w", err)
		}
		defer store.Close()

		objStore, err := objectstore.New(cfg.StorageBackend, cfg.DataDir, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create object store: %w", err)
		}
		if err := objStore.EnsureBucket(context.Background(), objectstore.BucketLogging(cfg.AccountID)); err != nil {
			return fmt.Errorf("ensure logging bucket: %w", err)
		}

		fc := fleetcontroller.New(fleetcontroller.Config{
			FleetSyncInterval:  cfg.FleetSyncInterval,
			StartSignalTimeout: cfg.StartSignalTimeout,
			HeartbeatTimeout:   cfg.HeartbeatTimeout,
			TickInterval:       time.Second,
			LoggingInterval:    cfg.LoggingInterval,
			Debug:              debug,
			GitPull:            gitPull,
			FCAddress:          fmt.Sprintf("0.0.0.0:%d", cfg.FCPort),
			DAddress:           fmt.Sprintf("0.0.0.0:%d", cfg.DPort),
			AccountID:          cfg.AccountID,
		}, provider, as, broker, store, objStore)

		ctx, cancel := context.WithCancel(context.Background())

		// Bootstrap blocks until the dispatcher is running: the protocol and
		// HTTP servers must not start serving before it returns.
		fc.Bootstrap(ctx)

		srv := protocol.NewServer(fmt.Sprintf("0.0.0.0:%d", cfg.FCPort), func(packet any) (any, error) {
			hb, ok := packet.(*types.HeartBeat)
			if !ok {
				return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
			}
			return fc.SubmitHeartbeat(hb), nil
		})
		go func() {
			if err := srv.Serve(); err != nil {
				log.Error(fmt.Sprintf("fleet controller protocol server exited: %v", err))
			}
		}()
		defer srv.Stop()

		mux := http.NewServeMux()
		fc.ServeHTTP(mux)
		httpAddr := fmt.Sprintf("0.0.0.0:%d", cfg.FCPort+1000)
		go func() {
			if err := http.ListenAndServe(httpAddr, mux); err != nil {
				log.Error(fmt.Sprintf("fleet controller http server exited: %v", err))
			}
		}()
		log.Info(fmt.Sprintf("fleet controller http on %s, protocol on :%d", httpAddr, cfg.FCPort))

		maybeServePprof(cmd)

		go fc.Run(ctx)

		waitForShutdown()
		log.Info("shutting down fleet controller")
		fc.Cancel(ctx)
		cancel()
		return nil
	},
}

func init() {
	instanceManagerCmd.Flags().Bool("debug", false, "Run with the in-memory fake cloud provider")
	instanceManagerCmd.Flags().String("git-pull", "", "Git branch newly booted instances should pull before starting")
	instanceManagerCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}

// node_manager: runs the Dispatcher singleton.
var nodeManagerCmd = &cobra.Command{
	Use:   "node_manager <fc_addr> <self_instance_id> <account_id>",
	Short: "Run the Dispatcher",
	Long:  `node_manager runs the Dispatcher, the singleton that holds the task pool and assigns work to Workers.`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		fcAddr, selfID, accountID := args[0], args[1], args[2]

		log.Info(fmt.Sprintf("starting dispatcher %s, fc=%s", selfID, fcAddr))

		store, err := objectstore.New(cfg.StorageBackend, cfg.DataDir, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create object store: %w", err)
		}
		if err := store.EnsureBucket(context.Background(), objectstore.BucketFiles(accountID)); err != nil {
			return fmt.Errorf("ensure files bucket: %w", err)
		}
		if err := store.EnsureBucket(context.Background(), objectstore.BucketLogging(accountID)); err != nil {
			return fmt.Errorf("ensure logging bucket: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		d := dispatcher.New(store, broker, accountID, selfID)

		srv := protocol.NewServer(fmt.Sprintf("0.0.0.0:%d", cfg.DPort), func(packet any) (any, error) {
			switch p := packet.(type) {
			case *types.HeartBeat:
				return d.OnWorkerHeartbeat(p), nil
			case *types.Command:
				switch p.Command {
				case types.CommandDone:
					return d.OnWorkerDone(p), nil
				case types.CommandSubmit:
					taskID, err := d.SubmitTask(context.Background(), p.Payload)
					if err != nil {
						return nil, err
					}
					return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck, Task: taskID}, nil
				}
			}
			return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
		})
		go func() {
			if err := srv.Serve(); err != nil {
				log.Error(fmt.Sprintf("dispatcher protocol server exited: %v", err))
			}
		}()
		defer srv.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpAddr := fmt.Sprintf("0.0.0.0:%d", cfg.DPort+1000)
		go http.ListenAndServe(httpAddr, mux)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go d.Run(ctx, 500*time.Millisecond)
		go d.RunLogUploader(ctx, cfg.LoggingInterval)

		fcClient := protocol.NewClient(fcAddr)
		defer fcClient.Close()
		go runDispatcherHeartbeatLoop(ctx, d, fcClient, selfID, cfg.DispatcherHeartbeatInterval)

		if replayPath, _ := cmd.Flags().GetString("replay-csv"); replayPath != "" {
			rows, err := dispatcher.LoadReplayCSV(replayPath)
			if err != nil {
				return fmt.Errorf("load replay csv: %w", err)
			}
			log.Info(fmt.Sprintf("replaying %d benchmark rows from %s", len(rows), replayPath))
			go d.Replay(ctx, rows)
		}

		maybeServePprof(cmd)
		waitForShutdown()
		log.Info("shutting down dispatcher")
		d.Stop()
		return nil
	},
}

func runDispatcherHeartbeatLoop(ctx context.Context, d *dispatcher.Dispatcher, fcClient *protocol.Client, selfID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := d.Report()
			reply, err := fcClient.Send(&types.HeartBeat{
				PacketType:       types.PacketHeartBeat,
				Time:             time.Now().Unix(),
				InstanceID:       selfID,
				InstanceType:     types.RoleDispatcher,
				TasksWaiting:     report.TasksWaiting,
				TasksRunning:     report.TasksRunning,
				WorkerAllocation: report.WorkerAllocation,
			})
			if err != nil {
				log.Errorf("dispatcher: heartbeat to fleet controller failed", err)
				continue
			}
			if roster, ok := reply.(*types.HeartBeat); ok {
				d.OnControllerHeartbeat(roster)
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	nodeManagerCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
	nodeManagerCmd.Flags().String("replay-csv", "", "Path to a Time,Input benchmark CSV to replay as submitted tasks")
}

// worker: runs one Worker.
var workerCmd = &cobra.Command{
	Use:   "worker <fc_ip> <self_instance_id> <account_id> <d_ip>",
	Short: "Run a Worker",
	Long:  `worker runs a Worker process that pulls one task at a time from the Dispatcher and classifies it.`,
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		fcAddr, selfID, accountID, dAddr := args[0], args[1], args[2], args[3]

		log.Info(fmt.Sprintf("starting worker %s, dispatcher=%s, fc=%s", selfID, dAddr, fcAddr))

		store, err := objectstore.New(cfg.StorageBackend, cfg.DataDir, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create object store: %w", err)
		}

		w := worker.New(worker.Config{
			InstanceID:        selfID,
			FCAddr:            fcAddr,
			AccountID:         accountID,
			DispatcherAddr:    dAddr,
			HeartbeatInterval: cfg.WorkerHeartbeatInterval,
			LoggingInterval:   cfg.LoggingInterval,
			Store:             store,
			Classifier:        classifier.NewStub(),
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go http.ListenAndServe("0.0.0.0:9102", mux)

		maybeServePprof(cmd)

		ctx, cancel := context.WithCancel(context.Background())
		go w.Run(ctx)

		waitForShutdown()
		log.Info("shutting down worker")
		w.Stop()
		cancel()
		return nil
	},
}

func init() {
	workerCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}
