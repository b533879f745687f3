// ============================================================================
// CurbGrid CLI
// ============================================================================
//
// Command structure:
//   curbgrid                      # Root command
//   ├── run                       # Start the coordination core
//   │   └── --config, -c          # Config file path
//   ├── submit                    # Submit job requests from a JSON file
//   │   ├── --file, -f            # Request definitions
//   │   └── --addr                # HTTP API address of a running core
//   ├── status                    # Show core status
//   │   └── --addr                # HTTP API address of a running core
//   ├── --version
//   └── --help
//
// The run command wires the full system: SQLite store, request registry
// with its checkpoint archive log, controller with snapshot persistence,
// both raw socket transports (checkpoint ingress, notification egress),
// and the HTTP API. It then blocks until SIGINT or SIGTERM and shuts the
// pieces down in reverse order, persisting a final snapshot.
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/curbgrid/curbgrid/internal/controller"
	"github.com/curbgrid/curbgrid/internal/metrics"
	"github.com/curbgrid/curbgrid/internal/registry"
	"github.com/curbgrid/curbgrid/internal/server"
	"github.com/curbgrid/curbgrid/internal/store"
	"github.com/curbgrid/curbgrid/internal/transport"
)

// Config maps the YAML config file.
type Config struct {
	Listen struct {
		Ingress string `yaml:"ingress"`
		Egress  string `yaml:"egress"`
		HTTP    string `yaml:"http"`
	} `yaml:"listen"`

	Snapshot struct {
		Path string `yaml:"path"`
	} `yaml:"snapshot"`

	Archive struct {
		Path string `yaml:"path"`
	} `yaml:"archive"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "curbgrid",
		Short: "CurbGrid: a coordination core for curbside compute",
		Long: `CurbGrid schedules computational jobs onto intermittently available
vehicle compute nodes with:
- Redundant multi-vehicle assignment
- Checkpoint-based recovery on vehicle departure
- Durable snapshots across restarts`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the CurbGrid coordination core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runCore(cfg)
		},
	}
}

func runCore(cfg *Config) error {
	var st store.Store
	if cfg.Store.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()
		st = s
	}

	reg, err := registry.Open(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = prometheus.DefaultGatherer
	}

	ctrl := controller.New(controller.Config{SnapshotPath: cfg.Snapshot.Path}, reg, st, collector)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	ingress := transport.NewIngress(cfg.Listen.Ingress, ctrl)
	if err := ingress.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start checkpoint ingress: %w", err)
	}

	egress := transport.NewEgress(cfg.Listen.Egress, reg)
	if err := egress.Start(); err != nil {
		ingress.Shutdown()
		ctrl.Stop()
		return fmt.Errorf("failed to start notification egress: %w", err)
	}

	api := server.New(ctrl, gatherer)
	httpSrv := &http.Server{Addr: cfg.Listen.HTTP, Handler: api.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	fmt.Printf("CurbGrid core started (http=%s ingress=%s egress=%s)\n",
		cfg.Listen.HTTP, cfg.Listen.Ingress, cfg.Listen.Egress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal, stopping gracefully...")
	case err := <-httpErr:
		fmt.Printf("HTTP server error: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	egress.Shutdown()
	ingress.Shutdown()
	ctrl.Stop()

	fmt.Println("CurbGrid core stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var reqFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit job requests from a JSON file",
		Long:  "Read job request definitions from a JSON file and submit them to a running core over its HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitRequests(reqFile, addr)
		},
	}

	cmd.Flags().StringVarP(&reqFile, "file", "f", "", "JSON file containing job request definitions")
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "HTTP API address of a running core")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitRequests(filePath, addr string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}

	var reqs []struct {
		OwnerID       string    `json:"owner_id"`
		DisplayToken  string    `json:"display_token"`
		DurationHours int       `json:"duration_hours"`
		Redundancy    int       `json:"redundancy"`
		Deadline      time.Time `json:"deadline"`
	}
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("failed to parse request file: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	successCount := 0
	for _, r := range reqs {
		body, _ := json.Marshal(r)
		resp, err := client.Post(addr+"/api/requests/job", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Failed to submit request for %s: %v\n", r.DisplayToken, err)
			continue
		}
		if resp.StatusCode != http.StatusCreated {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			fmt.Printf("Core rejected request for %s: %s\n", r.DisplayToken, string(msg))
			continue
		}
		resp.Body.Close()
		successCount++
	}
	fmt.Printf("Submitted %d/%d job requests to %s\n", successCount, len(reqs), addr)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show core status",
		Long:  "Display queue, pool, and request statistics from a running core.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "HTTP API address of a running core")
	return cmd
}

func showStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/api/status")
	if err != nil {
		return fmt.Errorf("core not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	fmt.Println("CurbGrid Core Status")
	fmt.Println("====================")
	fmt.Printf("  Pending jobs:       %v\n", status["pending_jobs"])
	fmt.Printf("  In-progress jobs:   %v\n", status["in_progress_jobs"])
	fmt.Printf("  Archived jobs:      %v\n", status["archived_jobs"])
	fmt.Printf("  Available vehicles: %v\n", status["available_vehicles"])
	fmt.Printf("  Active vehicles:    %v\n", status["active_vehicles"])
	fmt.Printf("  Pending requests:   %v\n", status["pending_requests"])
	fmt.Printf("  Uptime:             %v\n", status["uptime"])
	return nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Ingress == "" {
		cfg.Listen.Ingress = ":9471"
	}
	if cfg.Listen.Egress == "" {
		cfg.Listen.Egress = ":9472"
	}
	if cfg.Listen.HTTP == "" {
		cfg.Listen.HTTP = ":8080"
	}
	if cfg.Snapshot.Path == "" {
		cfg.Snapshot.Path = "data/snapshot.json"
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "data/checkpoints.log"
	}
}
