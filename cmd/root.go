package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/config"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "ai-engine",
	Short: "AI Engine deployment synchronizer",
	Long:  "AI Engine keeps a consistent view of model deployment lifecycles, tracking progress over a push channel with a polling fallback and exposing it to observers.",
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile == "" {
		zap.S().Error("No config file specified")
		os.Exit(1)
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	viper.SetDefault("engine.heartbeat_interval", "30s")
	viper.SetDefault("engine.poll_interval", "2s")
	viper.SetDefault("engine.reconnect_base_delay", "1s")
	viper.SetDefault("engine.reconnect_max_delay", "30s")
	viper.SetDefault("engine.reconnect_max_attempts", 5)
	viper.SetDefault("engine.health_interval", "30s")
	viper.SetDefault("engine.max_deploy_retries", 3)
	viper.SetDefault("engine.request_timeout", "15s")
	viper.SetDefault("engine.db_path", "deployments.db")

	if err := viper.ReadInConfig(); err != nil {
		zap.S().Fatalf("Error reading config file: %v", err)
	}

	if err := config.Load(); err != nil {
		zap.S().Fatalf("Error loading config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(e.Name)
	})
}

func handleConfigChange(filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	zap.S().Info("Config reloaded successfully")
}
