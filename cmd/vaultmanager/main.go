// Command vaultmanager runs the vault supervisor (§4.G): it listens on a
// loopback port, authenticates clients, and starts/stops/tracks vault
// child processes on their behalf.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/supervisor"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/vlog"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port         int
		configPath   string
		vaultExePath string
		baseDir      string
	)

	cmd := &cobra.Command{
		Use:   "vaultmanager",
		Short: "run the vault supervisor loopback server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, configPath, vaultExePath, baseDir)
		},
	}

	defaultConfigDir, err := os.UserConfigDir()
	if err != nil {
		defaultConfigDir = "."
	}

	cmd.Flags().IntVar(&port, "vm-port", 0, "loopback port to listen on (0 picks a free port)")
	cmd.Flags().StringVar(&configPath, "config", filepath.Join(defaultConfigDir, "maidsafe-vault-manager", "config"), "path to the supervisor's config file")
	cmd.Flags().StringVar(&vaultExePath, "vault-exe", "vault", "path to the vault executable this supervisor spawns")
	cmd.Flags().StringVar(&baseDir, "base-dir", filepath.Join(defaultConfigDir, "maidsafe-vault-manager", "vaults"), "default parent directory for new vaults' chunkstores")

	return cmd
}

func run(port int, configPath, vaultExePath, baseDir string) error {
	log := vlog.New("vaultmanager")

	if err := supervisor.VaultExeExists(vaultExePath); err != nil {
		return fmt.Errorf("vaultmanager: %w", err)
	}

	sup, err := supervisor.New(supervisor.Options{
		ConfigPath:   configPath,
		VaultExePath: vaultExePath,
		BaseDir:      baseDir,
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("vaultmanager: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("vaultmanager: listen: %w", err)
	}
	log.WithField("port", ln.Addr().(*net.TCPAddr).Port).Info("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		if err := sup.TearDown(); err != nil {
			log.WithError(err).Error("teardown failed")
		}
	}()

	if err := sup.Serve(ln); err != nil {
		return fmt.Errorf("vaultmanager: serve: %w", err)
	}
	return nil
}
