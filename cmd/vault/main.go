// Command vault is the per-vault process body (§4.H): on startup it dials
// the supervisor that spawned it over loopback, receives its identity and
// chunkstore location, brings up its local storage pipeline, and reports
// itself joined to the network.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bufstore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/bytestore"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/caa"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/scheduler"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/vaultctl"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/codec/cborcanon"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/credential"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/vlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var (
		vmPort int
		label  string
	)

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "run a single vault process under a vault manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(vmPort, label)
		},
	}
	cmd.Flags().IntVar(&vmPort, "vm-port", 0, "loopback port of the vault manager that spawned this process")
	cmd.Flags().StringVar(&label, "vault-label", "", "this vault's configured label")
	if err := cmd.MarkFlagRequired("vm-port"); err != nil {
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// identityPayload is the plaintext shape the supervisor AES-CBC-encrypts
// into each VaultInfo.PmidCipher and hands back over VaultStartedResponse;
// must match internal/supervisor's anonymous encode of the same pair.
type identityPayload struct {
	PMID   *credential.PMID
	ANPMID *credential.ANPMID
}

func run(vmPort int, label string) error {
	log := vlog.New("vault")
	if label != "" {
		log = log.WithField("label", label)
	}

	ctrl := vaultctl.New(log)
	stopped := make(chan struct{})
	stopOnce := func() {
		close(stopped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, vmPort, stopOnce); err != nil {
		return fmt.Errorf("vault: connect to vault manager: %w", err)
	}
	defer ctrl.Close()

	identity, err := ctrl.Identity()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	var payload identityPayload
	if err := cborcanon.Unmarshal(identity.EncryptedPmid, &payload); err != nil {
		return fmt.Errorf("vault: decode identity: %w", err)
	}
	if !payload.PMID.Valid() {
		return fmt.Errorf("vault: received PMID does not validate against its ANPMID signer")
	}

	sched, err := newScheduler(identity.ChunkstorePath, identity.MaxDiskUsage, log)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	if err := ctrl.JoinedNetwork(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	log.Info("joined network")

	<-stopped
	sched.LogStats()
	log.Info("shut down")
	return nil
}

// newScheduler brings up the local storage pipeline under chunkstorePath:
// a permanent file store behind a bounded memory cache (the local side)
// fronting a CAA-guarded file store standing in for the network side,
// coordinated through a filesystem lock directory, matching the layout
// internal/localmanager and internal/scheduler expect.
func newScheduler(chunkstorePath string, maxDiskUsage uint64, log *logrus.Entry) (*scheduler.Scheduler, error) {
	if chunkstorePath == "" {
		return nil, fmt.Errorf("no chunkstore path supplied by vault manager")
	}
	localDir := filepath.Join(chunkstorePath, "local")
	networkDir := filepath.Join(chunkstorePath, "network")
	lockDir := filepath.Join(chunkstorePath, "locks")
	for _, dir := range []string{localDir, networkDir, lockDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	permStore, err := bytestore.NewFileStore(localDir, constants.DefaultDirDepth, maxDiskUsage)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	cached := bufstore.New(maxDiskUsage/4, bytestore.NewThreadsafeStore(permStore), log)

	networkStore, err := bytestore.NewFileStore(networkDir, constants.DefaultDirDepth, maxDiskUsage)
	if err != nil {
		return nil, fmt.Errorf("open network store: %w", err)
	}
	authority := caa.New(networkStore, log)

	sched, err := scheduler.New(cached, authority, lockDir, 0*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	return sched, nil
}
