// Command nexusd is a deterministic boot simulator for the capability
// IPC core: it constructs a Router, spawns the bootstrap task, seeds
// the well-known control-endpoint slots from spec.md §6, and runs the
// two thin demo services as supervised goroutines. It plays the role
// the original kernel's boot sequence plus service_main_loop play on
// real hardware, minus the scheduler and address-space work this
// rework has no use for (see SPEC_FULL.md).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"

	"github.com/open-nexus-OS/nexus-ipc/internal/bootcfg"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/klog"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/syscall"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/task"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
	"github.com/open-nexus-OS/nexus-ipc/internal/selftest"
	"github.com/open-nexus-OS/nexus-ipc/internal/services/keystore"
	"github.com/open-nexus-OS/nexus-ipc/internal/services/policyd"
	"github.com/open-nexus-OS/nexus-ipc/ipc"
)

func main() {
	root := &cobra.Command{
		Use:   "nexusd",
		Short: "capability IPC core boot simulator",
	}
	root.AddCommand(bootCmd(), selftestCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "boot the kernel router and run the demo services until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootDir, _ := cmd.Flags().GetString("boot-dir")
			policyDir, _ := cmd.Flags().GetString("policy-dir")
			secret, _ := cmd.Flags().GetString("keystore-secret")

			cfg, err := bootcfg.Load(bootDir)
			if err != nil {
				return fmt.Errorf("load boot config: %w", err)
			}

			r := router.New(trace.New(), syscall.NowNanos)
			_ = task.New(r) // seeds the bootstrap task table; S1's spawn path is exercised in selftest, not here
			const bootstrap router.TaskID = 0
			const policyTask router.TaskID = 7001
			const keystoreTask router.TaskID = 7002

			if err := seedServiceSlots(r, bootstrap, policyTask, uint32(cfg.Slots.PolicySend), uint32(cfg.Slots.PolicyRecv), cfg.EndpointDepth); err != nil {
				return fmt.Errorf("seed policyd slots: %w", err)
			}
			if err := seedServiceSlots(r, bootstrap, keystoreTask, uint32(cfg.Slots.KeystoreSend), uint32(cfg.Slots.KeystoreRecv), cfg.EndpointDepth); err != nil {
				return fmt.Errorf("seed keystore slots: %w", err)
			}

			doc, err := policyd.LoadDir(policyDir)
			if err != nil {
				klog.Warn("nexusd: policy dir load failed, starting with an empty policy", "dir", policyDir, "err", err)
				doc, _ = policyd.LoadDir(os.TempDir())
			}
			policySvc := policyd.NewService(doc)
			keystoreSvc := keystore.NewService([]byte(secret))

			if policyDir != "" {
				if w, err := bootcfg.NewWatcher(policyDir, func([]byte) {
					if reloaded, err := policyd.LoadDir(policyDir); err == nil {
						policySvc.Reload(reloaded)
						klog.Info("nexusd: policy reloaded", "dir", policyDir)
					} else {
						klog.Warn("nexusd: policy reload failed", "dir", policyDir, "err", err)
					}
				}); err == nil {
					defer w.Close()
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			g, _ := errgroup.WithContext(ctx)
			policyServer := ipc.NewKernelClient(r, policyTask, int(cfg.Slots.PolicySend), int(cfg.Slots.PolicyRecv), 4096)
			keystoreServer := ipc.NewKernelClient(r, keystoreTask, int(cfg.Slots.KeystoreSend), int(cfg.Slots.KeystoreRecv), 4096)
			g.Go(func() error { return policyd.Serve(policyServer, policySvc) })
			g.Go(func() error { return keystore.Serve(keystoreServer, keystoreSvc) })

			klog.Info("nexusd: booted", "policy_slots", cfg.Slots.PolicySend, "keystore_slots", cfg.Slots.KeystoreSend)
			fmt.Println("nexusd booted, press ctrl-c to stop")

			<-ctx.Done()
			fmt.Println("shutting down...")
			r.EpClose(endpointOf(r, policyTask, int(cfg.Slots.PolicyRecv)))
			r.EpClose(endpointOf(r, keystoreTask, int(cfg.Slots.KeystoreRecv)))
			return g.Wait()
		},
	}
	cmd.Flags().String("boot-dir", ".", "directory containing boot.yaml")
	cmd.Flags().String("policy-dir", "", "directory of *.toml policy rule files")
	cmd.Flags().String("keystore-secret", "nexusd-dev-secret", "HMAC secret for token issuance (dev only)")
	return cmd
}

// seedServiceSlots wires a duplex endpoint pair at the deterministic
// slot handout from spec.md §6: svcTask holds RECV on recvSlot and SEND
// on sendSlot mirroring owner's view, so owner's control-slot caller and
// the service task address the same two endpoints by the same slot
// numbers, each from their own table.
func seedServiceSlots(r *router.Router, owner, svcTask router.TaskID, sendSlot, recvSlot uint32, depth int) error {
	r.NewTask(svcTask)
	toService := r.EpCreate(svcTask, depth)
	fromService := r.EpCreate(owner, depth)
	if err := r.CapSet(owner, int(sendSlot), cap.Capability{Kind: cap.KindEndpoint, EpID: toService, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(svcTask, int(recvSlot), cap.Capability{Kind: cap.KindEndpoint, EpID: toService, Rights: cap.RightRecv}); err != nil {
		return err
	}
	if err := r.CapSet(svcTask, int(sendSlot), cap.Capability{Kind: cap.KindEndpoint, EpID: fromService, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(owner, int(recvSlot), cap.Capability{Kind: cap.KindEndpoint, EpID: fromService, Rights: cap.RightRecv}); err != nil {
		return err
	}
	return nil
}

func endpointOf(r *router.Router, t router.TaskID, slot int) uint32 {
	c, err := r.CapGet(t, slot)
	if err != nil {
		return 0
	}
	return c.EpID
}

func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "run the S1-S6 scenarios from the IPC testable-properties suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios := selftest.All()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCENARIO\tRESULT\tDETAIL")
			failed := 0
			for _, sc := range scenarios {
				if err := sc.Run(); err != nil {
					failed++
					fmt.Fprintf(w, "%s\tFAIL\t%v\n", sc.Name, err)
					continue
				}
				fmt.Fprintf(w, "%s\tPASS\t\n", sc.Name)
			}
			w.Flush()
			if failed > 0 {
				return fmt.Errorf("%d/%d scenarios failed", failed, len(scenarios))
			}
			return nil
		},
	}
}
