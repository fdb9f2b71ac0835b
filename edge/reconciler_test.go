package edge

import (
	"context"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns/vcnstest"
)

var _ = Describe("Pool reconciler", func() {
	var (
		ctx     context.Context
		s       *store.MemoryStore
		backend *vcnstest.Backend
		m       *Manager
		targets api.PoolTargets
	)

	BeforeEach(func() {
		ctx = context.Background()
		targets = api.PoolTargets{}
		targets.Set(api.EdgeTypeService, api.SizeLarge, api.PoolTarget{Min: 2, Max: 3})
	})

	JustBeforeEach(func() {
		s = store.NewMemoryStore(nil)
		backend = vcnstest.New()
		m = New(Config{
			Store:      s,
			Backend:    backend,
			Locks:      locking.NewMemoryLocks(),
			Targets:    targets,
			MaxTunnels: 4,
			Rand:       rand.New(rand.NewSource(1)),
		})
		backend.Tasks().AddSink(NewCallbackHandler(ctx, s, backend, m.MaxTunnels()))
	})

	AfterEach(func() {
		m.deletes.Wait()
		backend.Close()
		s.Close()
	})

	poolFillers := func() []*api.RouterBinding {
		var out []*api.RouterBinding
		s.View(func(tx store.ReadTx) {
			bindings, err := store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.BackupPrefix))
			Expect(err).ToNot(HaveOccurred())
			for _, b := range bindings {
				if b.InUse() {
					out = append(out, b)
				}
			}
		})
		return out
	}

	When("the pool is below its minimum", func() {
		It("deploys fillers up to the minimum", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())

			fillers := poolFillers()
			Expect(fillers).To(HaveLen(2))
			for _, f := range fillers {
				Expect(f.Status).To(Equal(api.StatusActive))
				Expect(f.EdgeID).ToNot(BeEmpty())
			}
			Expect(backend.EdgeIDs()).To(HaveLen(2))
		})

		It("names fillers after their backup identity", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())

			for _, f := range poolFillers() {
				st, ok := backend.Edge(f.EdgeID)
				Expect(ok).To(BeTrue())
				Expect(st.Edge.Name).To(Equal(api.TruncateEdgeName(f.ResourceID)))
			}
		})

		It("seeds the vnic grid of every filler", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())

			for _, f := range poolFillers() {
				var slots int
				s.View(func(tx store.ReadTx) {
					bindings, err := store.FindVnicBindings(tx, store.ByEdgeID(f.EdgeID))
					Expect(err).ToNot(HaveOccurred())
					slots = len(bindings)
				})
				Expect(slots).To(Equal((api.MaxVnics - 1) * m.MaxTunnels()))
			}
		})
	})

	When("the pool is inside its band", func() {
		It("changes nothing on a second pass", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())
			before := backend.EdgeIDs()

			Expect(m.ReconcileAll(ctx)).To(Succeed())
			Expect(backend.EdgeIDs()).To(Equal(before))
			Expect(poolFillers()).To(HaveLen(2))
		})
	})

	When("the pool exceeds its maximum", func() {
		JustBeforeEach(func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())
			for _, id := range []string{"backup-extra-one", "backup-extra-two"} {
				Expect(m.createBinding(id, api.EdgeTypeService, api.SizeLarge)).To(Succeed())
				_, err := m.deployEdge(ctx, id, id, api.EdgeTypeService, api.SizeLarge)
				Expect(err).ToNot(HaveOccurred())
			}
		})

		It("trims fillers down to the maximum", func() {
			Expect(poolFillers()).To(HaveLen(4))

			Expect(m.ReconcileAll(ctx)).To(Succeed())
			Expect(poolFillers()).To(HaveLen(3))
			Eventually(func() int {
				return len(backend.EdgeIDs())
			}, "5s", "20ms").Should(Equal(3))
		})
	})

	When("a filler has failed", func() {
		It("purges the wreck and refills the gap", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())
			wreck := poolFillers()[0]
			Expect(s.Update(func(tx store.Tx) error {
				binding := store.GetRouterBinding(tx, wreck.ResourceID)
				binding.Status = api.StatusError
				return store.UpdateRouterBinding(tx, binding)
			})).To(Succeed())

			Expect(m.ReconcileAll(ctx)).To(Succeed())

			fillers := poolFillers()
			Expect(fillers).To(HaveLen(2))
			for _, f := range fillers {
				Expect(f.ResourceID).ToNot(Equal(wreck.ResourceID))
			}
			Eventually(func() bool {
				_, ok := backend.Edge(wreck.EdgeID)
				return ok
			}, "5s", "20ms").Should(BeFalse())
		})
	})

	When("deploys are still in flight", func() {
		It("counts the placeholders against the band", func() {
			backend.SetAutoComplete(false)

			done := make(chan error, 1)
			go func() { done <- m.ReconcileAll(ctx) }()
			Eventually(backend.PendingDeploys, "5s", "20ms").Should(HaveLen(2))

			// A second pass sees the placeholders and starts nothing new.
			Expect(m.ReconcileAll(ctx)).To(Succeed())
			Expect(backend.PendingDeploys()).To(HaveLen(2))

			for _, job := range backend.PendingDeploys() {
				Expect(backend.FinishDeploy(job, nil)).To(Succeed())
			}
			Expect(<-done).ToNot(HaveOccurred())
			Expect(poolFillers()).To(HaveLen(2))
		})
	})

	When("several pools are configured", func() {
		BeforeEach(func() {
			targets.Set(api.EdgeTypeVDR, api.SizeCompact, api.PoolTarget{Min: 1, Max: 1})
		})

		It("fills each pool independently", func() {
			Expect(m.ReconcileAll(ctx)).To(Succeed())
			Expect(poolFillers()).To(HaveLen(3))

			var vdrFillers []*api.RouterBinding
			for _, f := range poolFillers() {
				if f.EdgeType == api.EdgeTypeVDR {
					vdrFillers = append(vdrFillers, f)
				}
			}
			Expect(vdrFillers).To(HaveLen(1))

			// Distributed fillers carry no slot grid.
			var slots int
			s.View(func(tx store.ReadTx) {
				bindings, err := store.FindVnicBindings(tx, store.ByEdgeID(vdrFillers[0].EdgeID))
				Expect(err).ToNot(HaveOccurred())
				slots = len(bindings)
			})
			Expect(slots).To(BeZero())
		})
	})

	Describe("refill loop", func() {
		It("serves refill triggers until stopped", func() {
			runDone := make(chan error, 1)
			go func() { runDone <- m.Run(ctx) }()

			m.TriggerRefill()
			Eventually(poolFillers, "5s", "20ms").Should(HaveLen(2))

			m.Stop()
			Expect(<-runDone).ToNot(HaveOccurred())
		})
	})
})
