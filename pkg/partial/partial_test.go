package partial_test

import (
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/backlog"
	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/partial"
	"github.com/l7mp/deltaview/pkg/row"
)

// partialPair wires a base with a few rows to a partial reader keyed on the
// first column.
func partialPair(g *dataflow.Graph) (*dataflow.Node, *dataflow.Node) {
	base := g.AddNode(&dataflow.Node{
		Name:    "t",
		Kind:    dataflow.Base,
		State:   dataflow.NewKeyedState("t", []int{0}),
		KeyCols: []int{0},
	})
	reader := g.AddNode(&dataflow.Node{
		Name:    "q",
		Kind:    dataflow.Reader,
		Parents: []dataflow.NodeID{base.ID},
		Backlog: backlog.New([]int{0}, true),
		KeyCols: []int{0},
		Partial: true,
		UpRoot:  base.ID,
		UpCols:  []int{0},
	})
	reader.UpPath = []dataflow.NodeID{reader.ID}
	Expect(g.Connect(base.ID, reader.ID)).To(Succeed())

	g.Inject(base, []row.Delta{
		row.Insert(row.Row{int64(1), "a"}),
		row.Insert(row.Row{int64(2), "b"}),
		row.Insert(row.Row{int64(3), "c"}),
	})
	g.Barrier(base.Domain)
	return base, reader
}

var _ = Describe("Partial state manager", func() {
	var g *dataflow.Graph

	BeforeEach(func() {
		g = dataflow.NewGraph(dataflow.Options{Domains: 1, Logger: logr.Discard()})
	})

	AfterEach(func() {
		g.Stop()
	})

	It("should materialize a missing key on demand", func() {
		_, reader := partialPair(g)
		m, err := partial.New(g, 16, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		key := row.EncodeValues([]row.Value{int64(2)})
		Expect(m.Ensure(reader, key)).To(Succeed())

		rows, resident := reader.Backlog.Lookup(key)
		Expect(resident).To(BeTrue())
		Expect(rows).To(Equal([]row.Row{{int64(2), "b"}}))
		Expect(m.Resident()).To(Equal(1))
	})

	It("should serve concurrent misses from one replay", func() {
		_, reader := partialPair(g)
		m, err := partial.New(g, 16, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		key := row.EncodeValues([]row.Value{int64(1)})
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < len(errs); i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = m.Ensure(reader, key)
			}(i)
		}
		wg.Wait()

		for _, e := range errs {
			Expect(e).NotTo(HaveOccurred())
		}
		rows, resident := reader.Backlog.Lookup(key)
		Expect(resident).To(BeTrue())
		Expect(rows).To(HaveLen(1))
	})

	It("should evict the coldest key past the budget", func() {
		base, reader := partialPair(g)
		m, err := partial.New(g, 2, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		k1 := row.EncodeValues([]row.Value{int64(1)})
		k2 := row.EncodeValues([]row.Value{int64(2)})
		k3 := row.EncodeValues([]row.Value{int64(3)})
		Expect(m.Ensure(reader, k1)).To(Succeed())
		Expect(m.Ensure(reader, k2)).To(Succeed())
		Expect(m.Ensure(reader, k3)).To(Succeed())
		g.Barrier(base.Domain)

		Expect(m.Resident()).To(Equal(2))
		_, resident := reader.Backlog.Lookup(k1)
		Expect(resident).To(BeFalse())
		_, resident = reader.Backlog.Lookup(k3)
		Expect(resident).To(BeTrue())
	})

	It("should re-materialize an evicted key correctly", func() {
		base, reader := partialPair(g)
		m, err := partial.New(g, 1, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		k1 := row.EncodeValues([]row.Value{int64(1)})
		k2 := row.EncodeValues([]row.Value{int64(2)})
		Expect(m.Ensure(reader, k1)).To(Succeed())
		Expect(m.Ensure(reader, k2)).To(Succeed())
		g.Barrier(base.Domain)

		// Key 1 was evicted; writes it missed must not be lost on the
		// next replay.
		g.Inject(base, []row.Delta{row.Insert(row.Row{int64(1), "z"})})
		g.Barrier(base.Domain)

		Expect(m.Ensure(reader, k1)).To(Succeed())
		rows, resident := reader.Backlog.Lookup(k1)
		Expect(resident).To(BeTrue())
		Expect(rows).To(ConsistOf(row.Row{int64(1), "a"}, row.Row{int64(1), "z"}))
	})

	It("should not track residency with eviction disabled", func() {
		_, reader := partialPair(g)
		m, err := partial.New(g, 0, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		Expect(m.Ensure(reader, row.EncodeValues([]row.Value{int64(1)}))).To(Succeed())
		Expect(m.Resident()).To(Equal(0))
	})
})
