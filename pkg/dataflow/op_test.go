package dataflow_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/plan"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// netOf folds output deltas into a Z-set, canceling retractions.
func netOf(batches ...[]row.Delta) *row.ZSet {
	z := row.NewZSet()
	for _, deltas := range batches {
		for _, d := range deltas {
			z.AddDelta(d)
		}
	}
	return z
}

var _ = Describe("Filter operator", func() {
	It("should pass matching deltas with their sign", func() {
		op := dataflow.NewFilterOp([]dataflow.FilterPred{
			{Col: 1, Op: recipe.CmpGt, Value: int64(10)},
		})

		out, err := op.Apply(0, []row.Delta{
			row.Insert(row.Row{int64(1), int64(20)}),
			row.Insert(row.Row{int64(2), int64(5)}),
			row.Retract(row.Row{int64(3), int64(30)}),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(2))
		Expect(out[0].Sign).To(Equal(1))
		Expect(out[1].Sign).To(Equal(-1))
	})

	It("should compare numerically across int and float", func() {
		op := dataflow.NewFilterOp([]dataflow.FilterPred{
			{Col: 0, Op: recipe.CmpLe, Value: 2.5},
		})
		out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(2)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
	})
})

var _ = Describe("Project operator", func() {
	It("should remap columns in output order", func() {
		op := dataflow.NewProjectOp([]int{2, 0})
		out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{"a", "b", "c"})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out[0].Row).To(Equal(row.Row{"c", "a"}))
	})
})

var _ = Describe("Join operator", func() {
	const left, right = dataflow.NodeID(1), dataflow.NodeID(2)

	var op dataflow.Operator

	BeforeEach(func() {
		op = dataflow.NewJoinOp("j", left, right, []int{0}, []int{0}, 2)
	})

	It("should emit one output per match, left row first", func() {
		_, err := op.Apply(left, []row.Delta{row.Insert(row.Row{int64(1), "l"})})
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Apply(right, []row.Delta{row.Insert(row.Row{int64(1), "r"})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row).To(Equal(row.Row{int64(1), "l", int64(1), "r"}))
	})

	It("should produce the same net output regardless of arrival order", func() {
		leftRows := []row.Delta{
			row.Insert(row.Row{int64(1), "l1"}),
			row.Insert(row.Row{int64(1), "l2"}),
			row.Insert(row.Row{int64(2), "l3"}),
		}
		rightRows := []row.Delta{
			row.Insert(row.Row{int64(1), "r1"}),
			row.Insert(row.Row{int64(2), "r2"}),
		}

		a := dataflow.NewJoinOp("a", left, right, []int{0}, []int{0}, 2)
		out1, err := a.Apply(left, leftRows)
		Expect(err).NotTo(HaveOccurred())
		out2, err := a.Apply(right, rightRows)
		Expect(err).NotTo(HaveOccurred())

		b := dataflow.NewJoinOp("b", left, right, []int{0}, []int{0}, 2)
		out3, err := b.Apply(right, rightRows)
		Expect(err).NotTo(HaveOccurred())
		out4, err := b.Apply(left, leftRows)
		Expect(err).NotTo(HaveOccurred())

		za := netOf(out1, out2)
		zb := netOf(out3, out4)
		Expect(za.Size()).To(Equal(3))
		zb.Subtract(za)
		Expect(zb.IsZero()).To(BeTrue())
	})

	It("should retract join outputs when one side retracts", func() {
		_, err := op.Apply(left, []row.Delta{row.Insert(row.Row{int64(1), "l"})})
		Expect(err).NotTo(HaveOccurred())
		_, err = op.Apply(right, []row.Delta{row.Insert(row.Row{int64(1), "r"})})
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Apply(left, []row.Delta{row.Retract(row.Row{int64(1), "l"})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].Sign).To(Equal(-1))
	})

	It("should not join a batch against itself", func() {
		out, err := op.Apply(left, []row.Delta{
			row.Insert(row.Row{int64(1), "l1"}),
			row.Insert(row.Row{int64(1), "l2"}),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
	})

	It("should reject deltas from an unknown parent", func() {
		_, err := op.Apply(99, []row.Delta{row.Insert(row.Row{int64(1), "x"})})
		var corr *dataflow.StateCorruptionError
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(corr))
	})
})

var _ = Describe("Aggregate operator", func() {
	countSpec := []plan.AggSpec{{Fn: recipe.AggCount, Col: 1, Name: "n"}}

	It("should emit a plain insertion for a new group", func() {
		op := dataflow.NewAggregateOp("a", []int{0}, countSpec, false)
		out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(100)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row).To(Equal(row.Row{int64(1), int64(1)}))
	})

	It("should emit retract-old then insert-new on change", func() {
		op := dataflow.NewAggregateOp("a", []int{0}, countSpec, false)
		_, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(100)})})
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(101)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]row.Delta{
			row.Retract(row.Row{int64(1), int64(1)}),
			row.Insert(row.Row{int64(1), int64(2)}),
		}))
	})

	It("should delete the group when it empties", func() {
		op := dataflow.NewAggregateOp("a", []int{0}, countSpec, false)
		_, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(100)})})
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Apply(0, []row.Delta{row.Retract(row.Row{int64(1), int64(100)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]row.Delta{
			row.Retract(row.Row{int64(1), int64(1)}),
		}))
	})

	It("should sum with sign and skip NULLs", func() {
		op := dataflow.NewAggregateOp("a", []int{0},
			[]plan.AggSpec{{Fn: recipe.AggSum, Col: 1, Name: "total"}}, false)

		_, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(10)})})
		Expect(err).NotTo(HaveOccurred())
		out, err := op.Apply(0, []row.Delta{
			row.Insert(row.Row{int64(1), int64(5)}),
			row.Insert(row.Row{int64(1), nil}),
			row.Retract(row.Row{int64(1), int64(10)}),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out[len(out)-1].Row).To(Equal(row.Row{int64(1), int64(5)}))
	})

	It("should recompute MIN from the remaining members on retraction", func() {
		op := dataflow.NewAggregateOp("a", []int{0},
			[]plan.AggSpec{{Fn: recipe.AggMin, Col: 1, Name: "lo"}}, false)

		_, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(5)})})
		Expect(err).NotTo(HaveOccurred())
		out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(3)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out[1].Row).To(Equal(row.Row{int64(1), int64(3)}))

		out, err = op.Apply(0, []row.Delta{row.Retract(row.Row{int64(1), int64(3)})})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]row.Delta{
			row.Retract(row.Row{int64(1), int64(3)}),
			row.Insert(row.Row{int64(1), int64(5)}),
		}))
	})

	It("should reject retracting from an unknown group", func() {
		op := dataflow.NewAggregateOp("a", []int{0}, countSpec, false)
		_, err := op.Apply(0, []row.Delta{row.Retract(row.Row{int64(1), int64(100)})})
		var corr *dataflow.StateCorruptionError
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(corr))
	})

	Context("lazily materialized", func() {
		It("should skip deltas for non-resident groups", func() {
			op := dataflow.NewAggregateOp("a", []int{0}, countSpec, true)
			out, err := op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(100)})})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeEmpty())
		})

		It("should make replayed groups resident", func() {
			op := dataflow.NewAggregateOp("a", []int{0}, countSpec, true)
			out, err := op.Replay([]row.Delta{
				row.Insert(row.Row{int64(1), int64(100)}),
				row.Insert(row.Row{int64(1), int64(101)}),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]row.Delta{
				row.Insert(row.Row{int64(1), int64(2)}),
			}))

			// Once resident, live deltas fold in.
			out, err = op.Apply(0, []row.Delta{row.Insert(row.Row{int64(1), int64(102)})})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]row.Delta{
				row.Retract(row.Row{int64(1), int64(2)}),
				row.Insert(row.Row{int64(1), int64(3)}),
			}))
		})
	})
})

var _ = Describe("Keyed state", func() {
	It("should backfill new indexes from the primary", func() {
		s := dataflow.NewKeyedState("t", []int{0})
		Expect(s.Apply([]row.Delta{
			row.Insert(row.Row{int64(1), "a"}),
			row.Insert(row.Row{int64(2), "a"}),
		})).To(Succeed())

		s.AddIndex([]int{1})
		rows, err := s.Lookup([]int{1}, row.EncodeValues([]row.Value{"a"}))
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(2))
	})

	It("should reject retracting an absent row", func() {
		s := dataflow.NewKeyedState("t", []int{0})
		err := s.Apply([]row.Delta{row.Retract(row.Row{int64(1), "ghost"})})
		var corr *dataflow.StateCorruptionError
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(corr))
	})

	It("should reject lookups on unregistered indexes", func() {
		s := dataflow.NewKeyedState("t", []int{0})
		_, err := s.Lookup([]int{1}, "x")
		Expect(err).To(HaveOccurred())
	})
})
