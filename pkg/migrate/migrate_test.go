package migrate_test

import (
	"errors"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/graph"
	"github.com/l7mp/deltaview/pkg/migrate"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

const baseRecipe = `
CREATE TABLE Vote (aid int, uid int);
VoteCount: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote GROUP BY Vote.aid;
`

const extendedRecipe = baseRecipe + `
ByUser: SELECT Vote.uid, COUNT(aid) AS n FROM Vote GROUP BY Vote.uid;
`

func parse(text string) *recipe.Recipe {
	rec, err := recipe.Parse(text)
	Expect(err).NotTo(HaveOccurred())
	return rec
}

var _ = Describe("Migration coordinator", func() {
	var (
		g *dataflow.Graph
		b *graph.Builder
		c *migrate.Coordinator
	)

	BeforeEach(func() {
		g = dataflow.NewGraph(dataflow.Options{Domains: 2, Logger: logr.Discard()})
		b = graph.New(g, logr.Discard())
		c = migrate.New(g, b, logr.Discard())
	})

	AfterEach(func() {
		g.Stop()
	})

	syncAll := func() {
		for dom := 0; dom < g.Domains(); dom++ {
			g.Barrier(dom)
		}
	}

	inject := func(table string, deltas ...row.Delta) {
		id, ok := b.Base(table)
		Expect(ok).To(BeTrue())
		n, ok := g.Node(id)
		Expect(ok).To(BeTrue())
		g.Inject(n, deltas)
	}

	readerRows := func(query string, key row.Value) []row.Row {
		id, ok := b.Reader(query)
		Expect(ok).To(BeTrue())
		n, ok := g.Node(id)
		Expect(ok).To(BeTrue())
		rows, _ := n.Backlog.Lookup(row.EncodeValues([]row.Value{key}))
		return rows
	}

	It("should bootstrap an empty graph from a recipe", func() {
		Expect(c.Apply(nil, parse(baseRecipe))).To(Succeed())

		inject("Vote",
			row.Insert(row.Row{int64(1), int64(10)}),
			row.Insert(row.Row{int64(1), int64(11)}),
			row.Insert(row.Row{int64(2), int64(10)}))
		syncAll()

		Expect(readerRows("VoteCount", int64(1))).To(Equal([]row.Row{{int64(1), int64(2)}}))
		Expect(readerRows("VoteCount", int64(2))).To(Equal([]row.Row{{int64(2), int64(1)}}))
	})

	It("should treat an identical recipe as a no-op", func() {
		Expect(c.Apply(nil, parse(baseRecipe))).To(Succeed())
		before := len(g.Nodes())

		Expect(c.Apply(parse(baseRecipe), parse(baseRecipe))).To(Succeed())
		Expect(g.Nodes()).To(HaveLen(before))
	})

	It("should backfill a new query from live state", func() {
		Expect(c.Apply(nil, parse(baseRecipe))).To(Succeed())
		inject("Vote",
			row.Insert(row.Row{int64(1), int64(10)}),
			row.Insert(row.Row{int64(2), int64(10)}),
			row.Insert(row.Row{int64(3), int64(11)}))
		syncAll()

		Expect(c.Apply(parse(baseRecipe), parse(extendedRecipe))).To(Succeed())

		// Rows written before the migration are visible through the new
		// reader without replaying the write stream.
		Expect(readerRows("ByUser", int64(10))).To(Equal([]row.Row{{int64(10), int64(2)}}))
		Expect(readerRows("ByUser", int64(11))).To(Equal([]row.Row{{int64(11), int64(1)}}))

		// And it tracks writes made after the splice.
		inject("Vote", row.Insert(row.Row{int64(4), int64(11)}))
		syncAll()
		Expect(readerRows("ByUser", int64(11))).To(Equal([]row.Row{{int64(11), int64(2)}}))

		// The old reader is untouched.
		Expect(readerRows("VoteCount", int64(1))).To(Equal([]row.Row{{int64(1), int64(1)}}))
	})

	It("should garbage collect a dropped query", func() {
		Expect(c.Apply(nil, parse(extendedRecipe))).To(Succeed())
		inject("Vote", row.Insert(row.Row{int64(1), int64(10)}))
		syncAll()
		before := len(g.Nodes())

		Expect(c.Apply(parse(extendedRecipe), parse(baseRecipe))).To(Succeed())

		_, ok := b.Reader("ByUser")
		Expect(ok).To(BeFalse())
		Expect(len(g.Nodes())).To(BeNumerically("<", before))

		// The surviving query still works.
		inject("Vote", row.Insert(row.Row{int64(1), int64(11)}))
		syncAll()
		Expect(readerRows("VoteCount", int64(1))).To(Equal([]row.Row{{int64(1), int64(2)}}))
	})

	It("should rebuild a changed query in place", func() {
		Expect(c.Apply(nil, parse(baseRecipe))).To(Succeed())
		inject("Vote",
			row.Insert(row.Row{int64(1), int64(10)}),
			row.Insert(row.Row{int64(1), int64(11)}))
		syncAll()
		oldReader, _ := b.Reader("VoteCount")

		changed := `
CREATE TABLE Vote (aid int, uid int);
VoteCount: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote WHERE Vote.uid > 10 GROUP BY Vote.aid;
`
		Expect(c.Apply(parse(baseRecipe), parse(changed))).To(Succeed())

		newReader, ok := b.Reader("VoteCount")
		Expect(ok).To(BeTrue())
		Expect(newReader).NotTo(Equal(oldReader))
		Expect(readerRows("VoteCount", int64(1))).To(Equal([]row.Row{{int64(1), int64(1)}}))
	})

	It("should reject a changed table definition", func() {
		Expect(c.Apply(nil, parse(baseRecipe))).To(Succeed())
		before := len(g.Nodes())

		altered := `
CREATE TABLE Vote (aid int, uid int, ts int);
VoteCount: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote GROUP BY Vote.aid;
`
		err := c.Apply(parse(baseRecipe), parse(altered))
		var tce *migrate.TableChangedError
		Expect(errors.As(err, &tce)).To(BeTrue())
		Expect(tce.Table).To(Equal("Vote"))
		Expect(g.Nodes()).To(HaveLen(before))
	})

	It("should drop a removed table and its consumers", func() {
		full := `
CREATE TABLE Vote (aid int, uid int);
CREATE TABLE Article (aid int, title varchar(255), PRIMARY KEY(aid));
VoteCount: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote GROUP BY Vote.aid;
`
		Expect(c.Apply(nil, parse(full))).To(Succeed())
		_, ok := b.Base("Article")
		Expect(ok).To(BeTrue())

		Expect(c.Apply(parse(full), parse(baseRecipe))).To(Succeed())
		_, ok = b.Base("Article")
		Expect(ok).To(BeFalse())
	})
})
