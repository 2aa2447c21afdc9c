package engine_test

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/engine"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

const voteRecipe = `
CREATE TABLE Article (aid int, title varchar(255), url text, PRIMARY KEY(aid));
CREATE TABLE Vote (aid int, uid int);

VoteCount: SELECT Vote.aid, COUNT(uid) AS votes
           FROM Vote WHERE Vote.aid = ? GROUP BY Vote.aid;
ArticleWithVoteCount: SELECT Article.aid, title, url, votes
                      FROM Article, VoteCount
                      WHERE Article.aid = VoteCount.aid AND Article.aid = ?;
`

func newEngine(opts engine.Options) *engine.Engine {
	opts.Logger = logr.Discard()
	e, err := engine.New(opts)
	Expect(err).NotTo(HaveOccurred())
	return e
}

var _ = Describe("Engine", func() {
	var e *engine.Engine

	BeforeEach(func() {
		e = newEngine(engine.Options{Domains: 2})
		Expect(e.Apply(voteRecipe)).To(Succeed())
	})

	AfterEach(func() {
		e.Close()
	})

	It("should serve the vote scenario end to end", func() {
		Expect(e.Insert("Article", 1, "intro", "http://a/1")).To(Succeed())
		Expect(e.Insert("Article", 2, "outro", "http://a/2")).To(Succeed())
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		Expect(e.Insert("Vote", 1, 101)).To(Succeed())
		Expect(e.Insert("Vote", 2, 100)).To(Succeed())
		e.Sync()

		rows, err := e.Lookup("ArticleWithVoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), "intro", "http://a/1", int64(2)}}))

		rows, err = e.Lookup("ArticleWithVoteCount", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(2), "outro", "http://a/2", int64(1)}}))

		Expect(e.Delete("Vote", 1, 101)).To(Succeed())
		e.Sync()

		rows, err = e.Lookup("ArticleWithVoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), "intro", "http://a/1", int64(1)}}))
	})

	It("should keep counts correct after every write", func() {
		for i := 0; i < 5; i++ {
			Expect(e.Insert("Vote", 7, 100+i)).To(Succeed())
			e.Sync()

			rows, err := e.Lookup("VoteCount", 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(Equal([]row.Row{{int64(7), int64(i + 1)}}))
		}
		for i := 4; i >= 0; i-- {
			Expect(e.Delete("Vote", 7, 100+i)).To(Succeed())
			e.Sync()

			rows, err := e.Lookup("VoteCount", 7)
			Expect(err).NotTo(HaveOccurred())
			if i == 0 {
				Expect(rows).To(BeEmpty())
			} else {
				Expect(rows).To(Equal([]row.Row{{int64(7), int64(i)}}))
			}
		}
	})

	It("should join independently of arrival order", func() {
		// Votes before the article exists.
		Expect(e.Insert("Vote", 3, 100)).To(Succeed())
		e.Sync()

		rows, err := e.Lookup("ArticleWithVoteCount", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(BeEmpty())

		Expect(e.Insert("Article", 3, "late", "http://a/3")).To(Succeed())
		e.Sync()

		rows, err = e.Lookup("ArticleWithVoteCount", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(3), "late", "http://a/3", int64(1)}}))
	})

	It("should answer a cold key from an upquery", func() {
		Expect(e.Insert("Vote", 9, 100)).To(Succeed())
		Expect(e.Insert("Vote", 9, 101)).To(Succeed())
		e.Sync()

		// No read touched aid 9 yet, so the first lookup replays it.
		rows, err := e.Lookup("VoteCount", 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(9), int64(2)}}))

		// Resident from here on: live writes show up without replay.
		Expect(e.Insert("Vote", 9, 102)).To(Succeed())
		e.Sync()
		rows, err = e.Lookup("VoteCount", 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(9), int64(3)}}))
	})

	It("should serve concurrent readers", func() {
		for aid := 1; aid <= 8; aid++ {
			for uid := 0; uid < aid; uid++ {
				Expect(e.Insert("Vote", aid, 100+uid)).To(Succeed())
			}
		}
		e.Sync()

		var wg sync.WaitGroup
		for aid := 1; aid <= 8; aid++ {
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(aid int) {
					defer wg.Done()
					defer GinkgoRecover()
					rows, err := e.Lookup("VoteCount", aid)
					Expect(err).NotTo(HaveOccurred())
					Expect(rows).To(Equal([]row.Row{{int64(aid), int64(aid)}}))
				}(aid)
			}
		}
		wg.Wait()
	})

	It("should survive eviction under a tight residency budget", func() {
		tight := newEngine(engine.Options{Domains: 2, ResidencyBudget: 2})
		defer tight.Close()
		Expect(tight.Apply(voteRecipe)).To(Succeed())

		for aid := 1; aid <= 6; aid++ {
			Expect(tight.Insert("Vote", aid, 100)).To(Succeed())
		}
		tight.Sync()

		// Far more keys than the budget: every lookup must still be
		// correct, re-replaying whatever was evicted.
		for round := 0; round < 3; round++ {
			for aid := 1; aid <= 6; aid++ {
				rows, err := tight.Lookup("VoteCount", aid)
				Expect(err).NotTo(HaveOccurred())
				Expect(rows).To(Equal([]row.Row{{int64(aid), int64(1)}}))
			}
		}
	})

	It("should reject bad writes and reads", func() {
		var unknownTable *engine.UnknownTableError
		err := e.Insert("Nope", 1)
		Expect(errors.As(err, &unknownTable)).To(BeTrue())

		var malformed *engine.MalformedRowError
		err = e.Insert("Article", 1)
		Expect(errors.As(err, &malformed)).To(BeTrue())

		err = e.Insert("Article", 1, struct{}{}, "u")
		Expect(errors.As(err, &malformed)).To(BeTrue())

		var unknownQuery *engine.UnknownQueryError
		_, err = e.Lookup("Nope", 1)
		Expect(errors.As(err, &unknownQuery)).To(BeTrue())

		var arity *recipe.ParameterArityMismatchError
		_, err = e.Lookup("VoteCount", 1, 2)
		Expect(errors.As(err, &arity)).To(BeTrue())
	})

	It("should keep state across an identical recipe", func() {
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		e.Sync()
		Expect(e.Apply(voteRecipe)).To(Succeed())

		rows, err := e.Lookup("VoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), int64(1)}}))
	})

	It("should extend a live engine with a new query", func() {
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		Expect(e.Insert("Vote", 2, 100)).To(Succeed())
		Expect(e.Insert("Vote", 2, 101)).To(Succeed())
		e.Sync()

		Expect(e.Apply(voteRecipe + `
ByUser: SELECT Vote.uid, COUNT(aid) AS n FROM Vote WHERE Vote.uid = ? GROUP BY Vote.uid;
`)).To(Succeed())

		rows, err := e.Lookup("ByUser", 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(100), int64(2)}}))
	})

	It("should report a watermark that advances with applied writes", func() {
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		e.Sync()

		rows, wm, err := e.LookupWithWatermark("VoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), int64(1)}}))
		Expect(wm).To(BeNumerically(">", uint64(0)))

		Expect(e.Insert("Vote", 1, 101)).To(Succeed())
		e.Sync()

		rows, wm2, err := e.LookupWithWatermark("VoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), int64(2)}}))
		Expect(wm2).To(BeNumerically(">", wm))
	})

	It("should keep serving reads and writes across migrations", func() {
		for aid := 1; aid <= 4; aid++ {
			Expect(e.Insert("Vote", aid, 100)).To(Succeed())
		}
		e.Sync()

		extended := voteRecipe + `
ByUser: SELECT Vote.uid, COUNT(aid) AS n FROM Vote WHERE Vote.uid = ? GROUP BY Vote.uid;
`
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			for i := 0; i < 5; i++ {
				Expect(e.Apply(extended)).To(Succeed())
				Expect(e.Apply(voteRecipe)).To(Succeed())
			}
		}()

		// Writes and reads proceed while the migrations run; at most the
		// pause window of the affected domains delays them.
		const writes = 50
		for i := 0; i < writes; i++ {
			Expect(e.Insert("Vote", 5, 200+i)).To(Succeed())

			rows, err := e.Lookup("VoteCount", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(Equal([]row.Row{{int64(1), int64(1)}}))
		}
		<-done

		e.Sync()
		rows, err := e.Lookup("VoteCount", 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(5), int64(writes)}}))
	})

	It("should drop a removed query", func() {
		shrunk := `
CREATE TABLE Article (aid int, title varchar(255), url text, PRIMARY KEY(aid));
CREATE TABLE Vote (aid int, uid int);
VoteCount: SELECT Vote.aid, COUNT(uid) AS votes
           FROM Vote WHERE Vote.aid = ? GROUP BY Vote.aid;
`
		Expect(e.Apply(shrunk)).To(Succeed())

		var unknownQuery *engine.UnknownQueryError
		_, err := e.Lookup("ArticleWithVoteCount", 1)
		Expect(errors.As(err, &unknownQuery)).To(BeTrue())

		st := e.Stats()
		Expect(st.Tables).To(Equal(2))
		Expect(st.Queries).To(Equal(1))
	})

	It("should read a parameterless query in full", func() {
		Expect(e.Apply(voteRecipe + `
AllCounts: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote GROUP BY Vote.aid;
`)).To(Succeed())
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		Expect(e.Insert("Vote", 2, 100)).To(Succeed())
		e.Sync()

		rows, err := e.Lookup("AllCounts")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(ConsistOf(row.Row{int64(1), int64(1)}, row.Row{int64(2), int64(1)}))
	})

	It("should keep the old recipe on a failed apply", func() {
		Expect(e.Insert("Vote", 1, 100)).To(Succeed())
		e.Sync()

		err := e.Apply(`CREATE TABLE Vote (aid int);`)
		Expect(err).To(HaveOccurred())

		// Still on the previous recipe.
		rows, err := e.Lookup("VoteCount", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]row.Row{{int64(1), int64(1)}}))
	})
})
