/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l7mp/deltaview/internal/buildinfo"
	"github.com/l7mp/deltaview/pkg/engine"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

// voteRecipe is the classic article/vote demo: a per-article vote counter
// maintained incrementally, joined back onto the article metadata.
const voteRecipe = `
CREATE TABLE Article (aid int, title varchar(255), url text, PRIMARY KEY(aid));
CREATE TABLE Vote (aid int, uid int);

VoteCount: SELECT Vote.aid, COUNT(uid) AS votes
           FROM Vote WHERE Vote.aid = ? GROUP BY Vote.aid;
ArticleWithVoteCount: SELECT Article.aid, title, url, votes
                      FROM Article, VoteCount
                      WHERE Article.aid = VoteCount.aid AND Article.aid = ?;
`

func main() {
	var (
		recipeFile string
		domains    int
		budget     int
		verbosity  int
	)
	flag.StringVar(&recipeFile, "recipe", "", "Recipe file to load instead of the built-in demo recipe.")
	flag.IntVar(&domains, "domains", 2, "Number of dataflow execution domains.")
	flag.IntVar(&budget, "residency-budget", 0, "Resident key budget across partial readers, 0 for unlimited.")
	flag.IntVar(&verbosity, "v", 0, "Log verbosity.")
	flag.Parse()

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zl, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot set up logging:", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zl).WithName("deltaview")

	info := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	logger.Info(fmt.Sprintf("starting deltaview %s", info.String()))

	text := voteRecipe
	if recipeFile != "" {
		raw, err := os.ReadFile(recipeFile)
		if err != nil {
			logger.Error(err, "cannot read recipe", "file", recipeFile)
			os.Exit(1)
		}
		text = string(raw)
	}

	e, err := engine.New(engine.Options{
		Domains:         domains,
		ResidencyBudget: budget,
		Logger:          logger,
	})
	if err != nil {
		logger.Error(err, "cannot start engine")
		os.Exit(1)
	}
	defer e.Close()

	if err := e.Apply(text); err != nil {
		logger.Error(err, "cannot install recipe")
		os.Exit(1)
	}

	if recipeFile != "" {
		// Custom recipe: nothing to demo, report the graph and exit.
		st := e.Stats()
		logger.Info("recipe installed", "tables", st.Tables, "queries", st.Queries, "nodes", st.Graph.Nodes)
		return
	}

	must := func(err error) {
		if err != nil {
			logger.Error(err, "demo step failed")
			os.Exit(1)
		}
	}

	must(e.Insert("Article", 1, "Hello world", "http://example.com/articles/1"))
	must(e.Insert("Article", 2, "Incremental view maintenance", "http://example.com/articles/2"))
	must(e.Insert("Vote", 1, 100))
	must(e.Insert("Vote", 1, 101))
	must(e.Insert("Vote", 2, 100))
	e.Sync()

	for _, aid := range []int{1, 2} {
		rows, err := e.Lookup("ArticleWithVoteCount", aid)
		must(err)
		for _, r := range rows {
			fmt.Printf("article %v: %q (%s) has %v vote(s)\n", r[0], r[1], r[2], r[3])
		}
	}

	// Retractions propagate the same way as insertions.
	must(e.Delete("Vote", 1, 101))
	e.Sync()
	rows, err := e.Lookup("VoteCount", 1)
	must(err)
	for _, r := range rows {
		fmt.Printf("article %v now has %v vote(s)\n", r[0], r[1])
	}

	st := e.Stats()
	logger.Info("done", "nodes", st.Graph.Nodes, "batches", st.Graph.Batches)
}
