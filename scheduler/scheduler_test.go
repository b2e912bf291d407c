package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"go.rbx.dev/rbx/model"
)

func TestPairs(t *testing.T) {
	Convey("Pairs builds the Cartesian product, skipping invalid testcases", t, func() {
		sols := []*model.Solution{{ID: "a"}, {ID: "b"}}
		tcs := []model.Testcase{
			{Group: "s", Index: 0},
			{Group: "s", Index: 1, Origin: model.Origin{Generated: &model.GeneratedOrigin{ValidatorVerdict: model.ValidatorInvalid}}},
		}

		pairs := Pairs(sols, tcs)
		So(pairs, ShouldHaveLength, 2)
		for _, p := range pairs {
			So(p.Testcase.Invalid(), ShouldBeFalse)
		}
	})
}

func TestRunAll(t *testing.T) {
	Convey("With a pool of solutions and testcases", t, func() {
		sols := []*model.Solution{{ID: "sol1"}, {ID: "sol2"}, {ID: "sol3"}}
		tcs := []model.Testcase{{Group: "s", Index: 0}, {Group: "s", Index: 1}}
		pairs := Pairs(sols, tcs)
		So(pairs, ShouldHaveLength, 6)

		Convey("every pair is evaluated exactly once", func() {
			var count int32
			eval := func(ctx context.Context, pair Pair) (*model.EvaluationRecord, error) {
				atomic.AddInt32(&count, 1)
				return &model.EvaluationRecord{SolutionID: pair.Solution.ID, TestcaseID: pair.Testcase.ID(), Verdict: model.VerdictAC}, nil
			}

			results, stop, err := RunAll(context.Background(), pairs, 2, eval)
			So(err, ShouldBeNil)

			seen := map[string]bool{}
			for record := range results {
				key := record.SolutionID + "/" + record.TestcaseID
				So(seen[key], ShouldBeFalse)
				seen[key] = true
			}
			stop()
			So(len(seen), ShouldEqual, 6)
			So(atomic.LoadInt32(&count), ShouldEqual, 6)
		})

		Convey("a pair reported as a verdict instead of an error doesn't affect the rest of the matrix", func() {
			// Mirrors how engine.Evaluate converts a per-pair Tool/Sandbox
			// failure into an IE record instead of a returned error: RunAll
			// itself only ever aborts the batch on an actual error return.
			eval := func(ctx context.Context, pair Pair) (*model.EvaluationRecord, error) {
				verdict := model.VerdictAC
				if pair.Solution.ID == "sol2" {
					verdict = model.VerdictIE
				}
				return &model.EvaluationRecord{SolutionID: pair.Solution.ID, TestcaseID: pair.Testcase.ID(), Verdict: verdict}, nil
			}

			results, stop, err := RunAll(context.Background(), pairs, 2, eval)
			So(err, ShouldBeNil)

			seen := map[string]model.Verdict{}
			for record := range results {
				seen[record.SolutionID+"/"+record.TestcaseID] = record.Verdict
			}
			stop()

			So(seen, ShouldHaveLength, 6)
			for key, verdict := range seen {
				if key[:4] == "sol2" {
					So(verdict, ShouldEqual, model.VerdictIE)
				} else {
					So(verdict, ShouldEqual, model.VerdictAC)
				}
			}
		})

		Convey("cancelling the context stops the stream early", func() {
			started := make(chan struct{}, len(pairs))
			eval := func(ctx context.Context, pair Pair) (*model.EvaluationRecord, error) {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}

			ctx, cancel := context.WithCancel(context.Background())
			results, stop, err := RunAll(ctx, pairs, 6, eval)
			So(err, ShouldBeNil)

			<-started
			cancel()

			drained := 0
			timeout := time.After(2 * time.Second)
		drain:
			for {
				select {
				case _, ok := <-results:
					if !ok {
						break drain
					}
					drained++
				case <-timeout:
					t.Fatal("timed out waiting for results channel to close after cancellation")
				}
			}
			stop()
			So(drained, ShouldBeLessThan, 6)
		})
	})
}
