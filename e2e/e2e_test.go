package e2e

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
)

// Each scenario boots its own in-process stack, so scenarios stay serial
// only to keep failure output readable.
var opts = godog.Options{
	Output:      colors.Colored(os.Stdout),
	Format:      "progress",
	Paths:       []string{"features"},
	Strict:      true,
	Concurrency: 1,
}

func init() {
	godog.BindCommandLineFlags("godog.", &opts)
}

func TestFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping feature tests in short mode")
	}
	flag.Parse()
	opts.TestingT = t

	status := godog.TestSuite{
		Name:                "beacon",
		ScenarioInitializer: InitializeScenario,
		Options:             &opts,
	}.Run()
	if status != 0 {
		t.Fatalf("feature run exited with status %d", status)
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := NewTestContext()

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		// Steps are bound to tc, so reset it in place.
		*tc = *NewTestContext()
		return ctx, nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if err != nil && tc.LastResponse != nil {
			fmt.Printf("scenario %q failed; last response %d: %s\n",
				s.Name, tc.LastResponse.StatusCode, tc.LastResponseBody)
		}
		tc.Stop()
		return ctx, nil
	})

	RegisterSteps(sc, tc)
}
