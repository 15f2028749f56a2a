package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// deployCase describes one generated deploy attempt.
type deployCase struct {
	Name       string
	WithEntry  bool
	Traversal  bool
	StartFails bool
	DaemonDown bool
	ExtraFiles int
}

// oneIn yields true with probability 1/n.
func oneIn(n int) gopter.Gen {
	return gen.IntRange(1, n).Map(func(i int) bool { return i == 1 })
}

func genDeployCase() gopter.Gen {
	return gopter.CombineGens(
		gen.RegexMatch(`^[a-z][a-z0-9]{0,20}$`),
		gen.Bool(),
		oneIn(5),
		oneIn(4),
		oneIn(6),
		gen.IntRange(0, 5),
	).Map(func(v []interface{}) deployCase {
		return deployCase{
			Name:       v[0].(string),
			WithEntry:  v[1].(bool),
			Traversal:  v[2].(bool),
			StartFails: v[3].(bool),
			DaemonDown: v[4].(bool),
			ExtraFiles: v[5].(int),
		}
	})
}

// TestDeployIsAllOrNothing checks that a deploy either yields a registered,
// running workload whose directory holds the entry point, or leaves no
// registry entry, no directory and no daemon process.
func TestDeployIsAllOrNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("deploy succeeds completely or leaves nothing behind", prop.ForAll(
		func(c deployCase) bool {
			e := newTestEnv(t)

			files := map[string]string{}
			if c.WithEntry {
				files["main.py"] = "print('hi')"
			}
			for i := 0; i < c.ExtraFiles; i++ {
				files[fmt.Sprintf("pkg/mod%d.py", i)] = "x = 1"
			}
			if c.Traversal {
				files["../escape.py"] = "bad"
			}
			if len(files) == 0 {
				files["README"] = "empty"
			}
			if c.StartFails {
				e.fake.StartErr = errors.New("spawn python3 ENOENT")
			}
			if c.DaemonDown {
				e.fake.DialErr = errors.New("connect ECONNREFUSED")
			}

			_, err := e.orch.Deploy(context.Background(), pythonRequest(t, c.Name, files))
			dir := filepath.Join(e.projects, c.Name)

			if err == nil {
				_, statErr := os.Stat(filepath.Join(dir, "main.py"))
				return statErr == nil && e.registry.Has(c.Name) && e.fake.Has(c.Name) &&
					c.WithEntry && !c.Traversal && !c.StartFails && !c.DaemonDown
			}

			_, statErr := os.Stat(dir)
			_, escaped := os.Stat(filepath.Join(e.projects, "escape.py"))
			return os.IsNotExist(statErr) && escaped != nil &&
				!e.registry.Has(c.Name) && !e.fake.Has(c.Name) && KindOf(err) != ""
		},
		genDeployCase(),
	))

	properties.TestingRun(t)
}
