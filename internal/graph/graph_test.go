package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/model"
)

// newProject builds a project from (name, deps...) tuples in declaration order.
func newProject(services ...[]string) *model.Project {
	p := &model.Project{Name: "test", Services: map[string]*model.Service{}}
	for _, s := range services {
		svc := &model.Service{Name: s[0], Image: "busybox", DependsOn: map[string]model.DependencyCondition{}}
		for _, dep := range s[1:] {
			svc.DependsOn[dep] = model.ConditionStarted
		}
		p.Services[s[0]] = svc
		p.ServiceOrder = append(p.ServiceOrder, s[0])
	}
	return p
}

func TestBuild_StartupOrder(t *testing.T) {
	tests := []struct {
		name     string
		project  *model.Project
		expected []string
	}{
		{
			name:     "independent services keep declaration order",
			project:  newProject([]string{"c"}, []string{"a"}, []string{"b"}),
			expected: []string{"c", "a", "b"},
		},
		{
			name:     "dependency first",
			project:  newProject([]string{"web", "db"}, []string{"db"}, []string{"cache"}),
			expected: []string{"db", "web", "cache"},
		},
		{
			name: "diamond",
			project: newProject(
				[]string{"app", "api", "worker"},
				[]string{"api", "db"},
				[]string{"worker", "db", "queue"},
				[]string{"queue"},
				[]string{"db"},
			),
			expected: []string{"queue", "db", "api", "worker", "app"},
		},
		{
			name: "released service is ordered by declaration among ready ones",
			project: newProject(
				[]string{"z", "y"},
				[]string{"a"},
				[]string{"y"},
			),
			expected: []string{"a", "y", "z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.project)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.expected, g.StartupOrder()); diff != "" {
				t.Errorf("startup order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestBuild_Deterministic builds the same project many times and checks
// every order is identical and respects all edges.
func TestBuild_Deterministic(t *testing.T) {
	var specs [][]string
	for i := 0; i < 30; i++ {
		s := []string{fmt.Sprintf("svc%02d", i)}
		if i >= 3 {
			s = append(s, fmt.Sprintf("svc%02d", i%3), fmt.Sprintf("svc%02d", i/2))
		}
		specs = append(specs, s)
	}
	p := newProject(specs...)

	first, err := Build(p)
	require.NoError(t, err)
	order := first.StartupOrder()
	require.Len(t, order, 30)

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	for _, name := range p.ServiceOrder {
		for _, dep := range p.Services[name].Dependencies() {
			if dep == name {
				continue
			}
			assert.Less(t, pos[dep], pos[name], "%s must start after %s", name, dep)
		}
	}

	for i := 0; i < 20; i++ {
		g, err := Build(p)
		require.NoError(t, err)
		assert.Equal(t, order, g.StartupOrder())
	}
}

func TestTeardownOrder_IsExactReverse(t *testing.T) {
	g, err := Build(newProject([]string{"web", "db", "cache"}, []string{"db"}, []string{"cache"}, []string{"mail"}))
	require.NoError(t, err)

	startup := g.StartupOrder()
	teardown := g.TeardownOrder()
	require.Len(t, teardown, len(startup))
	for i := range startup {
		assert.Equal(t, startup[i], teardown[len(teardown)-1-i])
	}
}

func TestBuild_Cycles(t *testing.T) {
	tests := []struct {
		name     string
		project  *model.Project
		expected []string
	}{
		{
			name:     "two services",
			project:  newProject([]string{"a", "b"}, []string{"b", "a"}),
			expected: []string{"a", "b", "a"},
		},
		{
			name:     "self loop",
			project:  newProject([]string{"ok"}, []string{"loop", "loop"}),
			expected: []string{"loop", "loop"},
		},
		{
			name: "minimal cycle wins over longer one",
			project: newProject(
				[]string{"a", "b"},
				[]string{"b", "c"},
				[]string{"c", "a", "d"},
				[]string{"d", "c"},
			),
			expected: []string{"c", "d", "c"},
		},
		{
			name: "cycle behind an acyclic prefix",
			project: newProject(
				[]string{"base"},
				[]string{"x", "base", "z"},
				[]string{"y", "x"},
				[]string{"z", "y"},
			),
			expected: []string{"x", "z", "y", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.project)
			require.Error(t, err)

			var cycle *model.CyclicDependencyError
			require.True(t, errors.As(err, &cycle))
			assert.Equal(t, tt.expected, cycle.Cycle)
			assertCycleExists(t, tt.project, cycle.Cycle)
		})
	}
}

// assertCycleExists checks every consecutive pair of the reported cycle is
// a real dependency edge.
func assertCycleExists(t *testing.T, p *model.Project, cycle []string) {
	t.Helper()
	require.GreaterOrEqual(t, len(cycle), 2)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	for i := 0; i+1 < len(cycle); i++ {
		_, ok := p.Services[cycle[i]].DependsOn[cycle[i+1]]
		assert.True(t, ok, "%s does not depend on %s", cycle[i], cycle[i+1])
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(newProject([]string{"web", "ghost"}))
	var structural *model.StructuralError
	require.True(t, errors.As(err, &structural))
	assert.Equal(t, "services.web.depends_on.ghost", structural.Path)
}

func TestDependenciesAndDependents(t *testing.T) {
	g, err := Build(newProject([]string{"db"}, []string{"web", "db", "cache"}, []string{"cache"}, []string{"worker", "db"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "cache"}, g.Dependencies("web"))
	assert.Equal(t, []string{"web", "worker"}, g.Dependents("db"))
	assert.Empty(t, g.Dependents("web"))
	assert.Equal(t, []string{"db", "web", "cache", "worker"}, g.Services())
}
