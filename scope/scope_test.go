package scope

import (
	"testing"
	"time"

	"github.com/gammadia/cumulus/activity"
	"github.com/gammadia/cumulus/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnv struct {
	nodes  map[string]string
	phases map[string]activity.Phase
	runs   map[string]bool
	now    time.Time
}

func (e *fakeEnv) LocalNode(name string) (string, bool) {
	fingerprint, ok := e.nodes[name]
	return fingerprint, ok
}

func (e *fakeEnv) ActivityPhase(fingerprint string) (activity.Phase, bool) {
	phase, ok := e.phases[fingerprint]
	return phase, ok
}

func (e *fakeEnv) RunActive(project string, number int) bool {
	return e.runs[Run{Project: project, Number: number}.Specifier()]
}

func (e *fakeEnv) Now() time.Time { return e.now }

func newEnv() *fakeEnv {
	return &fakeEnv{
		nodes:  map[string]string{},
		phases: map[string]activity.Phase{},
		runs:   map[string]bool{},
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local),
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		tag      string
		expected Scope
	}{
		{"unlimited", Unlimited{}},
		{"unlimited:unlimited", Unlimited{}},
		{"unlimited:forever", Unlimited{}},
		{"node:build-ant", Node{Name: "build-ant"}},
		{"node:build-ant:abc", Node{Name: "build-ant", Fingerprint: "abc"}},
		{"run:folder/project:42", Run{Project: "folder/project", Number: 42}},
		{"run:a:b:7", Run{Project: "a:b", Number: 7}},
		{"time:2024-03-01 13:30:00", Time{Deadline: time.Date(2024, 3, 1, 13, 30, 0, 0, time.Local)}},
	}

	for _, test := range tests {
		t.Run(test.tag, func(t *testing.T) {
			parsed, err := Parse(test.tag)
			require.NoError(t, err)
			assert.Equal(t, test.expected.String(), parsed.String())
			assert.Equal(t, test.expected.Kind(), parsed.Kind())
		})
	}
}

func TestParseFailures(t *testing.T) {
	for _, tag := range []string{"", "node", "node:", "run:project", "run:project:x", "time:tomorrow", "lease:1", "unlimitedfoo", "unlimited-ish:1"} {
		_, err := Parse(tag)
		assert.ErrorIs(t, err, ErrAmbiguous, tag)
	}
}

func TestFromServerWithoutTag(t *testing.T) {
	parsed, err := FromServer(&cloud.Server{Metadata: map[string]string{}})

	require.NoError(t, err)
	assert.Equal(t, KindUnlimited, parsed.Kind())
}

func TestNodeScopeYoungServerWithoutNode(t *testing.T) {
	env := newEnv()
	server := &cloud.Server{Created: env.now.Add(-30 * time.Minute)}

	assert.True(t, Node{Name: "build-ant"}.InScope(server, env))

	server.Created = env.now.Add(-2 * time.Hour)
	assert.False(t, Node{Name: "build-ant"}.InScope(server, env))
}

func TestNodeScopeWithLocalNode(t *testing.T) {
	env := newEnv()
	env.nodes["build-ant"] = "abc"
	server := &cloud.Server{Created: env.now.Add(-5 * time.Hour)}

	assert.True(t, Node{Name: "build-ant"}.InScope(server, env))
	assert.True(t, Node{Name: "build-ant", Fingerprint: "abc"}.InScope(server, env))
	assert.False(t, Node{Name: "build-ant", Fingerprint: "other"}.InScope(server, env))
}

func TestNodeScopeConsultsHistoryBeforeAge(t *testing.T) {
	env := newEnv()
	young := &cloud.Server{Created: env.now.Add(-time.Minute)}
	old := &cloud.Server{Created: env.now.Add(-5 * time.Hour)}

	env.phases["abc"] = activity.PhaseCompleted
	assert.False(t, Node{Name: "build-ant", Fingerprint: "abc"}.InScope(young, env))

	for _, phase := range []activity.Phase{activity.PhaseCreating, activity.PhaseLaunching, activity.PhaseOperating} {
		env.phases["abc"] = phase
		assert.True(t, Node{Name: "build-ant", Fingerprint: "abc"}.InScope(old, env), phase)
	}
}

func TestRunScope(t *testing.T) {
	env := newEnv()
	env.runs["project:3"] = true

	assert.True(t, Run{Project: "project", Number: 3}.InScope(nil, env))
	assert.False(t, Run{Project: "project", Number: 4}.InScope(nil, env))
}

func TestTimeScope(t *testing.T) {
	env := newEnv()
	created := env.now
	s := NewTime(created, 10*time.Minute)

	env.now = created.Add(9 * time.Minute)
	assert.True(t, s.InScope(nil, env))

	env.now = created.Add(11 * time.Minute)
	assert.False(t, s.InScope(nil, env))
}

func TestTimeScopeBoundsAfterRoundTrip(t *testing.T) {
	env := newEnv()
	created := env.now

	parsed, err := Parse(NewTime(created, 0).String())
	require.NoError(t, err)
	env.now = created.Add(time.Nanosecond)
	assert.False(t, parsed.InScope(nil, env), "a zero duration expires right away")

	parsed, err = Parse(NewTime(created, 24*time.Hour).String())
	require.NoError(t, err)
	env.now = created
	assert.True(t, parsed.InScope(nil, env), "a day long scope holds at creation")
	env.now = created.Add(24 * time.Hour)
	assert.False(t, parsed.InScope(nil, env))
}

func TestTimeScopeSerializesTruncated(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 700_000_000, time.Local)
	s := NewTime(created, time.Minute)

	assert.Equal(t, "time:2024-03-01 12:01:00", s.String())
	assert.Equal(t, created.Add(time.Minute), s.Deadline)
}

func TestUnlimitedScope(t *testing.T) {
	assert.True(t, Unlimited{}.InScope(nil, newEnv()))
	assert.Equal(t, "unlimited:unlimited", Unlimited{}.String())
}
