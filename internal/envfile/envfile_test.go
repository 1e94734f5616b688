package envfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/model"
)

// writeFile is a test helper that writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse(t *testing.T) {
	input := `# database settings
DB_HOST=localhost

export DB_PORT = 5432
QUOTED="hello world"
SINGLE='it''s'
EMPTY=
REF=${DB_HOST}
WITH_EQ=a=b
DB_HOST=db.internal
`
	values, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"DB_HOST": "db.internal", // last duplicate wins
		"DB_PORT": "5432",
		"QUOTED":  "hello world",
		"SINGLE":  "it''s",
		"EMPTY":   "",
		"REF":     "${DB_HOST}", // no expansion inside env files
		"WITH_EQ": "a=b",
	}, values)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"missing equals", "A=1\nJUSTAKEY\n", 2},
		{"bad key", "\n\n1BAD=x\n", 3},
		{"space in key", "MY KEY=x", 1},
		{"yaml style", "A=1\nB: 2\n", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.line, pe.Line)
		})
	}
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "abc", unquote(`"abc"`))
	assert.Equal(t, "abc", unquote(`'abc'`))
	assert.Equal(t, `"abc'`, unquote(`"abc'`))
	assert.Equal(t, `"`, unquote(`"`))
	assert.Equal(t, "", unquote(`""`))
}

func TestMerge_LastWriterWins(t *testing.T) {
	base := map[string]string{"A": "1", "B": "1"}
	merged := Merge(
		Layer{Name: "default", Values: base},
		Layer{Name: "env-file", Values: map[string]string{"B": "2", "C": "2"}},
		Layer{Name: "inline", Values: map[string]string{"C": "3"}},
	)

	assert.Equal(t, map[string]string{"A": "1", "B": "2", "C": "3"}, merged)
	assert.Equal(t, "1", base["B"], "inputs must not be mutated")
}

// TestSources_Precedence checks default file < env-file < inline < process env.
func TestSources_Precedence(t *testing.T) {
	dir := t.TempDir()
	def := writeFile(t, dir, ".env", "TAG=default\nPORT=80\nONLY_DEFAULT=yes\n")
	explicit := writeFile(t, dir, "prod.env", "TAG=prod\nPORT=8080\n")

	src := Sources{
		DefaultFile: def,
		EnvFiles:    []string{explicit},
		Inline:      map[string]string{"TAG": "inline"},
		ProcessEnv:  []string{"TAG=process", "PORT=9090"},
	}

	t.Run("process env disabled by default", func(t *testing.T) {
		vars, err := src.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "inline", vars["TAG"])
		assert.Equal(t, "8080", vars["PORT"])
		assert.Equal(t, "yes", vars["ONLY_DEFAULT"])
	})

	t.Run("process env enabled", func(t *testing.T) {
		withProcess := src
		withProcess.UseProcessEnv = true
		vars, err := withProcess.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "process", vars["TAG"])
		assert.Equal(t, "9090", vars["PORT"])
	})
}

func TestSources_MissingFiles(t *testing.T) {
	dir := t.TempDir()

	vars, err := Sources{DefaultFile: filepath.Join(dir, ".env")}.Resolve()
	require.NoError(t, err, "a missing default file is not an error")
	assert.Empty(t, vars)

	_, err = Sources{EnvFiles: []string{filepath.Join(dir, "missing.env")}}.Resolve()
	assert.Error(t, err, "an explicit env-file must exist")
}

func TestReadFiles_Order(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.env", "X=a\nY=a\n")
	b := writeFile(t, dir, "b.env", "Y=b\n")

	vars, err := ReadFiles([]string{a, b})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X": "a", "Y": "b"}, vars)
}

func TestParseAssignments(t *testing.T) {
	vars, err := ParseAssignments([]string{"A=1", "B=", "C=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "", "C": "x=y"}, vars)

	_, err = ParseAssignments([]string{"novalue"})
	assert.Error(t, err)
}

func TestParseEnviron(t *testing.T) {
	vars := ParseEnviron([]string{"HOME=/root", "=ignored", "BROKEN", "EMPTY="})
	assert.Equal(t, map[string]string{"HOME": "/root", "EMPTY": ""}, vars)
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"TAG": "1.0", "EMPTY": "", "HOST": "db"}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no placeholder", "nginx:latest", "nginx:latest"},
		{"simple", "app:${TAG}", "app:1.0"},
		{"default unused", "app:${TAG:-dev}", "app:1.0"},
		{"default for unset", "app:${MISSING:-dev}", "app:dev"},
		{"colon default for empty", "${EMPTY:-fallback}", "fallback"},
		{"dash default keeps empty", "[${EMPTY-fallback}]", "[]"},
		{"dash default for unset", "${MISSING-fallback}", "fallback"},
		{"empty default", "${MISSING:-}", ""},
		{"escaped dollar", "cost: $$5", "cost: $5"},
		{"lone dollar", "echo $HOME", "echo $HOME"},
		{"trailing dollar", "price$", "price$"},
		{"multiple", "${HOST}:${PORT:-5432}/${TAG}", "db:5432/1.0"},
		{"escaped placeholder", "$${TAG}", "${TAG}"},
		{"nested default", "${MISSING:-${HOST}}", "db"},
		{"nested default unused", "${TAG:-${MISSING}}", "1.0"},
		{"nested default with literal", "${MISSING:-${OTHER:-x}-y}", "x-y"},
		{"default then placeholder", "${MISSING:-pg}/${TAG}", "pg/1.0"},
		{"alternate when set", "${TAG:+tagged}", "tagged"},
		{"alternate when empty", "[${EMPTY:+tagged}]", "[]"},
		{"plus keeps empty set", "${EMPTY+set}", "set"},
		{"required present", "${TAG:?tag is required}", "1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpolate(tt.input, "services.web.image", vars)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestInterpolate_MissingVariable(t *testing.T) {
	_, err := Interpolate("app:${TAG}", "services.web.image", map[string]string{})
	require.Error(t, err)

	var missing *model.MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "TAG", missing.Variable)
	assert.Equal(t, "services.web.image", missing.Field)
}

func TestInterpolate_MissingVariableInContext(t *testing.T) {
	vars := map[string]string{"EMPTY": ""}

	tests := []struct {
		name     string
		input    string
		variable string
		reason   string
	}{
		{"inside used default", "${UNSET:-${B}}", "B", ""},
		{"after a default", "${UNSET:-x}/${B}", "B", ""},
		{"required unset", "${TAG:?set TAG first}", "TAG", "set TAG first"},
		{"required empty", "${EMPTY:?must not be empty}", "EMPTY", "must not be empty"},
		{"required-if-unset", "${TAG?}", "TAG", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interpolate(tt.input, "services.web.image", vars)
			require.Error(t, err)

			var missing *model.MissingVariableError
			require.True(t, errors.As(err, &missing), "got %v", err)
			assert.Equal(t, tt.variable, missing.Variable)
			assert.Equal(t, tt.reason, missing.Reason)
		})
	}

	got, err := Interpolate("${EMPTY?}", "services.web.image", vars)
	require.NoError(t, err, "an empty but set variable satisfies ${NAME?}")
	assert.Equal(t, "", got)
}

func TestInterpolate_Malformed(t *testing.T) {
	for _, input := range []string{"${TAG", "${}", "${1X}", "${A B}"} {
		t.Run(input, func(t *testing.T) {
			_, err := Interpolate(input, "services.web.image", map[string]string{"TAG": "x"})
			require.Error(t, err)

			var structural *model.StructuralError
			require.True(t, errors.As(err, &structural))
			assert.Equal(t, "services.web.image", structural.Path)
		})
	}
}
