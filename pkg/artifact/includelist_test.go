package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncludeExclude(t *testing.T) {
	for _, tc := range []struct {
		name     string
		filter   ExcludeIncludeGlob
		path     string
		included bool
	}{
		{"no patterns includes all", ExcludeIncludeGlob{}, "src/main.py", true},
		{"default excludes git metadata", ExcludeIncludeGlob{}, ".git/HEAD", false},
		{"default excludes env files", ExcludeIncludeGlob{}, ".env", false},
		{"default excludes env variants", ExcludeIncludeGlob{}, ".env.production", false},
		{"default excludes nested caches", ExcludeIncludeGlob{}, "node_modules/left-pad/index.js", false},
		{"default excludes prior archives", ExcludeIncludeGlob{}, "build/app.zip", false},
		{"include narrows", ExcludeIncludeGlob{Include: []string{"dist/*"}}, "src/main.py", false},
		{"include admits match", ExcludeIncludeGlob{Include: []string{"dist/*"}}, "dist/app.js", true},
		{"exclude wins over include", ExcludeIncludeGlob{
			Include: []string{"dist/*"},
			Exclude: []string{"dist/*.map"},
		}, "dist/app.js.map", false},
		{"exclude alone keeps the rest", ExcludeIncludeGlob{Exclude: []string{"docs/*"}}, "src/main.py", true},
		{"exclude alone drops match", ExcludeIncludeGlob{Exclude: []string{"docs/*"}}, "docs/readme.md", false},
		{"directory exclude drops the directory", ExcludeIncludeGlob{Exclude: []string{"tests/"}}, "tests", false},
		{"directory exclude drops the subtree", ExcludeIncludeGlob{Exclude: []string{"tests/"}}, "tests/test_main.py", false},
		{"directory exclude drops nested files", ExcludeIncludeGlob{Exclude: []string{"tests/"}}, "tests/unit/test_api.py", false},
		{"directory exclude keeps siblings", ExcludeIncludeGlob{Exclude: []string{"tests/"}}, "src/main.py", true},
		{"wildcard include does not defeat directory exclude", ExcludeIncludeGlob{
			Include: []string{"*"},
			Exclude: []string{"tests/"},
		}, "tests/test_main.py", false},
		{"bare directory exclude also prunes", ExcludeIncludeGlob{Exclude: []string{"vendor"}}, "vendor/lib.go", false},
		{"default excludes test suites", ExcludeIncludeGlob{}, "tests/test_main.py", false},
		{"default excludes jest test dirs", ExcludeIncludeGlob{}, "__tests__/app.test.js", false},
		{"default excludes vcs dirs wholesale", ExcludeIncludeGlob{}, ".git", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.included, tc.filter.IsIncluded(tc.path))
		})
	}
}
