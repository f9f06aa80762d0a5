package crewfile

import (
	"os"
	"path/filepath"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/HyphaGroup/crewflow/internal/validation"
)

// fileFunc returns file(path): the contents of a file under baseDir. Paths
// must be relative and stay inside baseDir.
func fileFunc(baseDir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			rel, err := validation.SanitizePath(filepath.ToSlash(args[0].AsString()))
			if err != nil {
				return cty.NilVal, err
			}
			b, err := os.ReadFile(filepath.Join(baseDir, filepath.FromSlash(rel)))
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(string(b)), nil
		},
	})
}
