package model

import (
	"io/ioutil"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	yaml "gopkg.in/yaml.v2"

	"go.rbx.dev/rbx/errtag"
)

// Load reads and validates a package descriptor from
// <dir>/rbx-package.yaml.
//
// This is the only place untyped YAML data exists in the engine: once Load
// returns, every downstream component works with the typed Package struct.
func Load(dir string) (*Package, error) {
	path := filepath.Join(dir, "rbx-package.yaml")
	blob, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading %s", path).Err()
	}

	pkg := &Package{}
	if err := yaml.UnmarshalStrict(blob, pkg); err != nil {
		return nil, errors.Annotate(err, "parsing %s", path).Tag(errtag.User).Err()
	}
	pkg.Root = dir

	if err := pkg.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating %s", path).Tag(errtag.User).Err()
	}
	return pkg, nil
}
