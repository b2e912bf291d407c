package cache

import (
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"time"

	rdigest "github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"go.chromium.org/luci/common/errors"

	"go.rbx.dev/rbx/digest"
)

// metaFileName is the marker file whose presence signifies publication.
const metaFileName = "meta"

// metaFile is the on-disk (JSON) shape of an Entry. Kept separate from
// Entry so the wire format can evolve independently of the in-memory type,
// matching the cacheMetadata/Entry split in
// infra/cmd/gaedeploy/cache/metadata.go.
type metaFile struct {
	FingerprintHex string               `json:"fingerprint"`
	Artifacts      map[Role]metaArtifact `json:"artifacts"`
	Metrics        map[string]string    `json:"metrics,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

type metaArtifact struct {
	RelPath string `json:"rel_path"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
}

func writeMeta(dir string, m metaFile) error {
	blob, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return errors.Annotate(err, "cache: marshalling meta").Err()
	}
	return errors.Annotate(ioutil.WriteFile(filepath.Join(dir, metaFileName), blob, 0600), "cache: writing meta").Err()
}

func readMeta(dir string) (metaFile, error) {
	blob, err := ioutil.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return metaFile{}, err
	}
	var m metaFile
	if err := json.Unmarshal(blob, &m); err != nil {
		return metaFile{}, errors.Annotate(err, "cache: corrupt meta").Err()
	}
	return m, nil
}

func (m metaFile) toEntry(entryDir string) (*Entry, error) {
	var fp digest.Fingerprint
	raw, err := hex.DecodeString(m.FingerprintHex)
	if err != nil || len(raw) != len(fp) {
		return nil, errors.Reason("cache: corrupt fingerprint in meta").Err()
	}
	copy(fp[:], raw)

	e := &Entry{
		Fingerprint: fp,
		Artifacts:   make(map[Role]Artifact, len(m.Artifacts)),
		Metrics:     m.Metrics,
		CreatedAt:   m.CreatedAt,
	}
	for role, ma := range m.Artifacts {
		e.Artifacts[role] = Artifact{
			Role:   role,
			Path:   filepath.Join(entryDir, ma.RelPath),
			Digest: rdigest.Digest{Hash: ma.Hash, Size: ma.Size},
		}
	}
	return e, nil
}
