//go:build property
// +build property

package gateway_test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"warden/internal/action"
	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/policy"
)

// Promotion must preserve bytes exactly: the manifest hash always equals the
// hash of the file that landed in the permanent store, for any content
// including empty.
func TestPromotedBytesMatchManifestHash(t *testing.T) {
	base := t.TempDir()
	for _, d := range []string{"staging", "dataset"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	pol, err := policy.New(base, config.PolicyConfig{
		WriteRoots:       []string{"staging"},
		ProtectedRORoots: []string{"dataset"},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw, err := gateway.New(pol, "dataset", "dataset/.manifests/manifest.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("manifest sha256 describes stored bytes", prop.ForAll(
		func(content []byte) bool {
			seq++
			src := filepath.Join(base, "staging", fmt.Sprintf("in-%d.bin", seq))
			if err := os.WriteFile(src, content, 0644); err != nil {
				return false
			}
			results := gw.Promote([]action.PromoteItem{
				{Src: src, RelativeDst: fmt.Sprintf("out-%d.bin", seq)},
			}, "prop", "prop")
			if len(results) != 1 || !results[0].OK {
				return false
			}
			stored, err := os.ReadFile(results[0].Dst)
			if err != nil {
				return false
			}
			sum := sha256.Sum256(stored)
			return hex.EncodeToString(sum[:]) == results[0].SHA256 &&
				string(stored) == string(content)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("retrying the same dst never overwrites", prop.ForAll(
		func(first, second []byte) bool {
			seq++
			src := filepath.Join(base, "staging", fmt.Sprintf("retry-%d.bin", seq))
			rel := fmt.Sprintf("retry-%d.bin", seq)
			if err := os.WriteFile(src, first, 0644); err != nil {
				return false
			}
			one := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: rel}}, "prop", "prop")
			if !one[0].OK {
				return false
			}
			if err := os.WriteFile(src, second, 0644); err != nil {
				return false
			}
			two := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: rel}}, "prop", "prop")
			if two[0].OK || two[0].Error != "dst exists" {
				return false
			}
			stored, err := os.ReadFile(one[0].Dst)
			if err != nil {
				return false
			}
			return string(stored) == string(first)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
