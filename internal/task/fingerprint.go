package task

import (
	"encoding/json"

	"github.com/drover-sh/drover/internal/checksum"
)

// fingerprintFields is the canonical form hashed into a fingerprint.
// JSON gives deterministic field order for structs and sorted keys for
// maps, so equal specs always serialize to equal bytes.
type fingerprintFields struct {
	Tool        string            `json:"tool"`
	Args        []string          `json:"args"`
	Dir         string            `json:"dir"`
	Env         map[string]string `json:"env"`
	Encoding    string            `json:"encoding"`
	ToolVersion string            `json:"tool_version"`
	InputID     string            `json:"input_id"`
}

// Fingerprint derives the cache identity of a spec: tool, arguments,
// working directory, environment overrides, encoding hint, tool version
// and input identity. Specs should be normalized first so equivalent
// directory spellings collapse to one fingerprint.
func Fingerprint(spec CommandSpec) string {
	canon := fingerprintFields{
		Tool:        spec.Tool,
		Args:        spec.Args,
		Dir:         spec.Dir,
		Env:         spec.Env,
		Encoding:    spec.EncodingHint,
		ToolVersion: spec.ToolVersion,
		InputID:     spec.InputID,
	}
	if canon.Args == nil {
		canon.Args = []string{}
	}
	if canon.Env == nil {
		canon.Env = map[string]string{}
	}

	// Marshaling strings, slices and string maps cannot fail
	data, err := json.Marshal(canon)
	if err != nil {
		panic("task: fingerprint marshal: " + err.Error())
	}
	return checksum.SHA256Bytes(data)
}
