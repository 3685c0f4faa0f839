package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ArtifactHashField is the self-referential hash slot on persisted artifacts.
const ArtifactHashField = "artifactHash"

// SealArtifact computes the canonical hash of obj with the artifactHash field
// absent, sets the field, and returns the re-serialized canonical bytes.
func SealArtifact(obj map[string]interface{}) ([]byte, error) {
	delete(obj, ArtifactHashField)
	hash, err := Hash(obj)
	if err != nil {
		return nil, err
	}
	obj[ArtifactHashField] = hash
	return Canonical(obj)
}

// VerifyArtifact recomputes the hash of a sealed artifact and reports whether
// it matches the embedded artifactHash.
func VerifyArtifact(sealed []byte) (bool, error) {
	var obj map[string]interface{}
	if err := unmarshalNumbers(sealed, &obj); err != nil {
		return false, err
	}
	stored, ok := obj[ArtifactHashField].(string)
	if !ok || stored == "" {
		return false, fmt.Errorf("canonicalize: artifact has no %s field", ArtifactHashField)
	}
	delete(obj, ArtifactHashField)
	recomputed, err := Hash(obj)
	if err != nil {
		return false, err
	}
	return recomputed == stored, nil
}

func unmarshalNumbers(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("canonicalize: artifact decode failed: %w", err)
	}
	return nil
}
