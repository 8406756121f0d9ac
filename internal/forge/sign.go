package forge

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	releaseManifestName = "release.json"
	signatureExt        = ".sig"
)

// ReleaseFile is one published file in a release manifest.
type ReleaseFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Release describes what a run published, for consumers that fetch the
// module from a remote store.
type Release struct {
	Module   string        `json:"module"`
	Revision string        `json:"revision"`
	Tool     string        `json:"tool"`
	RunID    string        `json:"run_id,omitempty"`
	BuiltAt  time.Time     `json:"built_at"`
	Files    []ReleaseFile `json:"files"`
}

// buildRelease hashes every file in paths.
func buildRelease(module, revision, runID string, paths []string) (Release, error) {
	rel := Release{
		Module:   module,
		Revision: revision,
		Tool:     "wasmforge " + version,
		RunID:    runID,
		BuiltAt:  time.Now().UTC(),
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return rel, err
		}
		sum, err := hashFile(p)
		if err != nil {
			return rel, fmt.Errorf("hash %s: %w", filepath.Base(p), err)
		}
		rel.Files = append(rel.Files, ReleaseFile{Name: filepath.Base(p), Size: info.Size(), BLAKE3: sum})
	}
	return rel, nil
}

// WriteRelease writes release.json into dir and, when key is set, a detached
// hex signature next to it. It returns the paths written.
func WriteRelease(dir string, rel Release, key ed25519.PrivateKey) ([]string, error) {
	data, err := json.MarshalIndent(rel, "", "  ")
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(dir, releaseManifestName)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", releaseManifestName, err)
	}
	out := []string{manifestPath}
	if key == nil {
		return out, nil
	}

	sigPath := manifestPath + signatureExt
	sig := hex.EncodeToString(SignData(data, key))
	if err := os.WriteFile(sigPath, []byte(sig+"\n"), 0o644); err != nil {
		return out, fmt.Errorf("failed to write signature: %w", err)
	}
	return append(out, sigPath), nil
}

// SignData signs arbitrary data with a private key.
func SignData(data []byte, privateKey ed25519.PrivateKey) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignatureRaw verifies a hex signature against public key bytes.
func VerifySignatureRaw(data, sigHex, pubKeyBytes []byte) error {
	signature, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pubKeyBytes))
	}

	publicKey := ed25519.PublicKey(pubKeyBytes)
	if !ed25519.Verify(publicKey, data, signature) {
		return errors.New("signature verification failed")
	}
	return nil
}

// loadPrivateKey reads an Ed25519 private key stored as 128 hex chars or 64 raw bytes.
func loadPrivateKey(keyPath string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("private key not found at %s", keyPath)
	}

	trimmedKey := strings.TrimSpace(string(keyData))
	if len(trimmedKey) == 2*ed25519.PrivateKeySize {
		decoded, err := hex.DecodeString(trimmedKey)
		if err == nil {
			return ed25519.PrivateKey(decoded), nil
		}
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}
	return nil, fmt.Errorf("invalid private key format at %s (expected 64 bytes raw or 128 hex chars, got %d)", keyPath, len(trimmedKey))
}

// loadPublicKey reads a hex encoded Ed25519 public key.
func loadPublicKey(keyPath string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(keyData)))
	if err != nil || len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key at %s", keyPath)
	}
	return ed25519.PublicKey(decoded), nil
}

// GenerateKeyPair writes <dir>/<id>.key (owner only) and <dir>/<id>.pub,
// both hex encoded, and returns their paths.
func GenerateKeyPair(dir, id string) (privPath, pubPath string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create key directory: %w", err)
	}

	privPath = filepath.Join(dir, id+".key")
	pubPath = filepath.Join(dir, id+".pub")
	if _, err := os.Stat(privPath); err == nil {
		return "", "", fmt.Errorf("%s already exists", privPath)
	}

	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to save private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to save public key: %w", err)
	}
	return privPath, pubPath, nil
}

// VerifyRelease checks the detached signature of a release manifest and
// that every file it lists, looked up next to the manifest, still matches.
func VerifyRelease(manifestPath string, pub ed25519.PublicKey) (Release, error) {
	var rel Release
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return rel, err
	}
	sig, err := os.ReadFile(manifestPath + signatureExt)
	if err != nil {
		return rel, fmt.Errorf("no signature for %s: %w", filepath.Base(manifestPath), err)
	}
	if err := VerifySignatureRaw(data, sig, pub); err != nil {
		return rel, err
	}
	if err := json.Unmarshal(data, &rel); err != nil {
		return rel, fmt.Errorf("decode %s: %w", filepath.Base(manifestPath), err)
	}

	dir := filepath.Dir(manifestPath)
	for _, f := range rel.Files {
		p := filepath.Join(dir, filepath.Base(f.Name))
		sum, err := hashFile(p)
		if err != nil {
			return rel, fmt.Errorf("%s: %w", f.Name, err)
		}
		if sum != f.BLAKE3 {
			return rel, fmt.Errorf("%s does not match the release manifest", f.Name)
		}
	}
	return rel, nil
}
