package checkpoint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// manifestVersion identifies the current schema version of checkpoint
// manifests.
const manifestVersion = "v1"

const manifestFile = "manifest.json"

// FileRef points at one payload file with its content checksum.
type FileRef struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

// TableRef points at one serialized table: the CSV data file plus its
// schema sidecar.
type TableRef struct {
	Name   string  `json:"name,omitempty"`
	Rows   int     `json:"rows"`
	Data   FileRef `json:"data"`
	Schema FileRef `json:"schema"`
}

// Payload is the immutable manifest body that gets signed.
type Payload struct {
	Version       string     `json:"version"`
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	TaskName      string     `json:"task_name"`
	TaskType      string     `json:"task_type"`
	StepName      string     `json:"step_name"`
	SavedAt       time.Time  `json:"saved_at"`
	HistoryLength int        `json:"history_length"`
	Context       FileRef    `json:"context"`
	Primary       *TableRef  `json:"primary,omitempty"`
	Auxiliary     []TableRef `json:"auxiliary,omitempty"`
}

// Signed wraps the payload with checksum and signature metadata. The
// checksum is always present; the signature only when the store carries a
// signing secret.
type Signed struct {
	Manifest  Payload   `json:"manifest"`
	Checksum  string    `json:"checksum"`
	Signature string    `json:"signature,omitempty"`
	Algorithm string    `json:"algorithm"`
	SignedAt  time.Time `json:"signed_at"`
}

// Sign checksums the canonical payload JSON and, when a secret is given,
// signs the checksum with HMAC-SHA256.
func Sign(payload Payload, secret string, signedAt time.Time) (Signed, error) {
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return Signed{}, err
	}
	sum := sha256.Sum256(canonical)
	signed := Signed{
		Manifest:  payload,
		Checksum:  hex.EncodeToString(sum[:]),
		Algorithm: "sha256",
		SignedAt:  signedAt.UTC(),
	}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(signed.Checksum))
		signed.Signature = hex.EncodeToString(mac.Sum(nil))
		signed.Algorithm = "hmac-sha256"
	}
	return signed, nil
}

// Verify recomputes the checksum and, when a secret or signature is
// present, the signature, and ensures they match the stored values.
func Verify(signed Signed, secret string) error {
	canonical, err := json.Marshal(signed.Manifest)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	if signed.Checksum != hex.EncodeToString(sum[:]) {
		return fmt.Errorf("manifest checksum mismatch")
	}
	if secret == "" && signed.Signature == "" {
		return nil
	}
	if secret == "" {
		return fmt.Errorf("manifest is signed but no secret is configured")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed.Checksum))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signed.Signature)) {
		return fmt.Errorf("manifest signature mismatch")
	}
	return nil
}

// checksumFile hashes one payload file.
func checksumFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// fileRef builds a FileRef for a file inside the checkpoint directory.
// The stored path is the base name so a checkpoint stays valid when the
// directory moves.
func fileRef(dir, name string) (FileRef, error) {
	sum, err := checksumFile(filepath.Join(dir, name))
	if err != nil {
		return FileRef{}, err
	}
	return FileRef{File: name, SHA256: sum}, nil
}

// verifyRef re-hashes the referenced file and compares.
func verifyRef(dir string, ref FileRef) error {
	sum, err := checksumFile(filepath.Join(dir, ref.File))
	if err != nil {
		return fmt.Errorf("payload %s: %w", ref.File, err)
	}
	if sum != ref.SHA256 {
		return fmt.Errorf("payload %s: checksum mismatch", ref.File)
	}
	return nil
}

func infoFromPayload(dir string, p Payload) Info {
	info := Info{
		ID:            p.ID,
		RunID:         p.RunID,
		TaskName:      p.TaskName,
		TaskType:      p.TaskType,
		StepName:      p.StepName,
		SavedAt:       p.SavedAt,
		HistoryLength: p.HistoryLength,
		AuxTables:     len(p.Auxiliary),
		Dir:           dir,
	}
	if p.Primary != nil {
		info.PrimaryRows = p.Primary.Rows
	}
	return info
}
