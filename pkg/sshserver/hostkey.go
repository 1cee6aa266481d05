package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateSigner loads an SSH host key from path, generating and storing
// a new ed25519 key in OpenSSH format if none exists. An empty path yields an
// ephemeral key.
func LoadOrGenerateSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return EphemeralSigner()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sshserver: resolve host key path: %w", err)
	}

	signer, err := loadSigner(absPath)
	if err == nil {
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return generateAndStoreSigner(absPath)
}

// EphemeralSigner creates a host key that lives only as long as the process.
func EphemeralSigner() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshserver: create signer: %w", err)
	}
	return signer, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Accepts both the generated OpenSSH keys and older PKCS#1 RSA keys.
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("sshserver: parse host key %q: %w", path, err)
	}
	return signer, nil
}

func generateAndStoreSigner(path string) (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, "smallchat host key")
	if err != nil {
		return nil, fmt.Errorf("sshserver: encode host key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sshserver: create host key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshserver: write host key %q: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshserver: create signer: %w", err)
	}
	return signer, nil
}
