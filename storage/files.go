package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store keeps payment slips and generated receipts on local disk. Files get
// generated names so client-supplied filenames never touch the filesystem.
type Store struct {
	slipDir    string
	receiptDir string
	logger     *zap.Logger
}

func NewStore(logger *zap.Logger) (*Store, error) {
	slipDir := getEnv("UPLOAD_DIR", "uploads/slips")
	receiptDir := getEnv("RECEIPT_DIR", "uploads/receipts")

	for _, dir := range []string{slipDir, receiptDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}

	return &Store{
		slipDir:    slipDir,
		receiptDir: receiptDir,
		logger:     logger,
	}, nil
}

// SaveSlip stores an uploaded proof-of-payment blob and returns its path.
func (s *Store) SaveSlip(r io.Reader, originalName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	name := uuid.New().String() + ext
	path := filepath.Join(s.slipDir, name)

	if err := writeFile(path, r); err != nil {
		return "", fmt.Errorf("failed to save slip: %w", err)
	}
	return path, nil
}

// SaveReceipt stores a generated receipt document under the given name.
func (s *Store) SaveReceipt(name string, r io.Reader) (string, error) {
	path := filepath.Join(s.receiptDir, name)
	if err := writeFile(path, r); err != nil {
		return "", fmt.Errorf("failed to save receipt: %w", err)
	}
	return path, nil
}

// Remove deletes a stored file, used to roll back an uploaded slip when the
// checkout transaction fails. Only paths inside the managed directories are
// touched.
func (s *Store) Remove(path string) error {
	if !s.manages(path) {
		return fmt.Errorf("refusing to remove unmanaged path %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a stored file is still present on disk.
func (s *Store) Exists(path string) bool {
	if !s.manages(path) {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) manages(path string) bool {
	clean := filepath.Clean(path)
	return strings.HasPrefix(clean, filepath.Clean(s.slipDir)+string(filepath.Separator)) ||
		strings.HasPrefix(clean, filepath.Clean(s.receiptDir)+string(filepath.Separator))
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
