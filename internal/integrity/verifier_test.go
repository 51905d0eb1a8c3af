package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
)

func TestCalculateHash_SHA256(t *testing.T) {
	// Create dummy file
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	// Calc expected
	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "sha256")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}

	if actual != expectedStr {
		t.Errorf("Expected %s, got %s", expectedStr, actual)
	}
}

func TestCalculateHash_MD5(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := md5.Sum(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "md5")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}

	if actual != expectedStr {
		t.Errorf("Expected %s, got %s", expectedStr, actual)
	}
}

func TestVerifier_MismatchDetection(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	v := NewFileVerifier()

	// Wrong hash
	err := v.Verify(tmpFile.Name(), "md5", "wronghash")
	if err == nil {
		t.Error("Expected error for mismatching hash, got nil")
	}
}

func TestVerifier_InfersAlgorithmFromHashLength(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	sha := sha256.Sum256(content)
	shaStr := hex.EncodeToString(sha[:])

	v := NewFileVerifier()

	// algo == "" with a sha256-length expected hash should still verify.
	if err := v.Verify(tmpFile.Name(), "", shaStr); err != nil {
		t.Errorf("expected inferred sha256 match, got error: %v", err)
	}

	md := md5.Sum(content)
	mdStr := hex.EncodeToString(md[:])
	if err := v.Verify(tmpFile.Name(), "", mdStr); err != nil {
		t.Errorf("expected inferred md5 match, got error: %v", err)
	}
}
