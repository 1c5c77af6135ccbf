//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Variables
const (
	binaryDir = "bin"
	binary    = "authentiq"
	mainPkg   = "./services/auth/cmd"
	goFlags   = "-v"
)

func ldFlags() string {
	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	return "-s -w -X main.buildVersion=" + version
}

// All lints, tests and builds.
func All() {
	mg.SerialDeps(Vet, Test, Build)
}

// ============================================================================
// Build targets
// ============================================================================

// Build builds the authentiq command.
func Build() error {
	fmt.Println("Building authentiq...")
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.Run("go", "build", goFlags, "-ldflags", ldFlags(), "-o", filepath.Join(binaryDir, binary), mainPkg)
}

// Doctor runs the health checks against the configured provider.
func Doctor() error {
	return sh.RunV("go", "run", mainPkg, "doctor")
}

// ============================================================================
// Test targets
// ============================================================================

// Test runs all tests.
func Test() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "./...")
}

// TestUnit runs unit tests only.
func TestUnit() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "-short", "./...")
}

// TestCoverage runs tests with coverage report.
func TestCoverage() error {
	if err := sh.Run("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	if err := sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); err != nil {
		return err
	}
	fmt.Println("Coverage report generated: coverage.html")
	return nil
}

// Bench runs benchmarks.
func Bench() error {
	return sh.Run("go", "test", "-bench=.", "-benchmem", "./...")
}

// ============================================================================
// Code quality
// ============================================================================

// Lint runs the linter.
func Lint() error {
	return sh.Run("golangci-lint", "run", "./...")
}

// Fmt formats the code.
func Fmt() error {
	if err := sh.Run("go", "fmt", "./..."); err != nil {
		return err
	}
	return sh.Run("gofumpt", "-l", "-w", ".")
}

// Vet runs go vet.
func Vet() error {
	return sh.Run("go", "vet", "./...")
}

// Tidy tidies go modules.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "verify")
}

// SecurityScan runs gosec.
func SecurityScan() error {
	return sh.Run("gosec", "./...")
}

// ============================================================================
// Keys
// ============================================================================

// GenerateKeys writes an RSA key pair for local RS256 id token testing.
func GenerateKeys() error {
	if err := os.MkdirAll("keys", 0o700); err != nil {
		return err
	}
	if err := sh.Run("openssl", "genrsa", "-out", "keys/private.pem", "2048"); err != nil {
		return err
	}
	if err := sh.Run("openssl", "rsa", "-in", "keys/private.pem", "-pubout", "-out", "keys/public.pem"); err != nil {
		return err
	}
	fmt.Println("Keys generated in keys/ (set strategy.verification_key_path to keys/public.pem)")
	return nil
}

// ============================================================================
// Cleanup
// ============================================================================

// Clean cleans build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	_ = os.Remove("coverage.out")
	_ = os.Remove("coverage.html")
	return nil
}

// InstallTools installs development tools.
func InstallTools() error {
	fmt.Println("Installing development tools...")
	tools := []string{
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"mvdan.cc/gofumpt@latest",
		"github.com/securego/gosec/v2/cmd/gosec@latest",
	}
	for _, tool := range tools {
		if err := sh.Run("go", "install", tool); err != nil {
			return fmt.Errorf("installing %s: %w", tool, err)
		}
	}
	return nil
}
