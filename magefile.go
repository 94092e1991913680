//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	buildDir   = "build"
	binaryName = "opsdeck"
	mainPkg    = "./cmd/opsdeck"
)

// ===============================
// Mage Aliases
// ===============================

var Aliases = map[string]interface{}{
	"clean":     Clean.Build,
	"clean-all": Clean.All,
	"deps":      Deps.Go,
	"lint":      QC.Lint,
	"vet":       QC.Vet,
	"test":      Test.All,
	"test-cov":  Test.Coverage,
	"test-race": Test.Race,
}

// ===============================
// Ensure Dependencies
// ===============================

func isStaticcheckInstalled() error {
	if _, err := exec.LookPath("staticcheck"); err != nil {
		return fmt.Errorf("staticcheck is not installed.")
	}
	return nil
}

// ===============================
// Dependency Management Tasks
// ===============================

type Deps mg.Namespace

// Installs Go dependencies
func (Deps) Go() error {
	fmt.Println("Installing go dependencies...")
	return sh.RunV("go", "mod", "tidy")
}

// ===============================
// Cleanup Tasks
// ===============================

type Clean mg.Namespace

// Cleans all build artifacts and caches
func (Clean) All() {
	mg.SerialDeps(Clean.Build, Clean.GoCache)
}

// Cleans build artifacts
func (Clean) Build() error {
	fmt.Println("\n🧹 Cleaning build directory...")
	os.RemoveAll(buildDir)
	return nil
}

// Cleans the Go cache
func (Clean) GoCache() error {
	goCacheDir, _ := exec.Command("go", "env", "GOCACHE").Output()
	fmt.Println("\n🧹 Cleaning Go cache...")
	os.RemoveAll(string(goCacheDir))
	return nil
}

// ===============================
// Build Tasks
// ===============================

// Builds the server binary into the build directory
func Build() error {
	fmt.Println("\n🔨 Building", binaryName, "...")
	output := buildDir + "/" + binaryName
	if runtime.GOOS == "windows" {
		output += ".exe"
	}
	return sh.RunV("go", "build", "-trimpath", "-o", output, mainPkg)
}

// Runs the server locally against the current kubeconfig
func Dev() error {
	return sh.RunV("go", "run", mainPkg, "-listen", ":8080", "-v", "2")
}

// ===============================
// Quality Checks
// ===============================

type QC mg.Namespace

// Runs go vet
func (QC) Vet() error {
	fmt.Println("\n🔎 Running go vet...")
	return sh.RunV("go", "vet", "./...")
}

// Runs staticcheck
func (QC) Lint() error {
	if err := isStaticcheckInstalled(); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running staticcheck...")
	return sh.RunV("staticcheck", "./...")
}

// ===============================
// Test Tasks
// ===============================

type Test mg.Namespace

// Runs all tests
func (Test) All() error {
	fmt.Println("\n🧪 Running tests...")
	return sh.RunV("go", "test", "./...")
}

// Runs all tests with the race detector
func (Test) Race() error {
	fmt.Println("\n🧪 Running tests with race detector...")
	return sh.RunV("go", "test", "-race", "./...")
}

// Runs all tests with coverage reporting
func (Test) Coverage() error {
	fmt.Println("\n🧪 Running tests with coverage...")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	profile := buildDir + "/coverage.out"
	if err := sh.RunV("go", "test", "-coverprofile", profile, "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func", profile)
}
