//go:build ignore

// build.go - trialguard build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: build, test, clean, release

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

const binary = "trialguard"

var (
	distDir = "dist"

	// release platforms as GOOS/GOARCH
	platforms = [][2]string{
		{"linux", "amd64"},
		{"linux", "arm64"},
		{"darwin", "arm64"},
		{"windows", "amd64"},
	}

	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
)

func main() {
	target := flag.String("target", "build", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	startTime := time.Now()

	var err error
	switch *target {
	case "build":
		err = build(runtime.GOOS, runtime.GOARCH, *verbose)
	case "test":
		err = runTests(*verbose)
	case "clean":
		err = clean()
	case "release":
		err = release(*verbose)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(startTime).Round(time.Millisecond)))
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorBlue, colorReset, msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s[SUCCESS]%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}

func build(goos, goarch string, verbose bool) error {
	name := binary
	if goos == "windows" {
		name += ".exe"
	}
	out := filepath.Join(distDir, goos+"_"+goarch, name)
	printInfo(fmt.Sprintf("Building %s", out))

	args := []string{"build", "-trimpath", "-ldflags", "-s -w", "-o", out}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, "./cmd/trialguard")

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build %s/%s failed: %w", goos, goarch, err)
	}
	return nil
}

func runTests(verbose bool) error {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go tests failed: %w", err)
	}
	return nil
}

func clean() error {
	printInfo("Cleaning " + distDir)
	return os.RemoveAll(distDir)
}

func release(verbose bool) error {
	if err := clean(); err != nil {
		return err
	}
	if err := runTests(verbose); err != nil {
		return err
	}
	for _, p := range platforms {
		if err := build(p[0], p[1], verbose); err != nil {
			return err
		}
	}
	return nil
}

func showHelp() {
	fmt.Println("Usage: go run build.go [-target=TARGET] [-v]")
	fmt.Println()
	fmt.Println("Targets:")
	fmt.Println("  build     build trialguard for the host platform")
	fmt.Println("  test      run all tests with the race detector")
	fmt.Println("  clean     remove the dist directory")
	fmt.Println("  release   test, then build for every release platform")
}
