// Command fripac-embed is a thin demonstration harness for the fripac
// library: it reads a loader binary and a script payload, embeds the
// payload, and writes the patched loader to an output path.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
	"github.com/xyproto/fripac"
	"github.com/xyproto/fripac/internal/engine"
)

const versionString = "fripac-embed 0.1.0"

func main() {
	var (
		loaderFlag  = flag.String("loader", "", "path to the prebuilt ELF/PE loader binary")
		payloadFlag = flag.String("payload", "", "path to the script payload to embed")
		outputFlag  = flag.String("o", "", "output path for the patched loader")
		neededFlag  = flag.String("needed", "", "additional DT_NEEDED library name to add (ELF only)")
		xzFlag      = flag.Bool("xz", false, "compress the payload with XZ before embedding")
		sanitize    = flag.Bool("sanitize", false, "run the anti-instrumentation string sanitizer (ELF only)")
		targetFlag  = flag.String("target", "", "expected target platform as arch-os (e.g. amd64-linux); validated against the loader before patching")
		version     = flag.Bool("version", false, "print version information and exit")
		verbose     = flag.Bool("v", false, "verbose mode (debug logging)")
	)
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		return
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *loaderFlag == "" || *payloadFlag == "" || *outputFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: fripac-embed -loader <path> -payload <path> -o <path> [-needed <lib>] [-xz] [-sanitize] [-target <arch-os>]")
		os.Exit(2)
	}

	if err := run(*loaderFlag, *payloadFlag, *outputFlag, *neededFlag, *targetFlag, *xzFlag, *sanitize); err != nil {
		fmt.Fprintf(os.Stderr, "fripac-embed: %v\n", err)
		os.Exit(1)
	}
}

// parseTarget parses an "arch-os" spec (e.g. "amd64-linux", "arm64-windows")
// into an engine.Platform using the same GOARCH/GOOS-flavored spellings
// engine.ParseArch/ParseOS accept.
func parseTarget(s string) (engine.Platform, error) {
	archPart, osPart, ok := strings.Cut(s, "-")
	if !ok {
		return engine.Platform{}, fmt.Errorf("target %q must be of the form arch-os (e.g. amd64-linux)", s)
	}
	arch, err := engine.ParseArch(archPart)
	if err != nil {
		return engine.Platform{}, err
	}
	osName, err := engine.ParseOS(osPart)
	if err != nil {
		return engine.Platform{}, err
	}
	return engine.Platform{Arch: arch, OS: osName}, nil
}

// checkTarget validates that a loader binary's detected format and platform
// match an operator-supplied expected target, so a mismatched loader (e.g.
// an arm64 loader fed to a -target amd64-linux build) is rejected before any
// patching happens rather than producing a silently unbootable binary.
func checkTarget(want engine.Platform, format fripac.Format, got engine.Platform) error {
	switch format {
	case fripac.FormatELF:
		if !want.IsELF() {
			return fmt.Errorf("target %s does not take an ELF loader, but the loader is an ELF binary", want)
		}
	case fripac.FormatPE:
		if !want.IsPE() {
			return fmt.Errorf("target %s does not take a PE loader, but the loader is a PE binary", want)
		}
	}
	if got.Arch != engine.ArchUnknown && got.Arch != want.Arch {
		return fmt.Errorf("target %s does not match loader architecture %s", want, got.Arch)
	}
	return nil
}

func run(loaderPath, payloadPath, outputPath, needed, target string, useXZ, sanitize bool) error {
	loaderData, err := os.ReadFile(loaderPath)
	if err != nil {
		return fmt.Errorf("reading loader: %w", err)
	}
	payloadData, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	wrapped, err := fripac.WrapScriptPayload(payloadPath, payloadData)
	if err != nil {
		return fmt.Errorf("wrapping payload: %w", err)
	}

	proc, format, err := fripac.New(loaderData)
	if err != nil {
		return fmt.Errorf("parsing loader: %w", err)
	}
	logrus.Debugf("loader format: %s, size: %d bytes", format, len(loaderData))
	logrus.Debugf("loader platform: %s", proc.Platform())

	if target != "" {
		wantPlatform, err := parseTarget(target)
		if err != nil {
			return fmt.Errorf("parsing -target: %w", err)
		}
		if err := checkTarget(wantPlatform, format, proc.Platform()); err != nil {
			return fmt.Errorf("target mismatch: %w", err)
		}
	}

	if off, ok := proc.FindEmbeddedConfig(); ok {
		logrus.Debugf("found embedded-config marker at offset %d", off)
	}

	if err := proc.AddEmbeddedConfigData(wrapped, useXZ); err != nil {
		return fmt.Errorf("embedding payload: %w", err)
	}

	if needed != "" {
		if err := proc.AddNeededLibrary(needed); err != nil {
			return fmt.Errorf("adding needed library %q: %w", needed, err)
		}
	}

	if sanitize {
		if err := proc.AntiAntiFrida(); err != nil {
			return fmt.Errorf("sanitizing strings: %w", err)
		}
	}

	outData := proc.IntoData()
	perm := os.FileMode(env.Int("FRIPAC_OUTPUT_PERM", 0o755))
	return os.WriteFile(outputPath, outData, perm)
}
