package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/cytoreport/pkg/types"
)

// ErrExecutableNotFound is returned when no candidate path is an executable regular file.
var ErrExecutableNotFound = errors.New("executable not found")

// Binary names of the simulation toolchain.
const (
	ReportBinary = "report"
	RenderBinary = "play"
)

// Resolver locates the simulation binaries: first under BinPath, then under
// the per-user install convention <Home>/.<Codename>/bin.
type Resolver struct {
	BinPath  string
	Home     string
	Codename string
}

// ResolverFromEnv fills the resolver from CYTOSIMBINPATH, HOME and DISTRIB_CODENAME.
func ResolverFromEnv() Resolver {
	return Resolver{
		BinPath:  os.Getenv("CYTOSIMBINPATH"),
		Home:     os.Getenv("HOME"),
		Codename: os.Getenv("DISTRIB_CODENAME"),
	}
}

// Candidates lists the paths tried for name, in order.
func (r Resolver) Candidates(name string) []string {
	var out []string
	if r.BinPath != "" {
		out = append(out, filepath.Join(r.BinPath, name))
	}
	if r.Home != "" {
		out = append(out, filepath.Join(r.Home, "."+r.Codename, "bin", name))
	}
	return out
}

// Resolve returns the first candidate that is an executable regular file.
func (r Resolver) Resolve(name string) (string, error) {
	candidates := r.Candidates(name)
	for _, p := range candidates {
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s (tried %s)", ErrExecutableNotFound, name, strings.Join(candidates, ", "))
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular() && st.Mode().Perm()&0o111 != 0
}

// ReportArgs builds the report argument vector: sub-command, then the frame
// list when a filter is set.
func ReportArgs(op types.Operation, frames types.FrameFilter) []string {
	args := []string{op.Subcommand()}
	if arg := frames.Arg(); arg != "" {
		args = append(args, arg)
	}
	return args
}

// RenderArgs builds the play argument vector for image dumps into outDir.
// objects.cmo from simDir is passed first when it exists.
func RenderArgs(simDir, outDir, format string, frames types.FrameFilter) []string {
	var args []string
	cmo := filepath.Join(simDir, "objects.cmo")
	if st, err := os.Stat(cmo); err == nil && st.Mode().IsRegular() {
		args = append(args, cmo)
	}
	if format == "" {
		format = "png"
	}
	args = append(args, "image", "image_format="+format, "image_dir="+outDir)
	if arg := frames.Arg(); arg != "" {
		args = append(args, arg)
	}
	return args
}
