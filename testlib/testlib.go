// Package testlib encodes the argv and exit-code conventions that
// checkers, validators and interactors are expected to follow, mirroring
// the ubiquitous Codeforces/Polygon "testlib.h" calling convention that
// every problem's external programs in this toolkit are written against.
package testlib

import (
	"strconv"

	"go.rbx.dev/rbx/model"
)

// ExitVerdict maps a checker/interactor's exit code to a verdict, per the
// standard testlib.h checker convention: AC=0, WA=1, PE=2, Fail=3,
// anything else is an internal error in the checker itself rather than a
// verdict about the solution.
func ExitVerdict(exitCode int) (verdict model.Verdict, ok bool) {
	switch exitCode {
	case 0:
		return model.VerdictAC, true
	case 1:
		return model.VerdictWA, true
	case 2:
		return model.VerdictPE, true
	case 3:
		return model.VerdictIE, true
	default:
		return model.VerdictIE, false
	}
}

// CheckerArgv builds the standard `checker <input> <output> <answer>
// [opts...]` invocation.
func CheckerArgv(checkerPath, input, output, answer string, opts ...string) []string {
	argv := append([]string{checkerPath, input, output, answer}, opts...)
	return argv
}

// ValidatorArgv builds the standard `validator <input> [opts...]`
// invocation; rbx does not pass group/test metadata to validators the way
// Polygon's `--testOverviewLogFileName` does, keeping the surface minimal.
func ValidatorArgv(validatorPath, input string, opts ...string) []string {
	argv := append([]string{validatorPath, input}, opts...)
	return argv
}

// InteractorArgv builds the standard `interactor <input> <output>
// <answer> [opts...]` invocation. <output> here is conventionally
// unused (the interactor talks to the solution over pipes, not a file)
// but is kept for testlib compatibility; rbx passes "/dev/null".
func InteractorArgv(interactorPath, input, answer string, opts ...string) []string {
	argv := append([]string{interactorPath, input, "/dev/null", answer}, opts...)
	return argv
}

// SeedArgSuffix is appended to every generator invocation's argv so the
// generator's RNG is fully determined by its fingerprint. Generators
// written against testlib's rnd.setSeed(argc, argv) convention pick this
// up automatically since it looks like any other positional token.
const SeedArgSuffix = "--seed"

// GeneratorArgv builds `generator <args...> --seed <seed>`.
func GeneratorArgv(generatorPath string, args []string, seed uint64) []string {
	argv := make([]string, 0, len(args)+3)
	argv = append(argv, generatorPath)
	argv = append(argv, args...)
	argv = append(argv, SeedArgSuffix, strconv.FormatUint(seed, 10))
	return argv
}
