package obswatchdog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/probe"
	"github.com/3leaps/mash/pkg/provider"
)

// buildProber compiles one regex extractor per package-version
// condition, matching a "<package>=<version>" line in the artifact's
// manifest. File-presence conditions (FilePath set) are checked
// separately against the repository listing, not through the prober.
func buildProber(conditions []jobdoc.Condition) (*probe.Prober, error) {
	seen := map[string]bool{}
	var extract []probe.ExtractorConfig
	for _, c := range conditions {
		if c.Package == "" || seen[c.Package] {
			continue
		}
		seen[c.Package] = true
		extract = append(extract, probe.ExtractorConfig{
			Name:    c.Package,
			Type:    "regex",
			Pattern: `(?m)^` + regexp.QuoteMeta(c.Package) + `=(\S+)`,
			Group:   1,
		})
	}
	return probe.New(probe.Config{Extract: extract})
}

// filePredicatesSatisfied reports whether every file-presence
// condition (Condition.FilePath set) names a key present somewhere in
// artifacts. This is checked once against the whole listing for the
// job's image, not per-artifact, since the predicate is about the
// repository as a whole having published that file.
func filePredicatesSatisfied(conditions []jobdoc.Condition, artifacts []provider.ObjectSummary) bool {
	present := map[string]bool{}
	for _, a := range artifacts {
		present[a.Key] = true
	}
	for _, c := range conditions {
		if c.FilePath == "" {
			continue
		}
		if !present[c.FilePath] {
			return false
		}
	}
	return true
}

// matchesPackageConditions reports whether every package-version
// condition is satisfied by fields, the output of running the job's
// prober over one artifact's manifest. File-presence conditions are
// ignored here — filePredicatesSatisfied already covers them.
func matchesPackageConditions(conditions []jobdoc.Condition, fields map[string]string) (bool, error) {
	for _, c := range conditions {
		if c.Package == "" {
			continue
		}
		got, ok := fields[c.Package]
		if !ok {
			return false, nil
		}
		ok, err := compareVersions(got, c.ConditionOp, c.Version)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", c.Package, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareVersions(got, op, want string) (bool, error) {
	gotVer, err := semver.NewVersion(got)
	if err != nil {
		return false, fmt.Errorf("parse discovered version %q: %w", got, err)
	}
	wantVer, err := semver.NewVersion(want)
	if err != nil {
		return false, fmt.Errorf("parse condition version %q: %w", want, err)
	}
	cmp := gotVer.Compare(wantVer)
	switch op {
	case "", "==", "=":
		return cmp == 0, nil
	case ">=":
		return cmp >= 0, nil
	case ">":
		return cmp > 0, nil
	case "<=":
		return cmp <= 0, nil
	case "<":
		return cmp < 0, nil
	case "!=":
		return cmp != 0, nil
	default:
		return false, fmt.Errorf("unsupported condition operator %q", op)
	}
}

// violatesDisallow reports whether manifest's raw content names any
// package or license the job document forbids, returning a
// human-readable reason for logging, or "" if nothing is disallowed.
func violatesDisallow(doc *jobdoc.Document, manifest []byte) string {
	text := string(manifest)
	for _, bad := range doc.DisallowPackages {
		if bad != "" && strings.Contains(text, bad) {
			return fmt.Sprintf("disallowed package %q present", bad)
		}
	}
	for _, bad := range doc.DisallowLicenses {
		if bad != "" && strings.Contains(text, bad) {
			return fmt.Sprintf("disallowed license %q present", bad)
		}
	}
	return ""
}
