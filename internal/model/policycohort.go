package model

import "strings"

// PolicyCohort is an equivalence class of hosts by relay/mempool policy
// relevance. spec.md names these "pre-taproot"/"post-taproot"; the Python
// original (original_source/bmon/mempool.py) names the same two values
// "segwit"/"taproot". This Go port keeps spec.md's external vocabulary —
// see DESIGN.md's Open Question resolution — while taking the
// activation-height boundary from the original.
type PolicyCohort string

const (
	PreTaproot  PolicyCohort = "pre-taproot"
	PostTaproot PolicyCohort = "post-taproot"
)

// taprootActivationVersion is the bitcoind version string at which the
// taproot soft fork's policy relevance begins, per mempool.py's
// PolicyCohort.for_height boundary (0.21.1).
const taprootActivationVersion = "0.21.1"

// CohortForVersion returns the PolicyCohort implied by a daemon version
// string. Cohort membership is a pure function of Host.BitcoinVersion, as
// required by spec.md §3.
func CohortForVersion(version string) PolicyCohort {
	if compareVersions(version, taprootActivationVersion) < 0 {
		return PreTaproot
	}
	return PostTaproot
}

// compareVersions compares two dotted-numeric version strings
// (e.g. "0.21.1" vs "22.0"), returning -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an = parseVersionSegment(as[i])
		}
		if i < len(bs) {
			bn = parseVersionSegment(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersionSegment(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// AllCohorts enumerates the cohorts this system currently recognizes.
func AllCohorts() []PolicyCohort {
	return []PolicyCohort{PreTaproot, PostTaproot}
}
