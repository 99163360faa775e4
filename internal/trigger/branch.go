package trigger

import "strings"

// BranchKind enumerates the recognized branch classes.
type BranchKind string

const (
	KindStable BranchKind = "stable"
	KindAlpha  BranchKind = "alpha"
	KindBeta   BranchKind = "beta"
	KindRC     BranchKind = "rc"
	KindOther  BranchKind = "other"
)

// BranchClass is either Stable or a pre-release of some kind. The zero value is
// the "other" class.
type BranchClass struct {
	kind BranchKind
}

var (
	Stable = BranchClass{kind: KindStable}
	Other  = BranchClass{kind: KindOther}
)

// PreRelease returns the pre-release class for kind.
func PreRelease(kind BranchKind) BranchClass {
	return BranchClass{kind: kind}
}

// Kind returns the class's kind; the zero value reports KindOther.
func (c BranchClass) Kind() BranchKind {
	if c.kind == "" {
		return KindOther
	}
	return c.kind
}

func (c BranchClass) IsStable() bool { return c.kind == KindStable }

// Releasable reports whether a push to this class may start a run.
func (c BranchClass) Releasable() bool {
	return c.Kind() != KindOther
}

func (c BranchClass) String() string { return string(c.Kind()) }

// prefixes are matched in order against the branch name
var prefixes = []struct {
	prefix string
	class  BranchClass
}{
	{"stable", Stable},
	{"alpha", PreRelease(KindAlpha)},
	{"beta", PreRelease(KindBeta)},
	{"rc", PreRelease(KindRC)},
}

// ClassifyBranch derives the branch class from a branch reference such as
// "refs/heads/stable-1" or "alpha-2".
func ClassifyBranch(ref string) BranchClass {
	name := BranchName(ref)
	for _, p := range prefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.class
		}
	}
	return Other
}

// BranchName strips the refs/heads/ prefix from a reference.
func BranchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Policy is the publish behaviour that follows from a branch class.
type Policy struct {
	PublicRegistry bool // Publish to the public registry (otherwise dry-run)
	Draft          bool // Create the release record as a draft
	CreateTag      bool // Let the release record create a git tag
	Prerelease     bool // Mark the release record as a pre-release
}

// PolicyFor is the single decision point for branch-class dependent behaviour.
func PolicyFor(class BranchClass) Policy {
	if class.IsStable() {
		return Policy{PublicRegistry: true, Draft: false, CreateTag: true}
	}
	return Policy{
		PublicRegistry: false,
		Draft:          true,
		CreateTag:      false,
		Prerelease:     class.Kind() != KindOther,
	}
}
